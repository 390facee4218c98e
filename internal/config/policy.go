package config

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// RateLimitPolicy 限流策略（不可變快照，更新時整份替換）
type RateLimitPolicy struct {
	PerMinute int64 `yaml:"per_minute"`
	PerHour   int64 `yaml:"per_hour"`
	PerDay    int64 `yaml:"per_day"`

	// BlockDuration 超限後的臨時封鎖時間
	BlockDuration time.Duration `yaml:"block_duration"`

	// 可疑行為：短視窗內請求數超過 SuspiciousThreshold 視為可疑
	SuspiciousWindow    time.Duration `yaml:"suspicious_window"`
	SuspiciousThreshold int64         `yaml:"suspicious_threshold"`

	// 可疑訊號累積到 AbuseThreshold（AbuseWindow 內）即觸發臨時封鎖
	AbuseThreshold int64         `yaml:"abuse_threshold"`
	AbuseWindow    time.Duration `yaml:"abuse_window"`

	// TopN 使用量排行保留的識別碼數量
	TopN int `yaml:"top_n"`

	// ListRefresh 黑白名單本地快照的刷新間隔
	ListRefresh time.Duration `yaml:"list_refresh"`

	// 啟動時寫入的名單
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
}

// ApplyDefaults 補齊未設定的欄位
func (p *RateLimitPolicy) ApplyDefaults() {
	if p.PerMinute == 0 {
		p.PerMinute = 60
	}
	if p.PerHour == 0 {
		p.PerHour = 1000
	}
	if p.PerDay == 0 {
		p.PerDay = 10000
	}
	if p.BlockDuration == 0 {
		p.BlockDuration = 15 * time.Minute
	}
	if p.SuspiciousWindow == 0 {
		p.SuspiciousWindow = 10 * time.Second
	}
	if p.SuspiciousThreshold == 0 {
		p.SuspiciousThreshold = 30
	}
	if p.AbuseThreshold == 0 {
		p.AbuseThreshold = 20
	}
	if p.AbuseWindow == 0 {
		p.AbuseWindow = time.Hour
	}
	if p.TopN == 0 {
		p.TopN = 100
	}
	if p.ListRefresh == 0 {
		p.ListRefresh = 30 * time.Second
	}
}

// Validate 檢查策略是否自洽
func (p RateLimitPolicy) Validate() error {
	var errs []error
	if p.PerMinute <= 0 || p.PerHour <= 0 || p.PerDay <= 0 {
		errs = append(errs, errors.New("window ceilings must be positive"))
	}
	if p.PerMinute > p.PerHour || p.PerHour > p.PerDay {
		errs = append(errs, fmt.Errorf("ceilings must not shrink with window size: minute=%d hour=%d day=%d",
			p.PerMinute, p.PerHour, p.PerDay))
	}
	if p.BlockDuration <= 0 {
		errs = append(errs, errors.New("block_duration must be positive"))
	}
	if p.SuspiciousWindow <= 0 || p.AbuseWindow <= 0 {
		errs = append(errs, errors.New("suspicious_window and abuse_window must be positive"))
	}
	if p.SuspiciousThreshold <= 0 || p.AbuseThreshold <= 0 {
		errs = append(errs, errors.New("suspicious_threshold and abuse_threshold must be positive"))
	}
	if p.TopN < 0 {
		errs = append(errs, errors.New("top_n must not be negative"))
	}
	return errors.Join(errs...)
}

// PasswordPolicy 密碼保護策略
type PasswordPolicy struct {
	// MaxAttempts 連續失敗次數上限，達到即鎖定
	MaxAttempts int64 `yaml:"max_attempts"`

	// AttemptWindow 失敗計數的存活時間
	AttemptWindow time.Duration `yaml:"attempt_window"`

	// LockoutDuration 第一次鎖定的時間
	LockoutDuration time.Duration `yaml:"lockout_duration"`

	// Escalate 為 true 時，EscalationWindow 內每次再被鎖定時間加倍，上限 MaxLockout
	Escalate         bool          `yaml:"escalate"`
	EscalationWindow time.Duration `yaml:"escalation_window"`
	MaxLockout       time.Duration `yaml:"max_lockout"`

	// VerifiedTTL 驗證成功旗標的存活時間，0 表示不快取
	VerifiedTTL time.Duration `yaml:"verified_ttl"`

	// BcryptCost 雜湊成本
	BcryptCost int `yaml:"bcrypt_cost"`
}

// ApplyDefaults 補齊未設定的欄位
func (p *PasswordPolicy) ApplyDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.AttemptWindow == 0 {
		p.AttemptWindow = 15 * time.Minute
	}
	if p.LockoutDuration == 0 {
		p.LockoutDuration = 15 * time.Minute
	}
	if p.EscalationWindow == 0 {
		p.EscalationWindow = 24 * time.Hour
	}
	if p.MaxLockout == 0 {
		p.MaxLockout = 24 * time.Hour
	}
	if p.BcryptCost == 0 {
		p.BcryptCost = 10
	}
}

// Validate 檢查策略是否自洽
func (p PasswordPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be positive"))
	}
	if p.AttemptWindow <= 0 || p.LockoutDuration <= 0 {
		errs = append(errs, errors.New("attempt_window and lockout_duration must be positive"))
	}
	if p.MaxLockout < p.LockoutDuration {
		errs = append(errs, fmt.Errorf("max_lockout (%s) must be >= lockout_duration (%s)", p.MaxLockout, p.LockoutDuration))
	}
	if p.VerifiedTTL < 0 {
		errs = append(errs, errors.New("verified_ttl must not be negative"))
	}
	if p.BcryptCost < 4 || p.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("bcrypt_cost out of range: %d", p.BcryptCost))
	}
	return errors.Join(errs...)
}

// Validator 可自我驗證的策略
type Validator interface {
	Validate() error
}

// Holder 持有一份不可變策略快照
//
// 讀取端（每個請求）只做一次原子載入，不取鎖；更新端驗證後整份替換。
type Holder[T Validator] struct {
	v atomic.Pointer[T]
}

// NewHolder 以初始策略建立 Holder
func NewHolder[T Validator](initial T) (*Holder[T], error) {
	h := &Holder[T]{}
	if err := h.Update(initial); err != nil {
		return nil, err
	}
	return h, nil
}

// Load 回傳目前的策略快照
func (h *Holder[T]) Load() T {
	return *h.v.Load()
}

// Update 驗證並替換策略；驗證失敗時保留舊值
func (h *Holder[T]) Update(next T) error {
	if err := next.Validate(); err != nil {
		return err
	}
	h.v.Store(&next)
	return nil
}
