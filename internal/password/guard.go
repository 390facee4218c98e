// Package password 保護有密碼的短網址不被暴力破解
//
// 計數以 (資源, 來源) 為單位：
//
//   - 一個濫用的來源不會把所有嘗試同一連結的人鎖在外面
//   - 一個資源的鎖定不影響其他資源
//
// 與一般限流完全獨立，正常流量額度用完不影響密碼驗證，反之亦然。
//
// 驗證流程：
//
//  1. 鎖定中 → 直接拒絕，不計次、不比對密碼
//  2. 比對成功 → 清除失敗計數，寫入短期「已驗證」旗標
//  3. 比對失敗 → 失敗計數 +1；達到上限轉為鎖定並清除計數
//
// 開啟升級時，升級視窗內每次再被鎖定，鎖定時間加倍（上限 MaxLockout）。
package password

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/config"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
	"github.com/koopa0/system-design/linkguard/pkg/shortcode"
)

// Result 驗證結果
//
// 密碼錯誤與鎖定都是正常結果，不是 error。
type Result struct {
	Verified bool `json:"verified"`

	Locked      bool          `json:"locked"`
	LockedUntil time.Time     `json:"locked_until,omitzero"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`

	// Remaining 鎖定前還能失敗幾次；-1 表示計數器不可用
	Remaining int64 `json:"remaining"`
}

// AttemptState 目前的嘗試狀態
type AttemptState struct {
	Attempts    int64     `json:"attempts"`
	LockedUntil time.Time `json:"locked_until,omitzero"`
	Level       int64     `json:"level"`
}

type lockout struct {
	Until time.Time `json:"until"`
	Level int64     `json:"level"`
}

// Guard 密碼嘗試守衛
type Guard struct {
	cache  *cache.Layer
	hasher Hasher
	policy *config.Holder[config.PasswordPolicy]
	logger *slog.Logger
}

// New 創建密碼守衛
func New(c *cache.Layer, hasher Hasher, policy *config.Holder[config.PasswordPolicy], log *slog.Logger) *Guard {
	return &Guard{
		cache:  c,
		hasher: hasher,
		policy: policy,
		logger: logger.OrDefault(log).With("component", "password"),
	}
}

// Policy 目前的策略
func (g *Guard) Policy() config.PasswordPolicy { return g.policy.Load() }

// UpdatePolicy 驗證後原子替換策略
func (g *Guard) UpdatePolicy(p config.PasswordPolicy) error {
	if err := g.policy.Update(p); err != nil {
		return apperrors.ErrInvalidPolicy.WithDetails(err.Error())
	}
	g.logger.Info("password policy updated", "max_attempts", p.MaxAttempts, "lockout", p.LockoutDuration)
	return nil
}

// Hash 使用設定的憑證原語產生摘要（給建立或更新密碼的呼叫端）
func (g *Guard) Hash(secret string) (string, error) {
	if secret == "" {
		return "", apperrors.Invalid("invalid password", "password must not be empty")
	}
	return g.hasher.Hash(secret)
}

// Verify 驗證 (resource, origin) 提交的密碼
func (g *Guard) Verify(ctx context.Context, resource, origin, secret, digest string) (Result, error) {
	if err := validateKey(resource, origin); err != nil {
		return Result{}, err
	}
	if digest == "" {
		return Result{}, apperrors.Invalid("resource is not password protected", resource)
	}

	policy := g.policy.Load()
	now := g.cache.Now()

	if lk, ok := g.activeLockout(ctx, resource, origin, now); ok {
		g.logger.Debug("verification denied, locked", "resource", resource, "origin", origin, "until", lk.Until)
		return Result{
			Locked:      true,
			LockedUntil: lk.Until,
			RetryAfter:  lk.Until.Sub(now),
		}, nil
	}

	match, err := g.hasher.Compare(secret, digest)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "password comparison failed")
	}

	if match {
		return g.succeed(ctx, resource, origin, policy), nil
	}
	return g.fail(ctx, resource, origin, policy, now), nil
}

func (g *Guard) succeed(ctx context.Context, resource, origin string, p config.PasswordPolicy) Result {
	if err := g.cache.Delete(ctx, cache.AttemptKey(resource, origin)); err != nil {
		g.logger.Warn("failed to clear attempt counter", "resource", resource, "origin", origin, "error", err)
	}
	if p.VerifiedTTL > 0 {
		if err := g.cache.Set(ctx, cache.VerifiedKey(resource, origin), true, p.VerifiedTTL); err != nil {
			g.logger.Debug("failed to cache verified flag", "resource", resource, "error", err)
		}
	}
	g.logger.Debug("password verified", "resource", resource, "origin", origin)
	return Result{Verified: true, Remaining: p.MaxAttempts}
}

func (g *Guard) fail(ctx context.Context, resource, origin string, p config.PasswordPolicy, now time.Time) Result {
	n, err := g.cache.Increment(ctx, cache.AttemptKey(resource, origin), 1, p.AttemptWindow)
	if err != nil {
		// 計數器不可用時不鎖定任何人，只回報失敗
		g.logger.Warn("attempt counter unavailable", "resource", resource, "origin", origin, "error", err)
		return Result{Remaining: -1}
	}

	switch {
	case n < p.MaxAttempts:
		g.logger.Debug("password mismatch", "resource", resource, "origin", origin, "attempts", n)
		return Result{Remaining: p.MaxAttempts - n}

	case n == p.MaxAttempts:
		// 計數器在上一次鎖定時被清除；鎖定期間才開始的請求會被入口擋下，
		// 這裡只可能遇到鎖定建立前就通過入口檢查的請求
		if lk, ok := g.activeLockout(ctx, resource, origin, now); ok {
			return Result{Locked: true, LockedUntil: lk.Until, RetryAfter: lk.Until.Sub(now)}
		}
		lk := g.lock(ctx, resource, origin, p, now)
		return Result{Locked: true, LockedUntil: lk.Until, RetryAfter: lk.Until.Sub(now)}

	default:
		// 併發的失敗請求越過了上限：鎖定只由達到上限的那個請求建立，這裡不重複鎖定
		if lk, ok := g.activeLockout(ctx, resource, origin, now); ok {
			return Result{Locked: true, LockedUntil: lk.Until, RetryAfter: lk.Until.Sub(now)}
		}
		until := now.Add(p.LockoutDuration)
		return Result{Locked: true, LockedUntil: until, RetryAfter: p.LockoutDuration}
	}
}

// lock 建立鎖定並清除失敗計數
func (g *Guard) lock(ctx context.Context, resource, origin string, p config.PasswordPolicy, now time.Time) lockout {
	level := int64(1)
	if p.Escalate {
		n, err := g.cache.Increment(ctx, cache.LockoutCountKey(resource, origin), 1, p.EscalationWindow)
		if err == nil {
			level = n
		}
	}

	d := lockoutDuration(p, level)
	lk := lockout{Until: now.Add(d), Level: level}

	if err := g.cache.Set(ctx, cache.LockoutKey(resource, origin), lk, d); err != nil {
		g.logger.Warn("failed to persist lockout", "resource", resource, "origin", origin, "error", err)
	}
	if err := g.cache.Delete(ctx, cache.AttemptKey(resource, origin)); err != nil {
		g.logger.Warn("failed to clear attempt counter", "resource", resource, "origin", origin, "error", err)
	}

	g.logger.Warn("password lockout", "resource", resource, "origin", origin, "duration", d, "level", level)
	return lk
}

// lockoutDuration LockoutDuration × 2^(level-1)，不超過 MaxLockout
func lockoutDuration(p config.PasswordPolicy, level int64) time.Duration {
	d := p.LockoutDuration
	for i := int64(1); i < level && d < p.MaxLockout; i++ {
		d *= 2
	}
	if d > p.MaxLockout {
		d = p.MaxLockout
	}
	return d
}

// activeLockout 讀取仍有效的鎖定；讀取失敗視為未鎖定
func (g *Guard) activeLockout(ctx context.Context, resource, origin string, now time.Time) (lockout, bool) {
	var lk lockout
	found, err := g.cache.Get(ctx, cache.LockoutKey(resource, origin), &lk)
	if err != nil {
		g.logger.Warn("lockout lookup failed", "resource", resource, "origin", origin, "error", err)
		return lockout{}, false
	}
	if !found || !now.Before(lk.Until) {
		return lockout{}, false
	}
	return lk, true
}

// IsVerified 來源最近是否已通過該資源的驗證
func (g *Guard) IsVerified(ctx context.Context, resource, origin string) bool {
	if validateKey(resource, origin) != nil {
		return false
	}
	var ok bool
	found, _ := g.cache.Get(ctx, cache.VerifiedKey(resource, origin), &ok)
	return found && ok
}

// InvalidateVerified 清除資源所有來源的已驗證旗標（密碼變更時呼叫）
func (g *Guard) InvalidateVerified(ctx context.Context, resource string) (int64, error) {
	if err := validateResource(resource); err != nil {
		return 0, err
	}
	n, err := g.cache.DeleteByPattern(ctx, cache.VerifiedPattern(resource))
	if err != nil {
		return n, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to invalidate verified flags")
	}
	return n, nil
}

// Reset 管理員覆寫：清除鎖定與失敗計數
func (g *Guard) Reset(ctx context.Context, resource, origin string) error {
	if err := validateKey(resource, origin); err != nil {
		return err
	}
	err := g.cache.Delete(ctx,
		cache.AttemptKey(resource, origin),
		cache.LockoutKey(resource, origin),
		cache.LockoutCountKey(resource, origin),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to reset password attempts")
	}
	g.logger.Info("password attempts reset", "resource", resource, "origin", origin)
	return nil
}

// State 查詢 (resource, origin) 的嘗試狀態
func (g *Guard) State(ctx context.Context, resource, origin string) (AttemptState, error) {
	if err := validateKey(resource, origin); err != nil {
		return AttemptState{}, err
	}

	var st AttemptState
	n, err := g.cache.Counter(ctx, cache.AttemptKey(resource, origin))
	if err != nil {
		return AttemptState{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "attempt state unavailable")
	}
	st.Attempts = n

	if lk, ok := g.activeLockout(ctx, resource, origin, g.cache.Now()); ok {
		st.LockedUntil = lk.Until
		st.Level = lk.Level
	}
	return st, nil
}

// validateKey 資源必須是合法短碼；來源不能含 glob 字元（會污染模式刪除）
func validateKey(resource, origin string) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	if origin == "" || len(origin) > 256 || strings.ContainsAny(origin, "*?[]\\ \t\r\n") {
		return apperrors.ErrInvalidIdentifier.WithDetails("invalid origin: " + origin)
	}
	return nil
}

func validateResource(resource string) error {
	if err := shortcode.Validate(resource); err != nil {
		return apperrors.ErrInvalidShortCode.WithDetails(err.Error())
	}
	return nil
}
