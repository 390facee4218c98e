// Package ratelimit 實作請求准入：黑白名單、臨時封鎖、多視窗計數、可疑行為評分
//
// 每個請求的判斷順序：
//
//  1. 白名單 → 放行，不碰任何計數器
//  2. 黑名單或有效的臨時封鎖 → 拒絕
//  3. 分鐘/小時/日三個視窗任一會超限 → 建立臨時封鎖並拒絕
//  4. 其他 → 放行，三個視窗一起遞增，記錄到用量排行
//
// 可疑行為評分與第 3、4 步並行執行：命中特徵只加嚴格標頭並累積 abuse 計數，
// 累積到閾值才走與超限相同的封鎖路徑。
//
// 視窗以第一次遞增為起點、靠 TTL 自然重置（近似滑動視窗）。
// 視窗邊界前後各一波突發，在真實的 60 秒內最多可達上限的兩倍。
//
// 計數器儲存出錯時一律失敗開放：寧可漏封，也不在基礎設施故障時擋掉正常流量。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/kv"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// 視窗名稱
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// 用量排行的存活時間
const usageTTL = 24 * time.Hour

type windowSpec struct {
	name   string
	suffix string
	length time.Duration
	limit  func(config.RateLimitPolicy) int64
}

var windowSpecs = []windowSpec{
	{WindowMinute, "m", cache.WindowMinute, func(p config.RateLimitPolicy) int64 { return p.PerMinute }},
	{WindowHour, "h", cache.WindowHour, func(p config.RateLimitPolicy) int64 { return p.PerHour }},
	{WindowDay, "d", cache.WindowDay, func(p config.RateLimitPolicy) int64 { return p.PerDay }},
}

// BlockEntry 封鎖紀錄
type BlockEntry struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Reason     Reason    `json:"reason"`
	Note       string    `json:"note,omitempty"`
	BlockedAt  time.Time `json:"blocked_at"`
	ExpiresAt  time.Time `json:"expires_at"` // Permanent 時為零值
	Permanent  bool      `json:"permanent"`
}

// Limiter 准入控制器
type Limiter struct {
	cache  *cache.Layer
	policy *config.Holder[config.RateLimitPolicy]
	lists  *lists
	logger *slog.Logger
}

// New 創建限流器
func New(c *cache.Layer, policy *config.Holder[config.RateLimitPolicy], log *slog.Logger) *Limiter {
	log = logger.OrDefault(log).With("component", "ratelimit")
	l := &Limiter{
		cache:  c,
		policy: policy,
		logger: log,
	}
	l.lists = newLists(c, log, func() time.Duration { return l.policy.Load().ListRefresh })
	return l
}

// Policy 目前的限流策略
func (l *Limiter) Policy() config.RateLimitPolicy { return l.policy.Load() }

// UpdatePolicy 驗證後原子替換策略；進行中的請求繼續使用舊快照
func (l *Limiter) UpdatePolicy(p config.RateLimitPolicy) error {
	if err := l.policy.Update(p); err != nil {
		return apperrors.ErrInvalidPolicy.WithDetails(err.Error())
	}
	l.logger.Info("rate limit policy updated",
		"per_minute", p.PerMinute, "per_hour", p.PerHour, "per_day", p.PerDay)
	return nil
}

// Seed 寫入設定檔中的初始名單並載入快照
func (l *Limiter) Seed(ctx context.Context) error {
	p := l.policy.Load()
	for _, e := range p.Whitelist {
		if err := l.AddToWhitelist(ctx, e); err != nil && !errors.Is(err, ErrNotPersisted) {
			return fmt.Errorf("seed whitelist: %w", err)
		}
	}
	for _, e := range p.Blacklist {
		if err := l.AddToBlacklist(ctx, e, "configured"); err != nil && !errors.Is(err, ErrNotPersisted) {
			return fmt.Errorf("seed blacklist: %w", err)
		}
	}
	l.lists.refresh(ctx)
	return nil
}

// CheckAdmission 判斷請求是否放行
//
// 只有識別碼格式錯誤會回傳 error（INVALID_INPUT）；拒絕與失敗開放都是 Decision。
func (l *Limiter) CheckAdmission(ctx context.Context, identifier string, req Request) (Decision, error) {
	id, err := parseIdentifier(identifier)
	if err != nil {
		return Decision{}, err
	}

	policy := l.policy.Load()
	now := l.cache.Now()
	l.lists.ensureFresh(ctx)

	if l.lists.whitelisted(id) {
		return Decision{Allowed: true, Reason: ReasonWhitelisted, Remaining: -1}, nil
	}

	if l.lists.blacklisted(id) {
		l.logger.Info("request denied", "identifier", id.id, "reason", ReasonBlacklisted)
		return Decision{Reason: ReasonBlacklisted, Permanent: true}, nil
	}

	if entry, ok := l.activeBlock(ctx, id.id, now); ok {
		l.logger.Debug("request denied", "identifier", id.id, "reason", ReasonBlocked, "block_reason", entry.Reason)
		return Decision{
			Reason:     ReasonBlocked,
			RetryAfter: entry.ExpiresAt.Sub(now),
			ResetAt:    entry.ExpiresAt,
		}, nil
	}

	var (
		res     kv.WindowResult
		winErr  error
		signals []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, winErr = l.cache.IncrementWindows(gctx, l.windows(id.id, policy))
		return nil
	})
	g.Go(func() error {
		signals = l.suspicious(gctx, id.id, req, policy)
		return nil
	})
	_ = g.Wait()

	var d Decision
	switch {
	case winErr != nil:
		l.logger.Error("rate counters unavailable, failing open", "identifier", id.id, "error", winErr)
		d = Decision{Allowed: true, Reason: ReasonDegraded, Remaining: -1}

	case !res.Allowed:
		ws := windowSpecs[res.Exceeded]
		entry := l.block(ctx, id.id, ReasonRateLimited, ws.name+" ceiling exceeded", policy.BlockDuration, now)
		l.logger.Info("request denied", "identifier", id.id, "reason", ReasonRateLimited, "window", ws.name)
		d = Decision{
			Reason:     ReasonRateLimited,
			Limit:      ws.limit(policy),
			Remaining:  0,
			Window:     ws.name,
			RetryAfter: entry.ExpiresAt.Sub(now),
			ResetAt:    entry.ExpiresAt,
		}

	default:
		d = Decision{Allowed: true, Reason: ReasonAllowed}
		l.fillQuota(&d, res, policy, now)
		l.recordUsage(ctx, id.id, policy)
	}

	if len(signals) > 0 {
		d.Suspicious = true
		d.Signals = signals
		if d.Allowed && l.escalateAbuse(ctx, id.id, signals, policy, now) {
			d = Decision{
				Reason:     ReasonAbuse,
				RetryAfter: policy.BlockDuration,
				ResetAt:    now.Add(policy.BlockDuration),
				Suspicious: true,
				Signals:    signals,
			}
		}
	}

	return d, nil
}

// windows 三個視窗的計數器定義
func (l *Limiter) windows(id string, p config.RateLimitPolicy) []kv.Window {
	out := make([]kv.Window, len(windowSpecs))
	for i, ws := range windowSpecs {
		out[i] = kv.Window{
			Key:   cache.RateKey(ws.suffix, id),
			Limit: ws.limit(p),
			TTL:   ws.length,
		}
	}
	return out
}

// fillQuota 以剩餘額度最少的視窗填入 Limit/Remaining/ResetAt
func (l *Limiter) fillQuota(d *Decision, res kv.WindowResult, p config.RateLimitPolicy, now time.Time) {
	d.Remaining = -1
	for i, ws := range windowSpecs {
		limit := ws.limit(p)
		remaining := limit - res.Counts[i]
		if remaining < 0 {
			remaining = 0
		}
		if d.Remaining < 0 || remaining < d.Remaining {
			d.Remaining = remaining
			d.Limit = limit
			d.Window = ws.name
			d.ResetAt = now.Add(res.TTLs[i])
		}
	}
}

// activeBlock 讀取仍有效的臨時封鎖；讀取失敗視為沒有封鎖
func (l *Limiter) activeBlock(ctx context.Context, id string, now time.Time) (BlockEntry, bool) {
	var entry BlockEntry
	found, err := l.cache.Get(ctx, cache.BlockKey(id), &entry)
	if err != nil {
		l.logger.Warn("block lookup failed, failing open", "identifier", id, "error", err)
		return BlockEntry{}, false
	}
	if !found || !now.Before(entry.ExpiresAt) {
		return BlockEntry{}, false
	}
	return entry, true
}

// block 建立臨時封鎖；寫入失敗只記錄，本次請求仍拒絕
func (l *Limiter) block(ctx context.Context, id string, reason Reason, note string, d time.Duration, now time.Time) BlockEntry {
	entry := BlockEntry{
		ID:         newBlockID(),
		Identifier: id,
		Reason:     reason,
		Note:       note,
		BlockedAt:  now,
		ExpiresAt:  now.Add(d),
	}
	if err := l.cache.Set(ctx, cache.BlockKey(id), entry, d); err != nil {
		l.logger.Warn("failed to persist block entry", "identifier", id, "block_id", entry.ID, "error", err)
	}
	return entry
}

// suspicious 特徵比對加短視窗頻率；計數失敗只少一個訊號
func (l *Limiter) suspicious(ctx context.Context, id string, req Request, p config.RateLimitPolicy) []string {
	signals := inspect(req)

	n, err := l.cache.Increment(ctx, cache.SuspiciousKey(id), 1, p.SuspiciousWindow)
	if err != nil {
		l.logger.Debug("frequency counter unavailable", "identifier", id, "error", err)
		return signals
	}
	if n > p.SuspiciousThreshold {
		signals = append(signals, SignalHighFrequency)
	}
	return signals
}

// escalateAbuse 累積 abuse 計數，達到閾值時建立封鎖並回傳 true
func (l *Limiter) escalateAbuse(ctx context.Context, id string, signals []string, p config.RateLimitPolicy, now time.Time) bool {
	n, err := l.cache.Increment(ctx, cache.AbuseKey(id), 1, p.AbuseWindow)
	if err != nil {
		l.logger.Warn("abuse counter unavailable, failing open", "identifier", id, "error", err)
		return false
	}

	l.logger.Debug("suspicious request", "identifier", id, "signals", signals, "abuse_score", n)
	if n < p.AbuseThreshold {
		return false
	}

	entry := l.block(ctx, id, ReasonAbuse, fmt.Sprintf("abuse score %d", n), p.BlockDuration, now)
	if err := l.cache.Delete(ctx, cache.AbuseKey(id)); err != nil {
		l.logger.Warn("failed to reset abuse counter", "identifier", id, "error", err)
	}
	l.logger.Warn("identifier blocked for abuse", "identifier", id, "block_id", entry.ID, "signals", signals)
	return true
}

// recordUsage 記錄到用量排行（只用於觀測，失敗忽略）
func (l *Limiter) recordUsage(ctx context.Context, id string, p config.RateLimitPolicy) {
	if p.TopN <= 0 {
		return
	}
	if err := l.cache.RankIncrement(ctx, cache.UsageKey(), id, p.TopN, usageTTL); err != nil {
		l.logger.Debug("usage ranking unavailable", "error", err)
	}
}

func newBlockID() string { return uuid.NewString() }

// ErrNotPersisted 名單變更已在本進程生效，但儲存端不可用、未持久化
var ErrNotPersisted = errors.New("list change applied locally but not persisted")
