package engine

import (
	"context"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/password"
	"github.com/koopa0/system-design/linkguard/internal/ratelimit"
	"github.com/koopa0/system-design/linkguard/internal/resolver"
	"github.com/koopa0/system-design/linkguard/internal/sweeper"
)

// AddToWhitelist 加入白名單
func (e *Engine) AddToWhitelist(ctx context.Context, entry string) error {
	return e.limiter.AddToWhitelist(ctx, entry)
}

// RemoveFromWhitelist 移出白名單
func (e *Engine) RemoveFromWhitelist(ctx context.Context, entry string) error {
	return e.limiter.RemoveFromWhitelist(ctx, entry)
}

// AddToBlacklist 加入黑名單（永久封鎖）
func (e *Engine) AddToBlacklist(ctx context.Context, entry, reason string) error {
	return e.limiter.AddToBlacklist(ctx, entry, reason)
}

// RemoveFromBlacklist 移出黑名單
func (e *Engine) RemoveFromBlacklist(ctx context.Context, entry string) error {
	return e.limiter.RemoveFromBlacklist(ctx, entry)
}

// Lists 目前的白名單與黑名單
func (e *Engine) Lists(ctx context.Context) (whitelist, blacklist []string) {
	return e.limiter.Whitelist(ctx), e.limiter.Blacklist(ctx)
}

// Block 手動暫時封鎖
func (e *Engine) Block(ctx context.Context, identifier, note string, d time.Duration) (ratelimit.BlockEntry, error) {
	return e.limiter.Block(ctx, identifier, note, d)
}

// Unblock 解除暫時封鎖
func (e *Engine) Unblock(ctx context.Context, identifier string) error {
	return e.limiter.Unblock(ctx, identifier)
}

// ClearRateData 清除識別碼的所有計數與封鎖
func (e *Engine) ClearRateData(ctx context.Context, identifier string) error {
	return e.limiter.ClearRateData(ctx, identifier)
}

// RateLimitStatus 識別碼目前的限流狀態
func (e *Engine) RateLimitStatus(ctx context.Context, identifier string) (ratelimit.Status, error) {
	return e.limiter.Status(ctx, identifier)
}

// TopUsage 用量排行
func (e *Engine) TopUsage(ctx context.Context, n int) ([]ratelimit.Usage, error) {
	return e.limiter.Usage(ctx, n)
}

// ResetPasswordAttempts 清除 (resource, origin) 的失敗計數與鎖定
func (e *Engine) ResetPasswordAttempts(ctx context.Context, resource, origin string) error {
	return e.guard.Reset(ctx, resource, origin)
}

// PasswordAttemptState (resource, origin) 目前的嘗試狀態
func (e *Engine) PasswordAttemptState(ctx context.Context, resource, origin string) (password.AttemptState, error) {
	return e.guard.State(ctx, resource, origin)
}

// SweepNow 立即執行一次過期清理
func (e *Engine) SweepNow(ctx context.Context) sweeper.Report {
	return e.sweeper.RunNow(ctx)
}

// ExtendExpiration 延長一組紀錄的到期時間
func (e *Engine) ExtendExpiration(ctx context.Context, ids []int64, at time.Time) (sweeper.ExtendResult, error) {
	return e.sweeper.ExtendExpiration(ctx, ids, at)
}

// CleanupSpecific 直接停用指定紀錄
func (e *Engine) CleanupSpecific(ctx context.Context, ids []int64) (sweeper.CleanupResult, error) {
	return e.sweeper.CleanupSpecific(ctx, ids)
}

// UpdateRateLimitPolicy 原子替換限流策略
func (e *Engine) UpdateRateLimitPolicy(p config.RateLimitPolicy) error {
	return e.limiter.UpdatePolicy(p)
}

// UpdatePasswordPolicy 原子替換密碼策略
func (e *Engine) UpdatePasswordPolicy(p config.PasswordPolicy) error {
	return e.guard.UpdatePolicy(p)
}

// Health 核心的健康狀態
type Health struct {
	Status string `json:"status"` // ok | degraded | unavailable

	Cache      cache.Health   `json:"cache"`
	StoreError string         `json:"store_error,omitempty"`
	Resolver   resolver.Stats `json:"resolver"`
	Sweeper    sweeper.Stats  `json:"sweeper"`

	// PendingExpired 等待清理的數量；-1 表示查詢失敗
	PendingExpired int64 `json:"pending_expired"`
}

// Health 檢查快取與持久化儲存
//
// 快取不可用只算 degraded（核心仍然正確，只是比較慢）；持久化儲存不可用才是 unavailable。
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Status:   "ok",
		Cache:    e.cache.HealthCheck(ctx),
		Resolver: e.resolver.Stats(),
		Sweeper:  e.sweeper.Stats(),
	}

	if !h.Cache.Reachable || h.Cache.Degraded {
		h.Status = "degraded"
	}

	if err := e.store.Ping(ctx); err != nil {
		h.Status = "unavailable"
		h.StoreError = err.Error()
	}

	pending, err := e.sweeper.PendingExpired(ctx)
	if err != nil {
		pending = -1
	}
	h.PendingExpired = pending

	return h
}
