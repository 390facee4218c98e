// Package engine 是准入與解析核心對外的唯一入口
//
// 請求路徑：
//
//	CheckAdmission → ResolveShortCode → (有密碼時) VerifyResourcePassword
//
// 清理器在背景獨立執行，只碰持久化儲存與快取，不經過限流器。
// CRUD 層在每次變更紀錄後呼叫 URLMutated，確保回覆呼叫端之前舊的解析鍵已經失效。
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/events"
	"github.com/koopa0/system-design/linkguard/internal/kv"
	"github.com/koopa0/system-design/linkguard/internal/password"
	"github.com/koopa0/system-design/linkguard/internal/ratelimit"
	"github.com/koopa0/system-design/linkguard/internal/resolver"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	"github.com/koopa0/system-design/linkguard/internal/sweeper"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// Store 核心需要的持久化操作（storage.Postgres 與 storage.Memory 都實作）
type Store interface {
	resolver.Store
	sweeper.Store
	Ping(ctx context.Context) error
}

// Deps 建立 Engine 需要的外部依賴
type Deps struct {
	// KV 快取後端；nil 表示完全停用快取（所有操作失敗開放）
	KV kv.Store

	Store     Store
	Publisher events.Publisher

	// Hasher nil 時使用 bcrypt（成本取自 password 策略）
	Hasher password.Hasher

	Logger *slog.Logger
}

// Engine 准入與解析核心
type Engine struct {
	cfg      *config.Config
	cache    *cache.Layer
	limiter  *ratelimit.Limiter
	guard    *password.Guard
	resolver *resolver.Resolver
	sweeper  *sweeper.Sweeper
	store    Store
	logger   *slog.Logger
}

// New 依配置組裝所有元件
//
// 只有配置本身無效時回傳 error；快取或 NATS 缺席不影響建立。
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	log := logger.OrDefault(deps.Logger)

	rl, err := config.NewHolder(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit policy: %w", err)
	}
	pw, err := config.NewHolder(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("password policy: %w", err)
	}

	hasher := deps.Hasher
	if hasher == nil {
		hasher = password.NewBcryptHasher(cfg.Password.BcryptCost)
	}

	layer := cache.New(deps.KV, cfg.Cache, log)
	res := resolver.New(layer, deps.Store, log)

	return &Engine{
		cfg:      cfg,
		cache:    layer,
		limiter:  ratelimit.New(layer, rl, log),
		guard:    password.New(layer, hasher, pw, log),
		resolver: res,
		sweeper:  sweeper.New(deps.Store, res, deps.Publisher, layer, cfg.Sweeper, log),
		store:    deps.Store,
		logger:   log.With("component", "engine"),
	}, nil
}

// SetClock 替換所有元件共用的時間來源（測試用）
func (e *Engine) SetClock(now func() time.Time) { e.cache.SetClock(now) }

// Start 寫入設定檔中的名單並啟動清理器
//
// 名單寫入失敗（快取不可用）只記錄，不阻止啟動。
func (e *Engine) Start(ctx context.Context) error {
	if err := e.limiter.Seed(ctx); err != nil {
		e.logger.Warn("failed to seed access lists", "error", err)
	}
	return e.sweeper.Start(ctx)
}

// Close 停止清理器（等待進行中的批次）、等待背景快取清理、停止降級恢復迴圈
func (e *Engine) Close() {
	e.sweeper.Stop()
	e.resolver.Close()
	e.cache.Close()
}

// CheckAdmission 判斷請求是否放行
func (e *Engine) CheckAdmission(ctx context.Context, identifier string, req ratelimit.Request) (ratelimit.Decision, error) {
	return e.limiter.CheckAdmission(ctx, identifier, req)
}

// ResolveShortCode 解析短碼或別名
func (e *Engine) ResolveShortCode(ctx context.Context, code string) (resolver.Resolution, error) {
	return e.resolver.Resolve(ctx, code)
}

// VerifyResourcePassword 驗證受保護短網址的密碼
//
// resource 可以是短碼或別名；計數一律記在紀錄的正式短碼上，
// 換用別名嘗試不會重置次數。紀錄不存在、已停用或過期時回傳 NOT_FOUND。
func (e *Engine) VerifyResourcePassword(ctx context.Context, resource, origin, secret string) (password.Result, error) {
	link, err := e.protectedLink(ctx, resource)
	if err != nil {
		return password.Result{}, err
	}
	if !link.HasPassword() {
		return password.Result{Verified: true, Remaining: -1}, nil
	}
	return e.guard.Verify(ctx, link.ShortCode, origin, secret, link.PasswordHash)
}

// IsVerified 來源最近是否已通過該短網址的密碼驗證
func (e *Engine) IsVerified(ctx context.Context, resource, origin string) bool {
	res, err := e.resolver.Resolve(ctx, resource)
	if err != nil || !res.Found {
		return false
	}
	return e.guard.IsVerified(ctx, res.ShortCode, origin)
}

// protectedLink 讀取紀錄（密碼摘要不進快取，這裡直接讀儲存）
func (e *Engine) protectedLink(ctx context.Context, code string) (storage.Link, error) {
	res, err := e.resolver.Resolve(ctx, code)
	if err != nil {
		return storage.Link{}, err
	}
	if !res.Found {
		return storage.Link{}, apperrors.ErrRecordNotFound.WithDetails(code)
	}
	if !res.HasPassword {
		return storage.Link{ShortCode: res.ShortCode}, nil
	}

	link, err := e.store.FindByCodeOrAlias(ctx, res.ShortCode)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return storage.Link{}, apperrors.ErrRecordNotFound.WithDetails(code)
		}
		return storage.Link{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "link lookup failed")
	}
	if !link.IsActive || link.Expired(e.cache.Now()) {
		return storage.Link{}, apperrors.ErrRecordNotFound.WithDetails(code)
	}
	return link, nil
}

// HashPassword 產生密碼摘要（給建立或修改密碼的 CRUD 層）
func (e *Engine) HashPassword(secret string) (string, error) {
	return e.guard.Hash(secret)
}

// URLMutated 紀錄變更後同步失效所有相關快取
//
// 必須在回覆變更請求之前呼叫。密碼變更時一併清除所有來源的「已驗證」旗標。
func (e *Engine) URLMutated(ctx context.Context, m resolver.Mutation) error {
	var errs []error
	if err := e.resolver.Apply(ctx, m); err != nil {
		errs = append(errs, err)
	}

	if m.PasswordChanged {
		codes := []string{m.OldCode}
		if m.NewCode != m.OldCode {
			codes = append(codes, m.NewCode)
		}
		for _, code := range codes {
			if code == "" {
				continue
			}
			if _, err := e.guard.InvalidateVerified(ctx, code); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("mutation invalidation incomplete", "codes", m.Codes(), "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "cache invalidation failed")
	}
	return nil
}
