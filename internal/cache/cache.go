// Package cache 是建立在 kv.Store 之上的快取層
//
// 設計要點：
//
//  1. 失敗開放（fail-open）
//     - 任何儲存錯誤都不往上拋成「請求失敗」
//     - Get 出錯等同未命中；Set/Delete 回傳錯誤但呼叫端可以忽略
//     - 快取完全停用時系統仍然正確，只是變慢
//
//  2. 新鮮度檢查
//     - 值以 {"v": ..., "exp": unix 毫秒} 包裝後寫入
//     - 讀取時自行比對 exp，不完全相信儲存端的 TTL（時鐘偏移、TTL 尚未觸發）
//
//  3. 降級模式
//     - 連續錯誤達到閾值後停止呼叫儲存，所有操作立即走失敗開放路徑
//     - 背景定期 Ping，恢復後自動切回
//     - 避免儲存掛掉時每個請求都要等一次逾時
//
//  4. 每次存取都帶逾時（OpTimeout），卡住的儲存不會卡住請求
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/kv"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// ErrDegraded 降級模式中，儲存暫時不被呼叫
var ErrDegraded = fmt.Errorf("cache degraded: %w", kv.ErrUnavailable)

// envelope 快取值的包裝格式
type envelope struct {
	V   json.RawMessage `json:"v"`
	Exp int64           `json:"exp"` // unix 毫秒，0 表示不過期
}

// Health 健康檢查結果
type Health struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Degraded  bool          `json:"degraded"`
	Error     string        `json:"error,omitempty"`
}

// Layer 快取層
//
// 本身不持有跨呼叫的鎖，只有降級狀態是共享的（atomic）。
type Layer struct {
	store  kv.Store
	cfg    config.CacheConfig
	logger *slog.Logger
	now    func() time.Time

	degraded atomic.Bool
	failures atomic.Int32

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New 創建快取層
func New(store kv.Store, cfg config.CacheConfig, log *slog.Logger) *Layer {
	if store == nil {
		store = kv.Disabled{}
	}
	return &Layer{
		store:  store,
		cfg:    cfg,
		logger: logger.OrDefault(log).With("component", "cache"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// SetClock 替換時間來源（測試用）
func (l *Layer) SetClock(now func() time.Time) { l.now = now }

// Now 快取層使用的目前時間
func (l *Layer) Now() time.Time { return l.now() }

// TTL 目前的 TTL 政策
func (l *Layer) TTL() config.TTLPolicy { return l.cfg.TTL }

// Degraded 是否處於降級模式
func (l *Layer) Degraded() bool { return l.degraded.Load() }

// do 執行一次儲存操作：降級檢查、逾時、錯誤計數
func (l *Layer) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	if l.degraded.Load() {
		return ErrDegraded
	}

	opCtx := ctx
	if l.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, l.cfg.OpTimeout)
		defer cancel()
	}

	err := fn(opCtx)
	if err == nil || errors.Is(err, kv.ErrNil) {
		l.failures.Store(0)
		return err
	}

	if !errors.Is(err, kv.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}

	// 呼叫端自己取消的不算儲存故障
	if ctx.Err() != nil {
		return err
	}

	l.recordFailure(op, key, err)
	return err
}

// recordFailure 累加錯誤計數，達到閾值時進入降級模式
func (l *Layer) recordFailure(op, key string, err error) {
	l.logger.Warn("cache operation failed", "op", op, "key", key, "error", err)

	threshold := l.cfg.BreakerThreshold
	if threshold <= 0 {
		return
	}

	n := l.failures.Add(1)
	if int(n) < threshold {
		return
	}

	if l.degraded.CompareAndSwap(false, true) {
		l.logger.Warn("entering degraded mode due to cache errors", "errors", n)
		l.wg.Add(1)
		go l.recoverLoop()
	}
}

// recoverLoop 降級期間定期 Ping，成功就恢復
func (l *Layer) recoverLoop() {
	defer l.wg.Done()

	interval := l.cfg.RecoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.pingTimeout())
			err := l.store.Ping(ctx)
			cancel()

			if err == nil {
				l.failures.Store(0)
				l.degraded.Store(false)
				l.logger.Info("cache recovered, exiting degraded mode")
				return
			}
			l.logger.Debug("cache still unreachable", "error", err)
		}
	}
}

func (l *Layer) pingTimeout() time.Duration {
	if l.cfg.OpTimeout > 0 {
		return 3 * l.cfg.OpTimeout
	}
	return time.Second
}

// Close 停止恢復迴圈（不關閉底層儲存）
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

// Get 讀取並解碼快取值到 dst
//
// 回傳 false 表示未命中：不存在、已過期、無法解碼、或儲存不可用。
// err 只在儲存不可用時非 nil，呼叫端可以只看 found。
func (l *Layer) Get(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := l.do(ctx, "get", key, func(ctx context.Context) error {
		var err error
		raw, err = l.store.Get(ctx, key)
		return err
	})
	if errors.Is(err, kv.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		l.logger.Warn("discarding malformed cache entry", "key", key, "error", err)
		return false, nil
	}
	if env.Exp > 0 && !l.now().Before(time.UnixMilli(env.Exp)) {
		return false, nil
	}
	if err := json.Unmarshal(env.V, dst); err != nil {
		l.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// Set 編碼並寫入快取值；ttl <= 0 表示不過期
func (l *Layer) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}

	env := envelope{V: v}
	if ttl > 0 {
		env.Exp = l.now().Add(ttl).UnixMilli()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode cache envelope %s: %w", key, err)
	}

	return l.do(ctx, "set", key, func(ctx context.Context) error {
		return l.store.Set(ctx, key, string(payload), ttl)
	})
}

// Delete 刪除 key
func (l *Layer) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return l.do(ctx, "del", keys[0], func(ctx context.Context) error {
		_, err := l.store.Del(ctx, keys...)
		return err
	})
}

// DeleteByPattern 刪除符合模式的所有 key，回傳刪除數量
func (l *Layer) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var n int64
	err := l.do(ctx, "del pattern", pattern, func(ctx context.Context) error {
		var err error
		n, err = l.store.DelPattern(ctx, pattern)
		return err
	})
	return n, err
}

// Exists 檢查 key 是否存在且仍新鮮
//
// 包裝過的值會檢查 exp；原始計數器（非 JSON 包裝）只看存在與否。
func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	var raw string
	err := l.do(ctx, "exists", key, func(ctx context.Context) error {
		var err error
		raw, err = l.store.Get(ctx, key)
		return err
	})
	if errors.Is(err, kv.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var env envelope
	if json.Unmarshal([]byte(raw), &env) == nil && env.V != nil {
		return env.Exp == 0 || l.now().Before(time.UnixMilli(env.Exp)), nil
	}
	return true, nil
}

// Increment 原子遞增，新計數器設定 ttlIfNew
//
// 與 Get 不同，錯誤會回傳給呼叫端：遞增失敗時該放行還是拒絕，由呼叫端的政策決定。
func (l *Layer) Increment(ctx context.Context, key string, amount int64, ttlIfNew time.Duration) (int64, error) {
	var n int64
	err := l.do(ctx, "incr", key, func(ctx context.Context) error {
		var err error
		n, err = l.store.IncrBy(ctx, key, amount, ttlIfNew)
		return err
	})
	return n, err
}

// IncrementWindows 多視窗條件遞增
func (l *Layer) IncrementWindows(ctx context.Context, windows []kv.Window) (kv.WindowResult, error) {
	var res kv.WindowResult
	key := ""
	if len(windows) > 0 {
		key = windows[0].Key
	}
	err := l.do(ctx, "incr windows", key, func(ctx context.Context) error {
		var err error
		res, err = l.store.IncrWithinLimits(ctx, windows)
		return err
	})
	return res, err
}

// Counter 讀取原始計數器（不存在為 0）
func (l *Layer) Counter(ctx context.Context, key string) (int64, error) {
	var raw string
	err := l.do(ctx, "get counter", key, func(ctx context.Context) error {
		var err error
		raw, err = l.store.Get(ctx, key)
		return err
	})
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var n int64
	if _, err := fmt.Sscan(raw, &n); err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

// Remaining 剩餘存活時間；不存在或沒有 TTL 時回傳 0
func (l *Layer) Remaining(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := l.do(ctx, "ttl", key, func(ctx context.Context) error {
		var err error
		d, err = l.store.TTL(ctx, key)
		return err
	})
	if errors.Is(err, kv.ErrNil) || d < 0 {
		return 0, nil
	}
	return d, err
}

// SetAdd 加入集合
func (l *Layer) SetAdd(ctx context.Context, key string, members ...string) error {
	return l.do(ctx, "sadd", key, func(ctx context.Context) error {
		return l.store.SAdd(ctx, key, members...)
	})
}

// SetRemove 移出集合
func (l *Layer) SetRemove(ctx context.Context, key string, members ...string) error {
	return l.do(ctx, "srem", key, func(ctx context.Context) error {
		return l.store.SRem(ctx, key, members...)
	})
}

// SetMembers 讀取集合
func (l *Layer) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := l.do(ctx, "smembers", key, func(ctx context.Context) error {
		var err error
		members, err = l.store.SMembers(ctx, key)
		return err
	})
	return members, err
}

// RankIncrement 排行計數
func (l *Layer) RankIncrement(ctx context.Context, key, member string, keep int, ttl time.Duration) error {
	return l.do(ctx, "zincr", key, func(ctx context.Context) error {
		return l.store.ZIncrTrim(ctx, key, member, keep, ttl)
	})
}

// RankTop 讀取排行
func (l *Layer) RankTop(ctx context.Context, key string, n int) ([]kv.Scored, error) {
	var top []kv.Scored
	err := l.do(ctx, "ztop", key, func(ctx context.Context) error {
		var err error
		top, err = l.store.ZTop(ctx, key, n)
		return err
	})
	return top, err
}

// HealthCheck 直接 Ping 儲存（不經過降級判斷），回報可達性與延遲
func (l *Layer) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, l.pingTimeout())
	defer cancel()

	start := time.Now()
	err := l.store.Ping(ctx)
	h := Health{
		Reachable: err == nil,
		Latency:   time.Since(start),
		Degraded:  l.degraded.Load(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
