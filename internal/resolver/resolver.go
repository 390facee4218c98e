// Package resolver 把短碼解析成目標網址（cache-aside）
//
// 讀取路徑：
//
//  1. 查快取
//  2. 命中：檢查啟用狀態與到期時間。失效就當作不存在，並非同步刪除該快取項
//     （紀錄可能在兩次清理之間過期，快取裡還在也不能回傳）
//  3. 未命中：讀持久化儲存（短碼或別名），同樣檢查狀態，寫回快取後回傳
//
// 同一短碼的併發未命中以 singleflight 合併成一次儲存讀取。
// 不存在或已失效的結果也會快取（較短的 TTL），避免被不存在的短碼打穿到資料庫。
//
// 寫入路徑：任何變更（更新、刪除、改密碼、改別名）都必須在回覆呼叫端之前，
// 同步刪除新舊所有解析鍵。讀寫交錯時，過期資料最多存活一次解析呼叫：
//
//   - 同一程序內，變更前開始的讀取以世代判斷，不會把舊快照寫回快取
//   - 其他程序的讀取可能在刪除後才寫回，因此失效後延遲再刪一次
package resolver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
	"github.com/koopa0/system-design/linkguard/pkg/shortcode"
)

// Store 解析需要的持久化讀取
type Store interface {
	FindByCodeOrAlias(ctx context.Context, code string) (storage.Link, error)
}

// Source 結果來源
type Source string

const (
	SourceCache Source = "cache"
	SourceStore Source = "store"
)

// Resolution 解析結果
//
// 找不到是正常結果（Found = false），不是 error。
type Resolution struct {
	Found       bool
	Target      string
	HasPassword bool
	ID          int64
	ShortCode   string // 紀錄的正式短碼（以別名解析時也回傳短碼）
	Source      Source
}

// Snapshot 快取中的紀錄快照
type Snapshot struct {
	ID          int64     `json:"id"`
	ShortCode   string    `json:"code"`
	OriginalURL string    `json:"url,omitempty"`
	IsActive    bool      `json:"active"`
	ExpiresAt   time.Time `json:"exp,omitzero"`
	HasPassword bool      `json:"pwd,omitempty"`

	// Missing 負面快取：短碼不存在
	Missing bool `json:"missing,omitempty"`
}

func snapshotOf(l storage.Link) Snapshot {
	return Snapshot{
		ID:          l.ID,
		ShortCode:   l.ShortCode,
		OriginalURL: l.OriginalURL,
		IsActive:    l.IsActive,
		ExpiresAt:   l.ExpiresAt,
		HasPassword: l.HasPassword(),
	}
}

// servable 是否可以回傳給使用者
func (s Snapshot) servable(now time.Time) bool {
	if s.Missing || !s.IsActive {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

func (s Snapshot) resolution(src Source) Resolution {
	return Resolution{
		Found:       true,
		Target:      s.OriginalURL,
		HasPassword: s.HasPassword,
		ID:          s.ID,
		ShortCode:   s.ShortCode,
		Source:      src,
	}
}

// Stats 解析統計
type Stats struct {
	Hits         int64 `json:"hits"`
	NegativeHits int64 `json:"negative_hits"`
	StaleHits    int64 `json:"stale_hits"`
	Misses       int64 `json:"misses"`
	StoreReads   int64 `json:"store_reads"`
}

// Resolver 短碼解析器
type Resolver struct {
	cache  *cache.Layer
	store  Store
	logger *slog.Logger
	group  singleflight.Group

	gens *generations

	// 非同步自我修復與延遲刪除
	pending       sync.WaitGroup
	done          chan struct{}
	closeOnce     sync.Once
	redeleteDelay time.Duration

	hits, negativeHits, staleHits, misses, storeReads atomic.Int64
}

// New 創建解析器
func New(c *cache.Layer, store Store, log *slog.Logger) *Resolver {
	return &Resolver{
		cache:  c,
		store:  store,
		logger: logger.OrDefault(log).With("component", "resolver"),
		gens:   newGenerations(),
		done:   make(chan struct{}),

		redeleteDelay: defaultRedeleteDelay,
	}
}

// defaultRedeleteDelay 失效後第二次刪除的延遲，涵蓋其他程序進行中的讀取
const defaultRedeleteDelay = 500 * time.Millisecond

// SetRedeleteDelay 調整延遲刪除；0 表示停用
func (r *Resolver) SetRedeleteDelay(d time.Duration) { r.redeleteDelay = d }

// Resolve 解析短碼或別名
//
// 只有格式錯誤（INVALID_INPUT）或持久化儲存不可用（SERVICE_UNAVAILABLE）會回傳 error。
func (r *Resolver) Resolve(ctx context.Context, code string) (Resolution, error) {
	if err := shortcode.Validate(code); err != nil {
		return Resolution{}, apperrors.ErrInvalidShortCode.WithDetails(err.Error())
	}

	now := r.cache.Now()

	var snap Snapshot
	found, err := r.cache.Get(ctx, cache.URLKey(code), &snap)
	if err != nil {
		r.logger.Debug("cache read failed, falling through to store", "code", code, "error", err)
	}

	if found {
		switch {
		case snap.Missing:
			r.negativeHits.Add(1)
			return Resolution{Source: SourceCache}, nil
		case !snap.servable(now):
			r.staleHits.Add(1)
			r.invalidateAsync(code)
			return Resolution{Source: SourceCache}, nil
		default:
			r.hits.Add(1)
			return snap.resolution(SourceCache), nil
		}
	}

	r.misses.Add(1)

	// 第一個呼叫端取消不應該讓合併在一起的其他呼叫端一起失敗
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(code, func() (any, error) {
		return r.load(loadCtx, code)
	})
	if err != nil {
		return Resolution{}, err
	}

	snap = v.(Snapshot)
	if !snap.servable(r.cache.Now()) {
		return Resolution{Source: SourceStore}, nil
	}
	return snap.resolution(SourceStore), nil
}

// load 讀取持久化儲存並寫回快取
//
// 讀取期間若有失效，寫回的快照會被刪除，呼叫端仍拿到這次讀到的結果。
func (r *Resolver) load(ctx context.Context, code string) (Snapshot, error) {
	r.storeReads.Add(1)

	gen := r.gens.begin(code)
	defer func() {
		if r.gens.end(code, gen) {
			return
		}
		// 寫入與失效交錯：寫入可能落在失效的刪除之後
		if err := r.cache.Delete(ctx, cache.URLKey(code)); err != nil {
			r.logger.Warn("failed to drop snapshot read before invalidation", "code", code, "error", err)
		}
	}()

	link, err := r.store.FindByCodeOrAlias(ctx, code)
	if apperrors.IsNotFound(err) {
		snap := Snapshot{Missing: true}
		r.write(ctx, code, gen, snap, r.cache.TTL().Negative)
		return snap, nil
	}
	if err != nil {
		r.logger.Error("store lookup failed", "code", code, "error", err)
		if apperrors.IsUnavailable(err) {
			return Snapshot{}, err
		}
		return Snapshot{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "link lookup failed")
	}

	now := r.cache.Now()
	snap := snapshotOf(link)
	if !snap.servable(now) {
		r.write(ctx, code, gen, snap, r.cache.TTL().Negative)
		return snap, nil
	}

	r.write(ctx, code, gen, snap, positiveTTL(r.cache.TTL().URL, link.ExpiresAt, now))
	return snap, nil
}

// positiveTTL 不超過紀錄本身剩餘的有效時間
func positiveTTL(ttl time.Duration, expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return ttl
	}
	return min(ttl, expiresAt.Sub(now))
}

func (r *Resolver) write(ctx context.Context, code string, gen uint64, snap Snapshot, ttl time.Duration) {
	if ttl <= 0 || !r.gens.current(code, gen) {
		return
	}
	if err := r.cache.Set(ctx, cache.URLKey(code), snap, ttl); err != nil {
		r.logger.Debug("cache write failed", "code", code, "error", err)
	}
}

// invalidateAsync 背景刪除失效的快取項（不阻塞請求）
func (r *Resolver) invalidateAsync(code string) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := r.cache.Delete(ctx, cache.URLKey(code)); err != nil {
			r.logger.Debug("stale entry cleanup failed", "code", code, "error", err)
			return
		}
		r.logger.Debug("stale cache entry removed", "code", code)
	}()
}

// Invalidate 同步刪除解析鍵
//
// 同時讓進行中的 singleflight 失效，之後的未命中不會再搭上變更前就開始的讀取；
// 已經在讀的不會寫回快取。成功後排程一次延遲刪除。
func (r *Resolver) Invalidate(ctx context.Context, codes ...string) error {
	keys := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		keys = append(keys, cache.URLKey(c))
		r.gens.bump(c)
		r.group.Forget(c)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.Warn("synchronous invalidation failed", "keys", keys, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "cache invalidation failed")
	}
	r.redelete(keys)
	return nil
}

// redelete 延遲後再刪一次，清掉其他程序在失效前讀到、失效後才寫回的快照
func (r *Resolver) redelete(keys []string) {
	if r.redeleteDelay <= 0 {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		timer := time.NewTimer(r.redeleteDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.cache.Delete(ctx, keys...); err != nil {
			r.logger.Debug("delayed invalidation failed", "keys", keys, "error", err)
		}
	}()
}

// Stats 目前的統計
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:         r.hits.Load(),
		NegativeHits: r.negativeHits.Load(),
		StaleHits:    r.staleHits.Load(),
		Misses:       r.misses.Load(),
		StoreReads:   r.storeReads.Load(),
	}
}

// Close 取消尚未觸發的延遲刪除，並等待背景刪除完成
func (r *Resolver) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.pending.Wait()
}
