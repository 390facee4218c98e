// Package sweeper 定期停用已過期的短網址
//
// 每次執行：
//
//  1. 以 ID 游標分批查詢「仍啟用但已過期」的紀錄（批次大小固定，限制交易範圍）
//  2. 軟刪除該批（is_active = false）；已停用的紀錄不會再被回傳，重跑是 no-op
//  3. 同步刪除這批紀錄所有解析鍵（短碼與別名）
//  4. 發佈過期事件
//  5. 批次數量少於 batch size 時結束
//
// 單一批次失敗只記錄與計數，游標照樣前進，下一次排程會補上。
// 清理器不碰限流器，只透過與請求路徑相同的執行緒安全介面存取儲存與快取。
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/events"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// Store 清理器需要的持久化操作
type Store interface {
	FindActiveExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]storage.Link, error)
	CountExpiredActive(ctx context.Context, now time.Time) (int64, error)
	MarkInactive(ctx context.Context, ids []int64) ([]storage.Link, error)
	UpdateExpiry(ctx context.Context, ids []int64, at time.Time) ([]storage.Link, error)
	FindByIDs(ctx context.Context, ids []int64) ([]storage.Link, error)
}

// Invalidator 同步刪除解析鍵（resolver.Resolver 實作）
type Invalidator interface {
	Invalidate(ctx context.Context, codes ...string) error
}

// ErrRunning Start 重複呼叫
var ErrRunning = errors.New("sweeper already running")

// Report 一次執行的結果
type Report struct {
	RunID       string         `json:"run_id"`
	Trigger     events.Trigger `json:"trigger"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	Batches     int            `json:"batches"`
	Scanned     int            `json:"scanned"`
	Deactivated int            `json:"deactivated"`
	Invalidated int            `json:"invalidated"` // 刪除的解析鍵數量
	Errors      int            `json:"errors"`
	Truncated   bool           `json:"truncated"` // 達到 max_batches 提前結束
	Interrupted bool           `json:"interrupted"`
}

// Stats 累計統計
type Stats struct {
	Runs             int64   `json:"runs"`
	TotalDeactivated int64   `json:"total_deactivated"`
	TotalErrors      int64   `json:"total_errors"`
	PublishErrors    int64   `json:"publish_errors"`
	Last             *Report `json:"last,omitempty"`
}

// Sweeper 過期清理器
type Sweeper struct {
	store       Store
	invalidator Invalidator
	publisher   events.Publisher
	cache       *cache.Layer
	cfg         config.SweeperConfig
	logger      *slog.Logger

	// 同一時間只有一次執行（排程或手動）
	runMu sync.Mutex

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	runs, deactivated, errs, publishErrs atomic.Int64
	last                                 atomic.Pointer[Report]
}

// New 創建清理器
//
// publisher 為 nil 時不發佈事件。
func New(store Store, inv Invalidator, pub events.Publisher, c *cache.Layer, cfg config.SweeperConfig, log *slog.Logger) *Sweeper {
	if pub == nil {
		pub = events.Noop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{
		store:       store,
		invalidator: inv,
		publisher:   pub,
		cache:       c,
		cfg:         cfg,
		logger:      logger.OrDefault(log).With("component", "sweeper"),
	}
}

// Start 啟動定時執行
//
// ctx 取消或呼叫 Stop 都會停止排程。
func (s *Sweeper) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.running {
		return ErrRunning
	}
	if s.cfg.Disabled {
		s.logger.Info("sweeper disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)

	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.cfg.RunOnStart {
		s.run(ctx, events.TriggerSchedule)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, events.TriggerSchedule)
		}
	}
}

// Stop 停止排程，等待進行中的批次完成後返回
func (s *Sweeper) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	s.logger.Info("sweeper stopped")
}

// RunNow 立即執行一次（與排程互斥，排程執行中時等待它結束）
//
// ctx 取消時不再開始新的批次，已開始的批次會做完。
func (s *Sweeper) RunNow(ctx context.Context) Report {
	return s.run(ctx, events.TriggerManual)
}

func (s *Sweeper) run(ctx context.Context, trigger events.Trigger) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	rep := Report{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: s.cache.Now(),
	}
	log := s.logger.With("run_id", rep.RunID, "trigger", trigger)

	var cursor int64
	for {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		if s.cfg.MaxBatches > 0 && rep.Batches >= s.cfg.MaxBatches {
			rep.Truncated = true
			log.Warn("max batches reached, remaining records left for next run", "batches", rep.Batches)
			break
		}

		n, next, ok := s.sweepBatch(ctx, rep.RunID, trigger, cursor, &rep, log)
		if !ok || n == 0 {
			break
		}
		rep.Batches++
		cursor = next
		if n < s.cfg.BatchSize {
			break
		}
	}

	rep.Duration = s.cache.Now().Sub(rep.StartedAt)
	s.record(rep)

	if rep.Deactivated > 0 || rep.Errors > 0 {
		log.Info("sweep finished",
			"batches", rep.Batches,
			"deactivated", rep.Deactivated,
			"errors", rep.Errors,
			"duration", rep.Duration)
	} else {
		log.Debug("sweep finished, nothing expired")
	}
	return rep
}

// sweepBatch 處理一個批次，回傳查到的筆數與下一個游標
//
// ok = false 表示查詢本身失敗，游標無法前進，結束這次執行。
func (s *Sweeper) sweepBatch(ctx context.Context, runID string, trigger events.Trigger, cursor int64, rep *Report, log *slog.Logger) (int, int64, bool) {
	// 批次一旦開始就做完：不受呼叫端取消影響，只受 batch timeout 限制
	bctx, cancel := s.batchContext(ctx)
	defer cancel()

	now := s.cache.Now()
	batch, err := s.store.FindActiveExpired(bctx, now, cursor, s.cfg.BatchSize)
	if err != nil {
		rep.Errors++
		log.Error("failed to query expired links", "cursor", cursor, "error", err)
		return 0, cursor, false
	}
	if len(batch) == 0 {
		return 0, cursor, true
	}

	rep.Scanned += len(batch)
	next := batch[len(batch)-1].ID

	changed, err := s.store.MarkInactive(bctx, ids(batch))
	if err != nil {
		rep.Errors++
		log.Error("failed to deactivate batch", "cursor", cursor, "size", len(batch), "error", err)
		return len(batch), next, true
	}

	rep.Deactivated += len(changed)
	rep.Invalidated += s.invalidate(bctx, changed, rep, log)
	s.publish(bctx, runID, trigger, now, changed, log)

	return len(batch), next, true
}

func (s *Sweeper) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.BatchTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.BatchTimeout)
	}
	return context.WithCancel(ctx)
}

// invalidate 刪除紀錄的所有解析鍵，失敗計入 rep.Errors
func (s *Sweeper) invalidate(ctx context.Context, links []storage.Link, rep *Report, log *slog.Logger) int {
	if len(links) == 0 || s.invalidator == nil {
		return 0
	}

	var codes []string
	for _, l := range links {
		codes = append(codes, l.Keys()...)
	}
	if err := s.invalidator.Invalidate(ctx, codes...); err != nil {
		if rep != nil {
			rep.Errors++
		}
		log.Warn("failed to invalidate cache entries", "keys", len(codes), "error", err)
		return 0
	}
	return len(codes)
}

func (s *Sweeper) publish(ctx context.Context, runID string, trigger events.Trigger, at time.Time, links []storage.Link, log *slog.Logger) {
	if len(links) == 0 {
		return
	}

	e := events.Expired{RunID: runID, Trigger: trigger, At: at, Links: make([]events.ExpiredLink, 0, len(links))}
	for _, l := range links {
		e.Links = append(e.Links, events.ExpiredLink{
			ID:        l.ID,
			ShortCode: l.ShortCode,
			Alias:     l.Alias,
			ExpiresAt: l.ExpiresAt,
		})
	}

	if err := s.publisher.PublishExpired(ctx, e); err != nil {
		s.publishErrs.Add(1)
		log.Warn("failed to publish expired event", "links", len(links), "error", err)
	}
}

func (s *Sweeper) record(rep Report) {
	s.runs.Add(1)
	s.deactivated.Add(int64(rep.Deactivated))
	s.errs.Add(int64(rep.Errors))
	s.last.Store(&rep)
}

// Stats 累計統計
func (s *Sweeper) Stats() Stats {
	return Stats{
		Runs:             s.runs.Load(),
		TotalDeactivated: s.deactivated.Load(),
		TotalErrors:      s.errs.Load(),
		PublishErrors:    s.publishErrs.Load(),
		Last:             s.last.Load(),
	}
}

// PendingExpired 仍啟用但已過期、等待清理的數量
//
// 結果以 analytics TTL 快取；快取不可用時直接查儲存。
func (s *Sweeper) PendingExpired(ctx context.Context) (int64, error) {
	var n int64
	if found, _ := s.cache.Get(ctx, cache.PendingExpiredKey(), &n); found {
		return n, nil
	}

	n, err := s.store.CountExpiredActive(ctx, s.cache.Now())
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "count expired links")
	}

	if err := s.cache.Set(ctx, cache.PendingExpiredKey(), n, s.cache.TTL().Analytics); err != nil {
		s.logger.Debug("failed to cache pending count", "error", err)
	}
	return n, nil
}

func ids(links []storage.Link) []int64 {
	out := make([]int64, len(links))
	for i, l := range links {
		out[i] = l.ID
	}
	return out
}

// normalizeIDs 去重、排序，拒絕空集合與非正數
func normalizeIDs(in []int64) ([]int64, error) {
	if len(in) == 0 {
		return nil, apperrors.ErrEmptySelection
	}
	out := slices.Clone(in)
	for _, id := range out {
		if id <= 0 {
			return nil, apperrors.Invalid("invalid id", "ids must be positive")
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
