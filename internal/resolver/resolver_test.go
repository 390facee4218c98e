package resolver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/kv"
	"github.com/koopa0/system-design/linkguard/internal/resolver"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	resolver *resolver.Resolver
	store    *storage.Memory
	kv       *kv.Memory
	layer    *cache.Layer
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)}

	mem := kv.NewMemory()
	mem.SetClock(clock.Now)

	layer := cache.New(mem, config.CacheConfig{
		OpTimeout: time.Second,
		TTL: config.TTLPolicy{
			URL:       6 * time.Hour,
			Negative:  time.Minute,
			Analytics: 5 * time.Minute,
		},
	}, logger.Discard())
	layer.SetClock(clock.Now)
	t.Cleanup(layer.Close)

	store := storage.NewMemory()
	store.SetClock(clock.Now)

	r := resolver.New(layer, store, logger.Discard())
	t.Cleanup(r.Close)

	return &fixture{resolver: r, store: store, kv: mem, layer: layer, clock: clock}
}

func (f *fixture) create(t *testing.T, l storage.Link) storage.Link {
	t.Helper()
	created, err := f.store.Create(context.Background(), l)
	require.NoError(t, err)
	return created
}

// TestResolve_CacheAside 同一短碼解析兩次，第二次不讀持久化儲存
func TestResolve_CacheAside(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com/a", IsActive: true})

	first, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, first.Found)
	assert.Equal(t, resolver.SourceStore, first.Source)

	second, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, resolver.SourceCache, second.Source)

	first.Source, second.Source = "", ""
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.store.Reads())

	st := f.resolver.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

// TestResolve_WriteThenRead 更新目標後立即解析取得新值
func TestResolve_WriteThenRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	link := f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com/old", IsActive: true})

	res, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/old", res.Target)

	next := link
	next.OriginalURL = "https://example.com/new"
	before, err := f.store.Update(ctx, next)
	require.NoError(t, err)
	require.NoError(t, f.resolver.Apply(ctx, resolver.MutationOf(before, next)))

	res, err = f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new", res.Target)
}

// TestResolve_AliasRename 別名改名後舊別名立即失效
func TestResolve_AliasRename(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	link := f.create(t, storage.Link{ShortCode: "abc123", Alias: "summer", OriginalURL: "https://example.com", IsActive: true})

	res, err := f.resolver.Resolve(ctx, "summer")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "abc123", res.ShortCode)

	// 新別名先被查過一次，留下負面快取
	res, err = f.resolver.Resolve(ctx, "winter")
	require.NoError(t, err)
	require.False(t, res.Found)

	next := link
	next.Alias = "winter"
	before, err := f.store.Update(ctx, next)
	require.NoError(t, err)
	require.NoError(t, f.resolver.Apply(ctx, resolver.MutationOf(before, next)))

	res, err = f.resolver.Resolve(ctx, "summer")
	require.NoError(t, err)
	assert.False(t, res.Found)

	res, err = f.resolver.Resolve(ctx, "winter")
	require.NoError(t, err)
	assert.True(t, res.Found)
}

// TestResolve_Delete 刪除後不再解析
func TestResolve_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	link := f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com", IsActive: true})

	_, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)

	before, err := f.store.Delete(ctx, link.ID)
	require.NoError(t, err)
	require.NoError(t, f.resolver.Apply(ctx, resolver.MutationOf(before, storage.Link{})))

	res, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

// TestResolve_ExpiredInCache 已過期的紀錄即使還在快取裡也不回傳，並自我修復
func TestResolve_ExpiredInCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := resolver.Snapshot{
		ID:          9,
		ShortCode:   "abc123",
		OriginalURL: "https://example.com",
		IsActive:    true,
		ExpiresAt:   f.clock.Now().Add(-time.Second),
	}
	require.NoError(t, f.layer.Set(ctx, cache.URLKey("abc123"), stale, time.Hour))

	res, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, resolver.SourceCache, res.Source)
	assert.Zero(t, f.store.Reads())

	f.resolver.Close()
	ok, err := f.kv.Exists(ctx, cache.URLKey("abc123"))
	require.NoError(t, err)
	assert.False(t, ok, "stale entry should be removed in the background")
	assert.Equal(t, int64(1), f.resolver.Stats().StaleHits)
}

// TestResolve_ExpiresWhileCached 快取 TTL 不超過紀錄剩餘時間，過期後不回傳
func TestResolve_ExpiresWhileCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storage.Link{
		ShortCode:   "abc123",
		OriginalURL: "https://example.com",
		IsActive:    true,
		ExpiresAt:   f.clock.Now().Add(30 * time.Second),
	})

	res, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, res.Found)

	ttl, err := f.kv.TTL(ctx, cache.URLKey("abc123"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	f.clock.Advance(30 * time.Second)

	// 尚未被清理器停用，儲存中仍是 active
	res, err = f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

// TestResolve_Inactive 停用的紀錄視為不存在並負面快取
func TestResolve_Inactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com", IsActive: false})

	for i := 0; i < 3; i++ {
		res, err := f.resolver.Resolve(ctx, "abc123")
		require.NoError(t, err)
		assert.False(t, res.Found)
	}
	assert.Equal(t, int64(1), f.store.Reads())
}

// TestResolve_NegativeCache 不存在的短碼只讀一次儲存，建立後失效即可解析
func TestResolve_NegativeCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		res, err := f.resolver.Resolve(ctx, "ghost1")
		require.NoError(t, err)
		assert.False(t, res.Found)
	}
	assert.Equal(t, int64(1), f.store.Reads())
	assert.Equal(t, int64(2), f.resolver.Stats().NegativeHits)

	created := f.create(t, storage.Link{ShortCode: "ghost1", OriginalURL: "https://example.com", IsActive: true})
	require.NoError(t, f.resolver.Apply(ctx, resolver.MutationOf(storage.Link{}, created)))

	res, err := f.resolver.Resolve(ctx, "ghost1")
	require.NoError(t, err)
	assert.True(t, res.Found)

	// 負面快取的 TTL 較短
	f.clock.Advance(time.Minute)
	_, err = f.resolver.Resolve(ctx, "ghost2")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.resolver.Resolve(ctx, "ghost2")
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.store.Reads())
}

// TestResolve_PasswordProtected 回報密碼保護狀態
func TestResolve_PasswordProtected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storage.Link{ShortCode: "secret1", OriginalURL: "https://example.com", IsActive: true, PasswordHash: "digest"})

	res, err := f.resolver.Resolve(ctx, "secret1")
	require.NoError(t, err)
	assert.True(t, res.HasPassword)

	res, err = f.resolver.Resolve(ctx, "secret1")
	require.NoError(t, err)
	assert.True(t, res.HasPassword, "flag survives the cache round trip")
}

// gatedStore 讀取會等待 gate 關閉，用來製造併發未命中
type gatedStore struct {
	*storage.Memory
	gate  chan struct{}
	calls atomic.Int64
}

func (g *gatedStore) FindByCodeOrAlias(ctx context.Context, code string) (storage.Link, error) {
	g.calls.Add(1)
	<-g.gate
	return g.Memory.FindByCodeOrAlias(ctx, code)
}

// TestResolve_CollapsesConcurrentMisses 併發未命中只讀一次儲存
func TestResolve_CollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, storage.Link{ShortCode: "hot123", OriginalURL: "https://example.com", IsActive: true})

	gated := &gatedStore{Memory: f.store, gate: make(chan struct{})}
	r := resolver.New(f.layer, gated, logger.Discard())
	defer r.Close()

	var wg sync.WaitGroup
	results := make([]resolver.Resolution, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(ctx, "hot123")
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return gated.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	assert.Equal(t, int64(1), gated.calls.Load())
	for _, res := range results {
		assert.True(t, res.Found)
	}
}

// slowStore 先讀取，再等 release 關閉才回傳，模擬讀到舊資料後才完成的請求
type slowStore struct {
	*storage.Memory
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowStore(m *storage.Memory) *slowStore {
	return &slowStore{Memory: m, read: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowStore) FindByCodeOrAlias(ctx context.Context, code string) (storage.Link, error) {
	l, err := s.Memory.FindByCodeOrAlias(ctx, code)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return l, err
}

// TestResolve_ReadOverlappingMutation 變更前開始的讀取不會把舊快照寫回快取
func TestResolve_ReadOverlappingMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	link := f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com/old", IsActive: true})

	slow := newSlowStore(f.store)
	r := resolver.New(f.layer, slow, logger.Discard())
	r.SetRedeleteDelay(0)
	defer r.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := r.Resolve(ctx, "abc123")
		assert.NoError(t, err)
		assert.Equal(t, "https://example.com/old", res.Target, "the overlapping call may still see the old target")
	}()
	<-slow.read

	next := link
	next.OriginalURL = "https://example.com/new"
	before, err := f.store.Update(ctx, next)
	require.NoError(t, err)
	require.NoError(t, r.Apply(ctx, resolver.MutationOf(before, next)))

	close(slow.release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		res, err := r.Resolve(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/new", res.Target)
	}
}

// TestResolve_DelayedInvalidation 另一個程序在失效後才寫回的舊快照會被延遲刪除清掉
func TestResolve_DelayedInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	link := f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com/old", IsActive: true})

	// 兩個解析器共用快取，模擬兩個程序
	slow := newSlowStore(f.store)
	reader := resolver.New(f.layer, slow, logger.Discard())
	defer reader.Close()

	writer := resolver.New(f.layer, f.store, logger.Discard())
	writer.SetRedeleteDelay(50 * time.Millisecond)
	defer writer.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := reader.Resolve(ctx, "abc123")
		assert.NoError(t, err)
	}()
	<-slow.read

	next := link
	next.OriginalURL = "https://example.com/new"
	before, err := f.store.Update(ctx, next)
	require.NoError(t, err)
	require.NoError(t, writer.Apply(ctx, resolver.MutationOf(before, next)))

	close(slow.release)
	wg.Wait()

	require.Eventually(t, func() bool {
		found, err := f.kv.Exists(ctx, cache.URLKey("abc123"))
		return err == nil && !found
	}, 2*time.Second, 5*time.Millisecond)

	res, err := writer.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new", res.Target)
}

// TestResolve_CacheDisabled 快取完全停用時仍然正確
func TestResolve_CacheDisabled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	_, err := store.Create(ctx, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com", IsActive: true})
	require.NoError(t, err)

	layer := cache.New(kv.Disabled{}, config.CacheConfig{TTL: config.TTLPolicy{URL: time.Hour, Negative: time.Minute}}, logger.Discard())
	defer layer.Close()
	r := resolver.New(layer, store, logger.Discard())
	defer r.Close()

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, "abc123")
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, resolver.SourceStore, res.Source)
	}
	assert.Equal(t, int64(3), store.Reads())

	err = r.Invalidate(ctx, "abc123")
	assert.True(t, apperrors.IsUnavailable(err))
}

type failingStore struct{}

func (failingStore) FindByCodeOrAlias(context.Context, string) (storage.Link, error) {
	return storage.Link{}, errors.New("connection refused")
}

// TestResolve_Errors 格式錯誤與儲存不可用
func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, code := range []string{"", "ab", "abc*", "-abc", "a/b/c"} {
		_, err := f.resolver.Resolve(ctx, code)
		assert.True(t, apperrors.IsInvalidInput(err), "code %q", code)
	}

	r := resolver.New(f.layer, failingStore{}, logger.Discard())
	defer r.Close()
	_, err := r.Resolve(ctx, "abc123")
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestMutation_Codes(t *testing.T) {
	before := storage.Link{ShortCode: "abc123", Alias: "old", PasswordHash: "a"}
	after := storage.Link{ShortCode: "abc123", Alias: "new", PasswordHash: "b"}

	m := resolver.MutationOf(before, after)
	assert.Equal(t, []string{"abc123", "old", "abc123", "new"}, m.Codes())
	assert.True(t, m.PasswordChanged)

	assert.Equal(t, []string{"abc123"}, resolver.MutationOf(storage.Link{ShortCode: "abc123"}, storage.Link{}).Codes())
}
