package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/engine"
	"github.com/koopa0/system-design/linkguard/internal/kv"
	"github.com/koopa0/system-design/linkguard/internal/ratelimit"
	"github.com/koopa0/system-design/linkguard/internal/resolver"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

var browser = ratelimit.Request{
	UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	Referer:   "https://news.example.org/",
	Path:      "/abc123",
}

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

// plainHasher 測試用，避免 bcrypt 的成本
type plainHasher struct{}

func (plainHasher) Hash(secret string) (string, error) { return "plain:" + secret, nil }

func (plainHasher) Compare(secret, digest string) (bool, error) {
	return digest == "plain:"+secret, nil
}

type fixture struct {
	engine *engine.Engine
	store  *storage.Memory
	clock  *fakeClock
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.RateLimit.PerMinute = 5
	cfg.Password.MaxAttempts = 3
	cfg.Password.LockoutDuration = 10 * time.Minute
	cfg.Password.VerifiedTTL = 30 * time.Minute
	cfg.Cache.OpTimeout = time.Second
	cfg.Sweeper.BatchSize = 10
	cfg.ApplyDefaults()
	return cfg
}

func newFixture(t *testing.T, store kv.Store) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)}
	if mem, ok := store.(*kv.Memory); ok {
		mem.SetClock(clock.Now)
	}

	links := storage.NewMemory()
	links.SetClock(clock.Now)

	e, err := engine.New(testConfig(), engine.Deps{
		KV:     store,
		Store:  links,
		Hasher: plainHasher{},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	e.SetClock(clock.Now)
	t.Cleanup(e.Close)

	return &fixture{engine: e, store: links, clock: clock}
}

func (f *fixture) create(t *testing.T, l storage.Link) storage.Link {
	t.Helper()
	created, err := f.store.Create(context.Background(), l)
	require.NoError(t, err)
	require.NoError(t, f.engine.URLMutated(context.Background(), resolver.MutationOf(storage.Link{}, created)))
	return created
}

func TestNew_Validation(t *testing.T) {
	_, err := engine.New(testConfig(), engine.Deps{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Password.MaxLockout = time.Second
	_, err = engine.New(cfg, engine.Deps{Store: storage.NewMemory()})
	assert.Error(t, err)
}

// TestCheckAdmission_Scenario 分鐘上限 5：第 6 個請求被拒
func TestCheckAdmission_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())

	for i := 1; i <= 5; i++ {
		d, err := f.engine.CheckAdmission(ctx, "10.0.0.1", browser)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := f.engine.CheckAdmission(ctx, "10.0.0.1", browser)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	// 清除後重新放行
	require.NoError(t, f.engine.ClearRateData(ctx, "10.0.0.1"))
	d, err = f.engine.CheckAdmission(ctx, "10.0.0.1", browser)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())

	require.NoError(t, f.engine.AddToWhitelist(ctx, "10.1.0.0/16"))
	require.NoError(t, f.engine.AddToBlacklist(ctx, "203.0.113.9", "scraper"))

	white, black := f.engine.Lists(ctx)
	assert.Contains(t, white, "10.1.0.0/16")
	assert.Contains(t, black, "203.0.113.9")

	for range 20 {
		d, err := f.engine.CheckAdmission(ctx, "10.1.2.3", browser)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := f.engine.CheckAdmission(ctx, "203.0.113.9", browser)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonBlacklisted, d.Reason)

	require.NoError(t, f.engine.RemoveFromBlacklist(ctx, "203.0.113.9"))
	require.NoError(t, f.engine.RemoveFromWhitelist(ctx, "10.1.0.0/16"))

	d, err = f.engine.CheckAdmission(ctx, "203.0.113.9", browser)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// TestVerifyResourcePassword_Scenario 三次錯誤後鎖定，第四次即使密碼正確也被拒
func TestVerifyResourcePassword_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())

	digest, err := f.engine.HashPassword("hunter2")
	require.NoError(t, err)
	f.create(t, storage.Link{ShortCode: "abc123", Alias: "secret-doc", OriginalURL: "https://example.com", IsActive: true, PasswordHash: digest})

	res, err := f.engine.ResolveShortCode(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, res.HasPassword)

	for i := 1; i <= 2; i++ {
		r, err := f.engine.VerifyResourcePassword(ctx, "abc123", "1.2.3.4", "wrong")
		require.NoError(t, err)
		assert.False(t, r.Verified)
		assert.Equal(t, int64(3-i), r.Remaining)
	}

	// 用別名嘗試也算在同一個計數上
	r, err := f.engine.VerifyResourcePassword(ctx, "secret-doc", "1.2.3.4", "wrong")
	require.NoError(t, err)
	assert.True(t, r.Locked)

	r, err = f.engine.VerifyResourcePassword(ctx, "abc123", "1.2.3.4", "hunter2")
	require.NoError(t, err)
	assert.False(t, r.Verified)
	assert.True(t, r.Locked)
	assert.Positive(t, r.RetryAfter)

	// 其他來源不受影響
	r, err = f.engine.VerifyResourcePassword(ctx, "abc123", "5.6.7.8", "hunter2")
	require.NoError(t, err)
	assert.True(t, r.Verified)
	assert.True(t, f.engine.IsVerified(ctx, "secret-doc", "5.6.7.8"))

	st, err := f.engine.PasswordAttemptState(ctx, "abc123", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, st.LockedUntil.IsZero())

	require.NoError(t, f.engine.ResetPasswordAttempts(ctx, "abc123", "1.2.3.4"))
	r, err = f.engine.VerifyResourcePassword(ctx, "abc123", "1.2.3.4", "hunter2")
	require.NoError(t, err)
	assert.True(t, r.Verified)
}

func TestVerifyResourcePassword_Edges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	f.create(t, storage.Link{ShortCode: "open12", OriginalURL: "https://example.com", IsActive: true})
	f.create(t, storage.Link{ShortCode: "gone12", OriginalURL: "https://example.com", IsActive: true,
		PasswordHash: "plain:x", ExpiresAt: f.clock.Now().Add(time.Minute)})

	r, err := f.engine.VerifyResourcePassword(ctx, "open12", "1.2.3.4", "anything")
	require.NoError(t, err)
	assert.True(t, r.Verified)

	_, err = f.engine.VerifyResourcePassword(ctx, "nope12", "1.2.3.4", "x")
	assert.True(t, apperrors.IsNotFound(err))

	f.clock.Advance(2 * time.Minute)
	_, err = f.engine.VerifyResourcePassword(ctx, "gone12", "1.2.3.4", "x")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.engine.VerifyResourcePassword(ctx, "ab", "1.2.3.4", "x")
	assert.True(t, apperrors.IsInvalidInput(err))
}

// TestURLMutated 變更後立即讀到新值，密碼變更清除已驗證旗標
func TestURLMutated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	link := f.create(t, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com/v1", IsActive: true, PasswordHash: "plain:one"})

	r, err := f.engine.VerifyResourcePassword(ctx, "abc123", "1.2.3.4", "one")
	require.NoError(t, err)
	require.True(t, r.Verified)
	require.True(t, f.engine.IsVerified(ctx, "abc123", "1.2.3.4"))

	next := link
	next.OriginalURL = "https://example.com/v2"
	next.PasswordHash = "plain:two"
	before, err := f.store.Update(ctx, next)
	require.NoError(t, err)
	require.NoError(t, f.engine.URLMutated(ctx, resolver.MutationOf(before, next)))

	res, err := f.engine.ResolveShortCode(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v2", res.Target)
	assert.False(t, f.engine.IsVerified(ctx, "abc123", "1.2.3.4"))

	r, err = f.engine.VerifyResourcePassword(ctx, "abc123", "1.2.3.4", "one")
	require.NoError(t, err)
	assert.False(t, r.Verified)
}

// TestSweep 透過 engine 執行清理與延期
func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())
	a := f.create(t, storage.Link{ShortCode: "exp001", OriginalURL: "https://example.com", IsActive: true, ExpiresAt: f.clock.Now().Add(time.Minute)})
	b := f.create(t, storage.Link{ShortCode: "exp002", OriginalURL: "https://example.com", IsActive: true, ExpiresAt: f.clock.Now().Add(time.Minute)})

	f.clock.Advance(2 * time.Minute)

	ext, err := f.engine.ExtendExpiration(ctx, []int64{b.ID}, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, ext.Updated)

	h := f.engine.Health(ctx)
	assert.Equal(t, int64(1), h.PendingExpired)

	rep := f.engine.SweepNow(ctx)
	assert.Equal(t, 1, rep.Deactivated)

	res, err := f.engine.ResolveShortCode(ctx, "exp001")
	require.NoError(t, err)
	assert.False(t, res.Found)
	res, err = f.engine.ResolveShortCode(ctx, "exp002")
	require.NoError(t, err)
	assert.True(t, res.Found)

	cleaned, err := f.engine.CleanupSpecific(ctx, []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned.Deactivated)
	assert.Equal(t, []int64{a.ID}, cleaned.AlreadyInactive)
	res, err = f.engine.ResolveShortCode(ctx, "exp002")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

// TestCacheDisabled 沒有快取時核心仍然正確
func TestCacheDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.store.Create(ctx, storage.Link{ShortCode: "abc123", OriginalURL: "https://example.com", IsActive: true, PasswordHash: "plain:pw"})
	require.NoError(t, err)

	for range 10 {
		d, err := f.engine.CheckAdmission(ctx, "10.0.0.1", browser)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "fail open")
	}

	res, err := f.engine.ResolveShortCode(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, res.Found)

	r, err := f.engine.VerifyResourcePassword(ctx, "abc123", "1.2.3.4", "pw")
	require.NoError(t, err)
	assert.True(t, r.Verified)

	h := f.engine.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.Cache.Reachable)
}

func TestPolicyUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())

	p := testConfig().RateLimit
	p.PerMinute = 1
	require.NoError(t, f.engine.UpdateRateLimitPolicy(p))

	d, err := f.engine.CheckAdmission(ctx, "10.0.0.2", browser)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = f.engine.CheckAdmission(ctx, "10.0.0.2", browser)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	bad := p
	bad.PerMinute = -1
	assert.True(t, apperrors.IsInvalidInput(f.engine.UpdateRateLimitPolicy(bad)))

	pw := testConfig().Password
	pw.MaxAttempts = 0
	assert.True(t, apperrors.IsInvalidInput(f.engine.UpdatePasswordPolicy(pw)))
}

func TestBlockAndUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory())

	entry, err := f.engine.Block(ctx, "key:partner-a", "manual review", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)

	d, err := f.engine.CheckAdmission(ctx, "key:partner-a", browser)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	st, err := f.engine.RateLimitStatus(ctx, "key:partner-a")
	require.NoError(t, err)
	require.NotNil(t, st.Block)

	require.NoError(t, f.engine.Unblock(ctx, "key:partner-a"))
	d, err = f.engine.CheckAdmission(ctx, "key:partner-a", browser)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	top, err := f.engine.TopUsage(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	assert.True(t, strings.HasPrefix(top[0].Identifier, "key:"))
}
