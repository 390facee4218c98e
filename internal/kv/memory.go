package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// kind 記憶體條目的資料型別
type kind int

const (
	kindString kind = iota
	kindSet
	kindZSet
)

type entry struct {
	kind      kind
	str       string
	set       map[string]struct{}
	zset      map[string]float64
	expiresAt time.Time // 零值表示不過期
}

// Memory 單進程記憶體實作
//
// 用於測試與單機部署。語意與 Redis 實作一致（TTL、原子遞增、集合、排行），
// 時間來源可注入，測試不需要真的 sleep。
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewMemory 創建記憶體儲存
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]*entry),
		now:  time.Now,
	}
}

// SetClock 替換時間來源
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup 取得未過期條目；過期的條目順便清掉（惰性刪除）
func (m *Memory) lookup(key string) (*entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get 讀取字串值
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.kind != kindString {
		return "", ErrNil
	}
	return e.str, nil
}

// Set 寫入字串值
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &entry{kind: kindString, str: value, expiresAt: m.expiry(ttl)}
	return nil
}

// Del 刪除 key
func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := m.lookup(k); ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

// DelPattern 刪除符合 glob 模式的 key
func (m *Memory) DelPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k := range m.data {
		if _, ok := m.lookup(k); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, k); matched {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

// Exists 檢查 key 是否存在
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key)
	return ok, nil
}

// TTL 讀取剩餘時間
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return 0, ErrNil
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

// incrLocked 呼叫端必須持有鎖
func (m *Memory) incrLocked(key string, amount int64, ttlIfNew time.Duration) (int64, error) {
	e, ok := m.lookup(key)
	if !ok {
		e = &entry{kind: kindString, str: "0"}
		m.data[key] = e
	}
	if e.kind != kindString {
		return 0, unavailable("incr", errWrongType)
	}
	cur, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, unavailable("incr", err)
	}
	cur += amount
	e.str = strconv.FormatInt(cur, 10)
	if e.expiresAt.IsZero() {
		e.expiresAt = m.expiry(ttlIfNew)
	}
	return cur, nil
}

// IncrBy 原子遞增
func (m *Memory) IncrBy(_ context.Context, key string, amount int64, ttlIfNew time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, amount, ttlIfNew)
}

// IncrWithinLimits 多視窗條件遞增
func (m *Memory) IncrWithinLimits(_ context.Context, windows []Window) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := WindowResult{
		Allowed:  true,
		Exceeded: -1,
		Counts:   make([]int64, len(windows)),
		TTLs:     make([]time.Duration, len(windows)),
	}

	for i, w := range windows {
		if e, ok := m.lookup(w.Key); ok && e.kind == kindString {
			res.Counts[i], _ = strconv.ParseInt(e.str, 10, 64)
		}
		if res.Allowed && res.Counts[i]+1 > w.Limit {
			res.Allowed = false
			res.Exceeded = i
		}
	}

	if res.Allowed {
		for i, w := range windows {
			n, err := m.incrLocked(w.Key, 1, w.TTL)
			if err != nil {
				return WindowResult{}, err
			}
			res.Counts[i] = n
		}
	}

	for i, w := range windows {
		if e, ok := m.lookup(w.Key); ok && !e.expiresAt.IsZero() {
			res.TTLs[i] = e.expiresAt.Sub(m.now())
		}
	}
	return res, nil
}

// setLocked 取得（必要時建立）集合條目
func (m *Memory) setLocked(key string, create bool) (*entry, error) {
	e, ok := m.lookup(key)
	if !ok {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		m.data[key] = e
	}
	if e.kind != kindSet {
		return nil, unavailable("set op", errWrongType)
	}
	return e, nil
}

// SAdd 加入集合
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(members) == 0 {
		return nil
	}
	e, err := m.setLocked(key, true)
	if err != nil {
		return err
	}
	for _, s := range members {
		e.set[s] = struct{}{}
	}
	return nil
}

// SRem 移出集合
func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.setLocked(key, false)
	if err != nil || e == nil {
		return err
	}
	for _, s := range members {
		delete(e.set, s)
	}
	if len(e.set) == 0 {
		delete(m.data, key)
	}
	return nil
}

// SMembers 讀取集合成員（排序後回傳，方便測試比對）
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.setLocked(key, false)
	if err != nil || e == nil {
		return []string{}, err
	}
	out := make([]string, 0, len(e.set))
	for s := range e.set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// ZIncrTrim 排行計數並裁剪
func (m *Memory) ZIncrTrim(_ context.Context, key, member string, keep int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = &entry{kind: kindZSet, zset: make(map[string]float64)}
		m.data[key] = e
	}
	if e.kind != kindZSet {
		return unavailable("zincr", errWrongType)
	}
	e.zset[member]++
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}

	if keep > 0 && len(e.zset) > keep {
		ranked := rankZSet(e.zset)
		for _, z := range ranked[keep:] {
			delete(e.zset, z.Member)
		}
	}
	return nil
}

// ZTop 讀取排行
func (m *Memory) ZTop(_ context.Context, key string, n int) ([]Scored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.kind != kindZSet || n <= 0 {
		return nil, nil
	}
	ranked := rankZSet(e.zset)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked, nil
}

// rankZSet 依分數由高到低排序（同分依成員字典序，與 Redis ZREVRANGE 一致）
func rankZSet(z map[string]float64) []Scored {
	out := make([]Scored, 0, len(z))
	for member, score := range z {
		out = append(out, Scored{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member > out[j].Member
	})
	return out
}

// Ping 永遠成功
func (m *Memory) Ping(context.Context) error { return nil }

// Close 清空資料
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*entry)
	return nil
}

// Len 目前未過期的 key 數量
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.data {
		if _, ok := m.lookup(k); ok {
			n++
		}
	}
	return n
}
