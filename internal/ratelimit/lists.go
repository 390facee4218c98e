package ratelimit

import (
	"context"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/linkguard/internal/cache"
)

// snapshot 名單的不可變本地快照
type snapshot struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
}

func newSnapshot(entries []string) *snapshot {
	s := &snapshot{exact: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		if strings.Contains(e, "/") {
			if p, err := netip.ParsePrefix(e); err == nil {
				s.prefixes = append(s.prefixes, p.Masked())
				continue
			}
		}
		s.exact[e] = struct{}{}
	}
	return s
}

func (s *snapshot) contains(id identity) bool {
	if _, ok := s.exact[id.id]; ok {
		return true
	}
	if !id.isAddr {
		return false
	}
	for _, p := range s.prefixes {
		if p.Contains(id.addr) {
			return true
		}
	}
	return false
}

func (s *snapshot) members() []string {
	out := make([]string, 0, len(s.exact)+len(s.prefixes))
	for e := range s.exact {
		out = append(out, e)
	}
	for _, p := range s.prefixes {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// with 回傳加入 entry 後的新快照（copy-on-write）
func (s *snapshot) with(entry string) *snapshot {
	m := s.members()
	return newSnapshot(append(m, entry))
}

// without 回傳移除 entry 後的新快照
func (s *snapshot) without(entry string) *snapshot {
	m := s.members()
	out := m[:0]
	for _, e := range m {
		if e != entry {
			out = append(out, e)
		}
	}
	return newSnapshot(out)
}

// list 一份名單：儲存端集合是唯一真實來源，本地只保留快照
type list struct {
	name string
	key  string
	snap atomic.Pointer[snapshot]

	// mu 串行化快照替換；version 在每次本地變更時遞增，
	// 讀取開始後發生過變更的刷新結果會被丟棄
	mu      sync.Mutex
	version uint64
}

func (lst *list) currentVersion() uint64 {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	return lst.version
}

// replace 以刷新結果替換快照；since 之後有本地變更就不替換
func (lst *list) replace(members []string, since uint64) bool {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	if lst.version != since {
		return false
	}
	lst.snap.Store(newSnapshot(members))
	return true
}

// apply 套用本地變更
func (lst *list) apply(change func(*snapshot) *snapshot) {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	lst.snap.Store(change(lst.snap.Load()))
	lst.version++
}

// lists 黑白名單
//
// 讀取路徑只做原子載入；快照過期時以 singleflight 合併刷新，
// 同一時間只有一個請求去讀儲存端。本地變更直接套用到快照，不等下一次刷新。
type lists struct {
	cache    *cache.Layer
	logger   *slog.Logger
	interval func() time.Duration

	white list
	black list

	loadedAt atomic.Int64 // unix nano，0 表示從未載入
	group    singleflight.Group
}

func newLists(c *cache.Layer, logger *slog.Logger, interval func() time.Duration) *lists {
	l := &lists{
		cache:    c,
		logger:   logger,
		interval: interval,
		white:    list{name: "whitelist", key: cache.WhitelistKey()},
		black:    list{name: "blacklist", key: cache.BlacklistKey()},
	}
	l.white.snap.Store(newSnapshot(nil))
	l.black.snap.Store(newSnapshot(nil))
	return l
}

// ensureFresh 快照超過刷新間隔時重新載入
func (l *lists) ensureFresh(ctx context.Context) {
	loaded := l.loadedAt.Load()
	if loaded != 0 && l.cache.Now().Sub(time.Unix(0, loaded)) < l.interval() {
		return
	}
	_, _, _ = l.group.Do("refresh", func() (any, error) {
		l.refresh(ctx)
		return nil, nil
	})
}

// refresh 從儲存端重新載入兩份名單；讀取失敗時保留舊快照
//
// 讀取期間有本地變更時丟棄這次結果，避免較舊的集合蓋掉剛加入的項目。
func (l *lists) refresh(ctx context.Context) {
	defer l.loadedAt.Store(l.cache.Now().UnixNano())

	for _, lst := range []*list{&l.white, &l.black} {
		since := lst.currentVersion()
		members, err := l.cache.SetMembers(ctx, lst.key)
		if err != nil {
			l.logger.Warn("list refresh failed, keeping local snapshot", "list", lst.name, "error", err)
			continue
		}
		if !lst.replace(members, since) {
			l.logger.Debug("list changed during refresh, keeping local snapshot", "list", lst.name)
		}
	}
}

// add 寫入儲存端並套用到本地快照
//
// 儲存端不可用時仍套用本地快照（本進程立即生效），回傳 false 表示未持久化。
func (l *lists) add(ctx context.Context, lst *list, entry string) bool {
	err := l.cache.SetAdd(ctx, lst.key, entry)
	lst.apply(func(s *snapshot) *snapshot { return s.with(entry) })
	if err != nil {
		l.logger.Warn("list change not persisted", "list", lst.name, "entry", entry, "error", err)
		return false
	}
	return true
}

func (l *lists) remove(ctx context.Context, lst *list, entry string) bool {
	err := l.cache.SetRemove(ctx, lst.key, entry)
	lst.apply(func(s *snapshot) *snapshot { return s.without(entry) })
	if err != nil {
		l.logger.Warn("list change not persisted", "list", lst.name, "entry", entry, "error", err)
		return false
	}
	return true
}

func (l *lists) whitelisted(id identity) bool { return l.white.snap.Load().contains(id) }

func (l *lists) blacklisted(id identity) bool { return l.black.snap.Load().contains(id) }
