package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
)

// Memory 記憶體實作
//
// 與 Postgres 實作語意相同：短碼與別名共用命名空間、軟刪除、游標分頁。
// Reads 記錄依短碼查詢的次數，測試用來確認快取是否真的擋住了讀取。
type Memory struct {
	mu     sync.RWMutex
	links  map[int64]Link
	nextID int64
	now    func() time.Time

	reads atomic.Int64
}

// NewMemory 創建記憶體儲存
func NewMemory() *Memory {
	return &Memory{
		links: make(map[int64]Link),
		now:   time.Now,
	}
}

// SetClock 替換時間來源
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Reads 依短碼或別名查詢的累計次數
func (m *Memory) Reads() int64 { return m.reads.Load() }

// taken 檢查 key 是否已被其他紀錄的短碼或別名使用（呼叫端持有鎖）
func (m *Memory) taken(key string, exceptID int64) bool {
	if key == "" {
		return false
	}
	for id, l := range m.links {
		if id == exceptID {
			continue
		}
		if l.ShortCode == key || l.Alias == key {
			return true
		}
	}
	return false
}

// Create 新增紀錄
func (m *Memory) Create(_ context.Context, l Link) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.taken(l.ShortCode, 0) || m.taken(l.Alias, 0) || (l.Alias != "" && l.Alias == l.ShortCode) {
		return Link{}, apperrors.ErrCodeTaken
	}

	m.nextID++
	now := m.now()
	l.ID = m.nextID
	l.CreatedAt = now
	l.UpdatedAt = now
	m.links[l.ID] = l
	return l, nil
}

// Update 整筆覆寫（以 ID 為準），回傳更新前的紀錄
func (m *Memory) Update(_ context.Context, l Link) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.links[l.ID]
	if !ok {
		return Link{}, apperrors.ErrRecordNotFound
	}
	if m.taken(l.ShortCode, l.ID) || m.taken(l.Alias, l.ID) {
		return Link{}, apperrors.ErrCodeTaken
	}

	l.CreatedAt = old.CreatedAt
	l.UpdatedAt = m.now()
	m.links[l.ID] = l
	return old, nil
}

// Delete 硬刪除，回傳被刪除的紀錄
func (m *Memory) Delete(_ context.Context, id int64) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.links[id]
	if !ok {
		return Link{}, apperrors.ErrRecordNotFound
	}
	delete(m.links, id)
	return old, nil
}

// FindByCodeOrAlias 依短碼或別名查詢（不過濾啟用狀態與過期）
func (m *Memory) FindByCodeOrAlias(_ context.Context, code string) (Link, error) {
	m.reads.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.links {
		if l.ShortCode == code || l.Alias == code {
			return l, nil
		}
	}
	return Link{}, apperrors.ErrRecordNotFound
}

// FindActiveExpired 仍啟用但已過期的紀錄，依 ID 遞增，從 afterID 之後開始
func (m *Memory) FindActiveExpired(_ context.Context, now time.Time, afterID int64, limit int) ([]Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Link
	for _, l := range m.links {
		if l.ID > afterID && l.IsActive && l.Expired(now) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Link) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountExpiredActive 仍啟用但已過期的數量
func (m *Memory) CountExpiredActive(_ context.Context, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, l := range m.links {
		if l.IsActive && l.Expired(now) {
			n++
		}
	}
	return n, nil
}

// MarkInactive 軟刪除，只回傳這次真正由啟用變為停用的紀錄
func (m *Memory) MarkInactive(_ context.Context, ids []int64) ([]Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []Link
	now := m.now()
	for _, id := range ids {
		l, ok := m.links[id]
		if !ok || !l.IsActive {
			continue
		}
		l.IsActive = false
		l.UpdatedAt = now
		m.links[id] = l
		changed = append(changed, l)
	}
	return changed, nil
}

// UpdateExpiry 設定新的到期時間，回傳更新後的紀錄（不改變啟用狀態）
func (m *Memory) UpdateExpiry(_ context.Context, ids []int64, at time.Time) ([]Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated []Link
	now := m.now()
	for _, id := range ids {
		l, ok := m.links[id]
		if !ok {
			continue
		}
		l.ExpiresAt = at
		l.UpdatedAt = now
		m.links[id] = l
		updated = append(updated, l)
	}
	return updated, nil
}

// FindByIDs 依 ID 批次讀取（不存在的 ID 略過，依 ID 排序）
func (m *Memory) FindByIDs(_ context.Context, ids []int64) ([]Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Link
	for _, id := range ids {
		if l, ok := m.links[id]; ok {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Link) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Ping 永遠成功
func (m *Memory) Ping(context.Context) error { return nil }
