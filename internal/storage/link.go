// Package storage 是短網址紀錄的持久化儲存
//
// 持久化儲存是唯一真實來源：快取可以整個丟掉，這裡的資料不能。
// 提供兩種實作：
//
//   - Postgres：pgx 連接池，生產環境使用
//   - Memory：單進程記憶體，測試與本地開發使用
//
// 軟刪除：過期或下架的紀錄只把 is_active 設為 false，不刪列。
package storage

import (
	"time"
)

// Link 短網址紀錄
type Link struct {
	ID           int64     `json:"id"`
	ShortCode    string    `json:"short_code"`
	Alias        string    `json:"alias,omitempty"` // 空字串表示沒有別名
	OriginalURL  string    `json:"original_url"`
	IsActive     bool      `json:"is_active"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"` // 零值表示永不過期
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired 在 now 時是否已過期
func (l Link) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// HasPassword 是否受密碼保護
func (l Link) HasPassword() bool {
	return l.PasswordHash != ""
}

// Keys 紀錄的所有解析鍵（短碼與別名）
func (l Link) Keys() []string {
	if l.Alias == "" || l.Alias == l.ShortCode {
		return []string{l.ShortCode}
	}
	return []string{l.ShortCode, l.Alias}
}
