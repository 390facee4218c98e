// Package events 發佈短網址生命週期事件
//
// 目前只有一種事件：清理器把一批紀錄停用後，發佈到 links.expired。
// 下游（統計、通知）自行訂閱；沒有設定 NATS 時使用 Noop，不影響清理本身。
package events

import (
	"context"
	"time"
)

// Trigger 觸發停用的來源
type Trigger string

const (
	TriggerSchedule Trigger = "schedule" // 定時清理
	TriggerManual   Trigger = "manual"   // 手動觸發的清理
	TriggerCleanup  Trigger = "cleanup"  // 管理員指定 ID 停用
)

// ExpiredLink 被停用的紀錄
type ExpiredLink struct {
	ID        int64     `json:"id"`
	ShortCode string    `json:"short_code"`
	Alias     string    `json:"alias,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired 一個批次的停用事件
type Expired struct {
	RunID   string        `json:"run_id"`
	Trigger Trigger       `json:"trigger"`
	At      time.Time     `json:"at"`
	Links   []ExpiredLink `json:"links"`
}

// Publisher 事件發佈
type Publisher interface {
	PublishExpired(ctx context.Context, e Expired) error
}

// Noop 什麼都不做
type Noop struct{}

// PublishExpired 直接回傳 nil
func (Noop) PublishExpired(context.Context, Expired) error { return nil }
