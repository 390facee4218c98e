// Package kv 是遠端鍵值儲存的薄封裝
//
// 上層（internal/cache）只透過 Store 介面存取，不知道背後是 Redis、記憶體還是根本不存在。
// 介面刻意保持「Redis 形狀」：字串值、TTL、原子遞增、集合、有序集合、模式刪除。
//
// 錯誤約定：
//
//   - ErrNil：key 不存在（不是錯誤狀態，是「沒有值」）
//   - ErrUnavailable：儲存不可達或逾時；呼叫端應視同快取未命中
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNil key 不存在
	ErrNil = errors.New("kv: nil")

	// ErrUnavailable 儲存不可用（連線失敗、逾時、已停用）
	ErrUnavailable = errors.New("kv: store unavailable")
)

// unavailable 包裝驅動錯誤，同時保留 ErrUnavailable 與原始錯誤供 errors.Is 判斷
func unavailable(op string, err error) error {
	return fmt.Errorf("kv %s: %w: %w", op, ErrUnavailable, err)
}

// Window 一個限流視窗的計數器
type Window struct {
	Key   string
	Limit int64
	TTL   time.Duration // 計數器第一次建立時設定的 TTL
}

// WindowResult IncrWithinLimits 的結果
type WindowResult struct {
	// Allowed 所有視窗都未超限，且已全部遞增
	Allowed bool

	// Exceeded 第一個會超限的視窗索引；Allowed 時為 -1
	Exceeded int

	// Counts 各視窗目前的計數（Allowed 時為遞增後的值）
	Counts []int64

	// TTLs 各視窗剩餘時間；計數器不存在時為 0
	TTLs []time.Duration
}

// Scored 有序集合成員
type Scored struct {
	Member string
	Score  float64
}

// Store 鍵值儲存介面
//
// 所有方法都必須可併發呼叫；遞增類操作必須在儲存端原子完成（單次往返）。
type Store interface {
	Get(ctx context.Context, key string) (string, error)

	// Set ttl <= 0 表示不過期
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) (int64, error)

	// DelPattern 刪除符合 glob 模式的所有 key，回傳刪除數量
	DelPattern(ctx context.Context, pattern string) (int64, error)

	Exists(ctx context.Context, key string) (bool, error)

	// TTL 剩餘存活時間；key 不存在回傳 ErrNil，沒有過期時間回傳 -1
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrBy 原子遞增；key 新建（或沒有 TTL）時設定 ttlIfNew
	IncrBy(ctx context.Context, key string, amount int64, ttlIfNew time.Duration) (int64, error)

	// IncrWithinLimits 檢查所有視窗遞增後是否仍在上限內，全部通過才一起遞增
	//
	// 檢查與遞增是同一個原子操作，併發請求不會同時看到「還剩一個名額」。
	IncrWithinLimits(ctx context.Context, windows []Window) (WindowResult, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZIncrTrim 成員分數加一後只保留分數最高的 keep 個成員
	ZIncrTrim(ctx context.Context, key, member string, keep int, ttl time.Duration) error

	// ZTop 回傳分數最高的 n 個成員（由高到低）
	ZTop(ctx context.Context, key string, n int) ([]Scored, error)

	Ping(ctx context.Context) error

	Close() error
}
