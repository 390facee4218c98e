package kv

import (
	"context"
	"errors"
	"time"
)

var (
	errDisabled  = errors.New("remote store disabled")
	errWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Disabled 沒有設定遠端儲存時使用
//
// 每個操作都回傳 ErrUnavailable，上層因此走完整的降級路徑：
// 快取永遠未命中、限流放行、密碼驗證不鎖定。
type Disabled struct{}

func (Disabled) Get(context.Context, string) (string, error) {
	return "", unavailable("get", errDisabled)
}

func (Disabled) Set(context.Context, string, string, time.Duration) error {
	return unavailable("set", errDisabled)
}

func (Disabled) Del(context.Context, ...string) (int64, error) {
	return 0, unavailable("del", errDisabled)
}

func (Disabled) DelPattern(context.Context, string) (int64, error) {
	return 0, unavailable("del pattern", errDisabled)
}

func (Disabled) Exists(context.Context, string) (bool, error) {
	return false, unavailable("exists", errDisabled)
}

func (Disabled) TTL(context.Context, string) (time.Duration, error) {
	return 0, unavailable("ttl", errDisabled)
}

func (Disabled) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, unavailable("incr", errDisabled)
}

func (Disabled) IncrWithinLimits(context.Context, []Window) (WindowResult, error) {
	return WindowResult{}, unavailable("incr windows", errDisabled)
}

func (Disabled) SAdd(context.Context, string, ...string) error {
	return unavailable("sadd", errDisabled)
}

func (Disabled) SRem(context.Context, string, ...string) error {
	return unavailable("srem", errDisabled)
}

func (Disabled) SMembers(context.Context, string) ([]string, error) {
	return nil, unavailable("smembers", errDisabled)
}

func (Disabled) ZIncrTrim(context.Context, string, string, int, time.Duration) error {
	return unavailable("zincr", errDisabled)
}

func (Disabled) ZTop(context.Context, string, int) ([]Scored, error) {
	return nil, unavailable("ztop", errDisabled)
}

func (Disabled) Ping(context.Context) error {
	return unavailable("ping", errDisabled)
}

func (Disabled) Close() error { return nil }

var (
	_ Store = Disabled{}
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
