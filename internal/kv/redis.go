package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua 腳本：遞增並在 key 沒有 TTL 時設定 TTL
//
// KEYS[1]: 計數器 key
// ARGV[1]: 遞增量
// ARGV[2]: TTL（毫秒，0 表示不設定）
//
// INCRBY 與 PEXPIRE 分兩次呼叫時，中間崩潰會留下永不過期的計數器，
// 也就是永久封鎖。放在同一個腳本裡由 Redis 保證原子性。
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`)

// Lua 腳本：多視窗條件遞增
//
// KEYS[i]: 第 i 個視窗的計數器
// ARGV[2i-1]: 第 i 個視窗的上限
// ARGV[2i]:   第 i 個視窗的 TTL（毫秒）
//
// 返回值：{exceeded, count1, pttl1, count2, pttl2, ...}
//
//	exceeded = 0 表示全部通過且已遞增，否則為第一個超限視窗的序號（1 起算）
var windowScript = redis.NewScript(`
local n = #KEYS
local exceeded = 0
local counts = {}

for i = 1, n do
    local c = tonumber(redis.call('GET', KEYS[i]) or '0')
    counts[i] = c
    if exceeded == 0 and c + 1 > tonumber(ARGV[i * 2 - 1]) then
        exceeded = i
    end
end

if exceeded == 0 then
    for i = 1, n do
        counts[i] = redis.call('INCR', KEYS[i])
        if redis.call('PTTL', KEYS[i]) < 0 then
            redis.call('PEXPIRE', KEYS[i], ARGV[i * 2])
        end
    end
end

local out = {exceeded}
for i = 1, n do
    table.insert(out, counts[i])
    table.insert(out, redis.call('PTTL', KEYS[i]))
end
return out
`)

// Redis 以 go-redis 實作 Store
type Redis struct {
	client    *redis.Client
	scanCount int64
}

// NewRedis 包裝既有的 Redis 客戶端（生命週期由呼叫端管理）
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, scanCount: 500}
}

// classify 把 go-redis 錯誤轉換為 ErrNil / ErrUnavailable
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return unavailable(op, err)
}

// Get 讀取字串值
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", classify("get", err)
	}
	return v, nil
}

// Set 寫入字串值
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return classify("set", r.client.Set(ctx, key, value, ttl).Err())
}

// Del 刪除 key
func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	return n, classify("del", err)
}

// DelPattern 以 SCAN 迭代刪除
//
// 不用 KEYS：KEYS 是 O(N) 阻塞命令，生產環境會卡住整個 Redis。
// SCAN 分批迭代，每批用 UNLINK 非同步釋放記憶體。
func (r *Redis) DelPattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return deleted, classify("scan", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return deleted, classify("unlink", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Exists 檢查 key 是否存在
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, classify("exists", err)
	}
	return n > 0, nil
}

// TTL 讀取剩餘時間
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, classify("pttl", err)
	}
	// go-redis 對 -2（不存在）與 -1（無 TTL）回傳原始數值
	switch d {
	case -2:
		return 0, ErrNil
	case -1:
		return -1, nil
	}
	return d, nil
}

// IncrBy 原子遞增並補上 TTL
func (r *Redis) IncrBy(ctx context.Context, key string, amount int64, ttlIfNew time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, r.client, []string{key}, amount, ttlIfNew.Milliseconds()).Int64()
	if err != nil {
		return 0, classify("incr", err)
	}
	return v, nil
}

// IncrWithinLimits 多視窗條件遞增（單次往返）
func (r *Redis) IncrWithinLimits(ctx context.Context, windows []Window) (WindowResult, error) {
	keys := make([]string, len(windows))
	args := make([]any, 0, len(windows)*2)
	for i, w := range windows {
		keys[i] = w.Key
		args = append(args, w.Limit, w.TTL.Milliseconds())
	}

	raw, err := windowScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return WindowResult{}, classify("incr windows", err)
	}
	if len(raw) != 1+2*len(windows) {
		return WindowResult{}, unavailable("incr windows", fmt.Errorf("unexpected reply length %d", len(raw)))
	}

	res := WindowResult{
		Allowed:  raw[0] == 0,
		Exceeded: int(raw[0]) - 1,
		Counts:   make([]int64, len(windows)),
		TTLs:     make([]time.Duration, len(windows)),
	}
	for i := range windows {
		res.Counts[i] = raw[1+2*i]
		if pttl := raw[2+2*i]; pttl > 0 {
			res.TTLs[i] = time.Duration(pttl) * time.Millisecond
		}
	}
	return res, nil
}

// SAdd 加入集合
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return classify("sadd", r.client.SAdd(ctx, key, toAny(members)...).Err())
}

// SRem 移出集合
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return classify("srem", r.client.SRem(ctx, key, toAny(members)...).Err())
}

// SMembers 讀取集合全部成員
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify("smembers", err)
	}
	return m, nil
}

// ZIncrTrim 排行計數並裁剪（pipeline 一次送出）
func (r *Redis) ZIncrTrim(ctx context.Context, key, member string, keep int, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.ZIncrBy(ctx, key, 1, member)
	if keep > 0 {
		// 由低到高排序，保留最後 keep 個
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-keep-1))
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return classify("zincr", err)
}

// ZTop 讀取排行
func (r *Redis) ZTop(ctx context.Context, key string, n int) ([]Scored, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := r.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, classify("zrevrange", err)
	}
	out := make([]Scored, 0, len(zs))
	for _, z := range zs {
		out = append(out, Scored{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

// Ping 健康檢查
func (r *Redis) Ping(ctx context.Context) error {
	return classify("ping", r.client.Ping(ctx).Err())
}

// Close 關閉連線
func (r *Redis) Close() error {
	return r.client.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
