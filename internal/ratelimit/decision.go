package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Reason 決策原因
type Reason string

const (
	ReasonAllowed     Reason = "allowed"
	ReasonWhitelisted Reason = "whitelisted"
	ReasonBlacklisted Reason = "blacklisted"
	ReasonBlocked     Reason = "blocked"
	ReasonRateLimited Reason = "rate_limited"
	ReasonAbuse       Reason = "abuse"

	// ReasonDegraded 計數器不可用，失敗開放
	ReasonDegraded Reason = "degraded"
)

// Decision 准入決策
//
// 拒絕是正常結果，不是錯誤：呼叫端看 Allowed，不看 error。
type Decision struct {
	Allowed bool
	Reason  Reason

	// Limit / Remaining 來自剩餘額度最少的視窗；Remaining 為 -1 表示未知（白名單、失敗開放）
	Limit     int64
	Remaining int64
	Window    string
	ResetAt   time.Time

	// RetryAfter 拒絕時距離解除的時間；Permanent 為 true 時無意義
	RetryAfter time.Duration
	Permanent  bool

	// Suspicious 命中可疑特徵，回應應加上較嚴格的標頭
	Suspicious bool
	Signals    []string
}

// Headers 轉換為 HTTP 回應標頭
func (d Decision) Headers() http.Header {
	h := make(http.Header)

	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	}
	if d.Remaining >= 0 && d.Limit > 0 {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	}
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed && !d.Permanent && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))
	}

	if d.Suspicious {
		h.Set("Cache-Control", "no-store")
		h.Set("X-Robots-Tag", "noindex, nofollow")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
	}
	return h
}

// StatusCode 拒絕時建議的 HTTP 狀態碼
func (d Decision) StatusCode() int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Reason == ReasonBlacklisted:
		return http.StatusForbidden
	default:
		return http.StatusTooManyRequests
	}
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
