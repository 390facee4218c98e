package cache

import "time"

// 計數器視窗長度（同時也是計數器 TTL）
const (
	WindowMinute = time.Minute
	WindowHour   = time.Hour
	WindowDay    = 24 * time.Hour
)

// Key 前綴
//
// 所有 key 的識別字元都經過驗證，不含 glob 特殊字元（* ? [ ]），
// 模式刪除不會誤傷其他資源。
const (
	prefixURL         = "url:"
	prefixVerified    = "pwd:verified:"
	prefixAttempts    = "pwd:attempts:"
	prefixLockout     = "pwd:lockout:"
	prefixLockouts    = "pwd:lockouts:"
	prefixRate        = "rl:"
	prefixBlock       = "rl:block:"
	prefixSuspicious  = "rl:susp:"
	prefixAbuse       = "rl:abuse:"
	prefixBlackReason = "rl:blacklist:reason:"

	keyWhitelist      = "rl:whitelist"
	keyBlacklist      = "rl:blacklist"
	keyUsage          = "rl:usage"
	keyPendingExpired = "stats:sweeper:pending"
)

// URLKey 短碼或別名的解析快取
func URLKey(code string) string { return prefixURL + code }

// VerifiedKey 密碼已驗證旗標
func VerifiedKey(resource, origin string) string {
	return prefixVerified + resource + ":" + origin
}

// VerifiedPattern 某資源所有來源的已驗證旗標
func VerifiedPattern(resource string) string {
	return prefixVerified + resource + ":*"
}

// AttemptKey 密碼失敗次數
func AttemptKey(resource, origin string) string {
	return prefixAttempts + resource + ":" + origin
}

// LockoutKey 密碼鎖定狀態
func LockoutKey(resource, origin string) string {
	return prefixLockout + resource + ":" + origin
}

// LockoutCountKey 升級視窗內的鎖定次數
func LockoutCountKey(resource, origin string) string {
	return prefixLockouts + resource + ":" + origin
}

// RateKey 限流視窗計數器，window 為 "m" / "h" / "d"
func RateKey(window, identifier string) string {
	return prefixRate + window + ":" + identifier
}

// BlockKey 暫時封鎖
func BlockKey(identifier string) string { return prefixBlock + identifier }

// SuspiciousKey 短視窗頻率計數器
func SuspiciousKey(identifier string) string { return prefixSuspicious + identifier }

// AbuseKey 可疑訊號累計
func AbuseKey(identifier string) string { return prefixAbuse + identifier }

// BlacklistReasonKey 黑名單原因
func BlacklistReasonKey(identifier string) string { return prefixBlackReason + identifier }

// WhitelistKey 白名單集合
func WhitelistKey() string { return keyWhitelist }

// BlacklistKey 黑名單集合
func BlacklistKey() string { return keyBlacklist }

// UsageKey 用量排行
func UsageKey() string { return keyUsage }

// PendingExpiredKey 待清理數量快照
func PendingExpiredKey() string { return keyPendingExpired }
