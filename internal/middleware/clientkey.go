package middleware

import (
	"context"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/koopa0/system-design/linkguard/internal/ratelimit"
)

// APIKeyHeader 帶有已驗證 API key 的請求以 key:<digest> 計數
const APIKeyHeader = "X-API-Key"

// KeyVerifier 確認 API key 是否有效
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, key string) (bool, error)
}

// KeyVerifierFunc 以函數實作 KeyVerifier
type KeyVerifierFunc func(ctx context.Context, key string) (bool, error)

// VerifyAPIKey 呼叫 f
func (f KeyVerifierFunc) VerifyAPIKey(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// StaticKeys 固定的 API key 集合，只保存摘要
type StaticKeys struct {
	digests map[[32]byte]struct{}
}

// NewStaticKeys 建立 key 集合，空白項目會被忽略
func NewStaticKeys(keys ...string) *StaticKeys {
	s := &StaticKeys{digests: make(map[[32]byte]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			s.digests[blake2b.Sum256([]byte(k))] = struct{}{}
		}
	}
	return s
}

// VerifyAPIKey 實作 KeyVerifier
func (s *StaticKeys) VerifyAPIKey(_ context.Context, key string) (bool, error) {
	_, ok := s.digests[blake2b.Sum256([]byte(key))]
	return ok, nil
}

// Len key 數量
func (s *StaticKeys) Len() int { return len(s.digests) }

// KeyDigest API key 的識別碼片段：blake2b-256 前 16 bytes 的十六進位
//
// 原始 key 不會出現在快取鍵、用量排行或日誌裡。
func KeyDigest(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// ClientKey 回傳准入檢查用的識別碼函數
//
// 只有 verifier 確認過的 X-API-Key 才以 key:<digest> 計數；
// 沒有 verifier、key 無效或驗證失敗時一律用來源 IP，換 key 拿不到新的額度。
func ClientKey(trustProxy bool, verifier KeyVerifier) func(r *http.Request) string {
	ip := RemoteIP(trustProxy)
	return func(r *http.Request) string {
		if verifier == nil {
			return ip(r)
		}
		k := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if k == "" {
			return ip(r)
		}
		ok, err := verifier.VerifyAPIKey(r.Context(), k)
		if err != nil || !ok {
			return ip(r)
		}
		return ratelimit.KeyPrefix + KeyDigest(k)
	}
}

// RemoteIP 回傳取出來源 IP 的函數
//
// trustProxy 為 true 時採用 X-Forwarded-For 的第一個位址（只在可信任的反向代理後面開啟）。
func RemoteIP(trustProxy bool) func(r *http.Request) string {
	return func(r *http.Request) string {
		if trustProxy {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}
