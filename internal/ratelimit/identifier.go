package ratelimit

import (
	"net/netip"
	"regexp"
	"strings"

	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
)

// KeyPrefix API key 衍生識別碼的前綴
const KeyPrefix = "key:"

var keyToken = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// identity 解析後的識別碼
type identity struct {
	id     string // 正規化後的字串（IPv4-mapped IPv6 轉回 IPv4）
	addr   netip.Addr
	isAddr bool
}

// parseIdentifier 驗證並正規化請求識別碼：IP 位址或 key:<token>
func parseIdentifier(raw string) (identity, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return identity{}, apperrors.ErrInvalidIdentifier.WithDetails("identifier is empty")
	}

	if strings.HasPrefix(s, KeyPrefix) {
		if !keyToken.MatchString(s[len(KeyPrefix):]) {
			return identity{}, apperrors.ErrInvalidIdentifier.WithDetails("api key token must be 1-128 chars of [A-Za-z0-9_-]")
		}
		return identity{id: s}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return identity{}, apperrors.ErrInvalidIdentifier.WithDetails("not an IP address or key:<token>: " + s)
	}
	if addr.Zone() != "" {
		return identity{}, apperrors.ErrInvalidIdentifier.WithDetails("IPv6 zones are not accepted: " + s)
	}
	addr = addr.Unmap()
	return identity{id: addr.String(), addr: addr, isAddr: true}, nil
}

// parseEntry 驗證並正規化名單項目：識別碼或 CIDR
func parseEntry(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return "", apperrors.ErrInvalidIdentifier.WithDetails("invalid CIDR: " + s)
		}
		if prefix.Addr().Zone() != "" {
			return "", apperrors.ErrInvalidIdentifier.WithDetails("IPv6 zones are not accepted: " + s)
		}
		return prefix.Masked().String(), nil
	}

	id, err := parseIdentifier(s)
	if err != nil {
		return "", err
	}
	return id.id, nil
}

// NormalizeIdentifier 回傳識別碼的正規形式，格式不合法時回傳 INVALID_INPUT
func NormalizeIdentifier(raw string) (string, error) {
	id, err := parseIdentifier(raw)
	if err != nil {
		return "", err
	}
	return id.id, nil
}
