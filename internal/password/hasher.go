package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher 憑證原語：雜湊與比對
//
// Guard 只負責嘗試次數與鎖定的簿記，不碰密碼學。
type Hasher interface {
	Hash(secret string) (string, error)

	// Compare 不相符回傳 (false, nil)；只有摘要格式錯誤等異常才回傳 error
	Compare(secret, digest string) (bool, error)
}

// BcryptHasher 以 bcrypt 實作 Hasher
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher cost 超出範圍時使用 bcrypt.DefaultCost
func NewBcryptHasher(cost int) BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return BcryptHasher{Cost: cost}
}

// Hash 產生摘要
func (h BcryptHasher) Hash(secret string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(digest), nil
}

// Compare 比對密碼與摘要
func (h BcryptHasher) Compare(secret, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare secret: %w", err)
	}
}
