// Package shortcode 驗證短碼與自定義別名的語法
//
// 短碼由 Base62 字符組成（0-9, A-Z, a-z），別名另外允許 '-' 與 '_'。
// 兩者共用同一個解析命名空間，所以格式檢查也必須在同一處。
//
// 快取層會用短碼組出 Redis key 並做模式刪除（SCAN MATCH），
// 因此 '*'、'?'、'[' 這類 glob 字符必須在入口就被擋下。
package shortcode

import (
	"fmt"
)

// Alphabet Base62 字符集
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	// MinLength 最短長度
	MinLength = 3
	// MaxLength 最長長度（別名上限，生成碼約 7-11 位）
	MaxLength = 64
)

var valid [256]bool

func init() {
	for i := 0; i < len(Alphabet); i++ {
		valid[Alphabet[i]] = true
	}
}

// IsBase62 檢查字串是否只包含 Base62 字符（空字串回傳 false）
func IsBase62(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !valid[s[i]] {
			return false
		}
	}
	return true
}

// Validate 檢查短碼或別名，回傳具體原因
func Validate(code string) error {
	if len(code) < MinLength || len(code) > MaxLength {
		return fmt.Errorf("length must be between %d and %d, got %d", MinLength, MaxLength, len(code))
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if valid[c] || c == '-' || c == '_' {
			continue
		}
		return fmt.Errorf("character %q at position %d is not allowed", c, i)
	}
	if code[0] == '-' || code[0] == '_' {
		return fmt.Errorf("must start with a letter or digit")
	}
	return nil
}
