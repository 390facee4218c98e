// Package errors 提供准入引擎的錯誤分類
//
// 錯誤分三類：
//
//   - INVALID_INPUT：驗證失敗（識別碼格式、短碼格式、延期日期），同步拒絕
//   - UNAVAILABLE：基礎設施不可用（快取、資料庫），由呼叫端決定是否放行
//   - NOT_FOUND：資源不存在（僅管理操作使用；解析短碼的「找不到」是結果值，不是錯誤）
//
// 策略拒絕（限流、黑名單、密碼鎖定）一律以結果值回傳，不會出現在這裡。
package errors

import (
	"errors"
	"fmt"
)

// 錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeConflict 資源衝突（短碼與別名撞名）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeUnavailable 依賴服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrInvalidIdentifier) 對同類錯誤成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && (t.Message == "" || e.Message == t.Message)
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Invalid 建立驗證錯誤，details 說明具體原因
func Invalid(message, details string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, Details: details}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共享變數，直接修改會影響其他呼叫端，所以這裡複製一份。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidIdentifier 識別碼既不是 IP/CIDR 也不是 key:<token>
	ErrInvalidIdentifier = New(ErrCodeInvalidInput, "invalid identifier")

	// ErrInvalidShortCode 短碼或別名格式錯誤
	ErrInvalidShortCode = New(ErrCodeInvalidInput, "invalid short code")

	// ErrInvalidExpiration 延期日期不是未來時間或超過上限
	ErrInvalidExpiration = New(ErrCodeInvalidInput, "invalid expiration date")

	// ErrEmptySelection 批次操作未指定任何 ID
	ErrEmptySelection = New(ErrCodeInvalidInput, "no ids given")

	// ErrInvalidPolicy 策略參數不合法
	ErrInvalidPolicy = New(ErrCodeInvalidInput, "invalid policy")

	// ErrRecordNotFound 持久層找不到紀錄
	ErrRecordNotFound = New(ErrCodeNotFound, "record not found")

	// ErrCodeTaken 短碼或別名已被使用
	ErrCodeTaken = New(ErrCodeConflict, "short code or alias already in use")

	// ErrStoreUnavailable 持久層不可用
	ErrStoreUnavailable = New(ErrCodeUnavailable, "persistent store unavailable")
)

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsInvalidInput 檢查是否為驗證錯誤
func IsInvalidInput(err error) bool { return hasCode(err, ErrCodeInvalidInput) }

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict 檢查是否為衝突錯誤
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsUnavailable 檢查是否為依賴不可用錯誤
func IsUnavailable(err error) bool { return hasCode(err, ErrCodeUnavailable) }
