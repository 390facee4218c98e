// Package middleware 把准入檢查接到 net/http 請求流程
//
// 只做轉接：取出識別碼與請求特徵、呼叫核心、把 Decision 轉成回應標頭與狀態碼。
// 路由、認證都不在這裡。
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/linkguard/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// Admitter 准入檢查（engine.Engine 與 ratelimit.Limiter 都實作）
type Admitter interface {
	CheckAdmission(ctx context.Context, identifier string, req ratelimit.Request) (ratelimit.Decision, error)
}

// AdmissionConfig 准入中介軟體設定
type AdmissionConfig struct {
	Admitter Admitter

	// KeyFunc 從請求取出識別碼，預設 ClientKey(false, nil)（只看來源 IP）
	KeyFunc func(r *http.Request) string

	// Timeout 單次准入檢查的逾時，預設 100ms
	Timeout time.Duration

	// OnDenied 拒絕時的回應，預設輸出 JSON
	OnDenied func(w http.ResponseWriter, r *http.Request, d ratelimit.Decision)

	Logger *slog.Logger
}

// Admission 建立准入中介軟體
//
//	mw := middleware.Admission(middleware.AdmissionConfig{Admitter: eng})
//	http.Handle("/", mw(redirectHandler))
//
// 核心回傳非驗證類錯誤時放行（失敗開放）。
func Admission(cfg AdmissionConfig) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientKey(false, nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.OnDenied == nil {
		cfg.OnDenied = defaultDenied
	}
	log := logger.OrDefault(cfg.Logger).With("component", "admission")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := cfg.KeyFunc(r)

			ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
			defer cancel()

			d, err := cfg.Admitter.CheckAdmission(ctx, id, ratelimit.Request{
				UserAgent: r.UserAgent(),
				Referer:   r.Referer(),
				Path:      r.URL.RequestURI(),
			})
			if err != nil {
				if apperrors.IsInvalidInput(err) {
					writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid client identifier"})
					return
				}
				log.WarnContext(r.Context(), "admission check failed, allowing request", "identifier", id, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			for k, vs := range d.Headers() {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}

			if !d.Allowed {
				log.DebugContext(r.Context(), "request denied", "identifier", id, "reason", d.Reason)
				cfg.OnDenied(w, r, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"` // 秒
}

func defaultDenied(w http.ResponseWriter, _ *http.Request, d ratelimit.Decision) {
	body := errorBody{Error: "rate limit exceeded", Reason: string(d.Reason)}
	if d.Reason == ratelimit.ReasonBlacklisted {
		body.Error = "access denied"
	}
	if !d.Permanent && d.RetryAfter > 0 {
		body.RetryAfter = int64((d.RetryAfter + time.Second - 1) / time.Second)
	}
	writeJSON(w, d.StatusCode(), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RequestIDHeader 請求 ID 標頭
const RequestIDHeader = "X-Request-ID"

// RequestID 沿用或產生請求 ID，寫入回應標頭與 context（logger 會自動帶上）
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}
