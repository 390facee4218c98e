// Package handler 提供示範用的 HTTP 介面
//
// 短網址的 CRUD、認證與管理介面權限屬於外部系統，這裡只接上核心需要的入口：
//
//	GET  /{code}          轉址（先經過准入中介軟體）
//	POST /{code}/unlock   提交密碼
//	GET  /health          健康檢查
//	/admin/...            名單、封鎖、清理等管理操作（只應在內網開放）
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/engine"
	"github.com/koopa0/system-design/linkguard/internal/middleware"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// Options 處理器選項
type Options struct {
	// TrustProxy 採用 X-Forwarded-For 作為來源 IP
	TrustProxy bool

	// Keys 驗證 X-API-Key；nil 時准入一律以 IP 計數
	Keys middleware.KeyVerifier
}

// Handler HTTP 處理器
type Handler struct {
	engine *engine.Engine
	client func(r *http.Request) string // 准入檢查的識別碼
	origin func(r *http.Request) string // 密碼嘗試的來源，永遠是 IP
	logger *slog.Logger
}

// New 創建處理器
func New(e *engine.Engine, opts Options, log *slog.Logger) *Handler {
	return &Handler{
		engine: e,
		client: middleware.ClientKey(opts.TrustProxy, opts.Keys),
		origin: middleware.RemoteIP(opts.TrustProxy),
		logger: logger.OrDefault(log).With("component", "http"),
	}
}

// Routes 註冊路由
func (h *Handler) Routes() http.Handler {
	admission := middleware.Admission(middleware.AdmissionConfig{
		Admitter: h.engine,
		KeyFunc:  h.client,
		Logger:   h.logger,
	})

	mux := http.NewServeMux()

	mux.Handle("GET /{code}", admission(http.HandlerFunc(h.redirect)))
	mux.Handle("POST /{code}/unlock", admission(http.HandlerFunc(h.unlock)))
	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /admin/lists", h.lists)
	mux.HandleFunc("POST /admin/whitelist", h.addWhitelist)
	mux.HandleFunc("DELETE /admin/whitelist", h.removeWhitelist)
	mux.HandleFunc("POST /admin/blacklist", h.addBlacklist)
	mux.HandleFunc("DELETE /admin/blacklist", h.removeBlacklist)
	mux.HandleFunc("GET /admin/ratelimit/{identifier}", h.rateStatus)
	mux.HandleFunc("DELETE /admin/ratelimit/{identifier}", h.clearRate)
	mux.HandleFunc("POST /admin/blocks", h.block)
	mux.HandleFunc("DELETE /admin/blocks/{identifier}", h.unblock)
	mux.HandleFunc("GET /admin/usage", h.usage)
	mux.HandleFunc("DELETE /admin/password/{code}/{origin}", h.resetPassword)
	mux.HandleFunc("POST /admin/sweep", h.sweep)
	mux.HandleFunc("POST /admin/links/extend", h.extend)
	mux.HandleFunc("POST /admin/links/cleanup", h.cleanup)

	return middleware.RequestID(h.recovery(h.logRequest(mux)))
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	res, err := h.engine.ResolveShortCode(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !res.Found {
		h.errorJSON(w, "short code not found", http.StatusNotFound)
		return
	}

	if res.HasPassword && !h.engine.IsVerified(r.Context(), res.ShortCode, h.origin(r)) {
		h.writeJSON(w, map[string]any{
			"error":             "password required",
			"password_required": true,
			"unlock":            "/" + code + "/unlock",
		}, http.StatusUnauthorized)
		return
	}

	http.Redirect(w, r, res.Target, http.StatusFound)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		h.errorJSON(w, "invalid request body", http.StatusBadRequest)
		return
	}

	code := r.PathValue("code")
	result, err := h.engine.VerifyResourcePassword(r.Context(), code, h.origin(r), req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch {
	case result.Verified:
		res, err := h.engine.ResolveShortCode(r.Context(), code)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, map[string]any{"verified": true, "target": res.Target}, http.StatusOK)

	case result.Locked:
		w.Header().Set("Retry-After", strconv.FormatInt(int64((result.RetryAfter+time.Second-1)/time.Second), 10))
		h.writeJSON(w, map[string]any{
			"error":        "too many failed attempts",
			"locked_until": result.LockedUntil.Format(time.RFC3339),
		}, http.StatusTooManyRequests)

	default:
		body := map[string]any{"error": "incorrect password"}
		if result.Remaining >= 0 {
			body["remaining_attempts"] = result.Remaining
		}
		h.writeJSON(w, body, http.StatusUnauthorized)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	hl := h.engine.Health(r.Context())
	status := http.StatusOK
	if hl.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, hl, status)
}

// writeError 依錯誤碼轉換 HTTP 狀態
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.ErrorContext(r.Context(), "unexpected error", "path", r.URL.Path, "error", err)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}

	body := map[string]string{"error": appErr.Message, "code": appErr.Code}
	if appErr.Details != "" && status < 500 {
		body["details"] = appErr.Details
	}
	h.writeJSON(w, body, status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

func (h *Handler) errorJSON(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, map[string]string{"error": message}, status)
}

func (h *Handler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

func (h *Handler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err, "path", r.URL.Path)
				h.errorJSON(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter 記錄狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
