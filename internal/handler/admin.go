package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/ratelimit"
)

type entryRequest struct {
	Entry  string `json:"entry"`
	Reason string `json:"reason,omitempty"`
}

type idsRequest struct {
	IDs       []int64   `json:"ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

type blockRequest struct {
	Identifier string `json:"identifier"`
	Note       string `json:"note"`
	Duration   string `json:"duration"` // time.ParseDuration 格式，例如 "30m"
}

// decode 讀取 JSON 請求；失敗時已寫出 400
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(dst); err != nil {
		h.errorJSON(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) lists(w http.ResponseWriter, r *http.Request) {
	white, black := h.engine.Lists(r.Context())
	h.writeJSON(w, map[string][]string{"whitelist": white, "blacklist": black}, http.StatusOK)
}

func (h *Handler) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.listResult(w, r, h.engine.AddToWhitelist(r.Context(), req.Entry))
}

func (h *Handler) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	h.listResult(w, r, h.engine.RemoveFromWhitelist(r.Context(), r.URL.Query().Get("entry")))
}

func (h *Handler) addBlacklist(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.listResult(w, r, h.engine.AddToBlacklist(r.Context(), req.Entry, req.Reason))
}

func (h *Handler) removeBlacklist(w http.ResponseWriter, r *http.Request) {
	h.listResult(w, r, h.engine.RemoveFromBlacklist(r.Context(), r.URL.Query().Get("entry")))
}

// listResult 名單變更：未寫入儲存時仍回 202（本機已生效）
func (h *Handler) listResult(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case isNotPersisted(err):
		h.writeJSON(w, map[string]string{"warning": err.Error()}, http.StatusAccepted)
	default:
		h.writeError(w, r, err)
	}
}

func (h *Handler) rateStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.RateLimitStatus(r.Context(), r.PathValue("identifier"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, st, http.StatusOK)
}

func (h *Handler) clearRate(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearRateData(r.Context(), r.PathValue("identifier")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !h.decode(w, r, &req) {
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d < 0 {
			h.errorJSON(w, "invalid duration", http.StatusBadRequest)
			return
		}
	}

	entry, err := h.engine.Block(r.Context(), req.Identifier, req.Note, d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, entry, http.StatusCreated)
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unblock(r.Context(), r.PathValue("identifier")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.errorJSON(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	top, err := h.engine.TopUsage(r.Context(), n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, top, http.StatusOK)
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetPasswordAttempts(r.Context(), r.PathValue("code"), r.PathValue("origin")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.SweepNow(r.Context()), http.StatusOK)
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.ExtendExpiration(r.Context(), req.IDs, req.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, res, http.StatusOK)
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.CleanupSpecific(r.Context(), req.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, res, http.StatusOK)
}

func isNotPersisted(err error) bool {
	return errors.Is(err, ratelimit.ErrNotPersisted)
}
