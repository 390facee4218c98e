package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/linkguard/internal/events"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
)

// ExtendResult 延期結果
type ExtendResult struct {
	Updated   int       `json:"updated"`
	ExpiresAt time.Time `json:"expires_at"`
	Missing   []int64   `json:"missing,omitempty"` // 不存在的 ID
}

// CleanupResult 指定停用的結果
type CleanupResult struct {
	Deactivated     int     `json:"deactivated"`
	AlreadyInactive []int64 `json:"already_inactive,omitempty"`
	Missing         []int64 `json:"missing,omitempty"`
}

// missingIDs requested 中沒有出現在 found 的 ID（requested 已排序）
func missingIDs(requested []int64, found []storage.Link) []int64 {
	seen := make(map[int64]struct{}, len(found))
	for _, l := range found {
		seen[l.ID] = struct{}{}
	}
	var out []int64
	for _, id := range requested {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// ExtendExpiration 把一組紀錄的到期時間改為 at
//
// at 必須嚴格晚於現在，且不超過 max_extension。
// 已停用的紀錄只改日期，不會被重新啟用。
func (s *Sweeper) ExtendExpiration(ctx context.Context, ids []int64, at time.Time) (ExtendResult, error) {
	ids, err := normalizeIDs(ids)
	if err != nil {
		return ExtendResult{}, err
	}

	now := s.cache.Now()
	if !at.After(now) {
		return ExtendResult{}, apperrors.ErrInvalidExpiration.WithDetails("new expiration must be in the future")
	}
	if s.cfg.MaxExtension > 0 && at.After(now.Add(s.cfg.MaxExtension)) {
		return ExtendResult{}, apperrors.ErrInvalidExpiration.WithDetails(
			fmt.Sprintf("new expiration must be within %s from now", s.cfg.MaxExtension))
	}

	updated, err := s.store.UpdateExpiry(ctx, ids, at)
	if err != nil {
		s.logger.Error("failed to extend expiration", "ids", len(ids), "error", err)
		return ExtendResult{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "extend expiration")
	}

	log := s.logger.With("op", "extend")
	s.invalidate(ctx, updated, nil, log)

	res := ExtendResult{Updated: len(updated), ExpiresAt: at, Missing: missingIDs(ids, updated)}
	s.logger.Info("expiration extended", "requested", len(ids), "updated", res.Updated, "missing", len(res.Missing), "expires_at", at)
	return res, nil
}

// CleanupSpecific 直接停用指定紀錄，不檢查是否過期
//
// Deactivated 是這次真正由啟用變為停用的數量；重複呼叫是 no-op。
// 其餘 ID 再查一次，區分為已停用或不存在。
func (s *Sweeper) CleanupSpecific(ctx context.Context, ids []int64) (CleanupResult, error) {
	ids, err := normalizeIDs(ids)
	if err != nil {
		return CleanupResult{}, err
	}

	changed, err := s.store.MarkInactive(ctx, ids)
	if err != nil {
		s.logger.Error("failed to clean up links", "ids", len(ids), "error", err)
		return CleanupResult{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "clean up links")
	}

	runID := uuid.NewString()
	log := s.logger.With("run_id", runID, "op", "cleanup")
	s.invalidate(ctx, changed, nil, log)
	s.publish(ctx, runID, events.TriggerCleanup, s.cache.Now(), changed, log)
	s.deactivated.Add(int64(len(changed)))

	res := CleanupResult{Deactivated: len(changed)}
	if rest := missingIDs(ids, changed); len(rest) > 0 {
		existing, err := s.store.FindByIDs(ctx, rest)
		if err != nil {
			// 停用已經完成，只是無法細分剩下的 ID
			log.Warn("failed to classify untouched ids", "ids", len(rest), "error", err)
		} else {
			for _, l := range existing {
				res.AlreadyInactive = append(res.AlreadyInactive, l.ID)
			}
			res.Missing = missingIDs(rest, existing)
		}
	}

	log.Info("links cleaned up", "requested", len(ids), "deactivated", res.Deactivated,
		"already_inactive", len(res.AlreadyInactive), "missing", len(res.Missing))
	return res, nil
}
