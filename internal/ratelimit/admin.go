package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/koopa0/system-design/linkguard/internal/cache"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
)

// Status 單一識別碼的目前狀態
type Status struct {
	Identifier  string           `json:"identifier"`
	Whitelisted bool             `json:"whitelisted"`
	Blacklisted bool             `json:"blacklisted"`
	Block       *BlockEntry      `json:"block,omitempty"`
	Counts      map[string]int64 `json:"counts"`
	Remaining   int64            `json:"remaining"`
	AbuseScore  int64            `json:"abuse_score"`
}

// Usage 用量排行項目
type Usage struct {
	Identifier string `json:"identifier"`
	Requests   int64  `json:"requests"`
}

// AddToWhitelist 加入白名單（IP、CIDR 或 key:<token>）
func (l *Limiter) AddToWhitelist(ctx context.Context, entry string) error {
	e, err := parseEntry(entry)
	if err != nil {
		return err
	}
	if !l.lists.add(ctx, &l.lists.white, e) {
		return ErrNotPersisted
	}
	l.logger.Info("whitelist entry added", "entry", e)
	return nil
}

// RemoveFromWhitelist 移出白名單
func (l *Limiter) RemoveFromWhitelist(ctx context.Context, entry string) error {
	e, err := parseEntry(entry)
	if err != nil {
		return err
	}
	if !l.lists.remove(ctx, &l.lists.white, e) {
		return ErrNotPersisted
	}
	l.logger.Info("whitelist entry removed", "entry", e)
	return nil
}

// AddToBlacklist 加入黑名單（永久封鎖，不會自動解除）
func (l *Limiter) AddToBlacklist(ctx context.Context, entry, reason string) error {
	e, err := parseEntry(entry)
	if err != nil {
		return err
	}

	persisted := l.lists.add(ctx, &l.lists.black, e)

	record := BlockEntry{
		Identifier: e,
		Reason:     ReasonBlacklisted,
		Note:       reason,
		BlockedAt:  l.cache.Now(),
		Permanent:  true,
	}
	if err := l.cache.Set(ctx, cache.BlacklistReasonKey(e), record, 0); err != nil {
		persisted = false
	}

	if !persisted {
		return ErrNotPersisted
	}
	l.logger.Info("blacklist entry added", "entry", e, "reason", reason)
	return nil
}

// RemoveFromBlacklist 移出黑名單
func (l *Limiter) RemoveFromBlacklist(ctx context.Context, entry string) error {
	e, err := parseEntry(entry)
	if err != nil {
		return err
	}

	persisted := l.lists.remove(ctx, &l.lists.black, e)
	if err := l.cache.Delete(ctx, cache.BlacklistReasonKey(e)); err != nil {
		persisted = false
	}

	if !persisted {
		return ErrNotPersisted
	}
	l.logger.Info("blacklist entry removed", "entry", e)
	return nil
}

// Whitelist 目前的白名單快照
func (l *Limiter) Whitelist(ctx context.Context) []string {
	l.lists.ensureFresh(ctx)
	return l.lists.white.snap.Load().members()
}

// Blacklist 目前的黑名單快照
func (l *Limiter) Blacklist(ctx context.Context) []string {
	l.lists.ensureFresh(ctx)
	return l.lists.black.snap.Load().members()
}

// RefreshLists 立即從儲存端重新載入名單
func (l *Limiter) RefreshLists(ctx context.Context) {
	l.lists.refresh(ctx)
}

// Block 手動建立臨時封鎖
func (l *Limiter) Block(ctx context.Context, identifier, note string, d time.Duration) (BlockEntry, error) {
	id, err := parseIdentifier(identifier)
	if err != nil {
		return BlockEntry{}, err
	}
	if d <= 0 {
		return BlockEntry{}, apperrors.Invalid("invalid block duration", "duration must be positive")
	}

	entry := BlockEntry{
		ID:         newBlockID(),
		Identifier: id.id,
		Reason:     ReasonBlocked,
		Note:       note,
		BlockedAt:  l.cache.Now(),
	}
	entry.ExpiresAt = entry.BlockedAt.Add(d)

	if err := l.cache.Set(ctx, cache.BlockKey(id.id), entry, d); err != nil {
		return BlockEntry{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to store block entry")
	}
	l.logger.Info("identifier blocked", "identifier", id.id, "block_id", entry.ID, "duration", d)
	return entry, nil
}

// Unblock 解除臨時封鎖並清空 abuse 計數
func (l *Limiter) Unblock(ctx context.Context, identifier string) error {
	id, err := parseIdentifier(identifier)
	if err != nil {
		return err
	}
	if err := l.cache.Delete(ctx, cache.BlockKey(id.id), cache.AbuseKey(id.id)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to remove block entry")
	}
	l.logger.Info("identifier unblocked", "identifier", id.id)
	return nil
}

// ClearRateData 清除識別碼的所有計數器與臨時封鎖（名單不受影響）
func (l *Limiter) ClearRateData(ctx context.Context, identifier string) error {
	id, err := parseIdentifier(identifier)
	if err != nil {
		return err
	}

	keys := []string{
		cache.BlockKey(id.id),
		cache.SuspiciousKey(id.id),
		cache.AbuseKey(id.id),
	}
	for _, ws := range windowSpecs {
		keys = append(keys, cache.RateKey(ws.suffix, id.id))
	}

	if err := l.cache.Delete(ctx, keys...); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to clear rate data")
	}
	l.logger.Info("rate data cleared", "identifier", id.id)
	return nil
}

// Status 查詢識別碼狀態（讀取失敗的欄位保持零值）
func (l *Limiter) Status(ctx context.Context, identifier string) (Status, error) {
	id, err := parseIdentifier(identifier)
	if err != nil {
		return Status{}, err
	}

	policy := l.policy.Load()
	now := l.cache.Now()
	l.lists.ensureFresh(ctx)

	st := Status{
		Identifier:  id.id,
		Whitelisted: l.lists.whitelisted(id),
		Blacklisted: l.lists.blacklisted(id),
		Counts:      make(map[string]int64, len(windowSpecs)),
		Remaining:   -1,
	}

	if st.Blacklisted {
		var record BlockEntry
		if found, _ := l.cache.Get(ctx, cache.BlacklistReasonKey(id.id), &record); found {
			st.Block = &record
		} else {
			st.Block = &BlockEntry{Identifier: id.id, Reason: ReasonBlacklisted, Permanent: true}
		}
	} else if entry, ok := l.activeBlock(ctx, id.id, now); ok {
		st.Block = &entry
	}

	var errs []error
	for _, ws := range windowSpecs {
		n, err := l.cache.Counter(ctx, cache.RateKey(ws.suffix, id.id))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st.Counts[ws.name] = n
		remaining := max(ws.limit(policy)-n, 0)
		if st.Remaining < 0 || remaining < st.Remaining {
			st.Remaining = remaining
		}
	}

	if n, err := l.cache.Counter(ctx, cache.AbuseKey(id.id)); err == nil {
		st.AbuseScore = n
	}

	if len(errs) > 0 {
		l.logger.Warn("status read partially failed", "identifier", id.id, "error", errors.Join(errs...))
	}
	return st, nil
}

// Usage 用量最高的 n 個識別碼
func (l *Limiter) Usage(ctx context.Context, n int) ([]Usage, error) {
	if n <= 0 {
		n = l.policy.Load().TopN
	}
	top, err := l.cache.RankTop(ctx, cache.UsageKey(), n)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "usage ranking unavailable")
	}
	out := make([]Usage, 0, len(top))
	for _, z := range top {
		out = append(out, Usage{Identifier: z.Member, Requests: int64(z.Score)})
	}
	return out, nil
}
