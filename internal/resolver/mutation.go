package resolver

import (
	"context"

	"github.com/koopa0/system-design/linkguard/internal/storage"
)

// Mutation 一次紀錄變更涉及的解析鍵
type Mutation struct {
	OldCode  string
	OldAlias string
	NewCode  string
	NewAlias string

	// PasswordChanged 密碼新增、變更或移除
	PasswordChanged bool
}

// MutationOf 由變更前後的紀錄產生 Mutation；刪除時 after 傳零值
func MutationOf(before, after storage.Link) Mutation {
	return Mutation{
		OldCode:         before.ShortCode,
		OldAlias:        before.Alias,
		NewCode:         after.ShortCode,
		NewAlias:        after.Alias,
		PasswordChanged: before.PasswordHash != after.PasswordHash,
	}
}

// Codes 所有需要失效的解析鍵（去除空值）
func (m Mutation) Codes() []string {
	var out []string
	for _, c := range []string{m.OldCode, m.OldAlias, m.NewCode, m.NewAlias} {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Apply 同步刪除變更涉及的所有解析鍵
func (r *Resolver) Apply(ctx context.Context, m Mutation) error {
	return r.Invalidate(ctx, m.Codes()...)
}
