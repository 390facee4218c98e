package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/linkguard/internal/storage"
	"github.com/koopa0/system-design/linkguard/internal/storage/migrations"
	"github.com/koopa0/system-design/linkguard/internal/testutils"
	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
)

// TestPostgres_Integration 以真實 PostgreSQL 驗證查詢語意與記憶體實作一致
func TestPostgres_Integration(t *testing.T) {
	pool, _ := testutils.StartPostgres(t)
	store := storage.NewPostgres(pool, testutils.Logger())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	created, err := store.Create(ctx, storage.Link{
		ShortCode:    "abc123",
		Alias:        "launch",
		OriginalURL:  "https://example.com/a",
		IsActive:     true,
		ExpiresAt:    now.Add(-time.Minute),
		PasswordHash: "digest",
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	t.Run("namespace collision", func(t *testing.T) {
		_, err := store.Create(ctx, storage.Link{ShortCode: "launch", OriginalURL: "https://x.test", IsActive: true})
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("find by code or alias", func(t *testing.T) {
		for _, code := range []string{"abc123", "launch"} {
			got, err := store.FindByCodeOrAlias(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, created.ID, got.ID)
			assert.True(t, got.HasPassword())
			assert.True(t, got.ExpiresAt.Equal(now.Add(-time.Minute)))
		}
		_, err := store.FindByCodeOrAlias(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("sweep queries", func(t *testing.T) {
		_, err := store.Create(ctx, storage.Link{ShortCode: "forever", OriginalURL: "https://x.test", IsActive: true})
		require.NoError(t, err)

		n, err := store.CountExpiredActive(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		batch, err := store.FindActiveExpired(ctx, now, 0, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		changed, err := store.MarkInactive(ctx, []int64{batch[0].ID})
		require.NoError(t, err)
		assert.Len(t, changed, 1)

		changed, err = store.MarkInactive(ctx, []int64{batch[0].ID})
		require.NoError(t, err)
		assert.Empty(t, changed)

		updated, err := store.UpdateExpiry(ctx, []int64{batch[0].ID}, now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.False(t, updated[0].IsActive)
	})

	t.Run("find by ids skips missing", func(t *testing.T) {
		found, err := store.FindByIDs(ctx, []int64{created.ID, 999999})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, created.ID, found[0].ID)
	})

	t.Run("update returns previous record", func(t *testing.T) {
		next := created
		next.OriginalURL = "https://example.com/b"
		next.Alias = ""
		old, err := store.Update(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/a", old.OriginalURL)
		assert.Equal(t, "launch", old.Alias)

		_, err = store.FindByCodeOrAlias(ctx, "launch")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

// TestMigrations_RoundTrip 結構可以退回再重新套用
func TestMigrations_RoundTrip(t *testing.T) {
	pool, dsn := testutils.StartPostgres(t)
	ctx := context.Background()

	m, err := migrations.New(dsn, testutils.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	schema, err := m.Schema()
	require.NoError(t, err)
	assert.Equal(t, migrations.Schema{Version: 1, Applied: true}, schema)

	tableExists := func() bool {
		var name *string
		require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass('public.links')::text`).Scan(&name))
		return name != nil
	}

	schema, err = m.Down()
	require.NoError(t, err)
	assert.False(t, schema.Applied)
	assert.False(t, tableExists())

	schema, err = m.Down()
	require.NoError(t, err, "nothing left to roll back")
	assert.False(t, schema.Applied)

	schema, err = m.Up()
	require.NoError(t, err)
	assert.Equal(t, migrations.Schema{Version: 1, Applied: true}, schema)
	assert.True(t, tableExists())

	schema, err = m.Up()
	require.NoError(t, err, "already up to date")
	assert.Equal(t, uint(1), schema.Version)
}
