package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

// 唯一約束違反
const uniqueViolation = "23505"

const linkColumns = `id, short_code, alias, original_url, is_active, expires_at, password_hash, created_at, updated_at`

// Postgres 以 pgx 連接池實作的儲存
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres 包裝既有的連接池（生命週期由呼叫端管理）
func NewPostgres(pool *pgxpool.Pool, log *slog.Logger) *Postgres {
	return &Postgres{
		pool:   pool,
		logger: logger.OrDefault(log).With("component", "storage"),
	}
}

// NewPool 依 DSN 建立連接池並確認可連線
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// linkRow 資料列對應（可為 NULL 的欄位用 pgtype）
type linkRow struct {
	ID           int64              `db:"id"`
	ShortCode    string             `db:"short_code"`
	Alias        pgtype.Text        `db:"alias"`
	OriginalURL  string             `db:"original_url"`
	IsActive     bool               `db:"is_active"`
	ExpiresAt    pgtype.Timestamptz `db:"expires_at"`
	PasswordHash pgtype.Text        `db:"password_hash"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
}

func (r linkRow) link() Link {
	l := Link{
		ID:           r.ID,
		ShortCode:    r.ShortCode,
		Alias:        r.Alias.String,
		OriginalURL:  r.OriginalURL,
		IsActive:     r.IsActive,
		PasswordHash: r.PasswordHash.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ExpiresAt.Valid {
		l.ExpiresAt = r.ExpiresAt.Time
	}
	return l
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

// collect 掃描多列結果
func collect(rows pgx.Rows) ([]Link, error) {
	rs, err := pgx.CollectRows(rows, pgx.RowToStructByName[linkRow])
	if err != nil {
		return nil, err
	}
	out := make([]Link, len(rs))
	for i, r := range rs {
		out[i] = r.link()
	}
	return out, nil
}

// collectOne 掃描單列結果
func collectOne(rows pgx.Rows) (Link, error) {
	r, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[linkRow])
	if err != nil {
		return Link{}, err
	}
	return r.link(), nil
}

// classify 把驅動錯誤轉換為應用錯誤
func (p *Postgres) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrRecordNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.ErrCodeTaken.WithDetails(pgErr.ConstraintName)
	}
	p.logger.Error("postgres operation failed", "op", op, "error", err)
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, op+" failed")
}

// checkNamespace 短碼與別名共用命名空間：任何一個都不能與其他紀錄的短碼或別名重複
//
// 欄位上的 UNIQUE 只能各自保證，交叉碰撞要另外查。
func (p *Postgres) checkNamespace(ctx context.Context, tx pgx.Tx, l Link) error {
	keys := l.Keys()
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM links
			WHERE id <> $1 AND (short_code = ANY($2) OR alias = ANY($2))
		)`, l.ID, keys).Scan(&exists)
	if err != nil {
		return p.classify("check namespace", err)
	}
	if exists {
		return apperrors.ErrCodeTaken
	}
	return nil
}

// Create 新增紀錄
func (p *Postgres) Create(ctx context.Context, l Link) (Link, error) {
	var created Link
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := p.checkNamespace(ctx, tx, l); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			INSERT INTO links (short_code, alias, original_url, is_active, expires_at, password_hash)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+linkColumns,
			l.ShortCode, nullText(l.Alias), l.OriginalURL, l.IsActive, nullTime(l.ExpiresAt), nullText(l.PasswordHash))
		if err != nil {
			return err
		}
		created, err = collectOne(rows)
		return err
	})
	if err != nil {
		return Link{}, p.passthrough("create link", err)
	}
	return created, nil
}

// Update 整筆覆寫（以 ID 為準），回傳更新前的紀錄
func (p *Postgres) Update(ctx context.Context, l Link) (Link, error) {
	var old Link
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+linkColumns+` FROM links WHERE id = $1 FOR UPDATE`, l.ID)
		if err != nil {
			return err
		}
		if old, err = collectOne(rows); err != nil {
			return err
		}
		if err := p.checkNamespace(ctx, tx, l); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE links
			SET short_code = $2, alias = $3, original_url = $4, is_active = $5,
			    expires_at = $6, password_hash = $7, updated_at = NOW()
			WHERE id = $1`,
			l.ID, l.ShortCode, nullText(l.Alias), l.OriginalURL, l.IsActive, nullTime(l.ExpiresAt), nullText(l.PasswordHash))
		return err
	})
	if err != nil {
		return Link{}, p.passthrough("update link", err)
	}
	return old, nil
}

// Delete 硬刪除，回傳被刪除的紀錄
func (p *Postgres) Delete(ctx context.Context, id int64) (Link, error) {
	rows, err := p.pool.Query(ctx, `DELETE FROM links WHERE id = $1 RETURNING `+linkColumns, id)
	if err != nil {
		return Link{}, p.classify("delete link", err)
	}
	l, err := collectOne(rows)
	return l, p.classify("delete link", err)
}

// FindByCodeOrAlias 依短碼或別名查詢（不過濾啟用狀態與過期）
func (p *Postgres) FindByCodeOrAlias(ctx context.Context, code string) (Link, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM links
		WHERE short_code = $1 OR alias = $1
		LIMIT 1`, code)
	if err != nil {
		return Link{}, p.classify("find link", err)
	}
	l, err := collectOne(rows)
	return l, p.classify("find link", err)
}

// FindActiveExpired 仍啟用但已過期的紀錄，依 ID 遞增，從 afterID 之後開始
func (p *Postgres) FindActiveExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]Link, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM links
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1 AND id > $2
		ORDER BY id
		LIMIT $3`, now, afterID, limit)
	if err != nil {
		return nil, p.classify("find expired", err)
	}
	links, err := collect(rows)
	return links, p.classify("find expired", err)
}

// CountExpiredActive 仍啟用但已過期的數量
func (p *Postgres) CountExpiredActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM links
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`, now).Scan(&n)
	return n, p.classify("count expired", err)
}

// MarkInactive 軟刪除，只回傳這次真正由啟用變為停用的紀錄
//
// WHERE is_active 讓重複執行成為 no-op：第二次不會更新任何列，也不會回傳任何紀錄。
func (p *Postgres) MarkInactive(ctx context.Context, ids []int64) ([]Link, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		UPDATE links SET is_active = FALSE, updated_at = NOW()
		WHERE id = ANY($1) AND is_active
		RETURNING `+linkColumns, ids)
	if err != nil {
		return nil, p.classify("mark inactive", err)
	}
	links, err := collect(rows)
	return links, p.classify("mark inactive", err)
}

// UpdateExpiry 設定新的到期時間，回傳更新後的紀錄
func (p *Postgres) UpdateExpiry(ctx context.Context, ids []int64, at time.Time) ([]Link, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		UPDATE links SET expires_at = $2, updated_at = NOW()
		WHERE id = ANY($1)
		RETURNING `+linkColumns, ids, nullTime(at))
	if err != nil {
		return nil, p.classify("update expiry", err)
	}
	links, err := collect(rows)
	return links, p.classify("update expiry", err)
}

// FindByIDs 依 ID 批次讀取
func (p *Postgres) FindByIDs(ctx context.Context, ids []int64) ([]Link, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT `+linkColumns+` FROM links WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, p.classify("find by ids", err)
	}
	links, err := collect(rows)
	return links, p.classify("find by ids", err)
}

// Ping 健康檢查
func (p *Postgres) Ping(ctx context.Context) error {
	return p.classify("ping", p.pool.Ping(ctx))
}

// passthrough 交易內已經是應用錯誤的直接回傳，其他再分類
func (p *Postgres) passthrough(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return p.classify(op, err)
}
