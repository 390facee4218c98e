// Package migrations 管理 links 資料表的結構版本
//
// SQL 檔嵌入在執行檔裡，遷移腳本都寫成可重複執行（IF NOT EXISTS / IF EXISTS），
// 因此中斷留下的髒狀態可以退回上一版後重跑。
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Schema 目前的結構版本
type Schema struct {
	Version uint `json:"version"`
	Applied bool `json:"applied"` // false 表示尚未套用任何版本
	Dirty   bool `json:"dirty"`
}

// Migrator links 結構遷移
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// New 建立遷移器；databaseURL 必須是 postgres:// 形式
func New(databaseURL string, log *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(schemaFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded links schema: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect links schema migrator: %w", err)
	}

	return &Migrator{m: m, logger: logger.OrDefault(log).With("component", "migrations")}, nil
}

// Schema 讀取目前版本
func (mg *Migrator) Schema() (Schema, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Schema{}, nil
	}
	if err != nil {
		return Schema{}, fmt.Errorf("read links schema version: %w", err)
	}
	return Schema{Version: v, Applied: true, Dirty: dirty}, nil
}

// Up 套用所有未執行的版本，回傳套用後的版本
//
// 髒狀態（上次遷移中斷）會先退回前一版，讓中斷的那一版重新執行。
func (mg *Migrator) Up() (Schema, error) {
	cur, err := mg.Schema()
	if err != nil {
		return Schema{}, err
	}

	if cur.Dirty {
		prev := int(cur.Version) - 1
		if prev == 0 {
			prev = -1 // 第一版中斷：退回「沒有版本」
		}
		mg.logger.Warn("links schema is dirty, rerunning interrupted version", "version", cur.Version)
		if err := mg.m.Force(prev); err != nil {
			return Schema{}, fmt.Errorf("reset dirty links schema %d: %w", cur.Version, err)
		}
	}

	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Schema{}, fmt.Errorf("apply links schema: %w", err)
	}

	next, err := mg.Schema()
	if err != nil {
		return Schema{}, err
	}
	if next != cur {
		mg.logger.Info("links schema migrated", "from", cur.Version, "to", next.Version)
	} else {
		mg.logger.Debug("links schema up to date", "version", next.Version)
	}
	return next, nil
}

// Down 退回一個版本；已經沒有版本時不做事
func (mg *Migrator) Down() (Schema, error) {
	cur, err := mg.Schema()
	if err != nil {
		return Schema{}, err
	}
	if !cur.Applied {
		return cur, nil
	}

	if err := mg.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Schema{}, fmt.Errorf("roll back links schema %d: %w", cur.Version, err)
	}

	next, err := mg.Schema()
	if err != nil {
		return Schema{}, err
	}
	mg.logger.Info("links schema rolled back", "from", cur.Version, "to", next.Version, "applied", next.Applied)
	return next, nil
}

// Close 釋放來源與資料庫連線
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}
