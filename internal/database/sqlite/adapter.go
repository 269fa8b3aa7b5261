// Package sqlite connects the shared SQL adapter to SQLite database files.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/metabuilder/dbal/internal/database/sqlcore"
	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
)

// NewAdapter opens (or creates) a SQLite database file and bootstraps the
// schema. cfg.Database carries the file path; ":memory:" selects a shared
// in-memory database.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	path := cfg.Database
	if path == "" {
		return nil, adapter.Validation("sqlite connection needs a file path")
	}

	db, err := sql.Open("sqlite3", buildDSN(path))
	if err != nil {
		return nil, adapter.Database(err, "error opening sqlite database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sqlcore.MapError(sqlcore.DialectSQLite, err)
	}

	return sqlcore.New(ctx, db, sqlcore.Options{
		Engine:         "sqlite",
		Dialect:        sqlcore.DialectSQLite,
		SchemaDir:      cfg.SchemaDir,
		TemplateDir:    cfg.TemplateDir,
		MaxConnections: cfg.MaxConnections,
	}, log)
}

func buildDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
}
