// Package postgres connects the shared SQL adapter to PostgreSQL through the
// pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/metabuilder/dbal/internal/database/sqlcore"
	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
)

// DefaultDatabase is used when the connection URL names no database.
const DefaultDatabase = "metabuilder"

// NewAdapter opens a PostgreSQL connection and bootstraps the schema.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	db, err := sql.Open("pgx", buildDSN(cfg))
	if err != nil {
		return nil, adapter.Database(err, "error opening postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sqlcore.MapError(sqlcore.DialectPostgres, err)
	}

	return sqlcore.New(ctx, db, sqlcore.Options{
		Engine:         "postgres",
		Dialect:        sqlcore.DialectPostgres,
		SchemaDir:      cfg.SchemaDir,
		TemplateDir:    cfg.TemplateDir,
		MaxConnections: cfg.MaxConnections,
	}, log)
}

func buildDSN(cfg adapter.ConnectionConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = sqlcore.DialectPostgres.DefaultPort()
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + cfg.DatabaseOr(DefaultDatabase),
	}
	if cfg.Username != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			u.User = url.User(cfg.Username)
		}
	}

	query := url.Values{}
	query.Set("sslmode", cfg.Option("sslmode", "prefer"))
	for k, v := range cfg.Options {
		if k == "sslmode" {
			continue
		}
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
