// Package mysql connects the shared SQL adapter to MySQL and MariaDB.
//
// MySQL has no INSERT ... RETURNING, so the adapter generates primary keys
// client-side and reads the stored row back after every insert.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/metabuilder/dbal/internal/database/sqlcore"
	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
)

// DefaultDatabase is used when the connection URL names no database.
const DefaultDatabase = "metabuilder"

// NewAdapter opens a MySQL connection and bootstraps the schema.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	db, err := sql.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, adapter.Database(err, "error opening mysql connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sqlcore.MapError(sqlcore.DialectMySQL, err)
	}

	return sqlcore.New(ctx, db, sqlcore.Options{
		Engine:         "mysql",
		Dialect:        sqlcore.DialectMySQL,
		GenerateIDs:    true,
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
		port = sqlcore.DialectMySQL.DefaultPort()
	}

	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", host, port)
	mc.DBName = cfg.DatabaseOr(DefaultDatabase)
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	mc.Params = map[string]string{"charset": "utf8mb4"}
	for k, v := range cfg.Options {
		mc.Params[k] = v
	}
	return mc.FormatDSN()
}
