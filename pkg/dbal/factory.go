package dbal

import (
	"context"

	"github.com/metabuilder/dbal/internal/config"
	"github.com/metabuilder/dbal/internal/database/cassandra"
	"github.com/metabuilder/dbal/internal/database/elastic"
	"github.com/metabuilder/dbal/internal/database/mongodb"
	"github.com/metabuilder/dbal/internal/database/mysql"
	"github.com/metabuilder/dbal/internal/database/postgres"
	"github.com/metabuilder/dbal/internal/database/redis"
	"github.com/metabuilder/dbal/internal/database/sqlite"
	"github.com/metabuilder/dbal/internal/database/surrealdb"
	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
)

// CreateFromURL parses the connection URL, reads the schema and template
// directories from the environment and constructs the matching adapter. The
// caller owns the returned adapter and must Close it.
func CreateFromURL(ctx context.Context, rawURL string, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}

	cfg, err := config.Load(log)
	if err != nil {
		return nil, adapter.Validation("invalid configuration: %v", err)
	}

	conn, err := ParseURL(rawURL, cfg.DefaultAdapter)
	if err != nil {
		return nil, err
	}
	conn.SchemaDir = cfg.SchemaDir
	conn.TemplateDir = cfg.TemplateDir
	conn.MaxConnections = cfg.MaxConnections

	return Create(ctx, conn, log)
}

// Create constructs the adapter selected by conn.Protocol from an already
// parsed connection config.
func Create(ctx context.Context, conn adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}

	switch conn.Protocol {
	case "postgres":
		return postgres.NewAdapter(ctx, conn, log)
	case "mysql":
		return mysql.NewAdapter(ctx, conn, log)
	case "sqlite":
		return sqlite.NewAdapter(ctx, conn, log)
	case "mongodb":
		return mongodb.NewAdapter(ctx, conn, log)
	case "cassandra":
		return cassandra.NewAdapter(ctx, conn, log)
	case "elasticsearch":
		return elastic.NewAdapter(ctx, conn, log)
	case "redis":
		return redis.NewAdapter(ctx, conn, log)
	case "surrealdb":
		return surrealdb.NewAdapter(ctx, conn, log)
	default:
		return nil, adapter.Validation("unknown adapter protocol: %s", conn.Protocol)
	}
}
