// Package config loads process configuration from the environment, with
// optional .env file support for development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/metabuilder/dbal/pkg/logger"
)

// Environment variable names.
const (
	EnvSchemaDir      = "DBAL_SCHEMA_DIR"
	EnvTemplateDir    = "DBAL_TEMPLATE_DIR"
	EnvAdapter        = "DBAL_ADAPTER"
	EnvMaxConnections = "DBAL_MAX_CONNECTIONS"
)

// Config is the process-wide configuration read once at startup.
type Config struct {
	// SchemaDir is the directory of entity YAML definitions.
	SchemaDir string

	// TemplateDir is the directory of DDL templates.
	TemplateDir string

	// DefaultAdapter names the adapter to use for connection strings without
	// a protocol prefix.
	DefaultAdapter string

	// MaxConnections bounds concurrent statement execution per adapter; zero
	// selects the engine default.
	MaxConnections int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win.
func Load(log *logger.Logger) (*Config, error) {
	if log == nil {
		log = logger.Default()
	}

	if err := godotenv.Load(); err == nil {
		log.Debugw("loaded .env file")
	}

	cfg := &Config{
		SchemaDir:      os.Getenv(EnvSchemaDir),
		TemplateDir:    os.Getenv(EnvTemplateDir),
		DefaultAdapter: os.Getenv(EnvAdapter),
	}
	if cfg.SchemaDir == "" {
		return nil, fmt.Errorf("%s is not set", EnvSchemaDir)
	}
	if cfg.TemplateDir == "" {
		return nil, fmt.Errorf("%s is not set", EnvTemplateDir)
	}

	if raw := os.Getenv(EnvMaxConnections); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: %q", EnvMaxConnections, raw)
		}
		cfg.MaxConnections = n
	}

	return cfg, nil
}
