package dbal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabuilder/dbal/pkg/adapter"
)

func TestParseURLFullForm(t *testing.T) {
	cfg, err := ParseURL("postgres://u:p@h:5433/db?sslmode=require", "")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Protocol)
	assert.Equal(t, "h", cfg.Host)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, "u", cfg.Username)
	assert.Equal(t, "p", cfg.Password)
	assert.Equal(t, "db", cfg.Database)
	assert.Equal(t, "require", cfg.Options["sslmode"])
}

func TestParseURLAliases(t *testing.T) {
	cases := map[string]string{
		"postgresql://h/db":    "postgres",
		"postgres://h/db":      "postgres",
		"es://h":               "elasticsearch",
		"elasticsearch://h":    "elasticsearch",
		"surreal://h":          "surrealdb",
		"surrealdb://h":        "surrealdb",
		"mongodb+srv://h/db":   "mongodb",
		"mongodb://h/db":       "mongodb",
		"MYSQL://h/db":         "mysql",
		"redis://h":            "redis",
		"cassandra://h/ks":     "cassandra",
	}
	for raw, want := range cases {
		cfg, err := ParseURL(raw, "")
		require.NoError(t, err, raw)
		assert.Equal(t, want, cfg.Protocol, raw)
	}
}

func TestParseURLSrvFlag(t *testing.T) {
	cfg, err := ParseURL("mongodb+srv://cluster.example.com/db", "")
	require.NoError(t, err)
	assert.Equal(t, "true", cfg.Options["srv"])

	cfg, err = ParseURL("mongodb://h/db", "")
	require.NoError(t, err)
	assert.NotContains(t, cfg.Options, "srv")
}

func TestParseURLSQLitePath(t *testing.T) {
	cfg, err := ParseURL("sqlite:///tmp/t.db", "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Protocol)
	assert.Equal(t, "/tmp/t.db", cfg.Database)

	cfg, err = ParseURL("sqlite://relative.db", "")
	require.NoError(t, err)
	assert.Equal(t, "relative.db", cfg.Database)

	_, err = ParseURL("sqlite://", "")
	assert.True(t, adapter.IsValidation(err))
}

func TestParseURLEmptyIsInvalid(t *testing.T) {
	_, err := ParseURL("", "")
	assert.True(t, adapter.IsValidation(err))

	_, err = ParseURL("   ", "")
	assert.True(t, adapter.IsValidation(err))
}

func TestParseURLUnknownProtocol(t *testing.T) {
	_, err := ParseURL("carrierpigeon://h/db", "")
	assert.True(t, adapter.IsValidation(err))
}

func TestParseURLWithoutProtocolUsesFallback(t *testing.T) {
	// No protocol and no DBAL_ADAPTER.
	_, err := ParseURL("localhost:5432/db", "")
	assert.True(t, adapter.IsValidation(err))

	cfg, err := ParseURL("localhost:5432/db", "postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Protocol)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "db", cfg.Database)

	cfg, err = ParseURL("/var/data/app.db", "sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Protocol)
	assert.Equal(t, "/var/data/app.db", cfg.Database)

	_, err = ParseURL("whatever", "carrierpigeon")
	assert.True(t, adapter.IsValidation(err))
}

func TestParseURLPasswordWithAt(t *testing.T) {
	cfg, err := ParseURL("mysql://user:p@ss@h:3306/db", "")
	require.NoError(t, err)
	assert.Equal(t, "user", cfg.Username)
	assert.Equal(t, "p@ss", cfg.Password)
	assert.Equal(t, "h", cfg.Host)
}

func TestParseURLDefaults(t *testing.T) {
	cfg, err := ParseURL("postgres://h", "")
	require.NoError(t, err)
	assert.Equal(t, "h", cfg.Host)
	assert.Zero(t, cfg.Port)
	assert.Empty(t, cfg.Database)
	assert.Empty(t, cfg.Username)
}

func TestCreateUnknownProtocol(t *testing.T) {
	_, err := Create(context.Background(), adapter.ConnectionConfig{Protocol: "carrierpigeon"}, nil)
	assert.True(t, adapter.IsValidation(err))
}
