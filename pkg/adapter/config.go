package adapter

// ConnectionConfig carries everything an engine needs to connect and
// bootstrap: endpoint, credentials, target database and the directories the
// schema registry and DDL templates load from.
type ConnectionConfig struct {
	Protocol string
	Host     string
	Port     int
	Username string
	Password string
	Database string

	// Options holds engine-specific query parameters from the connection URL
	// (sslmode, replicaSet, consistency, ...).
	Options map[string]string

	// SchemaDir is the directory of entity YAML definitions.
	SchemaDir string

	// TemplateDir is the directory of DDL templates, empty for inline
	// defaults.
	TemplateDir string

	// MaxConnections bounds concurrent statement execution; zero selects the
	// engine default.
	MaxConnections int
}

// Option returns a URL option value, or the fallback when absent.
func (c ConnectionConfig) Option(key, fallback string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// DatabaseOr returns the configured database name, or the fallback when
// empty.
func (c ConnectionConfig) DatabaseOr(fallback string) string {
	if c.Database != "" {
		return c.Database
	}
	return fallback
}
