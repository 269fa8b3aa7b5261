// Package dbal is the entry point of the abstraction layer: it parses
// connection URLs and constructs the matching adapter.
package dbal

import (
	"strconv"
	"strings"

	"github.com/metabuilder/dbal/pkg/adapter"
)

// protocolAliases maps accepted protocol spellings onto canonical names.
var protocolAliases = map[string]string{
	"postgresql":  "postgres",
	"mongodb+srv": "mongodb",
	"es":          "elasticsearch",
	"surreal":     "surrealdb",
}

// knownProtocols is the closed set of canonical adapter protocols.
var knownProtocols = map[string]bool{
	"postgres":      true,
	"mysql":         true,
	"sqlite":        true,
	"mongodb":       true,
	"redis":         true,
	"cassandra":     true,
	"elasticsearch": true,
	"surrealdb":     true,
}

// normalizeProtocol lower-cases and collapses protocol aliases.
func normalizeProtocol(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if canonical, ok := protocolAliases[p]; ok {
		return canonical
	}
	return p
}

// ParseURL parses a connection URL of the form
//
//	<protocol>://[<user>[:<pass>]@]<host>[:<port>][/<db>][?k=v(&k=v)*]
//
// For sqlite the remainder after the protocol is a filesystem path. A string
// without "://" is an adapter-specific connection string; fallbackAdapter
// (from DBAL_ADAPTER) decides which adapter it belongs to.
func ParseURL(raw, fallbackAdapter string) (adapter.ConnectionConfig, error) {
	cfg := adapter.ConnectionConfig{Options: map[string]string{}}

	if strings.TrimSpace(raw) == "" {
		return cfg, adapter.Validation("empty connection URL")
	}

	protocol, rest, found := strings.Cut(raw, "://")
	if !found {
		p := normalizeProtocol(fallbackAdapter)
		if p == "" {
			return cfg, adapter.Validation("connection URL has no protocol and no default adapter is configured")
		}
		if !knownProtocols[p] {
			return cfg, adapter.Validation("unknown adapter protocol: %s", fallbackAdapter)
		}
		cfg.Protocol = p
		if p == "sqlite" {
			cfg.Database = raw
			return cfg, nil
		}
		parseHostPart(raw, &cfg)
		return cfg, nil
	}

	p := normalizeProtocol(protocol)
	if !knownProtocols[p] {
		return cfg, adapter.Validation("unknown adapter protocol: %s", protocol)
	}
	cfg.Protocol = p
	if strings.EqualFold(protocol, "mongodb+srv") {
		cfg.Options["srv"] = "true"
	}

	if p == "sqlite" {
		// sqlite://<path>: everything after the protocol is a file path.
		if rest == "" {
			return cfg, adapter.Validation("sqlite connection URL has no path")
		}
		cfg.Database = rest
		return cfg, nil
	}

	if query, ok := cutQuery(&rest); ok {
		parseQuery(query, cfg.Options)
	}

	// Credentials split on the last @ so passwords may contain one.
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		user, pass, hasPass := strings.Cut(userinfo, ":")
		cfg.Username = user
		if hasPass {
			cfg.Password = pass
		}
	}

	parseHostPart(rest, &cfg)
	return cfg, nil
}

func cutQuery(rest *string) (string, bool) {
	if i := strings.IndexByte(*rest, '?'); i >= 0 {
		query := (*rest)[i+1:]
		*rest = (*rest)[:i]
		return query, true
	}
	return "", false
}

func parseQuery(query string, options map[string]string) {
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		options[k] = v
	}
}

// parseHostPart parses host[:port][/database].
func parseHostPart(s string, cfg *adapter.ConnectionConfig) {
	hostport, db, hasDB := strings.Cut(s, "/")
	if hasDB {
		cfg.Database = db
	}
	host, port, hasPort := strings.Cut(hostport, ":")
	cfg.Host = host
	if hasPort {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Port = n
		}
	}
}
