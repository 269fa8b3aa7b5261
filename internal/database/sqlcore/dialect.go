// Package sqlcore implements the shared, schema-driven SQL adapter used by
// the PostgreSQL, MySQL and SQLite engines. Dialect differences (identifier
// quoting, placeholder style, type mapping, RETURNING support) are carried as
// a value, not a subtype.
package sqlcore

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL syntax details for one engine family.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectMySQL
	DialectSQLite
	DialectPrisma
)

// String returns the canonical dialect name.
func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite"
	case DialectPrisma:
		return "prisma"
	}
	return "unknown"
}

// QuoteIdent quotes an identifier: backticks for MySQL, double quotes
// otherwise.
func (d Dialect) QuoteIdent(name string) string {
	if d == DialectMySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

// Placeholder returns the parameter placeholder for the 1-based index:
// $N for Postgres and Prisma, ? for MySQL and SQLite.
func (d Dialect) Placeholder(index int) string {
	if d == DialectPostgres || d == DialectPrisma {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

// OrdinalPlaceholders reports whether placeholders are positional ($N) rather
// than sequential (?).
func (d Dialect) OrdinalPlaceholders() bool {
	return d == DialectPostgres || d == DialectPrisma
}

// SupportsReturning reports whether INSERT/UPDATE ... RETURNING is available.
func (d Dialect) SupportsReturning() bool {
	return d != DialectMySQL
}

// DefaultPort returns the engine's default TCP port, or 0 when not
// applicable.
func (d Dialect) DefaultPort() int {
	switch d {
	case DialectPostgres, DialectPrisma:
		return 5432
	case DialectMySQL:
		return 3306
	}
	return 0
}

func joinFragments(fragments []string, sep string) string {
	return strings.Join(fragments, sep)
}
