package sqlcore

import (
	"fmt"

	"github.com/metabuilder/dbal/pkg/schema"
)

// ColumnType maps a logical field type to the physical column type of the
// dialect. This table is authoritative for DDL generation; the row cast-back
// in rowToRecord is driven by the logical type directly.
func ColumnType(field schema.Field, d Dialect) string {
	maxLen := 255
	if field.MaxLength != nil {
		maxLen = *field.MaxLength
	}

	if d == DialectSQLite {
		switch field.Type {
		case schema.TypeBigint, schema.TypeInteger, schema.TypeTimestamp, schema.TypeBoolean:
			return "INTEGER"
		default:
			return "TEXT"
		}
	}

	if d == DialectPostgres || d == DialectPrisma {
		switch field.Type {
		case schema.TypeUUID:
			return "UUID"
		case schema.TypeString, schema.TypeEmail:
			return fmt.Sprintf("VARCHAR(%d)", maxLen)
		case schema.TypeText:
			return "TEXT"
		case schema.TypeBigint, schema.TypeTimestamp:
			return "BIGINT"
		case schema.TypeInteger:
			return "INTEGER"
		case schema.TypeBoolean:
			return "BOOLEAN"
		case schema.TypeEnum:
			return "VARCHAR(50)"
		case schema.TypeJSON:
			return "JSONB"
		default:
			return "TEXT"
		}
	}

	// MySQL
	switch field.Type {
	case schema.TypeUUID:
		return "CHAR(36)"
	case schema.TypeString, schema.TypeEmail:
		return fmt.Sprintf("VARCHAR(%d)", maxLen)
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBigint, schema.TypeTimestamp:
		return "BIGINT"
	case schema.TypeInteger:
		return "INT"
	case schema.TypeBoolean:
		return "TINYINT(1)"
	case schema.TypeEnum:
		return "VARCHAR(50)"
	case schema.TypeJSON:
		return "JSON"
	default:
		return "TEXT"
	}
}
