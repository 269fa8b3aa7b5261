package sqlcore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metabuilder/dbal/pkg/schema"
)

// DDLGenerator renders CREATE TABLE and CREATE INDEX statements for one
// dialect by rendering templates over a JSON view of the entity. Template
// files live in templateDir; when a file is missing a deterministic inline
// template is used instead.
type DDLGenerator struct {
	dialect     Dialect
	templateDir string
}

// NewDDLGenerator creates a generator for the given dialect.
func NewDDLGenerator(d Dialect, templateDir string) *DDLGenerator {
	return &DDLGenerator{dialect: d, templateDir: templateDir}
}

// CreateTableSQL renders the CREATE TABLE statement for an entity.
func (g *DDLGenerator) CreateTableSQL(e *schema.Entity) (string, error) {
	src := g.loadTemplate(fmt.Sprintf("%s_create_table.sql.j2", g.dialect))
	return RenderTemplate(src, g.templateData(e))
}

// IndexSQL renders the CREATE INDEX statements for an entity. Redundant
// single-field unique indexes duplicating a unique column constraint are
// suppressed.
func (g *DDLGenerator) IndexSQL(e *schema.Entity) ([]string, error) {
	data := g.templateData(e)
	indexes, _ := data["indexes"].([]map[string]interface{})
	if len(indexes) == 0 {
		return nil, nil
	}

	var tmpl string
	if g.dialect == DialectMySQL {
		tmpl = "CREATE {{ unique_keyword }}INDEX {{ name }} ON `{{ table_name }}`" +
			"({% for f in fields %}`{{ f }}`{% if not loop.is_last %}, {% endif %}{% endfor %})"
	} else {
		tmpl = `CREATE {{ unique_keyword }}INDEX IF NOT EXISTS "{{ name }}" ON "{{ table_name }}"` +
			`({% for f in fields %}"{{ f }}"{% if not loop.is_last %}, {% endif %}{% endfor %})`
	}

	statements := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		ctx := map[string]interface{}{
			"table_name": data["table_name"],
			"name":       idx["name"],
			"fields":     idx["fields"],
			"unique":     idx["unique"],
		}
		ctx["unique_keyword"] = ""
		if b, _ := idx["unique"].(bool); b {
			ctx["unique_keyword"] = "UNIQUE "
		}
		stmt, err := RenderTemplate(tmpl, ctx)
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)
	}
	return statements, nil
}

// templateData converts an entity into the JSON view the templates render
// over. Default values are synthesised here so templates stay declarative.
func (g *DDLGenerator) templateData(e *schema.Entity) map[string]interface{} {
	fields := make([]map[string]interface{}, 0, len(e.Fields))
	for _, f := range e.Fields {
		fj := map[string]interface{}{
			"name":     f.Name,
			"type":     ColumnType(f, g.dialect),
			"primary":  f.Primary,
			"required": f.Required,
			"unique":   f.Unique,
			"nullable": f.Nullable,
		}
		if def := g.defaultExpr(f); def != "" {
			fj["default"] = def
		}
		fields = append(fields, fj)
	}

	indexes := make([]map[string]interface{}, 0, len(e.Indexes))
	for _, idx := range e.Indexes {
		if len(idx.Fields) == 0 {
			continue
		}
		if idx.Unique && len(idx.Fields) == 1 {
			if f, ok := e.Field(idx.Fields[0]); ok && (f.Unique || f.Primary) {
				continue
			}
		}
		name := "idx_" + e.Name
		for _, f := range idx.Fields {
			name += "_" + f
		}
		indexes = append(indexes, map[string]interface{}{
			"name":   strings.ToLower(name),
			"fields": idx.Fields,
			"unique": idx.Unique,
		})
	}

	return map[string]interface{}{
		"table_name":  e.Name,
		"version":     e.Version,
		"description": e.Description,
		"fields":      fields,
		"indexes":     indexes,
	}
}

// defaultExpr synthesises the DEFAULT expression for a field: explicit
// defaults are quoted per type, generated primary keys get an
// engine-appropriate UUID expression and createdAt defaults to epoch seconds.
func (g *DDLGenerator) defaultExpr(f schema.Field) string {
	if f.Default != nil {
		def := *f.Default
		switch f.Type {
		case schema.TypeBoolean:
			truth := def == "true" || def == "1"
			if g.dialect == DialectSQLite || g.dialect == DialectMySQL {
				if truth {
					return "1"
				}
				return "0"
			}
			if truth {
				return "true"
			}
			return "false"
		case schema.TypeString, schema.TypeEmail, schema.TypeEnum, schema.TypeText, schema.TypeUUID:
			return "'" + strings.ReplaceAll(def, "'", "''") + "'"
		default:
			return def
		}
	}

	if f.Primary {
		if f.Type == schema.TypeUUID {
			switch g.dialect {
			case DialectPostgres, DialectPrisma:
				return "gen_random_uuid()"
			case DialectSQLite:
				return sqliteUUIDExpr
			default:
				return "(UUID())"
			}
		}
		switch g.dialect {
		case DialectPostgres, DialectPrisma:
			return "gen_random_uuid()::text"
		case DialectSQLite:
			return "(lower(hex(randomblob(16))))"
		default:
			return "(UUID())"
		}
	}

	if f.Name == "createdAt" {
		switch g.dialect {
		case DialectPostgres, DialectPrisma:
			return "EXTRACT(EPOCH FROM NOW())::BIGINT"
		case DialectSQLite:
			return "(strftime('%s', 'now'))"
		default:
			return "(UNIX_TIMESTAMP())"
		}
	}

	return ""
}

// sqliteUUIDExpr produces an RFC 4122 v4-shaped identifier with SQLite's
// random blob primitives.
const sqliteUUIDExpr = "(lower(hex(randomblob(4))) || '-' || lower(hex(randomblob(2))) || '-4' || " +
	"substr(lower(hex(randomblob(2))),2) || '-' || substr('89ab',abs(random()) % 4 + 1, 1) || " +
	"substr(lower(hex(randomblob(2))),2) || '-' || lower(hex(randomblob(6))))"

// loadTemplate reads a template file from the template directory, falling
// back to the inline template when the file is absent.
func (g *DDLGenerator) loadTemplate(filename string) string {
	if g.templateDir != "" {
		path := filepath.Join(g.templateDir, filename)
		if data, err := os.ReadFile(path); err == nil {
			return string(data)
		}
	}
	return inlineCreateTableTemplate(g.dialect)
}

// Inline fallback templates. trim/lstrip behaviour is intentionally absent:
// spaces inside inline {% if %} blocks are significant ("TEXT PRIMARY KEY",
// not "TEXTPRIMARY KEY").
func inlineCreateTableTemplate(d Dialect) string {
	if d == DialectMySQL {
		return "CREATE TABLE IF NOT EXISTS `{{ table_name }}` (\n" +
			"{% for field in fields %}    `{{ field.name }}` {{ field.type }}" +
			"{% if field.primary %} PRIMARY KEY{% endif %}" +
			"{% if field.required and not field.primary %} NOT NULL{% endif %}" +
			"{% if field.unique and not field.primary %} UNIQUE{% endif %}" +
			"{% if existsIn(field, \"default\") %} DEFAULT {{ field.default }}{% endif %}" +
			"{% if not loop.is_last %},\n{% endif %}{% endfor %}\n" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"
	}
	return "CREATE TABLE IF NOT EXISTS \"{{ table_name }}\" (\n" +
		"{% for field in fields %}    \"{{ field.name }}\" {{ field.type }}" +
		"{% if field.primary %} PRIMARY KEY{% endif %}" +
		"{% if field.required and not field.primary %} NOT NULL{% endif %}" +
		"{% if field.unique and not field.primary %} UNIQUE{% endif %}" +
		"{% if existsIn(field, \"default\") %} DEFAULT {{ field.default }}{% endif %}" +
		"{% if not loop.is_last %},\n{% endif %}{% endfor %}\n" +
		")"
}
