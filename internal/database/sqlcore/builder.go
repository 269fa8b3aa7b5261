package sqlcore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/schema"
)

// Builder constructs parameterised SQL statements for one dialect. All user
// values travel as bound parameters; identifiers come from the schema, never
// from request payloads.
type Builder struct {
	dialect Dialect
}

// NewBuilder creates a statement builder for the given dialect.
func NewBuilder(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// InsertSQL builds an INSERT for the fields present in data, in schema field
// order. Generated columns (the primary key, createdAt) are never taken from
// the payload and are left to their database defaults, unless explicitID is
// non-empty, in which case the primary key is bound client-side. A RETURNING
// clause is appended when the dialect supports it.
func (b *Builder) InsertSQL(e *schema.Entity, data adapter.Record, explicitID string) (string, []interface{}) {
	pk := e.PrimaryKey()

	var columns []string
	var placeholders []string
	var args []interface{}
	idx := 1

	add := func(name string, value interface{}) {
		columns = append(columns, b.dialect.QuoteIdent(name))
		placeholders = append(placeholders, b.dialect.Placeholder(idx))
		args = append(args, value)
		idx++
	}

	if explicitID != "" {
		add(pk, explicitID)
	}

	for _, f := range e.Fields {
		if f.Name == pk || f.Name == "createdAt" {
			continue
		}
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		add(f.Name, BindValue(v))
	}

	var query string
	if len(columns) == 0 && b.dialect != DialectMySQL {
		// Every column came from a default. MySQL keeps the () VALUES ()
		// form below; the other dialects need DEFAULT VALUES.
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", b.dialect.QuoteIdent(e.Name))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			b.dialect.QuoteIdent(e.Name),
			joinFragments(columns, ", "),
			joinFragments(placeholders, ", "))
	}
	if b.dialect.SupportsReturning() {
		query += " RETURNING *"
	}
	return query, args
}

// SelectByIDSQL builds the primary key lookup.
func (b *Builder) SelectByIDSQL(e *schema.Entity) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = %s",
		b.dialect.QuoteIdent(e.Name),
		b.dialect.QuoteIdent(b.pkName(e)),
		b.dialect.Placeholder(1))
}

// UpdateSQL builds an UPDATE of the fields present in data. The primary key
// and createdAt are never updatable. Parameter order follows placeholder
// style: ordinal dialects bind the id first ($1) and SET values from $2,
// sequential dialects bind SET values first and the id last.
func (b *Builder) UpdateSQL(e *schema.Entity, id string, data adapter.Record) (string, []interface{}, error) {
	pk := b.pkName(e)

	var names []string
	var values []interface{}
	for _, f := range e.Fields {
		if f.Name == pk || f.Name == "createdAt" {
			continue
		}
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		names = append(names, f.Name)
		values = append(values, BindValue(v))
	}
	if len(names) == 0 {
		return "", nil, adapter.Validation("no fields to update")
	}

	var sets []string
	var args []interface{}
	if b.dialect.OrdinalPlaceholders() {
		args = append(args, id)
		for i, name := range names {
			sets = append(sets, fmt.Sprintf("%s = %s", b.dialect.QuoteIdent(name), b.dialect.Placeholder(i+2)))
		}
		args = append(args, values...)
	} else {
		for _, name := range names {
			sets = append(sets, fmt.Sprintf("%s = ?", b.dialect.QuoteIdent(name)))
		}
		args = append(args, values...)
		args = append(args, id)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		b.dialect.QuoteIdent(e.Name),
		joinFragments(sets, ", "),
		b.dialect.QuoteIdent(pk),
		b.dialect.Placeholder(1))
	if b.dialect.SupportsReturning() {
		query += " RETURNING *"
	}
	return query, args, nil
}

// DeleteSQL builds the primary key delete.
func (b *Builder) DeleteSQL(e *schema.Entity) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		b.dialect.QuoteIdent(e.Name),
		b.dialect.QuoteIdent(b.pkName(e)),
		b.dialect.Placeholder(1))
}

// ListSQL builds the paginated list query. Filter keys are applied in sorted
// order so identical inputs produce identical statements.
func (b *Builder) ListSQL(e *schema.Entity, opts adapter.ListOptions) (string, []interface{}) {
	where, args := b.whereClause(e, opts.Filter, 1)

	query := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s LIMIT %s OFFSET %s",
		b.dialect.QuoteIdent(e.Name),
		where,
		b.orderClause(e, opts.Sort),
		b.dialect.Placeholder(len(args)+1),
		b.dialect.Placeholder(len(args)+2))
	args = append(args, opts.Limit, opts.Offset())
	return query, args
}

// orderClause builds the ORDER BY list from the sort spec. Keys are applied
// in sorted order and must name schema fields; unknown fields are skipped.
// Without sort entries the entity's order field descending is used.
func (b *Builder) orderClause(e *schema.Entity, sortSpec map[string]string) string {
	keys := make([]string, 0, len(sortSpec))
	for k := range sortSpec {
		if _, ok := e.Field(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		direction := "ASC"
		if strings.EqualFold(sortSpec[k], "desc") {
			direction = "DESC"
		}
		parts = append(parts, b.dialect.QuoteIdent(k)+" "+direction)
	}
	if len(parts) == 0 {
		return b.dialect.QuoteIdent(e.OrderField()) + " DESC"
	}
	return joinFragments(parts, ", ")
}

// FindFirstSQL builds a single-row filtered lookup.
func (b *Builder) FindFirstSQL(e *schema.Entity, filter adapter.Record) (string, []interface{}) {
	where, args := b.whereClause(e, filter, 1)
	query := fmt.Sprintf("SELECT * FROM %s%s LIMIT %s",
		b.dialect.QuoteIdent(e.Name),
		where,
		b.dialect.Placeholder(len(args)+1))
	args = append(args, 1)
	return query, args
}

// CountSQL builds the filtered count query.
func (b *Builder) CountSQL(e *schema.Entity, filter adapter.Record) (string, []interface{}) {
	where, args := b.whereClause(e, filter, 1)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", b.dialect.QuoteIdent(e.Name), where), args
}

// UpdateManySQL builds a filtered bulk update. SET values bind before the
// filter values in both placeholder styles.
func (b *Builder) UpdateManySQL(e *schema.Entity, filter, data adapter.Record) (string, []interface{}, error) {
	pk := b.pkName(e)

	var sets []string
	var args []interface{}
	idx := 1
	for _, f := range e.Fields {
		if f.Name == pk || f.Name == "createdAt" {
			continue
		}
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", b.dialect.QuoteIdent(f.Name), b.dialect.Placeholder(idx)))
		args = append(args, BindValue(v))
		idx++
	}
	if len(sets) == 0 {
		return "", nil, adapter.Validation("no fields to update")
	}

	where, whereArgs := b.whereClause(e, filter, idx)
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s%s",
		b.dialect.QuoteIdent(e.Name),
		joinFragments(sets, ", "),
		where)
	return query, args, nil
}

// DeleteManySQL builds a filtered bulk delete. An empty filter deletes every
// row of the entity.
func (b *Builder) DeleteManySQL(e *schema.Entity, filter adapter.Record) (string, []interface{}) {
	where, args := b.whereClause(e, filter, 1)
	return fmt.Sprintf("DELETE FROM %s%s", b.dialect.QuoteIdent(e.Name), where), args
}

// whereClause builds an ANDed equality clause over the filter, keys sorted
// for determinism. start is the 1-based index of the first placeholder.
func (b *Builder) whereClause(e *schema.Entity, filter adapter.Record, start int) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var predicates []string
	var args []interface{}
	for i, k := range keys {
		predicates = append(predicates, fmt.Sprintf("%s = %s", b.dialect.QuoteIdent(k), b.dialect.Placeholder(start+i)))
		args = append(args, BindValue(filter[k]))
	}
	return " WHERE " + joinFragments(predicates, " AND "), args
}

func (b *Builder) pkName(e *schema.Entity) string {
	return e.PrimaryKey()
}

// BindValue converts a JSON value into its bound parameter form. Scalars bind
// as strings so every engine applies its own column coercion; objects and
// arrays bind as their JSON serialisation.
func BindValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// RowToRecord casts one scanned row back into a JSON record using the
// entity's logical field types. Column values arrive as whatever the driver
// produced (int64, bool, string, []byte).
func RowToRecord(e *schema.Entity, columns []string, values []interface{}) adapter.Record {
	record := make(adapter.Record, len(columns))
	for i, col := range columns {
		f, known := e.Field(col)
		if !known {
			record[col] = rawToString(values[i])
			continue
		}
		record[col] = castValue(*f, values[i])
	}
	return record
}

func castValue(f schema.Field, v interface{}) interface{} {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case bool:
		return val
	case int64:
		if f.Type == schema.TypeBoolean {
			return val != 0
		}
		return val
	case float64:
		if f.Type == schema.TypeBoolean {
			return val != 0
		}
		return val
	}

	s := rawString(v)

	switch f.Type {
	case schema.TypeBoolean:
		switch s {
		case "1", "t", "true", "T", "TRUE":
			return true
		default:
			return false
		}
	case schema.TypeInteger, schema.TypeBigint, schema.TypeTimestamp:
		if s == "" && !f.Required {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case schema.TypeJSON:
		if s == "" {
			if f.Required {
				return s
			}
			return nil
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return s
		}
		return parsed
	default:
		return s
	}
}

// rawString renders a non-nil driver value as its string form.
func rawString(v interface{}) string {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// rawToString keeps nil as nil; used for columns absent from the schema.
func rawToString(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return rawString(v)
}
