// Package schema defines the declarative entity model consumed by every
// database adapter. Entities are loaded from YAML schema files at adapter
// construction and are immutable afterwards.
package schema

// Logical field types. Every adapter maps these to engine-native types.
const (
	TypeUUID      = "uuid"
	TypeString    = "string"
	TypeEmail     = "email"
	TypeText      = "text"
	TypeBigint    = "bigint"
	TypeInteger   = "integer"
	TypeBoolean   = "boolean"
	TypeEnum      = "enum"
	TypeJSON      = "json"
	TypeTimestamp = "timestamp"
)

// Field describes a single entity field.
type Field struct {
	Name       string
	Type       string
	Primary    bool
	Required   bool
	Unique     bool
	Generated  bool
	Nullable   bool
	Default    *string
	MinLength  *int
	MaxLength  *int
	Pattern    string
	EnumValues []string
	References string
}

// Index describes a secondary index over one or more fields.
type Index struct {
	Fields []string
	Unique bool
}

// Entity is the declarative description of one entity type.
type Entity struct {
	Name        string
	DisplayName string
	Description string
	Version     string
	Fields      []Field
	Indexes     []Index
}

// Field returns the field with the given name, if present.
func (e *Entity) Field(name string) (*Field, bool) {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// HasField reports whether the entity declares a field with the given name.
func (e *Entity) HasField(name string) bool {
	_, ok := e.Field(name)
	return ok
}

// PrimaryKey returns the name of the primary key field. Normalised entities
// always have one.
func (e *Entity) PrimaryKey() string {
	for i := range e.Fields {
		if e.Fields[i].Primary {
			return e.Fields[i].Name
		}
	}
	return "id"
}

// OrderField returns the default sort field for list operations: createdAt
// when the entity has it, the primary key otherwise.
func (e *Entity) OrderField() string {
	if e.HasField("createdAt") {
		return "createdAt"
	}
	return e.PrimaryKey()
}

// FieldNames returns the field names in declaration order.
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for i := range e.Fields {
		names = append(names, e.Fields[i].Name)
	}
	return names
}

// normalizeType collapses type aliases onto the closed logical-type set.
// Unknown types normalise to string. Returns "" for relationship pseudo-fields,
// which do not map to storage.
func normalizeType(t string) string {
	switch t {
	case TypeUUID, TypeString, TypeEmail, TypeText, TypeBigint, TypeInteger,
		TypeBoolean, TypeEnum, TypeJSON, TypeTimestamp:
		return t
	case "datetime", "number":
		return TypeBigint
	case "int":
		return TypeInteger
	case "relationship":
		return ""
	default:
		return TypeString
	}
}

// Normalize collapses type aliases, drops relationship pseudo-fields and
// synthesises a generated uuid primary key when the entity declares none.
// Normalising an already-normal entity is a fixpoint.
func Normalize(e Entity) Entity {
	fields := make([]Field, 0, len(e.Fields))
	hasPrimary := false
	for _, f := range e.Fields {
		t := normalizeType(f.Type)
		if t == "" {
			continue
		}
		f.Type = t
		if f.Primary {
			if hasPrimary {
				// At most one primary field per entity.
				f.Primary = false
			} else {
				hasPrimary = true
			}
		}
		fields = append(fields, f)
	}

	if !hasPrimary {
		id := Field{Name: "id", Type: TypeUUID, Primary: true, Generated: true, Required: true}
		if i := indexOfField(fields, "id"); i >= 0 {
			fields[i].Primary = true
			fields[i].Generated = true
		} else {
			fields = append([]Field{id}, fields...)
		}
	}

	e.Fields = fields
	return e
}

func indexOfField(fields []Field, name string) int {
	for i := range fields {
		if fields[i].Name == name {
			return i
		}
	}
	return -1
}
