package schema

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/metabuilder/dbal/pkg/logger"
)

// Loader parses entity schema files from a directory tree.
type Loader struct {
	log *logger.Logger
}

// NewLoader creates a schema loader.
func NewLoader(log *logger.Logger) *Loader {
	if log == nil {
		log = logger.Default()
	}
	return &Loader{log: log.Named("schema")}
}

// rawEntity mirrors the YAML document layout. Fields use a MapSlice so the
// declaration order in the file is preserved.
type rawEntity struct {
	Entity      string        `yaml:"entity"`
	Name        string        `yaml:"name"`
	DisplayName string        `yaml:"displayName"`
	Description string        `yaml:"description"`
	Version     string        `yaml:"version"`
	TenantID    interface{}   `yaml:"tenantId"`
	Fields      yaml.MapSlice `yaml:"fields"`
	Indexes     []rawIndex    `yaml:"indexes"`
}

type rawIndex struct {
	Fields []string `yaml:"fields"`
	Unique bool     `yaml:"unique"`
}

// LoadDirectory walks dir recursively and parses every .yaml/.yml file.
// A file that fails to parse or has no recognisable entity name is skipped
// with a warning; one bad file never aborts the load.
func (l *Loader) LoadDirectory(dir string) ([]Entity, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("schema directory does not exist: %s", dir)
	}

	var entities []Entity
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.log.Warnw("error walking schema directory", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		entity, ok := l.loadFile(path)
		if ok {
			entities = append(entities, entity)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	l.log.Infow("loaded entity schemas", "dir", dir, "count", len(entities))
	return entities, nil
}

// LoadFile parses a single schema file.
func (l *Loader) LoadFile(path string) (Entity, error) {
	entity, ok := l.loadFile(path)
	if !ok {
		return Entity{}, fmt.Errorf("no entity definition in %s", path)
	}
	return entity, nil
}

func (l *Loader) loadFile(path string) (Entity, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		l.log.Warnw("error reading schema file", "path", path, "error", err)
		return Entity{}, false
	}

	var raw rawEntity
	if err := yaml.Unmarshal(data, &raw); err != nil {
		l.log.Warnw("error parsing schema file", "path", path, "error", err)
		return Entity{}, false
	}

	name := resolveName(raw)
	if name == "" {
		l.log.Warnw("schema file has no entity name", "path", path)
		return Entity{}, false
	}

	entity := Entity{
		Name:        name,
		DisplayName: raw.DisplayName,
		Description: raw.Description,
		Version:     raw.Version,
	}
	if entity.DisplayName == "" {
		entity.DisplayName = name
	}
	if entity.Version == "" {
		entity.Version = "1.0"
	}

	for _, item := range raw.Fields {
		fieldName, ok := item.Key.(string)
		if !ok {
			continue
		}
		field, ok := parseField(fieldName, item.Value)
		if !ok {
			continue
		}
		entity.Fields = append(entity.Fields, field)
	}

	// tenantId: true at the top level injects a nullable string field.
	if flag, ok := raw.TenantID.(bool); ok && flag && !entity.HasField("tenantId") {
		entity.Fields = append(entity.Fields, Field{Name: "tenantId", Type: TypeString, Nullable: true})
	}

	for _, idx := range raw.Indexes {
		if len(idx.Fields) == 0 {
			continue
		}
		missing := ""
		for _, f := range idx.Fields {
			if !entity.HasField(f) {
				missing = f
				break
			}
		}
		if missing != "" {
			l.log.Warnw("index references unknown field, skipping index",
				"path", path, "entity", name, "field", missing)
			continue
		}
		entity.Indexes = append(entity.Indexes, Index{Fields: idx.Fields, Unique: idx.Unique})
	}

	return Normalize(entity), true
}

// resolveName applies the name resolution order: explicit entity key,
// displayName, then name with the first letter capitalised.
func resolveName(raw rawEntity) string {
	if raw.Entity != "" {
		return raw.Entity
	}
	if raw.DisplayName != "" {
		return raw.DisplayName
	}
	if raw.Name != "" {
		return strings.ToUpper(raw.Name[:1]) + raw.Name[1:]
	}
	return ""
}

func parseField(name string, value interface{}) (Field, bool) {
	def, ok := value.(map[string]interface{})
	if !ok {
		return Field{}, false
	}

	field := Field{Name: name}

	typeName, _ := def["type"].(string)
	typeName = strings.ToLower(strings.TrimSpace(typeName))
	if typeName == "relationship" {
		return Field{}, false
	}
	field.Type = normalizeType(typeName)
	if field.Type == "" {
		return Field{}, false
	}

	field.Primary = boolKey(def, "primary") || boolKey(def, "primaryKey")
	field.Required = boolKey(def, "required")
	field.Unique = boolKey(def, "unique")
	field.Generated = boolKey(def, "generated")
	field.Nullable = boolKey(def, "nullable") || boolKey(def, "optional")

	if dv, ok := def["default"]; ok {
		if s := scalarString(dv); s != nil {
			field.Default = s
		}
	}
	if n, ok := intKey(def, "minLength", "min_length"); ok {
		field.MinLength = &n
	}
	if n, ok := intKey(def, "maxLength", "max_length"); ok {
		field.MaxLength = &n
	}
	if p, ok := def["pattern"].(string); ok {
		field.Pattern = p
	}
	if ref, ok := def["references"].(string); ok {
		field.References = ref
	}
	if values, ok := def["values"].([]interface{}); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				field.EnumValues = append(field.EnumValues, s)
			}
		}
	}

	return field, true
}

func boolKey(def map[string]interface{}, key string) bool {
	v, ok := def[key].(bool)
	return ok && v
}

func intKey(def map[string]interface{}, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := def[key].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case uint64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}

// scalarString stringifies scalar defaults. Map or sequence defaults have no
// SQL DEFAULT representation and are dropped.
func scalarString(v interface{}) *string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case bool:
		if val {
			s = "true"
		} else {
			s = "false"
		}
	case int:
		s = fmt.Sprintf("%d", val)
	case int64:
		s = fmt.Sprintf("%d", val)
	case uint64:
		s = fmt.Sprintf("%d", val)
	case float64:
		s = strings.TrimSuffix(fmt.Sprintf("%v", val), ".0")
	default:
		return nil
	}
	return &s
}
