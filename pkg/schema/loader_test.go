package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSchema(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirectoryParsesEntity(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "user.yaml", `
entity: User
version: "1.0"
description: "End-user account"
tenantId: true
fields:
  id:        { type: uuid, primary: true, generated: true }
  email:     { type: email, required: true, unique: true, maxLength: 254 }
  status:    { type: enum, values: [active, suspended], default: active }
  createdAt: { type: datetime, required: true }
indexes:
  - { fields: [email], unique: true }
  - { fields: [tenantId, status] }
`)

	entities, err := NewLoader(nil).LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, entities, 1)

	e := entities[0]
	assert.Equal(t, "User", e.Name)
	assert.Equal(t, "1.0", e.Version)

	email, ok := e.Field("email")
	require.True(t, ok)
	assert.True(t, email.Required)
	assert.True(t, email.Unique)
	require.NotNil(t, email.MaxLength)
	assert.Equal(t, 254, *email.MaxLength)

	status, ok := e.Field("status")
	require.True(t, ok)
	assert.Equal(t, []string{"active", "suspended"}, status.EnumValues)
	require.NotNil(t, status.Default)
	assert.Equal(t, "active", *status.Default)

	createdAt, ok := e.Field("createdAt")
	require.True(t, ok)
	assert.Equal(t, TypeBigint, createdAt.Type)

	tenant, ok := e.Field("tenantId")
	require.True(t, ok)
	assert.True(t, tenant.Nullable)
	assert.Equal(t, TypeString, tenant.Type)

	assert.Len(t, e.Indexes, 2)
}

func TestLoadDirectoryNameResolution(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "a.yaml", "entity: Explicit\nfields:\n  x: { type: string }\n")
	writeSchema(t, dir, "b.yaml", "displayName: Display\nfields:\n  x: { type: string }\n")
	writeSchema(t, dir, "c.yaml", "name: lower\nfields:\n  x: { type: string }\n")

	entities, err := NewLoader(nil).LoadDirectory(dir)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entities {
		names[e.Name] = true
	}
	assert.True(t, names["Explicit"])
	assert.True(t, names["Display"])
	assert.True(t, names["Lower"], "name key capitalises the first letter")
}

func TestLoadDirectorySkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "good.yaml", "entity: Good\nfields:\n  x: { type: string }\n")
	writeSchema(t, dir, "broken.yaml", "entity: [not: valid: yaml\n")
	writeSchema(t, dir, "nameless.yaml", "fields:\n  x: { type: string }\n")
	writeSchema(t, dir, "notes.txt", "not a schema at all")

	entities, err := NewLoader(nil).LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Good", entities[0].Name)
}

func TestLoadDirectorySkipsIndexWithUnknownField(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "thing.yaml", `
entity: Thing
fields:
  title: { type: string }
indexes:
  - { fields: [title] }
  - { fields: [doesNotExist] }
`)

	entities, err := NewLoader(nil).LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Len(t, entities[0].Indexes, 1)
}

func TestLoadDirectoryMissingDir(t *testing.T) {
	_, err := NewLoader(nil).LoadDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLoadDirectoryPreservesFieldOrder(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "ordered.yaml", `
entity: Ordered
fields:
  zeta:  { type: string }
  alpha: { type: string }
  mid:   { type: string }
`)

	entities, err := NewLoader(nil).LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, entities, 1)

	// The synthesised id comes first, then declaration order.
	names := entities[0].FieldNames()
	assert.Equal(t, []string{"id", "zeta", "alpha", "mid"}, names)
}
