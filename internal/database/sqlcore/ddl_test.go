package sqlcore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabuilder/dbal/pkg/schema"
)

func ddlEntity() *schema.Entity {
	active := "true"
	status := "active"
	e := schema.Normalize(schema.Entity{
		Name: "User",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeUUID, Primary: true, Generated: true},
			{Name: "email", Type: schema.TypeEmail, Required: true, Unique: true},
			{Name: "status", Type: schema.TypeEnum, Default: &status},
			{Name: "active", Type: schema.TypeBoolean, Default: &active},
			{Name: "createdAt", Type: schema.TypeBigint, Required: true},
		},
		Indexes: []schema.Index{
			{Fields: []string{"email"}, Unique: true},
			{Fields: []string{"status", "active"}},
		},
	})
	return &e
}

func TestCreateTableSQLPostgres(t *testing.T) {
	gen := NewDDLGenerator(DialectPostgres, "")
	ddl, err := gen.CreateTableSQL(ddlEntity())
	require.NoError(t, err)

	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "User"`)
	assert.Contains(t, ddl, `"id" UUID PRIMARY KEY DEFAULT gen_random_uuid()`)
	assert.Contains(t, ddl, `"email" VARCHAR(255) NOT NULL UNIQUE`)
	assert.Contains(t, ddl, `"status" VARCHAR(50) DEFAULT 'active'`)
	assert.Contains(t, ddl, `"active" BOOLEAN DEFAULT true`)
	assert.Contains(t, ddl, `"createdAt" BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT`)
}

func TestCreateTableSQLMySQL(t *testing.T) {
	gen := NewDDLGenerator(DialectMySQL, "")
	ddl, err := gen.CreateTableSQL(ddlEntity())
	require.NoError(t, err)

	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS `User`")
	assert.Contains(t, ddl, "`id` CHAR(36) PRIMARY KEY DEFAULT (UUID())")
	assert.Contains(t, ddl, "`active` TINYINT(1) DEFAULT 1")
	assert.Contains(t, ddl, "`createdAt` BIGINT NOT NULL DEFAULT (UNIX_TIMESTAMP())")
	assert.Contains(t, ddl, "ENGINE=InnoDB")
}

func TestCreateTableSQLSQLite(t *testing.T) {
	gen := NewDDLGenerator(DialectSQLite, "")
	ddl, err := gen.CreateTableSQL(ddlEntity())
	require.NoError(t, err)

	assert.Contains(t, ddl, `"id" TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(4)))`)
	assert.Contains(t, ddl, `"active" INTEGER DEFAULT 1`)
	assert.Contains(t, ddl, `"createdAt" INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))`)
}

func TestCreateTableSQLIsDeterministic(t *testing.T) {
	for _, d := range []Dialect{DialectPostgres, DialectMySQL, DialectSQLite, DialectPrisma} {
		gen := NewDDLGenerator(d, "")
		first, err := gen.CreateTableSQL(ddlEntity())
		require.NoError(t, err)
		second, err := gen.CreateTableSQL(ddlEntity())
		require.NoError(t, err)
		assert.Equal(t, first, second, d.String())
	}
}

func TestIndexSQLSuppressesRedundantUniqueIndex(t *testing.T) {
	gen := NewDDLGenerator(DialectPostgres, "")
	statements, err := gen.IndexSQL(ddlEntity())
	require.NoError(t, err)

	// The unique email index duplicates the column's UNIQUE constraint and
	// is suppressed; the composite index survives.
	require.Len(t, statements, 1)
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "idx_user_status_active" ON "User"("status", "active")`,
		statements[0])
}

func TestIndexSQLUniqueComposite(t *testing.T) {
	e := schema.Normalize(schema.Entity{
		Name: "Member",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeUUID, Primary: true},
			{Name: "orgId", Type: schema.TypeUUID},
			{Name: "userId", Type: schema.TypeUUID},
		},
		Indexes: []schema.Index{
			{Fields: []string{"orgId", "userId"}, Unique: true},
		},
	})

	statements, err := NewDDLGenerator(DialectMySQL, "").IndexSQL(&e)
	require.NoError(t, err)
	require.Len(t, statements, 1)
	assert.Equal(t,
		"CREATE UNIQUE INDEX idx_member_orgid_userid ON `Member`(`orgId`, `userId`)",
		statements[0])
}

func TestCreateTableSQLUsesTemplateDir(t *testing.T) {
	dir := t.TempDir()
	custom := "-- custom\nCREATE TABLE {{ table_name }} ()"
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "postgres_create_table.sql.j2"), []byte(custom), 0o644))

	gen := NewDDLGenerator(DialectPostgres, dir)
	ddl, err := gen.CreateTableSQL(ddlEntity())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ddl, "-- custom"))
	assert.Contains(t, ddl, "CREATE TABLE User ()")
}

func TestCreateTableSQLFallsBackWhenTemplateMissing(t *testing.T) {
	gen := NewDDLGenerator(DialectPostgres, t.TempDir())
	ddl, err := gen.CreateTableSQL(ddlEntity())
	require.NoError(t, err)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "User"`)
}
