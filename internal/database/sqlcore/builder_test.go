package sqlcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/schema"
)

func userEntity() *schema.Entity {
	e := schema.Normalize(schema.Entity{
		Name: "User",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeUUID, Primary: true, Generated: true},
			{Name: "email", Type: schema.TypeEmail, Required: true, Unique: true},
			{Name: "age", Type: schema.TypeInteger},
			{Name: "active", Type: schema.TypeBoolean},
			{Name: "profile", Type: schema.TypeJSON, Nullable: true},
			{Name: "createdAt", Type: schema.TypeBigint, Required: true},
		},
	})
	return &e
}

func TestInsertSQLPostgres(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	query, args := b.InsertSQL(userEntity(), adapter.Record{"email": "a@b", "age": 30}, "")

	assert.Equal(t,
		`INSERT INTO "User" ("email", "age") VALUES ($1, $2) RETURNING *`,
		query)
	assert.Equal(t, []interface{}{"a@b", "30"}, args)
}

func TestInsertSQLMySQLWithExplicitID(t *testing.T) {
	b := NewBuilder(DialectMySQL)
	query, args := b.InsertSQL(userEntity(), adapter.Record{"email": "a@b"}, "fixed-id")

	assert.Equal(t, "INSERT INTO `User` (`id`, `email`) VALUES (?, ?)", query)
	assert.Equal(t, []interface{}{"fixed-id", "a@b"}, args)
}

func TestInsertSQLSkipsUnknownAndPrimaryKeys(t *testing.T) {
	b := NewBuilder(DialectSQLite)
	query, args := b.InsertSQL(userEntity(), adapter.Record{
		"id":        "ignored",
		"createdAt": 123,
		"email":     "a@b",
		"unknown":   "dropped",
	}, "")

	assert.Equal(t, `INSERT INTO "User" ("email") VALUES (?) RETURNING *`, query)
	assert.Equal(t, []interface{}{"a@b"}, args)
}

func TestInsertSQLEmptyPayloadUsesDefaults(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	query, args := b.InsertSQL(userEntity(), adapter.Record{}, "")
	assert.Equal(t, `INSERT INTO "User" DEFAULT VALUES RETURNING *`, query)
	assert.Empty(t, args)

	// Generated columns in the payload do not resurrect the column list.
	query, _ = b.InsertSQL(userEntity(), adapter.Record{"id": "x", "createdAt": 1}, "")
	assert.Equal(t, `INSERT INTO "User" DEFAULT VALUES RETURNING *`, query)

	query, args = b.InsertSQL(userEntity(), adapter.Record{}, "fixed-id")
	assert.Equal(t, `INSERT INTO "User" ("id") VALUES ($1) RETURNING *`, query)
	assert.Equal(t, []interface{}{"fixed-id"}, args)

	// MySQL always binds the client-side id, so the list form stays.
	query, args = NewBuilder(DialectMySQL).InsertSQL(userEntity(), adapter.Record{}, "fixed-id")
	assert.Equal(t, "INSERT INTO `User` (`id`) VALUES (?)", query)
	assert.Equal(t, []interface{}{"fixed-id"}, args)
}

func TestUpdateSQLOrdinalDialectBindsIDFirst(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	query, args, err := b.UpdateSQL(userEntity(), "u1", adapter.Record{"email": "new@b", "age": 31})
	require.NoError(t, err)

	assert.Equal(t,
		`UPDATE "User" SET "email" = $2, "age" = $3 WHERE "id" = $1 RETURNING *`,
		query)
	assert.Equal(t, []interface{}{"u1", "new@b", "31"}, args)
}

func TestUpdateSQLSequentialDialectBindsIDLast(t *testing.T) {
	b := NewBuilder(DialectMySQL)
	query, args, err := b.UpdateSQL(userEntity(), "u1", adapter.Record{"email": "new@b"})
	require.NoError(t, err)

	assert.Equal(t, "UPDATE `User` SET `email` = ? WHERE `id` = ?", query)
	assert.Equal(t, []interface{}{"new@b", "u1"}, args)
}

func TestUpdateSQLEmptyDeltaIsValidationError(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	_, _, err := b.UpdateSQL(userEntity(), "u1", adapter.Record{})
	assert.True(t, adapter.IsValidation(err))

	// id and createdAt alone are not updatable either.
	_, _, err = b.UpdateSQL(userEntity(), "u1", adapter.Record{"id": "x", "createdAt": 1})
	assert.True(t, adapter.IsValidation(err))
}

func TestListSQLSortsFilterKeys(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	opts := adapter.ListOptions{
		Filter: adapter.Record{"email": "a@b", "active": true, "age": 30},
		Page:   2,
		Limit:  10,
	}.Normalize()
	query, args := b.ListSQL(userEntity(), opts)

	assert.Equal(t,
		`SELECT * FROM "User" WHERE "active" = $1 AND "age" = $2 AND "email" = $3 `+
			`ORDER BY "createdAt" DESC LIMIT $4 OFFSET $5`,
		query)
	assert.Equal(t, []interface{}{"true", "30", "a@b", 10, 10}, args)
}

func TestListSQLSortSpec(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	opts := adapter.ListOptions{
		Sort: map[string]string{"email": "asc", "age": "DESC", "bogus": "asc"},
	}.Normalize()
	query, _ := b.ListSQL(userEntity(), opts)

	assert.Equal(t,
		`SELECT * FROM "User" ORDER BY "age" DESC, "email" ASC LIMIT $1 OFFSET $2`,
		query)
}

func TestListSQLNoFilter(t *testing.T) {
	b := NewBuilder(DialectSQLite)
	query, args := b.ListSQL(userEntity(), adapter.ListOptions{}.Normalize())

	assert.Equal(t,
		`SELECT * FROM "User" ORDER BY "createdAt" DESC LIMIT ? OFFSET ?`,
		query)
	assert.Equal(t, []interface{}{adapter.DefaultLimit, 0}, args)
}

func TestCountSQL(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	query, args := b.CountSQL(userEntity(), adapter.Record{"active": true})
	assert.Equal(t, `SELECT COUNT(*) FROM "User" WHERE "active" = $1`, query)
	assert.Equal(t, []interface{}{"true"}, args)
}

func TestUpdateManySQL(t *testing.T) {
	b := NewBuilder(DialectPostgres)
	query, args, err := b.UpdateManySQL(userEntity(),
		adapter.Record{"active": false},
		adapter.Record{"email": "bulk@b"})
	require.NoError(t, err)

	assert.Equal(t, `UPDATE "User" SET "email" = $1 WHERE "active" = $2`, query)
	assert.Equal(t, []interface{}{"bulk@b", "false"}, args)
}

func TestDeleteManySQLEmptyFilterDeletesAll(t *testing.T) {
	b := NewBuilder(DialectMySQL)
	query, args := b.DeleteManySQL(userEntity(), nil)
	assert.Equal(t, "DELETE FROM `User`", query)
	assert.Empty(t, args)
}

func TestBindValue(t *testing.T) {
	assert.Nil(t, BindValue(nil))
	assert.Equal(t, "plain", BindValue("plain"))
	assert.Equal(t, "true", BindValue(true))
	assert.Equal(t, "false", BindValue(false))
	assert.Equal(t, "42", BindValue(42))
	assert.Equal(t, "42", BindValue(float64(42)))
	assert.Equal(t, "4.5", BindValue(4.5))
	assert.Equal(t, `{"k":"v"}`, BindValue(map[string]interface{}{"k": "v"}))
	assert.Equal(t, `[1,2]`, BindValue([]interface{}{1, 2}))
}

func TestRowToRecordCasting(t *testing.T) {
	e := userEntity()
	columns := []string{"id", "email", "age", "active", "profile", "createdAt"}

	record := RowToRecord(e, columns, []interface{}{
		[]byte("u1"), []byte("a@b"), []byte("30"), []byte("1"),
		[]byte(`{"bio":"hi"}`), int64(1700000000),
	})

	assert.Equal(t, "u1", record["id"])
	assert.Equal(t, "a@b", record["email"])
	assert.Equal(t, int64(30), record["age"])
	assert.Equal(t, true, record["active"])
	assert.Equal(t, map[string]interface{}{"bio": "hi"}, record["profile"])
	assert.Equal(t, int64(1700000000), record["createdAt"])
}

func TestRowToRecordBooleanTruthySet(t *testing.T) {
	e := userEntity()
	for _, truthy := range []string{"1", "t", "true", "T", "TRUE"} {
		record := RowToRecord(e, []string{"active"}, []interface{}{[]byte(truthy)})
		assert.Equal(t, true, record["active"], truthy)
	}
	for _, falsy := range []string{"0", "f", "false", "no", ""} {
		record := RowToRecord(e, []string{"active"}, []interface{}{[]byte(falsy)})
		assert.Equal(t, false, record["active"], falsy)
	}
}

func TestRowToRecordNumericEdgeCases(t *testing.T) {
	e := userEntity()

	// Unparseable numerics become nil, not an error.
	record := RowToRecord(e, []string{"age"}, []interface{}{[]byte("not-a-number")})
	assert.Nil(t, record["age"])

	// Empty optional numerics become nil.
	record = RowToRecord(e, []string{"age"}, []interface{}{[]byte("")})
	assert.Nil(t, record["age"])

	// NULL stays nil.
	record = RowToRecord(e, []string{"age"}, []interface{}{nil})
	assert.Nil(t, record["age"])
}

func TestRowToRecordNativeDriverTypes(t *testing.T) {
	e := userEntity()
	record := RowToRecord(e,
		[]string{"active", "age", "email"},
		[]interface{}{true, int64(30), "a@b"})

	assert.Equal(t, true, record["active"])
	assert.Equal(t, int64(30), record["age"])
	assert.Equal(t, "a@b", record["email"])
}

func TestRowToRecordUnknownColumns(t *testing.T) {
	e := userEntity()

	// Columns outside the schema pass through as strings, NULL stays nil.
	record := RowToRecord(e, []string{"mystery", "ghost"}, []interface{}{[]byte("x"), nil})
	assert.Equal(t, "x", record["mystery"])
	assert.Nil(t, record["ghost"])
}
