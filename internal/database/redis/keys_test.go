package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/schema"
)

func TestKeyScheme(t *testing.T) {
	assert.Equal(t, "entity:User:u_00000042", recordKey("User", "u_00000042"))
	assert.Equal(t, "entity:User:counter", counterKey("User"))
	assert.Equal(t, "entity:User:index", indexKey("User"))
}

func testEntity(t *testing.T) *schema.Entity {
	t.Helper()
	e := &schema.Entity{
		Name: "User",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeUUID, Primary: true},
			{Name: "email", Type: schema.TypeEmail, Required: true},
			{Name: "active", Type: schema.TypeBoolean},
			{Name: "age", Type: schema.TypeInteger},
			{Name: "profile", Type: schema.TypeJSON, Nullable: true},
			{Name: "createdAt", Type: schema.TypeTimestamp, Required: true},
		},
	}
	return e
}

func TestStringifyValue(t *testing.T) {
	assert.Equal(t, "hello", stringifyValue("hello"))
	assert.Equal(t, "true", stringifyValue(true))
	assert.Equal(t, "false", stringifyValue(false))
	assert.Equal(t, "42", stringifyValue(42))
	assert.Equal(t, "42", stringifyValue(int64(42)))
	assert.Equal(t, "42", stringifyValue(float64(42)))
	assert.Equal(t, "4.5", stringifyValue(4.5))
	assert.Equal(t, `{"a":1}`, stringifyValue(map[string]interface{}{"a": 1}))
	assert.Equal(t, `[1,2]`, stringifyValue([]interface{}{1, 2}))
}

func TestToHashSkipsUnknownAndNil(t *testing.T) {
	e := testEntity(t)
	fields := toHash(e, adapter.Record{
		"email":   "a@b",
		"active":  true,
		"profile": nil,
		"bogus":   "x",
	})
	assert.Equal(t, map[string]string{"email": "a@b", "active": "true"}, fields)
}

func TestFromHashCastsPerType(t *testing.T) {
	e := testEntity(t)
	record := fromHash(e, map[string]string{
		"id":        "u_00000001",
		"email":     "a@b",
		"active":    "true",
		"age":       "30",
		"profile":   `{"city":"Porto"}`,
		"createdAt": "1700000000",
	})

	assert.Equal(t, "u_00000001", record["id"])
	assert.Equal(t, true, record["active"])
	assert.Equal(t, int64(30), record["age"])
	assert.Equal(t, int64(1700000000), record["createdAt"])
	require.IsType(t, map[string]interface{}{}, record["profile"])
	assert.Equal(t, "Porto", record["profile"].(map[string]interface{})["city"])
}

func TestCastStringEdgeCases(t *testing.T) {
	boolField := schema.Field{Name: "active", Type: schema.TypeBoolean}
	assert.Equal(t, true, castString(boolField, "1"))
	assert.Equal(t, true, castString(boolField, "TRUE"))
	assert.Equal(t, false, castString(boolField, "0"))
	assert.Equal(t, false, castString(boolField, "banana"))

	intField := schema.Field{Name: "age", Type: schema.TypeInteger}
	assert.Nil(t, castString(intField, ""))
	assert.Nil(t, castString(intField, "not-a-number"))
	assert.Equal(t, int64(7), castString(intField, "7"))

	jsonField := schema.Field{Name: "profile", Type: schema.TypeJSON}
	assert.Nil(t, castString(jsonField, ""))
	assert.Equal(t, "not json", castString(jsonField, "not json"))
}

func TestMatchesFilterNormalisesBothSides(t *testing.T) {
	record := adapter.Record{"age": int64(42), "email": "a@b", "active": true}

	assert.True(t, matchesFilter(record, adapter.Record{}))
	assert.True(t, matchesFilter(record, adapter.Record{"age": 42}))
	assert.True(t, matchesFilter(record, adapter.Record{"age": "42"}))
	assert.True(t, matchesFilter(record, adapter.Record{"active": "true"}))
	assert.False(t, matchesFilter(record, adapter.Record{"age": 41}))
	assert.False(t, matchesFilter(record, adapter.Record{"missing": "x"}))
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, -1, compareValues(int64(1), int64(2)))
	assert.Equal(t, 1, compareValues(2.5, 1))
	assert.Equal(t, 0, compareValues(int64(3), float64(3)))
	assert.Equal(t, -1, compareValues("apple", "banana"))
	// Mixed types fall back to lexical comparison of their string forms.
	assert.Equal(t, -1, compareValues("10", int64(9)))
}

func TestSortRecords(t *testing.T) {
	e := testEntity(t)
	records := []adapter.Record{
		{"email": "b@b", "age": int64(30), "createdAt": int64(100)},
		{"email": "a@b", "age": int64(40), "createdAt": int64(300)},
		{"email": "c@b", "age": int64(40), "createdAt": int64(200)},
	}

	// Default order: createdAt descending.
	sortRecords(records, e, nil)
	assert.Equal(t, "a@b", records[0]["email"])
	assert.Equal(t, "b@b", records[2]["email"])

	// age descending, then email ascending for the tie.
	sortRecords(records, e, map[string]string{"age": "desc", "email": "asc"})
	assert.Equal(t, "a@b", records[0]["email"])
	assert.Equal(t, "c@b", records[1]["email"])
	assert.Equal(t, "b@b", records[2]["email"])

	// Unknown sort fields are ignored, falling back to the default order.
	sortRecords(records, e, map[string]string{"bogus": "asc"})
	assert.Equal(t, int64(300), records[0]["createdAt"])
}
