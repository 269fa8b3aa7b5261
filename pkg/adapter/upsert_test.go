package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	first, err := Upsert(ctx, a, "User", "email", "a@b",
		Record{"email": "a@b"}, Record{"status": "suspended"})
	require.NoError(t, err)
	assert.Equal(t, "a@b", first["email"])
	assert.NotContains(t, first, "status")

	second, err := Upsert(ctx, a, "User", "email", "a@b",
		Record{"email": "a@b"}, Record{"status": "suspended"})
	require.NoError(t, err)
	assert.Equal(t, "suspended", second["status"])
	assert.Equal(t, first["id"], second["id"])

	result, err := a.List(ctx, "User", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestUpsertResolvesDeclaredPrimaryKey(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()
	a.pk = "userKey"

	first, err := Upsert(ctx, a, "User", "email", "a@b",
		Record{"email": "a@b"}, Record{"status": "suspended"})
	require.NoError(t, err)
	require.NotEmpty(t, first["userKey"])

	// The existing record is updated in place, not recreated under an
	// empty id.
	second, err := Upsert(ctx, a, "User", "email", "a@b",
		Record{"email": "a@b"}, Record{"status": "suspended"})
	require.NoError(t, err)
	assert.Equal(t, "suspended", second["status"])
	assert.Equal(t, first["userKey"], second["userKey"])

	result, err := a.List(ctx, "User", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestUpsertPropagatesLookupErrors(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()
	a.failOps["create"] = true

	_, err := Upsert(ctx, a, "User", "email", "a@b", Record{"email": "a@b"}, Record{})
	assert.Error(t, err)
}
