package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry([]Entity{
		{Name: "User"},
		{Name: "Workflow"},
	})

	// Any casing folds to the lower-cased alias.
	for _, name := range []string{"User", "user", "USER", "uSeR"} {
		e, ok := r.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, "User", e.Name)
	}

	_, ok := r.Get("Unknown")
	assert.False(t, ok)
}

func TestRegistryAvailableIsSorted(t *testing.T) {
	r := NewRegistry([]Entity{
		{Name: "Zebra"},
		{Name: "Alpha"},
		{Name: "Mid"},
	})
	assert.Equal(t, []string{"Alpha", "Mid", "Zebra"}, r.Available())
	assert.Equal(t, 3, r.Len())
}

func TestRegistryLaterDuplicateWins(t *testing.T) {
	r := NewRegistry([]Entity{
		{Name: "User", Version: "1.0"},
		{Name: "User", Version: "2.0"},
	})
	e, ok := r.Get("User")
	require.True(t, ok)
	assert.Equal(t, "2.0", e.Version)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySkipsUnnamedEntities(t *testing.T) {
	r := NewRegistry([]Entity{{Name: ""}, {Name: "Real"}})
	assert.Equal(t, 1, r.Len())
}
