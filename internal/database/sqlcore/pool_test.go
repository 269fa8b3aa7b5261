package sqlcore

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabuilder/dbal/pkg/adapter"
)

func testPool(t *testing.T, size int) *Pool {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	p := NewPool(db, size)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolAcquireRelease(t *testing.T) {
	p := testPool(t, 2)

	c1, err := p.Acquire()
	require.NoError(t, err)
	c2, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.Error(t, err)
	assert.Equal(t, adapter.KindInternal, adapter.KindOf(err))

	c1.Release()
	c3, err := p.Acquire()
	require.NoError(t, err)

	c2.Release()
	c3.Release()
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	p := testPool(t, 1)

	c, err := p.Acquire()
	require.NoError(t, err)
	c.Release()
	c.Release()
	c.Release()

	// Double release must not mint extra slots.
	c1, err := p.Acquire()
	require.NoError(t, err)
	_, err = p.Acquire()
	assert.Error(t, err)
	c1.Release()
}

func TestPoolDefaultSize(t *testing.T) {
	p := testPool(t, 0)
	assert.Equal(t, DefaultMaxConnections, p.Size())
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	p := NewPool(db, 1)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Acquire()
	require.Error(t, err)
	assert.Equal(t, adapter.KindInternal, adapter.KindOf(err))
}
