package sqlcore

import (
	"database/sql"
	"sync"

	"github.com/metabuilder/dbal/pkg/adapter"
)

// DefaultMaxConnections bounds concurrent statement execution when the
// configuration does not say otherwise.
const DefaultMaxConnections = 10

// Pool bounds concurrent use of the underlying *sql.DB with a fixed-size
// semaphore. Acquisition never blocks: when all slots are taken the caller
// gets an InternalError immediately.
type Pool struct {
	db    *sql.DB
	slots chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPool wraps db with a semaphore of size slots clamped to at least 1.
func NewPool(db *sql.DB, size int) *Pool {
	if size < 1 {
		size = DefaultMaxConnections
	}
	p := &Pool{db: db, slots: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	db.SetMaxOpenConns(size)
	return p
}

// Acquire takes a slot, returning a guard that must be released. Fails with
// an InternalError when the pool is exhausted or closed.
func (p *Pool) Acquire() (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, adapter.Internal("connection pool is closed")
	}
	p.mu.Unlock()

	select {
	case <-p.slots:
		return &Conn{pool: p, db: p.db}, nil
	default:
		return nil, adapter.Internal("connection pool exhausted")
	}
}

// Size returns the semaphore capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Close marks the pool closed and closes the database handle. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// Conn is a held pool slot. DB exposes the shared handle; Release returns the
// slot and is safe to call more than once.
type Conn struct {
	pool     *Pool
	db       *sql.DB
	released bool
	mu       sync.Mutex
}

// DB returns the database handle backing this slot.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Release returns the slot to the pool.
func (c *Conn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.pool.slots <- struct{}{}
}
