package sqlcore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

// Options configures the shared SQL adapter for one engine.
type Options struct {
	// Engine is the name used in log fields and capability errors.
	Engine string

	Dialect Dialect

	// GenerateIDs binds a client-side UUID primary key on insert instead of
	// relying on a database default with RETURNING. Set for MySQL.
	GenerateIDs bool

	SchemaDir      string
	TemplateDir    string
	MaxConnections int
}

// SQLAdapter implements the generic storage contract over database/sql for
// every SQL engine. Dialect differences are confined to the statement builder
// and the DDL generator.
type SQLAdapter struct {
	opts     Options
	pool     *Pool
	builder  *Builder
	registry *schema.Registry
	log      *logger.Logger

	txMu   sync.Mutex
	tx     *sql.Tx
	txConn *Conn

	closeMu sync.Mutex
	closed  bool
}

// New loads the entity schemas, ensures every table and index exists and
// returns a ready adapter. A table that cannot be created is fatal; a failed
// index is logged and skipped.
func New(ctx context.Context, db *sql.DB, opts Options, log *logger.Logger) (*SQLAdapter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named(opts.Engine)

	entities, err := schema.NewLoader(log).LoadDirectory(opts.SchemaDir)
	if err != nil {
		db.Close()
		return nil, adapter.Internal("error loading schemas: %v", err)
	}

	a := &SQLAdapter{
		opts:     opts,
		pool:     NewPool(db, opts.MaxConnections),
		builder:  NewBuilder(opts.Dialect),
		registry: schema.NewRegistry(entities),
		log:      log,
	}

	if err := a.ensureSchema(ctx, entities); err != nil {
		a.pool.Close()
		return nil, err
	}

	log.Infow("adapter ready", "entities", a.registry.Len(), "pool", a.pool.Size())
	return a, nil
}

func (a *SQLAdapter) ensureSchema(ctx context.Context, entities []schema.Entity) error {
	gen := NewDDLGenerator(a.opts.Dialect, a.opts.TemplateDir)
	for i := range entities {
		e := &entities[i]

		ddl, err := gen.CreateTableSQL(e)
		if err != nil {
			return adapter.Internal("error rendering DDL for %s: %v", e.Name, err)
		}
		if _, err := a.pool.db.ExecContext(ctx, ddl); err != nil {
			return MapError(a.opts.Dialect, err)
		}

		indexes, err := gen.IndexSQL(e)
		if err != nil {
			return adapter.Internal("error rendering indexes for %s: %v", e.Name, err)
		}
		for _, stmt := range indexes {
			if _, err := a.pool.db.ExecContext(ctx, stmt); err != nil {
				a.log.Warnw("error creating index", "entity", e.Name, "error", err)
			}
		}
	}
	return nil
}

// entity resolves an entity name against the registry.
func (a *SQLAdapter) entity(name string) (*schema.Entity, error) {
	e, ok := a.registry.Get(name)
	if !ok {
		return nil, adapter.Validation("Unknown entity: %s", name)
	}
	return e, nil
}

// querier abstracts over *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// acquire returns the active transaction when one is open, otherwise a pooled
// handle plus its release function.
func (a *SQLAdapter) acquire() (querier, func(), error) {
	a.txMu.Lock()
	tx := a.tx
	a.txMu.Unlock()
	if tx != nil {
		return tx, func() {}, nil
	}
	conn, err := a.pool.Acquire()
	if err != nil {
		return nil, nil, err
	}
	return conn.DB(), conn.Release, nil
}

// Create inserts a new record and returns it as stored, including generated
// columns.
func (a *SQLAdapter) Create(ctx context.Context, entityName string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	q, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	explicitID := ""
	if a.opts.GenerateIDs {
		explicitID = uuid.NewString()
	}
	query, args := a.builder.InsertSQL(e, data, explicitID)

	if a.opts.Dialect.SupportsReturning() {
		record, err := a.queryOne(ctx, q, e, query, args)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, adapter.Internal("insert returned no row for %s", e.Name)
		}
		return record, nil
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, MapError(a.opts.Dialect, err)
	}
	return a.readWith(ctx, q, e, explicitID)
}

// Read fetches one record by primary key.
func (a *SQLAdapter) Read(ctx context.Context, entityName, id string) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}
	q, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return a.readWith(ctx, q, e, id)
}

func (a *SQLAdapter) readWith(ctx context.Context, q querier, e *schema.Entity, id string) (adapter.Record, error) {
	record, err := a.queryOne(ctx, q, e, a.builder.SelectByIDSQL(e), []interface{}{id})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	return record, nil
}

// Update applies a partial update and returns the stored record.
func (a *SQLAdapter) Update(ctx context.Context, entityName, id string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}
	query, args, err := a.builder.UpdateSQL(e, id, data)
	if err != nil {
		return nil, err
	}
	q, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if a.opts.Dialect.SupportsReturning() {
		record, err := a.queryOne(ctx, q, e, query, args)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, adapter.NotFound("%s not found: %s", e.Name, id)
		}
		return record, nil
	}

	// Zero affected rows is ambiguous on MySQL (missing row or no-op
	// update), so the read-back decides between record and NotFound.
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, MapError(a.opts.Dialect, err)
	}
	return a.readWith(ctx, q, e, id)
}

// Remove deletes by primary key, reporting whether a row was deleted.
func (a *SQLAdapter) Remove(ctx context.Context, entityName, id string) (bool, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, adapter.Validation("empty id for %s", e.Name)
	}
	q, release, err := a.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	result, err := q.ExecContext(ctx, a.builder.DeleteSQL(e), id)
	if err != nil {
		return false, MapError(a.opts.Dialect, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, MapError(a.opts.Dialect, err)
	}
	return n > 0, nil
}

// List returns one page of records matching the filter. Total is the full
// match count across all pages, from a separate COUNT query.
func (a *SQLAdapter) List(ctx context.Context, entityName string, opts adapter.ListOptions) (*adapter.ListResult, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()
	q, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	query, args := a.builder.ListSQL(e, opts)
	items, err := a.queryAll(ctx, q, e, query, args)
	if err != nil {
		return nil, err
	}
	total, err := a.countWith(ctx, q, e, opts.Filter)
	if err != nil {
		return nil, err
	}
	return &adapter.ListResult{
		Items: items,
		Total: total,
		Page:  opts.Page,
		Limit: opts.Limit,
	}, nil
}

// CreateMany inserts records one by one, returning the number inserted. The
// first failure aborts the batch.
func (a *SQLAdapter) CreateMany(ctx context.Context, entityName string, records []adapter.Record) (int, error) {
	count := 0
	for _, record := range records {
		if _, err := a.Create(ctx, entityName, record); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// UpdateMany applies a partial update to every record matching the filter.
func (a *SQLAdapter) UpdateMany(ctx context.Context, entityName string, filter, data adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	query, args, err := a.builder.UpdateManySQL(e, filter, data)
	if err != nil {
		return 0, err
	}
	q, release, err := a.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, MapError(a.opts.Dialect, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(a.opts.Dialect, err)
	}
	return int(n), nil
}

// DeleteMany deletes every record matching the filter. An empty filter
// deletes all records of the entity.
func (a *SQLAdapter) DeleteMany(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	q, release, err := a.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	query, args := a.builder.DeleteManySQL(e, filter)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, MapError(a.opts.Dialect, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(a.opts.Dialect, err)
	}
	return int(n), nil
}

// FindFirst returns the first record matching the filter.
func (a *SQLAdapter) FindFirst(ctx context.Context, entityName string, filter adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	q, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	query, args := a.builder.FindFirstSQL(e, filter)
	record, err := a.queryOne(ctx, q, e, query, args)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, adapter.NotFound("%s not found", e.Name)
	}
	return record, nil
}

// FindByField returns the first record whose field equals value.
func (a *SQLAdapter) FindByField(ctx context.Context, entityName, field string, value interface{}) (adapter.Record, error) {
	return a.FindFirst(ctx, entityName, adapter.Record{field: value})
}

// Upsert updates the record matching uniqueField=uniqueValue or creates one.
func (a *SQLAdapter) Upsert(ctx context.Context, entityName, uniqueField string, uniqueValue interface{}, createData, updateData adapter.Record) (adapter.Record, error) {
	return adapter.Upsert(ctx, a, entityName, uniqueField, uniqueValue, createData, updateData)
}

// Count returns the number of records matching the filter.
func (a *SQLAdapter) Count(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	q, release, err := a.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	return a.countWith(ctx, q, e, filter)
}

func (a *SQLAdapter) countWith(ctx context.Context, q querier, e *schema.Entity, filter adapter.Record) (int, error) {
	query, args := a.builder.CountSQL(e, filter)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, MapError(a.opts.Dialect, err)
	}
	defer rows.Close()

	count := 0
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, MapError(a.opts.Dialect, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, MapError(a.opts.Dialect, err)
	}
	return count, nil
}

// AvailableEntities returns the sorted canonical entity names.
func (a *SQLAdapter) AvailableEntities() []string {
	return a.registry.Available()
}

// EntitySchema returns the normalised schema of one entity.
func (a *SQLAdapter) EntitySchema(entityName string) (*schema.Entity, error) {
	return a.entity(entityName)
}

// SupportsNativeTransactions reports true for all SQL engines.
func (a *SQLAdapter) SupportsNativeTransactions() bool {
	return true
}

// BeginTransaction opens a native transaction. At most one may be active.
func (a *SQLAdapter) BeginTransaction(ctx context.Context) error {
	a.txMu.Lock()
	defer a.txMu.Unlock()
	if a.tx != nil {
		return adapter.Internal("transaction already in progress")
	}
	conn, err := a.pool.Acquire()
	if err != nil {
		return err
	}
	tx, err := conn.DB().BeginTx(ctx, nil)
	if err != nil {
		conn.Release()
		return MapError(a.opts.Dialect, err)
	}
	a.tx = tx
	a.txConn = conn
	return nil
}

// CommitTransaction commits the active transaction.
func (a *SQLAdapter) CommitTransaction(ctx context.Context) error {
	a.txMu.Lock()
	defer a.txMu.Unlock()
	if a.tx == nil {
		return adapter.Internal("no active transaction")
	}
	err := a.tx.Commit()
	a.txConn.Release()
	a.tx, a.txConn = nil, nil
	if err != nil {
		return MapError(a.opts.Dialect, err)
	}
	return nil
}

// RollbackTransaction rolls back the active transaction.
func (a *SQLAdapter) RollbackTransaction(ctx context.Context) error {
	a.txMu.Lock()
	defer a.txMu.Unlock()
	if a.tx == nil {
		return adapter.Internal("no active transaction")
	}
	err := a.tx.Rollback()
	a.txConn.Release()
	a.tx, a.txConn = nil, nil
	if err != nil {
		return MapError(a.opts.Dialect, err)
	}
	return nil
}

// Close rolls back any active transaction and closes the pool. Idempotent.
func (a *SQLAdapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	a.txMu.Lock()
	if a.tx != nil {
		a.log.Warnw("closing adapter with active transaction, rolling back")
		if err := a.tx.Rollback(); err != nil {
			a.log.Warnw("error rolling back transaction on close", "error", err)
		}
		a.txConn.Release()
		a.tx, a.txConn = nil, nil
	}
	a.txMu.Unlock()

	return a.pool.Close()
}

// queryOne runs a query expected to yield at most one row. A missing row
// returns (nil, nil) so callers can attach entity context to the NotFound.
func (a *SQLAdapter) queryOne(ctx context.Context, q querier, e *schema.Entity, query string, args []interface{}) (adapter.Record, error) {
	records, err := a.queryAll(ctx, q, e, query, args)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (a *SQLAdapter) queryAll(ctx context.Context, q querier, e *schema.Entity, query string, args []interface{}) ([]adapter.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(a.opts.Dialect, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, MapError(a.opts.Dialect, err)
	}

	records := make([]adapter.Record, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		targets := make([]interface{}, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, MapError(a.opts.Dialect, err)
		}
		records = append(records, RowToRecord(e, columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(a.opts.Dialect, err)
	}
	return records, nil
}
