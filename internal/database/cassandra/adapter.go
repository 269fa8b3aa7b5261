// Package cassandra implements the storage contract over Apache Cassandra.
// Each entity maps to a table keyed on id; filters compile to equality-only
// CQL with ALLOW FILTERING for non-indexed columns.
package cassandra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

// DefaultKeyspace is used when the connection URL names no keyspace.
const DefaultKeyspace = "metabuilder"

// Adapter is the Cassandra implementation of the storage contract.
type Adapter struct {
	session  *gocql.Session
	keyspace string
	registry *schema.Registry
	saga     *adapter.CompensatingTransaction
	log      *logger.Logger

	// Statement cache: built CQL by entity and operation. Entries are never
	// evicted, only dropped at Close.
	stmtMu sync.Mutex
	stmts  map[string]string

	closeMu sync.Mutex
	closed  bool
}

// NewAdapter connects to Cassandra, creates the keyspace and tables when
// missing and loads the schemas.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("cassandra")

	entities, err := schema.NewLoader(log).LoadDirectory(cfg.SchemaDir)
	if err != nil {
		return nil, adapter.Internal("error loading schemas: %v", err)
	}

	keyspace := cfg.DatabaseOr(DefaultKeyspace)
	if err := ensureKeyspace(cfg, keyspace); err != nil {
		return nil, err
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, mapError(err)
	}

	a := &Adapter{
		session:  session,
		keyspace: keyspace,
		registry: schema.NewRegistry(entities),
		log:      log,
		stmts:    make(map[string]string),
	}
	a.saga = adapter.NewCompensatingTransaction(a, log)

	if err := a.ensureTables(ctx, entities); err != nil {
		session.Close()
		return nil, err
	}

	log.Infow("adapter ready", "entities", a.registry.Len(), "keyspace", keyspace)
	return a, nil
}

func newCluster(cfg adapter.ConnectionConfig) *gocql.ClusterConfig {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	cluster := gocql.NewCluster(host)
	if cfg.Port != 0 {
		cluster.Port = cfg.Port
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	cluster.Timeout = 10 * time.Second
	cluster.Consistency = parseConsistency(cfg.Option("consistency", "quorum"))
	return cluster
}

func parseConsistency(name string) gocql.Consistency {
	switch strings.ToLower(name) {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "all":
		return gocql.All
	default:
		return gocql.Quorum
	}
}

func ensureKeyspace(cfg adapter.ConnectionConfig, keyspace string) error {
	cluster := newCluster(cfg)
	session, err := cluster.CreateSession()
	if err != nil {
		return mapError(err)
	}
	defer session.Close()

	stmt := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}",
		keyspace)
	if err := session.Query(stmt).Exec(); err != nil {
		return mapError(err)
	}
	return nil
}

// ensureTables creates the table and secondary indexes for every entity.
// Table failures are fatal, index failures warn.
func (a *Adapter) ensureTables(ctx context.Context, entities []schema.Entity) error {
	for i := range entities {
		e := &entities[i]

		var cols []string
		pk := e.PrimaryKey()
		for _, f := range e.Fields {
			col := fmt.Sprintf("%s %s", f.Name, columnType(f))
			if f.Name == pk {
				col += " PRIMARY KEY"
			}
			cols = append(cols, col)
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", e.Name, strings.Join(cols, ", "))
		if err := a.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return mapError(err)
		}

		for _, idx := range e.Indexes {
			// Cassandra secondary indexes are single-column.
			for _, field := range idx.Fields {
				name := strings.ToLower(fmt.Sprintf("idx_%s_%s", e.Name, field))
				stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, e.Name, field)
				if err := a.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
					a.log.Warnw("error creating index", "entity", e.Name, "field", field, "error", err)
				}
			}
		}
	}
	return nil
}

// columnType maps a logical type to its CQL column type. Identifiers are
// stored as text so client-generated UUID strings bind without conversion.
func columnType(f schema.Field) string {
	switch f.Type {
	case schema.TypeBigint, schema.TypeTimestamp:
		return "bigint"
	case schema.TypeInteger:
		return "int"
	case schema.TypeBoolean:
		return "boolean"
	default:
		return "text"
	}
}

// statement builds or reuses the cached CQL for an entity operation.
func (a *Adapter) statement(key string, build func() string) string {
	a.stmtMu.Lock()
	defer a.stmtMu.Unlock()
	if stmt, ok := a.stmts[key]; ok {
		return stmt
	}
	stmt := build()
	a.stmts[key] = stmt
	return stmt
}

func (a *Adapter) entity(name string) (*schema.Entity, error) {
	e, ok := a.registry.Get(name)
	if !ok {
		return nil, adapter.Validation("Unknown entity: %s", name)
	}
	return e, nil
}

// Create inserts a new row, generating id and createdAt when absent.
func (a *Adapter) Create(ctx context.Context, entityName string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}

	pk := e.PrimaryKey()
	values := toRow(e, data)
	id, _ := values[pk].(string)
	if id == "" {
		id = uuid.NewString()
		values[pk] = id
	}
	if e.HasField("createdAt") {
		if _, ok := values["createdAt"]; !ok {
			values["createdAt"] = time.Now().Unix()
		}
	}

	names := make([]string, 0, len(values))
	for _, f := range e.Fields {
		if _, ok := values[f.Name]; ok {
			names = append(names, f.Name)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", e.Name, strings.Join(names, ", "), placeholders)

	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = values[name]
	}
	if err := a.session.Query(stmt, args...).WithContext(ctx).Exec(); err != nil {
		return nil, mapError(err)
	}
	a.saga.RecordCreate(e.Name, id)
	return a.Read(ctx, entityName, id)
}

// Read fetches one row by primary key.
func (a *Adapter) Read(ctx context.Context, entityName, id string) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}

	stmt := a.statement("read:"+e.Name, func() string {
		return fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", e.Name, e.PrimaryKey())
	})
	row := map[string]interface{}{}
	if err := a.session.Query(stmt, id).WithContext(ctx).MapScan(row); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, adapter.NotFound("%s not found: %s", e.Name, id)
		}
		return nil, mapError(err)
	}
	return fromRow(e, row), nil
}

// Update overwrites the given columns. Cassandra UPDATE is an upsert, so a
// read establishes existence first.
func (a *Adapter) Update(ctx context.Context, entityName, id string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}

	previous, err := a.Read(ctx, entityName, id)
	if err != nil {
		return nil, err
	}

	values := toRow(e, data)
	delete(values, e.PrimaryKey())
	delete(values, "createdAt")
	if len(values) == 0 {
		return previous, nil
	}

	names := make([]string, 0, len(values))
	for _, f := range e.Fields {
		if _, ok := values[f.Name]; ok {
			names = append(names, f.Name)
		}
	}
	sets := make([]string, len(names))
	args := make([]interface{}, 0, len(names)+1)
	for i, name := range names {
		sets[i] = name + " = ?"
		args = append(args, values[name])
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", e.Name, strings.Join(sets, ", "), e.PrimaryKey())
	if err := a.session.Query(stmt, args...).WithContext(ctx).Exec(); err != nil {
		return nil, mapError(err)
	}
	a.saga.RecordUpdate(e.Name, id, previous)
	return a.Read(ctx, entityName, id)
}

// Remove deletes one row, reporting whether it existed.
func (a *Adapter) Remove(ctx context.Context, entityName, id string) (bool, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, adapter.Validation("empty id for %s", e.Name)
	}

	// Cassandra DELETE reports nothing, so existence is checked by reading.
	previous, err := a.Read(ctx, entityName, id)
	if adapter.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	stmt := a.statement("delete:"+e.Name, func() string {
		return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", e.Name, e.PrimaryKey())
	})
	if err := a.session.Query(stmt, id).WithContext(ctx).Exec(); err != nil {
		return false, mapError(err)
	}
	a.saga.RecordDelete(e.Name, previous)
	return true, nil
}

// List fetches matching rows, sorts by the order field descending in memory
// (CQL cannot order without a clustering key) and slices the page.
func (a *Adapter) List(ctx context.Context, entityName string, opts adapter.ListOptions) (*adapter.ListResult, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	matches, err := a.findAll(ctx, e, opts.Filter)
	if err != nil {
		return nil, err
	}

	sortRecords(matches, e, opts.Sort)

	total := len(matches)
	start := opts.Offset()
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}

	return &adapter.ListResult{
		Items: matches[start:end],
		Total: total,
		Page:  opts.Page,
		Limit: opts.Limit,
	}, nil
}

func (a *Adapter) findAll(ctx context.Context, e *schema.Entity, filter adapter.Record) ([]adapter.Record, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s", e.Name)
	var args []interface{}
	if len(filter) > 0 {
		keys := make([]string, 0, len(filter))
		for k := range filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		predicates := make([]string, len(keys))
		for i, k := range keys {
			predicates[i] = k + " = ?"
			f, _ := e.Field(k)
			var field schema.Field
			if f != nil {
				field = *f
			}
			args = append(args, coerceValue(field, filter[k]))
		}
		stmt += " WHERE " + strings.Join(predicates, " AND ") + " ALLOW FILTERING"
	}

	iter := a.session.Query(stmt, args...).WithContext(ctx).Iter()
	var records []adapter.Record
	for {
		row := map[string]interface{}{}
		if !iter.MapScan(row) {
			break
		}
		records = append(records, fromRow(e, row))
	}
	if err := iter.Close(); err != nil {
		return nil, mapError(err)
	}
	if records == nil {
		records = []adapter.Record{}
	}
	return records, nil
}

// CreateMany inserts records one by one. The first failure aborts the batch.
func (a *Adapter) CreateMany(ctx context.Context, entityName string, records []adapter.Record) (int, error) {
	count := 0
	for _, record := range records {
		if _, err := a.Create(ctx, entityName, record); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// UpdateMany applies the delta to every row matching the filter.
func (a *Adapter) UpdateMany(ctx context.Context, entityName string, filter, data adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	matches, err := a.findAll(ctx, e, filter)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, record := range matches {
		id, _ := record[e.PrimaryKey()].(string)
		if _, err := a.Update(ctx, entityName, id, data); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// DeleteMany deletes every row matching the filter.
func (a *Adapter) DeleteMany(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	matches, err := a.findAll(ctx, e, filter)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, record := range matches {
		id, _ := record[e.PrimaryKey()].(string)
		deleted, err := a.Remove(ctx, entityName, id)
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		}
	}
	return count, nil
}

// FindFirst returns the first row matching the filter.
func (a *Adapter) FindFirst(ctx context.Context, entityName string, filter adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	matches, err := a.findAll(ctx, e, filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, adapter.NotFound("%s not found", e.Name)
	}
	return matches[0], nil
}

// FindByField returns the first row whose field equals value.
func (a *Adapter) FindByField(ctx context.Context, entityName, field string, value interface{}) (adapter.Record, error) {
	return a.FindFirst(ctx, entityName, adapter.Record{field: value})
}

// Upsert updates the row matching uniqueField=uniqueValue or creates one.
func (a *Adapter) Upsert(ctx context.Context, entityName, uniqueField string, uniqueValue interface{}, createData, updateData adapter.Record) (adapter.Record, error) {
	return adapter.Upsert(ctx, a, entityName, uniqueField, uniqueValue, createData, updateData)
}

// Count returns the number of rows matching the filter.
func (a *Adapter) Count(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	matches, err := a.findAll(ctx, e, filter)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// AvailableEntities returns the sorted canonical entity names.
func (a *Adapter) AvailableEntities() []string {
	return a.registry.Available()
}

// EntitySchema returns the normalised schema of one entity.
func (a *Adapter) EntitySchema(entityName string) (*schema.Entity, error) {
	return a.entity(entityName)
}

// SupportsNativeTransactions reports false; transactions are compensating.
func (a *Adapter) SupportsNativeTransactions() bool {
	return false
}

// BeginTransaction starts a compensating transaction.
func (a *Adapter) BeginTransaction(ctx context.Context) error {
	return a.saga.Begin()
}

// CommitTransaction commits the compensating transaction.
func (a *Adapter) CommitTransaction(ctx context.Context) error {
	return a.saga.Commit()
}

// RollbackTransaction replays the undo log in reverse.
func (a *Adapter) RollbackTransaction(ctx context.Context) error {
	return a.saga.Rollback(ctx)
}

// Close rolls back any active saga, drops the statement cache and closes the
// session. Idempotent.
func (a *Adapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.saga.Close()

	a.stmtMu.Lock()
	a.stmts = make(map[string]string)
	a.stmtMu.Unlock()

	a.session.Close()
	return nil
}

// toRow coerces JSON values onto the typed CQL columns of the entity.
func toRow(e *schema.Entity, data adapter.Record) map[string]interface{} {
	row := make(map[string]interface{}, len(data))
	for k, v := range data {
		f, ok := e.Field(k)
		if !ok || v == nil {
			continue
		}
		row[k] = coerceValue(*f, v)
	}
	return row
}

func coerceValue(f schema.Field, v interface{}) interface{} {
	switch f.Type {
	case schema.TypeBigint, schema.TypeTimestamp:
		return toInt64(v)
	case schema.TypeInteger:
		return int(toInt64(v))
	case schema.TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val
		case string:
			return val == "true" || val == "1"
		default:
			return toInt64(v) != 0
		}
	case schema.TypeJSON:
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	default:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
}

func toInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int64:
		return val
	case float64:
		return int64(val)
	case json.Number:
		n, _ := val.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

// fromRow casts scanned CQL values back into JSON values.
func fromRow(e *schema.Entity, row map[string]interface{}) adapter.Record {
	record := make(adapter.Record, len(row))
	for k, v := range row {
		f, known := e.Field(k)
		if !known {
			record[k] = v
			continue
		}
		record[k] = castRowValue(*f, v)
	}
	return record
}

func castRowValue(f schema.Field, v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		if f.Type == schema.TypeBoolean {
			return val != 0
		}
		return int64(val)
	case int64:
		if f.Type == schema.TypeBoolean {
			return val != 0
		}
		return val
	case string:
		if f.Type == schema.TypeJSON && val != "" {
			var parsed interface{}
			if err := json.Unmarshal([]byte(val), &parsed); err == nil {
				return parsed
			}
		}
		if val == "" && !f.Required && f.Type != schema.TypeString && f.Type != schema.TypeText {
			return nil
		}
		return val
	default:
		return v
	}
}

// sortRecords orders matches by the sort spec, keys applied in sorted order
// and unknown fields skipped. Without sort entries the entity's order field
// descending is used.
func sortRecords(matches []adapter.Record, e *schema.Entity, sortSpec map[string]string) {
	keys := make([]string, 0, len(sortSpec))
	for k := range sortSpec {
		if e.HasField(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		orderField := e.OrderField()
		sort.SliceStable(matches, func(i, j int) bool {
			return compareValues(matches[i][orderField], matches[j][orderField]) > 0
		})
		return
	}

	sort.SliceStable(matches, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(matches[i][k], matches[j][k])
			if c == 0 {
				continue
			}
			if strings.EqualFold(sortSpec[k], "desc") {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders two record values for sorting: numbers numerically,
// everything else lexically.
func compareValues(a, b interface{}) int {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, gocql.ErrNotFound) {
		return adapter.NotFound("record not found")
	}
	if errors.Is(err, gocql.ErrTimeoutNoResponse) || errors.Is(err, context.DeadlineExceeded) {
		return adapter.Wrap(adapter.KindInternal, err, "query timeout")
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "Authentication"):
		return adapter.Wrap(adapter.KindUnauthorized, err, "authentication failed")
	case strings.Contains(msg, "no connections"), strings.Contains(msg, "unable to connect"):
		return adapter.Wrap(adapter.KindInternal, err, "connection lost")
	default:
		return adapter.Database(err, "%v", err)
	}
}
