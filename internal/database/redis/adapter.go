// Package redis implements the storage contract over Redis. Each record is a
// hash under entity:<Entity>:<id>; a per-entity counter generates ids and a
// per-entity set indexes the ids for list and filter operations.
package redis

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

	"github.com/redis/go-redis/v9"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

// Adapter is the Redis implementation of the storage contract.
type Adapter struct {
	client   *redis.Client
	registry *schema.Registry
	saga     *adapter.CompensatingTransaction
	log      *logger.Logger

	closeMu sync.Mutex
	closed  bool
}

// NewAdapter connects to Redis and loads the schemas.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("redis")

	entities, err := schema.NewLoader(log).LoadDirectory(cfg.SchemaDir)
	if err != nil {
		return nil, adapter.Internal("error loading schemas: %v", err)
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	db := 0
	if cfg.Database != "" {
		if n, err := strconv.Atoi(cfg.Database); err == nil {
			db = n
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, mapError(err)
	}

	a := &Adapter{
		client:   client,
		registry: schema.NewRegistry(entities),
		log:      log,
	}
	a.saga = adapter.NewCompensatingTransaction(a, log)

	log.Infow("adapter ready", "entities", a.registry.Len(), "db", db)
	return a, nil
}

func (a *Adapter) entity(name string) (*schema.Entity, error) {
	e, ok := a.registry.Get(name)
	if !ok {
		return nil, adapter.Validation("Unknown entity: %s", name)
	}
	return e, nil
}

func recordKey(entity, id string) string {
	return fmt.Sprintf("entity:%s:%s", entity, id)
}

func counterKey(entity string) string {
	return fmt.Sprintf("entity:%s:counter", entity)
}

func indexKey(entity string) string {
	return fmt.Sprintf("entity:%s:index", entity)
}

// nextID generates the next sequential id for an entity, shaped like
// "u_00000042": the entity's first letter plus an eight-digit counter.
func (a *Adapter) nextID(ctx context.Context, entity string) (string, error) {
	n, err := a.client.Incr(ctx, counterKey(entity)).Result()
	if err != nil {
		return "", mapError(err)
	}
	prefix := strings.ToLower(entity[:1])
	return fmt.Sprintf("%s_%08d", prefix, n), nil
}

// Create stores a new hash and adds its id to the entity index set.
func (a *Adapter) Create(ctx context.Context, entityName string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}

	id, _ := data[e.PrimaryKey()].(string)
	if id == "" {
		id, err = a.nextID(ctx, e.Name)
		if err != nil {
			return nil, err
		}
	}

	fields := toHash(e, data)
	fields[e.PrimaryKey()] = id
	if e.HasField("createdAt") {
		if _, ok := fields["createdAt"]; !ok {
			fields["createdAt"] = strconv.FormatInt(time.Now().Unix(), 10)
		}
	}

	key := recordKey(e.Name, id)
	if err := a.client.HSet(ctx, key, fields).Err(); err != nil {
		return nil, mapError(err)
	}
	if err := a.client.SAdd(ctx, indexKey(e.Name), id).Err(); err != nil {
		return nil, mapError(err)
	}
	a.saga.RecordCreate(e.Name, id)
	return fromHash(e, fields), nil
}

// Read fetches one hash by id.
func (a *Adapter) Read(ctx context.Context, entityName, id string) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}

	fields, err := a.client.HGetAll(ctx, recordKey(e.Name, id)).Result()
	if err != nil {
		return nil, mapError(err)
	}
	if len(fields) == 0 {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	return fromHash(e, fields), nil
}

// Update overwrites the given hash fields and returns the stored record.
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

	delta := toHash(e, data)
	delete(delta, e.PrimaryKey())
	delete(delta, "createdAt")
	if len(delta) == 0 {
		return previous, nil
	}

	if err := a.client.HSet(ctx, recordKey(e.Name, id), delta).Err(); err != nil {
		return nil, mapError(err)
	}
	a.saga.RecordUpdate(e.Name, id, previous)
	return a.Read(ctx, entityName, id)
}

// Remove deletes the hash and its index entry, reporting whether it existed.
func (a *Adapter) Remove(ctx context.Context, entityName, id string) (bool, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, adapter.Validation("empty id for %s", e.Name)
	}

	var previous adapter.Record
	if a.saga.Active() {
		previous, _ = a.Read(ctx, entityName, id)
	}

	deleted, err := a.client.Del(ctx, recordKey(e.Name, id)).Result()
	if err != nil {
		return false, mapError(err)
	}
	if err := a.client.SRem(ctx, indexKey(e.Name), id).Err(); err != nil {
		return false, mapError(err)
	}
	if deleted == 0 {
		return false, nil
	}
	if previous != nil {
		a.saga.RecordDelete(e.Name, previous)
	}
	return true, nil
}

// List loads every indexed record, filters and sorts in memory and slices the
// requested page. Total counts all matches.
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

// findAll reads every record of an entity and keeps those matching the
// equality filter.
func (a *Adapter) findAll(ctx context.Context, e *schema.Entity, filter adapter.Record) ([]adapter.Record, error) {
	ids, err := a.client.SMembers(ctx, indexKey(e.Name)).Result()
	if err != nil {
		return nil, mapError(err)
	}
	sort.Strings(ids)

	matches := make([]adapter.Record, 0, len(ids))
	for _, id := range ids {
		fields, err := a.client.HGetAll(ctx, recordKey(e.Name, id)).Result()
		if err != nil {
			return nil, mapError(err)
		}
		if len(fields) == 0 {
			// Stale index entry; the hash was deleted out of band.
			continue
		}
		record := fromHash(e, fields)
		if matchesFilter(record, filter) {
			matches = append(matches, record)
		}
	}
	return matches, nil
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

// UpdateMany applies the delta to every record matching the filter.
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

// DeleteMany deletes every record matching the filter.
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

// FindFirst returns the first record matching the filter in id order.
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

// FindByField returns the first record whose field equals value.
func (a *Adapter) FindByField(ctx context.Context, entityName, field string, value interface{}) (adapter.Record, error) {
	return a.FindFirst(ctx, entityName, adapter.Record{field: value})
}

// Upsert updates the record matching uniqueField=uniqueValue or creates one.
func (a *Adapter) Upsert(ctx context.Context, entityName, uniqueField string, uniqueValue interface{}, createData, updateData adapter.Record) (adapter.Record, error) {
	return adapter.Upsert(ctx, a, entityName, uniqueField, uniqueValue, createData, updateData)
}

// Count returns the number of records matching the filter.
func (a *Adapter) Count(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		n, err := a.client.SCard(ctx, indexKey(e.Name)).Result()
		if err != nil {
			return 0, mapError(err)
		}
		return int(n), nil
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

// Close rolls back any active saga and closes the client. Idempotent.
func (a *Adapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.saga.Close()
	return a.client.Close()
}

// toHash stringifies the schema fields of a record for hash storage.
func toHash(e *schema.Entity, data adapter.Record) map[string]string {
	fields := make(map[string]string, len(data))
	for k, v := range data {
		if !e.HasField(k) {
			continue
		}
		if v == nil {
			continue
		}
		fields[k] = stringifyValue(v)
	}
	return fields
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// fromHash casts hash field strings back into JSON values per logical type.
func fromHash(e *schema.Entity, fields map[string]string) adapter.Record {
	record := make(adapter.Record, len(fields))
	for k, s := range fields {
		f, known := e.Field(k)
		if !known {
			record[k] = s
			continue
		}
		record[k] = castString(*f, s)
	}
	return record
}

func castString(f schema.Field, s string) interface{} {
	switch f.Type {
	case schema.TypeBoolean:
		switch s {
		case "1", "t", "true", "T", "TRUE":
			return true
		default:
			return false
		}
	case schema.TypeInteger, schema.TypeBigint, schema.TypeTimestamp:
		if s == "" && !f.Required {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case schema.TypeJSON:
		if s == "" {
			return nil
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return s
		}
		return parsed
	default:
		return s
	}
}

// matchesFilter applies equality predicates after normalising both sides to
// their string forms, so "42" matches 42.
func matchesFilter(record adapter.Record, filter adapter.Record) bool {
	for k, want := range filter {
		got, ok := record[k]
		if !ok {
			return false
		}
		if stringifyValue(got) != stringifyValue(want) {
			return false
		}
	}
	return true
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
	return strings.Compare(stringifyValue(a), stringifyValue(b))
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
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"):
		return adapter.Wrap(adapter.KindUnauthorized, err, "authentication failed")
	case errors.Is(err, context.DeadlineExceeded):
		return adapter.Wrap(adapter.KindInternal, err, "query timeout")
	default:
		return adapter.Database(err, "%v", err)
	}
}
