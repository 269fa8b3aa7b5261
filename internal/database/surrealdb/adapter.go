// Package surrealdb implements the storage contract over SurrealDB's HTTP
// API: one signin for a bearer token, then key endpoints for CRUD and /sql
// for SurrealQL queries. Namespace and database travel as NS/DB headers.
package surrealdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

// Defaults applied when the connection URL leaves them out.
const (
	DefaultNamespace = "metabuilder"
	DefaultDatabase  = "metabuilder"
)

// Adapter is the SurrealDB implementation of the storage contract.
type Adapter struct {
	baseURL   string
	namespace string
	database  string
	token     string
	http      *http.Client
	registry  *schema.Registry
	saga      *adapter.CompensatingTransaction
	log       *logger.Logger

	closeMu sync.Mutex
	closed  bool
}

// queryResult is one statement result in a SurrealDB response array.
type queryResult struct {
	Status string          `json:"status"`
	Detail string          `json:"detail"`
	Result json.RawMessage `json:"result"`
}

// NewAdapter signs in to SurrealDB and loads the schemas.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("surrealdb")

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
		port = 8000
	}
	scheme := "http"
	if cfg.Option("ssl", "") == "true" {
		scheme = "https"
	}

	a := &Adapter{
		baseURL:   fmt.Sprintf("%s://%s:%d", scheme, host, port),
		namespace: cfg.Option("ns", DefaultNamespace),
		database:  cfg.DatabaseOr(DefaultDatabase),
		http:      &http.Client{Timeout: 30 * time.Second},
		registry:  schema.NewRegistry(entities),
		log:       log,
	}
	a.saga = adapter.NewCompensatingTransaction(a, log)

	if err := a.signin(ctx, cfg.Username, cfg.Password); err != nil {
		return nil, err
	}

	log.Infow("adapter ready", "entities", a.registry.Len(),
		"namespace", a.namespace, "database", a.database)
	return a, nil
}

// signin exchanges root credentials for a bearer token.
func (a *Adapter) signin(ctx context.Context, user, pass string) error {
	body, _ := json.Marshal(map[string]string{"user": user, "pass": pass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/signin", bytes.NewReader(body))
	if err != nil {
		return adapter.Internal("error building signin request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := a.http.Do(req)
	if err != nil {
		return adapter.Wrap(adapter.KindInternal, err, "connection lost")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.Unauthorized("authentication failed: %s", res.Status)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return adapter.Internal("error decoding signin response: %v", err)
	}
	if payload.Token == "" {
		return adapter.Unauthorized("authentication failed: empty token")
	}
	a.token = payload.Token
	return nil
}

// do issues one authenticated request and returns the first statement result.
func (a *Adapter) do(ctx context.Context, method, path string, body []byte) (*queryResult, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, adapter.Internal("error building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("NS", a.namespace)
	req.Header.Set("DB", a.database)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost && path == "/sql" {
		req.Header.Set("Content-Type", "text/plain")
	}

	res, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, adapter.Wrap(adapter.KindInternal, err, "query timeout")
		}
		return nil, adapter.Wrap(adapter.KindInternal, err, "connection lost")
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, adapter.Internal("error reading response: %v", err)
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return nil, adapter.Unauthorized("authentication failed: %s", res.Status)
	}
	if res.StatusCode >= 400 {
		return nil, adapter.Database(nil, "surrealdb error %s: %s", res.Status, string(payload))
	}

	var results []queryResult
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, adapter.Internal("error decoding response: %v", err)
	}
	if len(results) == 0 {
		return &queryResult{Status: "OK", Result: json.RawMessage("[]")}, nil
	}
	first := results[0]
	if first.Status != "OK" {
		return nil, adapter.Database(nil, "surrealdb statement failed: %s", first.Detail)
	}
	return &first, nil
}

// sql runs one SurrealQL statement and decodes its result rows.
func (a *Adapter) sql(ctx context.Context, statement string) ([]adapter.Record, error) {
	result, err := a.do(ctx, http.MethodPost, "/sql", []byte(statement))
	if err != nil {
		return nil, err
	}
	var rows []adapter.Record
	if err := json.Unmarshal(result.Result, &rows); err != nil {
		return nil, adapter.Internal("error decoding rows: %v", err)
	}
	return rows, nil
}

func tableName(e *schema.Entity) string {
	return strings.ToLower(e.Name)
}

func (a *Adapter) entity(name string) (*schema.Entity, error) {
	e, ok := a.registry.Get(name)
	if !ok {
		return nil, adapter.Validation("Unknown entity: %s", name)
	}
	return e, nil
}

// Create stores a new record under /key/<table>/<id>.
func (a *Adapter) Create(ctx context.Context, entityName string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}

	doc := keepSchemaFields(e, data)
	id, _ := doc[e.PrimaryKey()].(string)
	if id == "" {
		id = uuid.NewString()
	}
	delete(doc, e.PrimaryKey())
	if e.HasField("createdAt") {
		if _, ok := doc["createdAt"]; !ok {
			doc["createdAt"] = time.Now().Unix()
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, adapter.Internal("error serialising record: %v", err)
	}
	result, err := a.do(ctx, http.MethodPut, recordPath(e, id), body)
	if err != nil {
		return nil, err
	}

	rows, err := decodeRows(result)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, adapter.Internal("create returned no record for %s", e.Name)
	}
	a.saga.RecordCreate(e.Name, id)
	return normalizeRecord(e, rows[0]), nil
}

// Read fetches one record by id.
func (a *Adapter) Read(ctx context.Context, entityName, id string) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}

	result, err := a.do(ctx, http.MethodGet, recordPath(e, id), nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(result)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	return normalizeRecord(e, rows[0]), nil
}

// Update merges the delta into the stored record via PATCH-like UPDATE MERGE.
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

	delta := keepSchemaFields(e, data)
	delete(delta, e.PrimaryKey())
	delete(delta, "createdAt")
	if len(delta) == 0 {
		return previous, nil
	}

	statement := fmt.Sprintf("UPDATE %s MERGE %s;",
		recordRef(e, id), mustJSON(delta))
	rows, err := a.sql(ctx, statement)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	a.saga.RecordUpdate(e.Name, id, previous)
	return normalizeRecord(e, rows[0]), nil
}

// Remove deletes one record, reporting whether it existed.
func (a *Adapter) Remove(ctx context.Context, entityName, id string) (bool, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, adapter.Validation("empty id for %s", e.Name)
	}

	previous, err := a.Read(ctx, entityName, id)
	if adapter.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := a.do(ctx, http.MethodDelete, recordPath(e, id), nil); err != nil {
		return false, err
	}
	a.saga.RecordDelete(e.Name, previous)
	return true, nil
}

// List runs a SurrealQL SELECT with the equality filter, newest first.
func (a *Adapter) List(ctx context.Context, entityName string, opts adapter.ListOptions) (*adapter.ListResult, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	where := compileWhere(opts.Filter)
	statement := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s LIMIT %d START %d;",
		tableName(e), where, compileOrder(e, opts.Sort), opts.Limit, opts.Offset())
	rows, err := a.sql(ctx, statement)
	if err != nil {
		return nil, err
	}

	total, err := a.Count(ctx, entityName, opts.Filter)
	if err != nil {
		return nil, err
	}

	items := make([]adapter.Record, 0, len(rows))
	for _, row := range rows {
		items = append(items, normalizeRecord(e, row))
	}
	return &adapter.ListResult{Items: items, Total: total, Page: opts.Page, Limit: opts.Limit}, nil
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

// UpdateMany merges the delta into every record matching the filter.
func (a *Adapter) UpdateMany(ctx context.Context, entityName string, filter, data adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	delta := keepSchemaFields(e, data)
	delete(delta, e.PrimaryKey())
	delete(delta, "createdAt")
	if len(delta) == 0 {
		return 0, adapter.Validation("no fields to update")
	}

	statement := fmt.Sprintf("UPDATE %s MERGE %s%s;",
		tableName(e), mustJSON(delta), compileWhere(filter))
	rows, err := a.sql(ctx, statement)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// DeleteMany deletes every record matching the filter.
func (a *Adapter) DeleteMany(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	total, err := a.Count(ctx, entityName, filter)
	if err != nil {
		return 0, err
	}
	statement := fmt.Sprintf("DELETE FROM %s%s;", tableName(e), compileWhere(filter))
	if _, err := a.sql(ctx, statement); err != nil {
		return 0, err
	}
	return total, nil
}

// FindFirst returns the first record matching the filter.
func (a *Adapter) FindFirst(ctx context.Context, entityName string, filter adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	statement := fmt.Sprintf("SELECT * FROM %s%s LIMIT 1;", tableName(e), compileWhere(filter))
	rows, err := a.sql(ctx, statement)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, adapter.NotFound("%s not found", e.Name)
	}
	return normalizeRecord(e, rows[0]), nil
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
	statement := fmt.Sprintf("SELECT count() FROM %s%s GROUP ALL;", tableName(e), compileWhere(filter))
	rows, err := a.sql(ctx, statement)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if n, ok := rows[0]["count"].(float64); ok {
		return int(n), nil
	}
	return 0, nil
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

// Close rolls back any active saga and drops the token. Idempotent.
func (a *Adapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.saga.Close()
	a.token = ""
	a.http.CloseIdleConnections()
	return nil
}

func recordPath(e *schema.Entity, id string) string {
	return "/key/" + tableName(e) + "/" + id
}

func recordRef(e *schema.Entity, id string) string {
	return fmt.Sprintf("%s:`%s`", tableName(e), id)
}

// compileWhere builds an ANDed equality clause, keys sorted for determinism.
// Values are embedded as JSON literals, which SurrealQL accepts verbatim.
func compileWhere(filter adapter.Record) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	predicates := make([]string, 0, len(keys))
	for _, k := range keys {
		predicates = append(predicates, fmt.Sprintf("%s = %s", k, mustJSON(filter[k])))
	}
	return " WHERE " + strings.Join(predicates, " AND ")
}

// compileOrder builds the ORDER BY list from the sort spec, keys applied in
// sorted order and unknown fields skipped. Without sort entries the entity's
// order field descending is used.
func compileOrder(e *schema.Entity, spec map[string]string) string {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		if e.HasField(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		direction := "ASC"
		if strings.EqualFold(spec[k], "desc") {
			direction = "DESC"
		}
		parts = append(parts, k+" "+direction)
	}
	if len(parts) == 0 {
		return e.OrderField() + " DESC"
	}
	return strings.Join(parts, ", ")
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// decodeRows unwraps a key-endpoint result, which may be a single object or
// an array of objects.
func decodeRows(result *queryResult) ([]adapter.Record, error) {
	raw := bytes.TrimSpace(result.Result)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '{' {
		var row adapter.Record
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, adapter.Internal("error decoding record: %v", err)
		}
		return []adapter.Record{row}, nil
	}
	var rows []adapter.Record
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, adapter.Internal("error decoding records: %v", err)
	}
	return rows, nil
}

// keepSchemaFields copies the keys that exist in the schema.
func keepSchemaFields(e *schema.Entity, data adapter.Record) adapter.Record {
	out := make(adapter.Record, len(data))
	for k, v := range data {
		if e.HasField(k) {
			out[k] = v
		}
	}
	return out
}

// normalizeRecord rewrites the SurrealDB record id ("table:uuid") back into
// the bare id and casts numbers onto the schema's integer types.
func normalizeRecord(e *schema.Entity, record adapter.Record) adapter.Record {
	pk := e.PrimaryKey()
	if raw, ok := record["id"].(string); ok {
		id := raw
		if i := strings.IndexByte(id, ':'); i >= 0 {
			id = strings.Trim(id[i+1:], "`⟨⟩")
		}
		delete(record, "id")
		record[pk] = id
	}
	for k, v := range record {
		f, ok := e.Field(k)
		if !ok {
			continue
		}
		switch f.Type {
		case schema.TypeInteger, schema.TypeBigint, schema.TypeTimestamp:
			if n, ok := v.(float64); ok {
				record[k] = int64(n)
			}
		}
	}
	return record
}
