// Package elastic implements the storage contract over Elasticsearch. Each
// entity maps to an index named after the lower-cased entity; list compiles
// the equality filter into a bool/term query.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

// Adapter is the Elasticsearch implementation of the storage contract.
type Adapter struct {
	client   *elasticsearch.Client
	registry *schema.Registry
	saga     *adapter.CompensatingTransaction
	refresh  string
	log      *logger.Logger

	closeMu sync.Mutex
	closed  bool
}

// NewAdapter connects to Elasticsearch, loads the schemas and creates the
// per-entity indices with typed mappings.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("elasticsearch")

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
		port = 9200
	}
	scheme := "http"
	if cfg.Option("ssl", "") == "true" || cfg.Option("verify_certs", "") == "true" {
		scheme = "https"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{fmt.Sprintf("%s://%s:%d", scheme, host, port)},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, adapter.Database(err, "error creating elasticsearch client: %v", err)
	}

	a := &Adapter{
		client:   client,
		registry: schema.NewRegistry(entities),
		refresh:  cfg.Option("refresh", "true"),
		log:      log,
	}
	a.saga = adapter.NewCompensatingTransaction(a, log)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := esapi.PingRequest{}.Do(pingCtx, client)
	if err != nil {
		return nil, mapTransportError(err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, adapter.Database(nil, "elasticsearch ping failed: %s", res.Status())
	}

	if err := a.ensureIndices(ctx, entities); err != nil {
		return nil, err
	}

	log.Infow("adapter ready", "entities", a.registry.Len(), "refresh", a.refresh)
	return a, nil
}

// indexName returns the index for an entity: the lower-cased entity name.
func indexName(e *schema.Entity) string {
	return strings.ToLower(e.Name)
}

// ensureIndices creates each entity index with a typed mapping. An index that
// already exists is left untouched.
func (a *Adapter) ensureIndices(ctx context.Context, entities []schema.Entity) error {
	for i := range entities {
		e := &entities[i]

		properties := map[string]interface{}{}
		for _, f := range e.Fields {
			properties[f.Name] = fieldMapping(f)
		}
		body, err := json.Marshal(map[string]interface{}{
			"mappings": map[string]interface{}{"properties": properties},
		})
		if err != nil {
			return adapter.Internal("error building mapping for %s: %v", e.Name, err)
		}

		res, err := esapi.IndicesCreateRequest{
			Index: indexName(e),
			Body:  bytes.NewReader(body),
		}.Do(ctx, a.client)
		if err != nil {
			return mapTransportError(err)
		}
		payload, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.IsError() && !strings.Contains(string(payload), "resource_already_exists_exception") {
			return adapter.Database(nil, "error creating index %s: %s", indexName(e), string(payload))
		}
	}
	return nil
}

// fieldMapping maps a logical type to its Elasticsearch mapping. Strings are
// text with a keyword sub-field so they can be both searched and term-matched.
func fieldMapping(f schema.Field) map[string]interface{} {
	switch f.Type {
	case schema.TypeBigint, schema.TypeTimestamp:
		return map[string]interface{}{"type": "long"}
	case schema.TypeInteger:
		return map[string]interface{}{"type": "integer"}
	case schema.TypeBoolean:
		return map[string]interface{}{"type": "boolean"}
	case schema.TypeJSON:
		return map[string]interface{}{"type": "object", "enabled": true}
	case schema.TypeUUID, schema.TypeEnum:
		return map[string]interface{}{"type": "keyword"}
	default:
		return map[string]interface{}{
			"type": "text",
			"fields": map[string]interface{}{
				"keyword": map[string]interface{}{"type": "keyword", "ignore_above": 256},
			},
		}
	}
}

func (a *Adapter) entity(name string) (*schema.Entity, error) {
	e, ok := a.registry.Get(name)
	if !ok {
		return nil, adapter.Validation("Unknown entity: %s", name)
	}
	return e, nil
}

// Create indexes a new document, generating id and createdAt when absent.
func (a *Adapter) Create(ctx context.Context, entityName string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}

	doc := keepSchemaFields(e, data)
	id, _ := doc[e.PrimaryKey()].(string)
	if id == "" {
		id = uuid.NewString()
		doc[e.PrimaryKey()] = id
	}
	if e.HasField("createdAt") {
		if _, ok := doc["createdAt"]; !ok {
			doc["createdAt"] = time.Now().Unix()
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, adapter.Internal("error serialising document: %v", err)
	}
	res, err := esapi.IndexRequest{
		Index:      indexName(e),
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Refresh:    a.refresh,
	}.Do(ctx, a.client)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError(res)
	}

	a.saga.RecordCreate(e.Name, id)
	return doc, nil
}

// Read fetches one document by id.
func (a *Adapter) Read(ctx context.Context, entityName, id string) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}

	res, err := esapi.GetRequest{Index: indexName(e), DocumentID: id}.Do(ctx, a.client)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	if res.IsError() {
		return nil, responseError(res)
	}

	var envelope struct {
		Source adapter.Record `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, adapter.Internal("error decoding document: %v", err)
	}
	return normalizeRecord(e, envelope.Source), nil
}

// Update applies a partial document update and returns the stored document.
func (a *Adapter) Update(ctx context.Context, entityName, id string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, adapter.Validation("empty id for %s", e.Name)
	}

	var previous adapter.Record
	if a.saga.Active() {
		previous, _ = a.Read(ctx, entityName, id)
	}

	delta := keepSchemaFields(e, data)
	delete(delta, e.PrimaryKey())
	delete(delta, "createdAt")
	if len(delta) == 0 {
		return a.Read(ctx, entityName, id)
	}

	body, err := json.Marshal(map[string]interface{}{"doc": delta})
	if err != nil {
		return nil, adapter.Internal("error serialising update: %v", err)
	}
	res, err := esapi.UpdateRequest{
		Index:      indexName(e),
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Refresh:    a.refresh,
	}.Do(ctx, a.client)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	if res.IsError() {
		return nil, responseError(res)
	}

	if previous != nil {
		a.saga.RecordUpdate(e.Name, id, previous)
	}
	return a.Read(ctx, entityName, id)
}

// Remove deletes one document, reporting whether it existed.
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

	res, err := esapi.DeleteRequest{
		Index:      indexName(e),
		DocumentID: id,
		Refresh:    a.refresh,
	}.Do(ctx, a.client)
	if err != nil {
		return false, mapTransportError(err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return false, nil
	}
	if res.IsError() {
		return false, responseError(res)
	}

	if previous != nil {
		a.saga.RecordDelete(e.Name, previous)
	}
	return true, nil
}

// List runs a bool/term search over the filter, newest first.
func (a *Adapter) List(ctx context.Context, entityName string, opts adapter.ListOptions) (*adapter.ListResult, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	items, total, err := a.search(ctx, e, opts.Filter, opts.Sort, opts.Offset(), opts.Limit)
	if err != nil {
		return nil, err
	}
	return &adapter.ListResult{Items: items, Total: total, Page: opts.Page, Limit: opts.Limit}, nil
}

func (a *Adapter) search(ctx context.Context, e *schema.Entity, filter adapter.Record, sortSpec map[string]string, from, size int) ([]adapter.Record, int, error) {
	body := map[string]interface{}{
		"query": compileQuery(e, filter),
		"sort":  compileSort(e, sortSpec),
		"from":  from,
		"size":  size,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, adapter.Internal("error serialising query: %v", err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{indexName(e)},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, a.client)
	if err != nil {
		return nil, 0, mapTransportError(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, 0, responseError(res)
	}

	var envelope struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source adapter.Record `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, 0, adapter.Internal("error decoding search response: %v", err)
	}

	items := make([]adapter.Record, 0, len(envelope.Hits.Hits))
	for _, hit := range envelope.Hits.Hits {
		items = append(items, normalizeRecord(e, hit.Source))
	}
	return items, envelope.Hits.Total.Value, nil
}

// compileQuery builds a bool.must of term queries from the equality filter.
func compileQuery(e *schema.Entity, filter adapter.Record) map[string]interface{} {
	if len(filter) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{termKey(e, k): filter[k]},
		})
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{"must": must},
	}
}

// termKey appends .keyword for text-mapped fields so term queries match the
// exact value.
func termKey(e *schema.Entity, field string) string {
	f, ok := e.Field(field)
	if !ok {
		return field
	}
	switch f.Type {
	case schema.TypeString, schema.TypeEmail, schema.TypeText:
		return field + ".keyword"
	default:
		return field
	}
}

func sortKey(e *schema.Entity) string {
	return termKey(e, e.OrderField())
}

// compileSort builds the sort array from the sort spec, keys applied in
// sorted order and unknown fields skipped. Without entries the entity's order
// field descending is used. Text fields sort on their keyword subfield.
func compileSort(e *schema.Entity, spec map[string]string) []interface{} {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		if e.HasField(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	clauses := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		direction := "asc"
		if strings.EqualFold(spec[k], "desc") {
			direction = "desc"
		}
		clauses = append(clauses, map[string]interface{}{termKey(e, k): direction})
	}
	if len(clauses) == 0 {
		return []interface{}{map[string]interface{}{sortKey(e): "desc"}}
	}
	return clauses
}

// CreateMany indexes the batch with one NDJSON bulk request.
func (a *Adapter) CreateMany(ctx context.Context, entityName string, records []adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	ids := make([]string, 0, len(records))
	for _, record := range records {
		doc := keepSchemaFields(e, record)
		id, _ := doc[e.PrimaryKey()].(string)
		if id == "" {
			id = uuid.NewString()
			doc[e.PrimaryKey()] = id
		}
		if e.HasField("createdAt") {
			if _, ok := doc["createdAt"]; !ok {
				doc["createdAt"] = time.Now().Unix()
			}
		}
		ids = append(ids, id)

		action, _ := json.Marshal(map[string]interface{}{
			"index": map[string]interface{}{"_index": indexName(e), "_id": id},
		})
		source, err := json.Marshal(doc)
		if err != nil {
			return 0, adapter.Internal("error serialising document: %v", err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(source)
		buf.WriteByte('\n')
	}

	res, err := esapi.BulkRequest{Body: &buf, Refresh: a.refresh}.Do(ctx, a.client)
	if err != nil {
		return 0, mapTransportError(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res)
	}

	var envelope struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return 0, adapter.Internal("error decoding bulk response: %v", err)
	}

	count := 0
	for i, item := range envelope.Items {
		for _, result := range item {
			if result.Status < 300 {
				a.saga.RecordCreate(e.Name, ids[i])
				count++
			}
		}
	}
	if envelope.Errors && count < len(records) {
		return count, adapter.Database(nil, "bulk insert indexed %d of %d documents", count, len(records))
	}
	return count, nil
}

// UpdateMany applies the delta to every document matching the filter.
func (a *Adapter) UpdateMany(ctx context.Context, entityName string, filter, data adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	matches, _, err := a.search(ctx, e, filter, nil, 0, 10000)
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

// DeleteMany deletes every document matching the filter.
func (a *Adapter) DeleteMany(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	matches, _, err := a.search(ctx, e, filter, nil, 0, 10000)
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

// FindFirst returns the first document matching the filter.
func (a *Adapter) FindFirst(ctx context.Context, entityName string, filter adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	matches, _, err := a.search(ctx, e, filter, nil, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, adapter.NotFound("%s not found", e.Name)
	}
	return matches[0], nil
}

// FindByField returns the first document whose field equals value.
func (a *Adapter) FindByField(ctx context.Context, entityName, field string, value interface{}) (adapter.Record, error) {
	return a.FindFirst(ctx, entityName, adapter.Record{field: value})
}

// Upsert updates the document matching uniqueField=uniqueValue or creates one.
func (a *Adapter) Upsert(ctx context.Context, entityName, uniqueField string, uniqueValue interface{}, createData, updateData adapter.Record) (adapter.Record, error) {
	return adapter.Upsert(ctx, a, entityName, uniqueField, uniqueValue, createData, updateData)
}

// Count returns the number of documents matching the filter.
func (a *Adapter) Count(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	_, total, err := a.search(ctx, e, filter, nil, 0, 0)
	if err != nil {
		return 0, err
	}
	return total, nil
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

// Close rolls back any active saga. The HTTP transport holds no resources
// needing release. Idempotent.
func (a *Adapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.saga.Close()
	return nil
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

// normalizeRecord casts decoded JSON numbers onto the schema's integer types.
func normalizeRecord(e *schema.Entity, record adapter.Record) adapter.Record {
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

func responseError(res *esapi.Response) error {
	payload, _ := io.ReadAll(res.Body)
	msg := string(payload)
	switch {
	case res.StatusCode == 401 || res.StatusCode == 403:
		return adapter.NewError(adapter.KindUnauthorized, "authentication failed: %s", res.Status())
	case res.StatusCode == 409 || strings.Contains(msg, "version_conflict"):
		return adapter.Conflict("document version conflict")
	default:
		return adapter.Database(nil, "elasticsearch error %s: %s", res.Status(), msg)
	}
}

func mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return adapter.Wrap(adapter.KindInternal, err, "query timeout")
	}
	return adapter.Wrap(adapter.KindInternal, err, "connection lost")
}
