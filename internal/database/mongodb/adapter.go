// Package mongodb implements the storage contract over MongoDB. Each entity
// maps to a collection; the record id is stored as the document _id.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/metabuilder/dbal/pkg/adapter"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

// DefaultDatabase is used when the connection URL names no database.
const DefaultDatabase = "metabuilder"

// Adapter is the MongoDB implementation of the storage contract.
type Adapter struct {
	client   *mongo.Client
	db       *mongo.Database
	registry *schema.Registry
	saga     *adapter.CompensatingTransaction
	log      *logger.Logger

	closeMu sync.Mutex
	closed  bool
}

// NewAdapter connects to MongoDB, loads the schemas and ensures the declared
// indexes exist.
func NewAdapter(ctx context.Context, cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Named("mongodb")

	entities, err := schema.NewLoader(log).LoadDirectory(cfg.SchemaDir)
	if err != nil {
		return nil, adapter.Internal("error loading schemas: %v", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(buildURI(cfg)))
	if err != nil {
		return nil, adapter.Database(err, "error connecting to mongodb: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, mapError(err)
	}

	a := &Adapter{
		client:   client,
		db:       client.Database(cfg.DatabaseOr(DefaultDatabase)),
		registry: schema.NewRegistry(entities),
		log:      log,
	}
	a.saga = adapter.NewCompensatingTransaction(a, log)

	a.ensureIndexes(ctx, entities)
	log.Infow("adapter ready", "entities", a.registry.Len(), "database", a.db.Name())
	return a, nil
}

func buildURI(cfg adapter.ConnectionConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 27017
	}
	scheme := "mongodb"
	if cfg.Option("srv", "") == "true" {
		scheme = "mongodb+srv"
	}

	uri := scheme + "://"
	if cfg.Username != "" {
		uri += cfg.Username
		if cfg.Password != "" {
			uri += ":" + cfg.Password
		}
		uri += "@"
	}
	if scheme == "mongodb+srv" {
		uri += host
	} else {
		uri += fmt.Sprintf("%s:%d", host, port)
	}
	uri += "/" + cfg.DatabaseOr(DefaultDatabase)

	sep := "?"
	for k, v := range cfg.Options {
		if k == "srv" {
			continue
		}
		uri += sep + k + "=" + v
		sep = "&"
	}
	return uri
}

// ensureIndexes creates the declared secondary indexes. Failures warn and
// move on; the index may already exist with a different definition.
func (a *Adapter) ensureIndexes(ctx context.Context, entities []schema.Entity) {
	for i := range entities {
		e := &entities[i]
		var models []mongo.IndexModel
		for _, idx := range e.Indexes {
			keys := bson.D{}
			for _, f := range idx.Fields {
				keys = append(keys, bson.E{Key: f, Value: 1})
			}
			models = append(models, mongo.IndexModel{
				Keys:    keys,
				Options: options.Index().SetUnique(idx.Unique),
			})
		}
		for _, f := range e.Fields {
			if f.Unique && !f.Primary {
				models = append(models, mongo.IndexModel{
					Keys:    bson.D{{Key: f.Name, Value: 1}},
					Options: options.Index().SetUnique(true),
				})
			}
		}
		if len(models) == 0 {
			continue
		}
		if _, err := a.db.Collection(e.Name).Indexes().CreateMany(ctx, models); err != nil {
			a.log.Warnw("error creating indexes", "entity", e.Name, "error", err)
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

func (a *Adapter) collection(e *schema.Entity) *mongo.Collection {
	return a.db.Collection(e.Name)
}

// Create inserts a new document, generating id and createdAt when absent.
func (a *Adapter) Create(ctx context.Context, entityName string, data adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}

	doc := toDocument(e, data)
	id, _ := doc["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		doc["_id"] = id
	}
	if e.HasField("createdAt") {
		if _, ok := doc["createdAt"]; !ok {
			doc["createdAt"] = time.Now().Unix()
		}
	}

	if _, err := a.collection(e).InsertOne(ctx, doc); err != nil {
		return nil, mapError(err)
	}
	a.saga.RecordCreate(e.Name, id)
	return fromDocument(doc), nil
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

	var doc bson.M
	err = a.collection(e).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return fromDocument(doc), nil
}

// Update applies a partial update and returns the stored document.
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

	delta := toDocument(e, data)
	delete(delta, "_id")
	delete(delta, "createdAt")
	if len(delta) == 0 {
		return a.Read(ctx, entityName, id)
	}

	result, err := a.collection(e).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": delta})
	if err != nil {
		return nil, mapError(err)
	}
	if result.MatchedCount == 0 {
		return nil, adapter.NotFound("%s not found: %s", e.Name, id)
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

	result, err := a.collection(e).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, mapError(err)
	}
	if result.DeletedCount == 0 {
		return false, nil
	}
	if previous != nil {
		a.saga.RecordDelete(e.Name, previous)
	}
	return true, nil
}

// List returns one page of documents matching the filter, newest first.
func (a *Adapter) List(ctx context.Context, entityName string, opts adapter.ListOptions) (*adapter.ListResult, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()
	filter := toFilter(e, opts.Filter)

	col := a.collection(e)
	total, err := col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, mapError(err)
	}

	findOpts := options.Find().
		SetSort(sortDocument(e, opts.Sort)).
		SetSkip(int64(opts.Offset())).
		SetLimit(int64(opts.Limit))
	cursor, err := col.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	items := make([]adapter.Record, 0)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, mapError(err)
		}
		items = append(items, fromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, mapError(err)
	}

	return &adapter.ListResult{Items: items, Total: int(total), Page: opts.Page, Limit: opts.Limit}, nil
}

// CreateMany inserts documents one by one so each gets its own generated id
// and undo record. The first failure aborts the batch.
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

// UpdateMany applies a partial update to every document matching the filter.
func (a *Adapter) UpdateMany(ctx context.Context, entityName string, filter, data adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	delta := toDocument(e, data)
	delete(delta, "_id")
	delete(delta, "createdAt")
	if len(delta) == 0 {
		return 0, adapter.Validation("no fields to update")
	}

	result, err := a.collection(e).UpdateMany(ctx, toFilter(e, filter), bson.M{"$set": delta})
	if err != nil {
		return 0, mapError(err)
	}
	return int(result.ModifiedCount), nil
}

// DeleteMany deletes every document matching the filter.
func (a *Adapter) DeleteMany(ctx context.Context, entityName string, filter adapter.Record) (int, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return 0, err
	}
	result, err := a.collection(e).DeleteMany(ctx, toFilter(e, filter))
	if err != nil {
		return 0, mapError(err)
	}
	return int(result.DeletedCount), nil
}

// FindFirst returns the first document matching the filter.
func (a *Adapter) FindFirst(ctx context.Context, entityName string, filter adapter.Record) (adapter.Record, error) {
	e, err := a.entity(entityName)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = a.collection(e).FindOne(ctx, toFilter(e, filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, adapter.NotFound("%s not found", e.Name)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return fromDocument(doc), nil
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
	n, err := a.collection(e).CountDocuments(ctx, toFilter(e, filter))
	if err != nil {
		return 0, mapError(err)
	}
	return int(n), nil
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

// Close rolls back any active saga and disconnects. Idempotent.
func (a *Adapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.saga.Close()
	return a.client.Disconnect(context.Background())
}

// orderKey translates the logical order field into its document key.
func orderKey(e *schema.Entity) string {
	f := e.OrderField()
	if f == e.PrimaryKey() {
		return "_id"
	}
	return f
}

// sortDocument compiles the sort spec into a bson.D, keys applied in sorted
// order and unknown fields skipped. Without entries the entity's order field
// descending is used.
func sortDocument(e *schema.Entity, spec map[string]string) bson.D {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		if e.HasField(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		direction := 1
		if strings.EqualFold(spec[k], "desc") {
			direction = -1
		}
		key := k
		if k == e.PrimaryKey() {
			key = "_id"
		}
		doc = append(doc, bson.E{Key: key, Value: direction})
	}
	if len(doc) == 0 {
		return bson.D{{Key: orderKey(e), Value: -1}}
	}
	return doc
}

// toDocument renames id to _id and keeps only schema fields.
func toDocument(e *schema.Entity, data adapter.Record) bson.M {
	doc := bson.M{}
	pk := e.PrimaryKey()
	for k, v := range data {
		if k == pk {
			doc["_id"] = v
			continue
		}
		if e.HasField(k) {
			doc[k] = normalizeValue(v)
		}
	}
	return doc
}

// toFilter maps a generic equality filter onto document keys.
func toFilter(e *schema.Entity, filter adapter.Record) bson.M {
	out := bson.M{}
	pk := e.PrimaryKey()
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if k == pk {
			key = "_id"
		}
		out[key] = normalizeValue(filter[k])
	}
	return out
}

// fromDocument renames _id back to id and normalises BSON scalar types.
func fromDocument(doc bson.M) adapter.Record {
	record := make(adapter.Record, len(doc))
	for k, v := range doc {
		if k == "_id" {
			k = "id"
		}
		record[k] = normalizeValue(v)
	}
	return record
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int32:
		return int64(val)
	case int:
		return int64(val)
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = normalizeValue(inner)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
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
	if mongo.IsDuplicateKeyError(err) {
		return adapter.Wrap(adapter.KindConflict, err, "unique constraint violation")
	}
	if mongo.IsTimeout(err) {
		return adapter.Wrap(adapter.KindInternal, err, "query timeout")
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// 13 Unauthorized, 18 AuthenticationFailed.
		if cmdErr.Code == 13 || cmdErr.Code == 18 {
			return adapter.Wrap(adapter.KindUnauthorized, err, "authentication failed")
		}
	}
	return adapter.Database(err, "%v", err)
}
