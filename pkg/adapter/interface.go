package adapter

import (
	"context"

	"github.com/metabuilder/dbal/pkg/schema"
)

// Adapter is the generic storage contract. Every engine (PostgreSQL, MySQL,
// SQLite, MongoDB, Cassandra, Elasticsearch, Redis, SurrealDB) implements it.
//
// All operations are synchronous and may block on I/O. A non-nil error is
// always an *Error carrying one of the closed Kind values.
type Adapter interface {
	// CRUD operations.
	Create(ctx context.Context, entityName string, data Record) (Record, error)
	Read(ctx context.Context, entityName, id string) (Record, error)
	Update(ctx context.Context, entityName, id string, data Record) (Record, error)
	Remove(ctx context.Context, entityName, id string) (bool, error)
	List(ctx context.Context, entityName string, opts ListOptions) (*ListResult, error)

	// Bulk operations.
	CreateMany(ctx context.Context, entityName string, records []Record) (int, error)
	UpdateMany(ctx context.Context, entityName string, filter, data Record) (int, error)
	DeleteMany(ctx context.Context, entityName string, filter Record) (int, error)

	// Query operations.
	FindFirst(ctx context.Context, entityName string, filter Record) (Record, error)
	FindByField(ctx context.Context, entityName, field string, value interface{}) (Record, error)
	Upsert(ctx context.Context, entityName, uniqueField string, uniqueValue interface{}, createData, updateData Record) (Record, error)
	Count(ctx context.Context, entityName string, filter Record) (int, error)

	// Metadata.
	AvailableEntities() []string
	EntitySchema(entityName string) (*schema.Entity, error)

	// Transactions. Engines without native transactions provide compensating
	// (saga) semantics; at most one transaction is active per adapter.
	SupportsNativeTransactions() bool
	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	// Close releases all engine resources. It is idempotent.
	Close() error
}

// Upsert implements the uniform upsert contract on top of FindByField,
// Update and Create. Adapters may substitute an engine-native atomic upsert
// but must preserve these return semantics.
func Upsert(ctx context.Context, a Adapter, entityName, uniqueField string, uniqueValue interface{}, createData, updateData Record) (Record, error) {
	found, err := a.FindByField(ctx, entityName, uniqueField, uniqueValue)
	if err == nil {
		e, err := a.EntitySchema(entityName)
		if err != nil {
			return nil, err
		}
		id, _ := found[e.PrimaryKey()].(string)
		return a.Update(ctx, entityName, id, updateData)
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return a.Create(ctx, entityName, createData)
}
