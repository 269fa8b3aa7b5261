package adapter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabuilder/dbal/pkg/schema"
)

// memoryAdapter is a minimal in-memory adapter used to exercise the saga.
type memoryAdapter struct {
	pk      string
	records map[string]Record
	nextID  int
	saga    *CompensatingTransaction
	failOps map[string]bool
}

func newMemoryAdapter() *memoryAdapter {
	a := &memoryAdapter{
		pk:      "id",
		records: map[string]Record{},
		failOps: map[string]bool{},
	}
	a.saga = NewCompensatingTransaction(a, nil)
	return a
}

func key(entity, id string) string { return entity + "/" + id }

func (a *memoryAdapter) Create(ctx context.Context, entity string, data Record) (Record, error) {
	if a.failOps["create"] {
		return nil, Database(nil, "create failed")
	}
	id, _ := data[a.pk].(string)
	if id == "" {
		a.nextID++
		id = fmt.Sprintf("m_%08d", a.nextID)
	}
	record := Record{a.pk: id}
	for k, v := range data {
		record[k] = v
	}
	a.records[key(entity, id)] = record
	a.saga.RecordCreate(entity, id)
	return record, nil
}

func (a *memoryAdapter) Read(ctx context.Context, entity, id string) (Record, error) {
	record, ok := a.records[key(entity, id)]
	if !ok {
		return nil, NotFound("%s not found: %s", entity, id)
	}
	out := Record{}
	for k, v := range record {
		out[k] = v
	}
	return out, nil
}

func (a *memoryAdapter) Update(ctx context.Context, entity, id string, data Record) (Record, error) {
	if a.failOps["update"] {
		return nil, Database(nil, "update failed")
	}
	previous, err := a.Read(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	record := a.records[key(entity, id)]
	for k, v := range data {
		record[k] = v
	}
	a.saga.RecordUpdate(entity, id, previous)
	return a.Read(ctx, entity, id)
}

func (a *memoryAdapter) Remove(ctx context.Context, entity, id string) (bool, error) {
	if a.failOps["remove"] {
		return false, Database(nil, "remove failed")
	}
	previous, ok := a.records[key(entity, id)]
	if !ok {
		return false, nil
	}
	delete(a.records, key(entity, id))
	a.saga.RecordDelete(entity, previous)
	return true, nil
}

func (a *memoryAdapter) List(ctx context.Context, entity string, opts ListOptions) (*ListResult, error) {
	opts = opts.Normalize()
	items := []Record{}
	for k, record := range a.records {
		if len(k) >= len(entity) && k[:len(entity)] == entity {
			items = append(items, record)
		}
	}
	return &ListResult{Items: items, Total: len(items), Page: opts.Page, Limit: opts.Limit}, nil
}

func (a *memoryAdapter) CreateMany(ctx context.Context, entity string, records []Record) (int, error) {
	count := 0
	for _, record := range records {
		if _, err := a.Create(ctx, entity, record); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (a *memoryAdapter) UpdateMany(ctx context.Context, entity string, filter, data Record) (int, error) {
	return 0, NotSupported("memory", "updateMany")
}

func (a *memoryAdapter) DeleteMany(ctx context.Context, entity string, filter Record) (int, error) {
	return 0, NotSupported("memory", "deleteMany")
}

func (a *memoryAdapter) FindFirst(ctx context.Context, entity string, filter Record) (Record, error) {
	for k, record := range a.records {
		if len(k) < len(entity) || k[:len(entity)] != entity {
			continue
		}
		matched := true
		for fk, fv := range filter {
			if record[fk] != fv {
				matched = false
				break
			}
		}
		if matched {
			return a.Read(ctx, entity, record[a.pk].(string))
		}
	}
	return nil, NotFound("%s not found", entity)
}

func (a *memoryAdapter) FindByField(ctx context.Context, entity, field string, value interface{}) (Record, error) {
	return a.FindFirst(ctx, entity, Record{field: value})
}

func (a *memoryAdapter) Upsert(ctx context.Context, entity, uniqueField string, uniqueValue interface{}, createData, updateData Record) (Record, error) {
	return Upsert(ctx, a, entity, uniqueField, uniqueValue, createData, updateData)
}

func (a *memoryAdapter) Count(ctx context.Context, entity string, filter Record) (int, error) {
	result, _ := a.List(ctx, entity, ListOptions{})
	return result.Total, nil
}

func (a *memoryAdapter) AvailableEntities() []string { return nil }

func (a *memoryAdapter) EntitySchema(entity string) (*schema.Entity, error) {
	return &schema.Entity{
		Name:   entity,
		Fields: []schema.Field{{Name: a.pk, Type: schema.TypeUUID, Primary: true, Generated: true}},
	}, nil
}

func (a *memoryAdapter) SupportsNativeTransactions() bool { return false }

func (a *memoryAdapter) BeginTransaction(ctx context.Context) error { return a.saga.Begin() }

func (a *memoryAdapter) CommitTransaction(ctx context.Context) error { return a.saga.Commit() }

func (a *memoryAdapter) RollbackTransaction(ctx context.Context) error { return a.saga.Rollback(ctx) }

func (a *memoryAdapter) Close() error {
	a.saga.Close()
	return nil
}

var _ Adapter = (*memoryAdapter)(nil)

func TestSagaBeginTwiceFails(t *testing.T) {
	a := newMemoryAdapter()
	require.NoError(t, a.BeginTransaction(context.Background()))

	err := a.BeginTransaction(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "transaction already in progress", err.Error())
}

func TestSagaCommitWithoutBeginFails(t *testing.T) {
	a := newMemoryAdapter()
	assert.Error(t, a.CommitTransaction(context.Background()))
	assert.Error(t, a.RollbackTransaction(context.Background()))
}

func TestSagaRollbackUndoesCreates(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	require.NoError(t, a.BeginTransaction(ctx))
	first, err := a.Create(ctx, "User", Record{"email": "x"})
	require.NoError(t, err)
	second, err := a.Create(ctx, "User", Record{"email": "y"})
	require.NoError(t, err)

	require.NoError(t, a.RollbackTransaction(ctx))

	_, err = a.Read(ctx, "User", first["id"].(string))
	assert.True(t, IsNotFound(err))
	_, err = a.Read(ctx, "User", second["id"].(string))
	assert.True(t, IsNotFound(err))

	result, err := a.List(ctx, "User", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
}

func TestSagaRollbackRestoresUpdates(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	created, err := a.Create(ctx, "User", Record{"email": "before"})
	require.NoError(t, err)
	id := created["id"].(string)

	require.NoError(t, a.BeginTransaction(ctx))
	_, err = a.Update(ctx, "User", id, Record{"email": "after"})
	require.NoError(t, err)
	require.NoError(t, a.RollbackTransaction(ctx))

	record, err := a.Read(ctx, "User", id)
	require.NoError(t, err)
	assert.Equal(t, "before", record["email"])
}

func TestSagaRollbackRestoresDeletes(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	created, err := a.Create(ctx, "User", Record{"email": "keep"})
	require.NoError(t, err)
	id := created["id"].(string)

	require.NoError(t, a.BeginTransaction(ctx))
	deleted, err := a.Remove(ctx, "User", id)
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, a.RollbackTransaction(ctx))

	record, err := a.Read(ctx, "User", id)
	require.NoError(t, err)
	assert.Equal(t, "keep", record["email"])
}

func TestSagaCommitClearsLog(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	require.NoError(t, a.BeginTransaction(ctx))
	created, err := a.Create(ctx, "User", Record{"email": "stays"})
	require.NoError(t, err)
	require.NoError(t, a.CommitTransaction(ctx))

	// No further rollback is possible and the record stays.
	assert.Error(t, a.RollbackTransaction(ctx))
	_, err = a.Read(ctx, "User", created["id"].(string))
	assert.NoError(t, err)
}

func TestSagaRollbackCountsFailures(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	require.NoError(t, a.BeginTransaction(ctx))
	_, err := a.Create(ctx, "User", Record{"email": "x"})
	require.NoError(t, err)
	_, err = a.Create(ctx, "User", Record{"email": "y"})
	require.NoError(t, err)

	// Undoing a create removes the record; make removal fail.
	a.failOps["remove"] = true
	err = a.RollbackTransaction(ctx)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "2 rollback operations failed", err.Error())

	// The saga deactivated despite the failures.
	assert.False(t, a.saga.Active())
}

func TestSagaCloseAutoRollsBack(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	require.NoError(t, a.BeginTransaction(ctx))
	created, err := a.Create(ctx, "User", Record{"email": "gone"})
	require.NoError(t, err)

	require.NoError(t, a.Close())

	_, err = a.Read(ctx, "User", created["id"].(string))
	assert.True(t, IsNotFound(err))
}

func TestSagaInactiveRecordsNothing(t *testing.T) {
	ctx := context.Background()
	a := newMemoryAdapter()

	_, err := a.Create(ctx, "User", Record{"email": "x"})
	require.NoError(t, err)
	assert.False(t, a.saga.Active())

	// Without begin, rollback has nothing to do.
	assert.Error(t, a.RollbackTransaction(ctx))
}
