package adapter

import (
	"context"
	"sync"

	"github.com/metabuilder/dbal/pkg/logger"
)

type undoType int

const (
	undoCreate undoType = iota
	undoUpdate
	undoDelete
)

type undoOp struct {
	typ      undoType
	entity   string
	id       string
	previous Record
}

// CompensatingTransaction provides best-effort saga semantics for engines
// without native transactions. Each successful mutation appends its inverse
// to an ordered undo log; rollback replays the log in reverse. It guarantees
// neither isolation nor atomicity of the rollback itself.
type CompensatingTransaction struct {
	adapter Adapter
	log     *logger.Logger

	mu     sync.Mutex
	active bool
	undo   []undoOp
}

// NewCompensatingTransaction creates an inactive transaction manager bound to
// an adapter.
func NewCompensatingTransaction(a Adapter, log *logger.Logger) *CompensatingTransaction {
	if log == nil {
		log = logger.Default()
	}
	return &CompensatingTransaction{adapter: a, log: log.Named("saga")}
}

// Begin activates the transaction. Concurrent or nested begins fail fast.
func (t *CompensatingTransaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return Internal("transaction already in progress")
	}
	t.active = true
	t.undo = t.undo[:0]
	return nil
}

// Active reports whether a transaction is in progress.
func (t *CompensatingTransaction) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RecordCreate records the undo for a create: remove the new record.
func (t *CompensatingTransaction) RecordCreate(entity, id string) {
	t.record(undoOp{typ: undoCreate, entity: entity, id: id})
}

// RecordUpdate records the undo for an update: restore the previous record.
func (t *CompensatingTransaction) RecordUpdate(entity, id string, previous Record) {
	t.record(undoOp{typ: undoUpdate, entity: entity, id: id, previous: previous})
}

// RecordDelete records the undo for a delete: re-create the previous record.
func (t *CompensatingTransaction) RecordDelete(entity string, previous Record) {
	pk := "id"
	if e, err := t.adapter.EntitySchema(entity); err == nil {
		pk = e.PrimaryKey()
	}
	id, _ := previous[pk].(string)
	t.record(undoOp{typ: undoDelete, entity: entity, id: id, previous: previous})
}

func (t *CompensatingTransaction) record(op undoOp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.undo = append(t.undo, op)
}

// Commit clears the undo log and deactivates.
func (t *CompensatingTransaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return Internal("no transaction in progress")
	}
	t.log.Debugw("transaction committed", "operations", len(t.undo))
	t.active = false
	t.undo = nil
	return nil
}

// Rollback replays the undo log in reverse order. The transaction always
// deactivates and clears the log, even when some undo operations fail; the
// failure count is reported as an InternalError.
func (t *CompensatingTransaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return Internal("no transaction in progress")
	}
	// Deactivate before replaying so the undo operations themselves are not
	// recorded into the log being walked.
	ops := t.undo
	t.active = false
	t.undo = nil
	t.mu.Unlock()

	t.log.Infow("rolling back transaction", "operations", len(ops))

	failures := 0
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		var err error
		switch op.typ {
		case undoCreate:
			_, err = t.adapter.Remove(ctx, op.entity, op.id)
		case undoUpdate:
			_, err = t.adapter.Update(ctx, op.entity, op.id, op.previous)
		case undoDelete:
			_, err = t.adapter.Create(ctx, op.entity, op.previous)
		}
		if err != nil {
			t.log.Errorw("failed to undo operation",
				"entity", op.entity, "id", op.id, "error", err)
			failures++
		}
	}

	if failures > 0 {
		return Internal("%d rollback operations failed", failures)
	}
	return nil
}

// Close auto-rolls-back an active transaction. Adapters call it from their
// own Close so that releasing an adapter never strands an open saga.
func (t *CompensatingTransaction) Close() {
	if t.Active() {
		t.log.Warnw("transaction still active at close, rolling back")
		if err := t.Rollback(context.Background()); err != nil {
			t.log.Errorw("rollback at close failed", "error", err)
		}
	}
}
