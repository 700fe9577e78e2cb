// Package memory provides an in-memory implementation of the persistent store
// used for tests, ephemeral environments and as the working set of the
// snapshot journal.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"txrepo/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

// IDField is the field populated on insert when the payload carries no id.
const IDField = "id"

// Snapshot is a point-in-time copy of every table keyed by model name. Rows
// keep insertion order.
type Snapshot map[string][]domain.Entity

type memoryState struct {
	tables map[string][]domain.Entity
}

func newMemoryState() memoryState {
	return memoryState{tables: make(map[string][]domain.Entity)}
}

func (s memoryState) clone() memoryState {
	out := memoryState{tables: make(map[string][]domain.Entity, len(s.tables))}
	for model, rows := range s.tables {
		cp := make([]domain.Entity, len(rows))
		for i, row := range rows {
			cp[i] = row.DeepClone()
		}
		out.tables[model] = cp
	}
	return out
}

// CommitHook observes the state a write is about to commit. It runs before
// the state becomes visible; a non-nil error aborts the write and leaves the
// committed state untouched. The hook runs with the store locked, so it must
// not call back into the store, and it must not retain or modify next.
type CommitHook func(ctx context.Context, next Snapshot) error

// Store keeps every model as an ordered slice of entities. Transactions run
// against a clone of the committed state which replaces it on success.
// Writes made outside a transaction while one is open are applied to both
// the committed state and the open transaction's copy.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	active *transaction
	hook   CommitHook
	txMu   sync.Mutex
	newID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the generator used for missing ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: newMemoryState(),
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook installs h as the store's commit hook, replacing any previous
// one. A nil h removes it.
func (s *Store) SetCommitHook(h CommitHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

type txKey struct{ store *Store }

type transaction struct {
	mu       sync.Mutex
	state    memoryState
	conflict error
}

// absorb replays a write committed outside the transaction onto its copy. A
// write that cannot be replayed poisons the transaction.
func (tx *transaction) absorb(fn func(*memoryState) error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.conflict != nil {
		return
	}
	if err := fn(&tx.state); err != nil {
		tx.conflict = fmt.Errorf("transaction conflicts with a concurrent write: %w", err)
	}
}

// RunInTx executes fn within a transactional copy of the store state. Every
// Mapper and ReadRepository call made with the context handed to fn reads and
// writes that copy; the copy becomes the committed state only when fn returns
// nil and the commit hook, if any, accepts it. Transactions are serialised.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.InTransaction(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	tx := &transaction{state: s.state.clone()}
	s.active = tx
	s.mu.Unlock()

	err := fn(context.WithValue(ctx, txKey{s}, tx))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.conflict != nil {
		return tx.conflict
	}
	if s.hook != nil {
		if err := s.hook(ctx, Snapshot(tx.state.tables)); err != nil {
			return err
		}
	}
	s.state = tx.state
	return nil
}

// InTransaction reports whether ctx carries an open transaction of this store.
func (s *Store) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{s}).(*transaction)
	return ok
}

// write runs fn against the transaction state carried by ctx, or commits it
// against the committed state when ctx carries none. fn may run more than
// once and must not share values between the states it is applied to.
func (s *Store) write(ctx context.Context, fn func(*memoryState) error) error {
	if tx, ok := ctx.Value(txKey{s}).(*transaction); ok {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return fn(&tx.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hook == nil {
		if err := fn(&s.state); err != nil {
			return err
		}
	} else {
		next := s.state.clone()
		if err := fn(&next); err != nil {
			return err
		}
		if err := s.hook(ctx, Snapshot(next.tables)); err != nil {
			return err
		}
		s.state = next
	}
	if s.active != nil {
		s.active.absorb(fn)
	}
	return nil
}

func (s *Store) read(ctx context.Context, fn func(*memoryState)) {
	if tx, ok := ctx.Value(txKey{s}).(*transaction); ok {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		fn(&tx.state)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.state)
}

// Insert appends a deep copy of payload. A missing id is generated; the
// caller's map and anything nested in it are never modified or retained.
func (s *Store) Insert(ctx context.Context, model string, payload domain.Entity) error {
	if model == "" {
		return errors.New("insert: model is required")
	}
	row := payload.DeepClone()
	if row == nil {
		row = domain.Entity{}
	}
	if v, ok := row[IDField]; !ok || v == nil || v == "" {
		row[IDField] = s.newID()
	}
	return s.write(ctx, func(st *memoryState) error {
		if id := row[IDField]; findIndex(st.tables[model], domain.Where{IDField: id}) >= 0 {
			return fmt.Errorf("insert %s: duplicate id %v", model, id)
		}
		st.tables[model] = append(st.tables[model], row.DeepClone())
		return nil
	})
}

// Update writes every field of changes to all rows matching where.
func (s *Store) Update(ctx context.Context, model string, changes domain.ChangeSet, where domain.Where) error {
	if len(changes) == 0 {
		return nil
	}
	return s.write(ctx, func(st *memoryState) error {
		for _, row := range st.tables[model] {
			if !where.Matches(row) {
				continue
			}
			for k, v := range changes {
				row[k] = domain.CloneValue(v)
			}
		}
		return nil
	})
}

// Remove deletes all rows matching where.
func (s *Store) Remove(ctx context.Context, model string, where domain.Where) error {
	return s.write(ctx, func(st *memoryState) error {
		rows := st.tables[model]
		kept := rows[:0]
		for _, row := range rows {
			if !where.Matches(row) {
				kept = append(kept, row)
			}
		}
		for i := len(kept); i < len(rows); i++ {
			rows[i] = nil
		}
		st.tables[model] = kept
		return nil
	})
}

// FindOne returns the first row matching where in insertion order.
func (s *Store) FindOne(ctx context.Context, model string, where domain.Where, noThrowOnNotFound bool) (domain.Entity, error) {
	var found domain.Entity
	s.read(ctx, func(st *memoryState) {
		rows := st.tables[model]
		if i := findIndex(rows, where); i >= 0 {
			found = rows[i].DeepClone()
		}
	})
	if found != nil {
		return found, nil
	}
	if noThrowOnNotFound {
		return nil, nil
	}
	return nil, &domain.NotFoundError{Model: model, Where: where}
}

// FindWhere returns deep copies of every row matching where.
func (s *Store) FindWhere(ctx context.Context, model string, where domain.Where) ([]domain.Entity, error) {
	var out []domain.Entity
	s.read(ctx, func(st *memoryState) {
		for _, row := range st.tables[model] {
			if where.Matches(row) {
				out = append(out, row.DeepClone())
			}
		}
	})
	return out, nil
}

// FindAll returns deep copies of every row of model.
func (s *Store) FindAll(ctx context.Context, model string) ([]domain.Entity, error) {
	return s.FindWhere(ctx, model, nil)
}

// Exists reports whether any row matches where.
func (s *Store) Exists(ctx context.Context, model string, where domain.Where) (bool, error) {
	var ok bool
	s.read(ctx, func(st *memoryState) {
		ok = findIndex(st.tables[model], where) >= 0
	})
	return ok, nil
}

// ExportState clones the current committed state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot(s.state.clone().tables)
}

// ImportState replaces the committed state with a copy of snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	st := memoryState{tables: map[string][]domain.Entity(snapshot)}.clone()
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func findIndex(rows []domain.Entity, where domain.Where) int {
	for i, row := range rows {
		if where.Matches(row) {
			return i
		}
	}
	return -1
}
