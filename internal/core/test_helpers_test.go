package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"txrepo/pkg/domain"
)

type mapperCall struct {
	op      string
	model   string
	payload domain.Entity
	changes domain.ChangeSet
	where   domain.Where
}

// recordingStore is a fake Mapper and ReadRepository. Writes are recorded;
// reads are served from rows keyed by model and counted.
type recordingStore struct {
	mu       sync.Mutex
	calls    []mapperCall
	rows     map[string][]domain.Entity
	reads    int
	failOn   string
	readErr  error
	applyRow bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{rows: make(map[string][]domain.Entity)}
}

func (s *recordingStore) record(c mapperCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if s.failOn == c.op {
		return fmt.Errorf("%s failed", c.op)
	}
	if s.applyRow {
		switch c.op {
		case "insert":
			s.rows[c.model] = append(s.rows[c.model], c.payload.Clone())
		case "update":
			for _, row := range s.rows[c.model] {
				if c.where.Matches(row) {
					for k, v := range c.changes {
						row[k] = v
					}
				}
			}
		}
	}
	return nil
}

func (s *recordingStore) Insert(_ context.Context, model string, payload domain.Entity) error {
	return s.record(mapperCall{op: "insert", model: model, payload: payload})
}

func (s *recordingStore) Update(_ context.Context, model string, changes domain.ChangeSet, where domain.Where) error {
	return s.record(mapperCall{op: "update", model: model, changes: changes, where: where})
}

func (s *recordingStore) Remove(_ context.Context, model string, where domain.Where) error {
	return s.record(mapperCall{op: "remove", model: model, where: where})
}

func (s *recordingStore) FindOne(_ context.Context, model string, where domain.Where, noThrow bool) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return nil, s.readErr
	}
	for _, row := range s.rows[model] {
		if where.Matches(row) {
			return row.Clone(), nil
		}
	}
	if noThrow {
		return nil, nil
	}
	return nil, &domain.NotFoundError{Model: model, Where: where}
}

func (s *recordingStore) FindWhere(_ context.Context, model string, where domain.Where) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	var out []domain.Entity
	for _, row := range s.rows[model] {
		if where.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (s *recordingStore) FindAll(ctx context.Context, model string) ([]domain.Entity, error) {
	return s.FindWhere(ctx, model, nil)
}

func (s *recordingStore) Exists(ctx context.Context, model string, where domain.Where) (bool, error) {
	rows, err := s.FindWhere(ctx, model, where)
	return len(rows) > 0, err
}

func (s *recordingStore) snapshotCalls() []mapperCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mapperCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *recordingStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type captureLogger struct {
	mu    sync.Mutex
	warns []string
}

func (c *captureLogger) Debug(string, ...any) {}
func (c *captureLogger) Info(string, ...any)  {}
func (c *captureLogger) Error(string, ...any) {}
func (c *captureLogger) Warn(msg string, _ ...any) {
	c.mu.Lock()
	c.warns = append(c.warns, msg)
	c.mu.Unlock()
}

// recordingRunner mimics a storage transaction: it records whether the
// pass committed or rolled back.
type recordingRunner struct {
	committed  bool
	rolledBack bool
}

func (r *recordingRunner) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		r.rolledBack = true
		return err
	}
	r.committed = true
	return nil
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
	c.mu.Unlock()
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

func mustRepo(t interface{ Fatalf(string, ...any) }, model string, store *recordingStore, queue ActionQueue, opts ...RepositoryOption) *TransactionalRepository {
	repo, err := NewTransactionalRepository(model, store, store, queue, opts...)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}
