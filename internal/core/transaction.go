package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

// ErrTransactionClosed is returned by Add and Execute once a transaction has
// started executing.
var ErrTransactionClosed = errors.New("transaction is not accumulating")

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusAccumulating Status = iota
	StatusExecuting
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusAccumulating:
		return "accumulating"
	case StatusExecuting:
		return "executing"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// PendingAction is one deferred write. Run performs exactly one mapper call
// (or none, for a read-modify-update whose change set is empty) and is only
// invoked by Transaction.Execute.
type PendingAction struct {
	Seq   uint64
	Model string
	Kind  domain.Action
	Run   func(ctx context.Context) error
}

// ActionQueue accepts pending actions. Transaction is the implementation;
// repositories depend on this interface only.
type ActionQueue interface {
	Add(action PendingAction) error
}

// ActionError reports the pending action that failed during Execute.
type ActionError struct {
	Seq   uint64
	Model string
	Kind  domain.Action
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action #%d %s %s: %v", e.Seq, e.Kind, e.Model, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Result summarises a successful Execute.
type Result struct {
	TransactionID string
	Executed      int
	Duration      time.Duration
}

// Transaction is an ordered queue of pending actions executed atomically.
// Add is safe for concurrent use; actions run in the order they were added.
type Transaction struct {
	mu      sync.Mutex
	id      string
	status  Status
	nextSeq uint64
	actions []PendingAction

	runner  domain.TxRunner
	logger  logger.Logger
	metrics MetricsRecorder
	tracer  Tracer
}

// TransactionOption configures a Transaction.
type TransactionOption func(*Transaction)

// WithRunner executes the queue inside the runner's storage transaction.
func WithRunner(r domain.TxRunner) TransactionOption {
	return func(t *Transaction) {
		if r != nil {
			t.runner = r
		}
	}
}

// WithLogger sets the transaction's logger.
func WithLogger(l logger.Logger) TransactionOption {
	return func(t *Transaction) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetricsRecorder records transaction and per-action outcomes.
func WithMetricsRecorder(m MetricsRecorder) TransactionOption {
	return func(t *Transaction) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithTracer wraps execution and every action in spans.
func WithTracer(tr Tracer) TransactionOption {
	return func(t *Transaction) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

// directRunner runs the queue without a storage transaction. Each mapper call
// then commits on its own.
type directRunner struct{}

func (directRunner) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// NewTransaction returns an empty, accumulating transaction.
func NewTransaction(opts ...TransactionOption) *Transaction {
	t := &Transaction{
		id:      uuid.NewString(),
		runner:  directRunner{},
		logger:  logger.NewNop(),
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the transaction identifier used in logs.
func (t *Transaction) ID() string { return t.id }

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Add appends action to the queue and assigns its sequence number. Nothing
// runs until Execute.
func (t *Transaction) Add(action PendingAction) error {
	if action.Run == nil {
		return fmt.Errorf("add %s action for %s: nil run", action.Kind, action.Model)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusAccumulating {
		return fmt.Errorf("add %s action for %s: %w", action.Kind, action.Model, ErrTransactionClosed)
	}
	t.nextSeq++
	action.Seq = t.nextSeq
	t.actions = append(t.actions, action)
	return nil
}

// Pending returns a copy of the queued actions in execution order.
func (t *Transaction) Pending() []PendingAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingAction, len(t.actions))
	copy(out, t.actions)
	return out
}

// Len returns the number of queued actions.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.actions)
}

// Execute runs every queued action in order inside the runner's storage
// transaction. The first failing action aborts the pass and is returned as
// an *ActionError; the runner is then responsible for rolling back. A
// transaction executes at most once.
func (t *Transaction) Execute(ctx context.Context) (Result, error) {
	t.mu.Lock()
	if t.status != StatusAccumulating {
		status := t.status
		t.mu.Unlock()
		return Result{}, fmt.Errorf("execute transaction %s (%s): %w", t.id, status, ErrTransactionClosed)
	}
	t.status = StatusExecuting
	actions := make([]PendingAction, len(t.actions))
	copy(actions, t.actions)
	t.mu.Unlock()

	log := logger.With(t.logger, "tx", t.id)
	log.Debug("Executing transaction", "actions", len(actions))

	started := time.Now()
	ctx, span := t.tracer.Start(ctx, "transaction.execute")
	executed := 0
	err := t.runner.RunInTx(ctx, func(txCtx context.Context) error {
		for _, action := range actions {
			if err := txCtx.Err(); err != nil {
				return &ActionError{Seq: action.Seq, Model: action.Model, Kind: action.Kind, Err: err}
			}
			if err := t.runAction(txCtx, action); err != nil {
				return err
			}
			executed++
		}
		return nil
	})
	duration := time.Since(started)
	span.End(err)
	t.metrics.Observe(ctx, "transaction.execute", err == nil, duration)

	t.mu.Lock()
	if err != nil {
		t.status = StatusRolledBack
	} else {
		t.status = StatusCommitted
	}
	t.mu.Unlock()

	if err != nil {
		log.Error("Transaction rolled back", "executed", executed, "error", err)
		return Result{TransactionID: t.id, Executed: executed, Duration: duration}, err
	}
	log.Debug("Transaction committed", "executed", executed, "duration", duration)
	return Result{TransactionID: t.id, Executed: executed, Duration: duration}, nil
}

func (t *Transaction) runAction(ctx context.Context, action PendingAction) error {
	op := "action." + string(action.Kind)
	actionCtx, span := t.tracer.Start(ctx, op)
	started := time.Now()
	err := action.Run(actionCtx)
	span.End(err)
	t.metrics.Observe(ctx, op, err == nil, time.Since(started))
	if err != nil {
		return &ActionError{Seq: action.Seq, Model: action.Model, Kind: action.Kind, Err: err}
	}
	return nil
}

// RunInTransaction builds a transaction, lets fn enqueue work on it and
// executes the queue. Nothing is executed when fn fails.
func RunInTransaction(ctx context.Context, fn func(tx *Transaction) error, opts ...TransactionOption) (Result, error) {
	tx := NewTransaction(opts...)
	if err := fn(tx); err != nil {
		return Result{TransactionID: tx.ID()}, err
	}
	return tx.Execute(ctx)
}
