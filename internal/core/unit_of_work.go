package core

import (
	"context"
	"sync"

	"txrepo/pkg/domain"
)

// UnitOfWork groups the repositories of several models around one
// Transaction executed against a single store.
type UnitOfWork struct {
	store    domain.PersistentStore
	tx       *Transaction
	repoOpts []RepositoryOption

	mu    sync.Mutex
	repos map[string]*TransactionalRepository
}

// UnitOfWorkOption configures a UnitOfWork.
type UnitOfWorkOption func(*unitOfWorkConfig)

type unitOfWorkConfig struct {
	txOpts   []TransactionOption
	repoOpts []RepositoryOption
}

// WithTransactionOptions forwards options to the underlying Transaction.
func WithTransactionOptions(opts ...TransactionOption) UnitOfWorkOption {
	return func(c *unitOfWorkConfig) { c.txOpts = append(c.txOpts, opts...) }
}

// WithRepositoryOptions applies options to every repository handed out.
func WithRepositoryOptions(opts ...RepositoryOption) UnitOfWorkOption {
	return func(c *unitOfWorkConfig) { c.repoOpts = append(c.repoOpts, opts...) }
}

// NewUnitOfWork opens a unit of work whose transaction runs inside store's
// storage transaction.
func NewUnitOfWork(store domain.PersistentStore, opts ...UnitOfWorkOption) *UnitOfWork {
	var cfg unitOfWorkConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	txOpts := append([]TransactionOption{WithRunner(store)}, cfg.txOpts...)
	return &UnitOfWork{
		store:    store,
		tx:       NewTransaction(txOpts...),
		repoOpts: cfg.repoOpts,
		repos:    make(map[string]*TransactionalRepository),
	}
}

// Repository returns the repository for model, creating it on first use.
func (u *UnitOfWork) Repository(model string) (*TransactionalRepository, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if repo, ok := u.repos[model]; ok {
		return repo, nil
	}
	repo, err := NewTransactionalRepository(model, u.store, u.store, u.tx, u.repoOpts...)
	if err != nil {
		return nil, err
	}
	u.repos[model] = repo
	return repo, nil
}

// Transaction exposes the shared queue.
func (u *UnitOfWork) Transaction() *Transaction { return u.tx }

// Commit executes every queued action atomically.
func (u *UnitOfWork) Commit(ctx context.Context) (Result, error) {
	return u.tx.Execute(ctx)
}
