package domain

import "context"

// Mapper performs the physical writes against storage. Implementations
// honour a transaction carried by ctx when one was opened by their own
// TxRunner.
type Mapper interface {
	Insert(ctx context.Context, model string, payload Entity) error
	Update(ctx context.Context, model string, changes ChangeSet, where Where) error
	Remove(ctx context.Context, model string, where Where) error
}

// ReadRepository resolves entities for read paths.
type ReadRepository interface {
	// FindOne returns the first match. When nothing matches it returns a
	// *NotFoundError, or (nil, nil) if noThrowOnNotFound is set.
	FindOne(ctx context.Context, model string, where Where, noThrowOnNotFound bool) (Entity, error)
	FindWhere(ctx context.Context, model string, where Where) ([]Entity, error)
	FindAll(ctx context.Context, model string) ([]Entity, error)
	Exists(ctx context.Context, model string, where Where) (bool, error)
}

// TxRunner opens a storage transaction, runs fn with a context bound to it,
// and commits when fn returns nil or rolls back otherwise.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PersistentStore is a complete backend: writes, reads and transactions.
type PersistentStore interface {
	Mapper
	ReadRepository
	TxRunner
	Close() error
}
