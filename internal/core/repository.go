package core

import (
	"context"
	"errors"
	"fmt"

	"txrepo/internal/changeproxy"
	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

// TransactionalRepository exposes create/update/remove/find for one model.
// Writes never touch storage directly: each call enqueues a PendingAction on
// the shared queue, and the effect (including any error) is only observable
// once the owning Transaction executes. Reads go straight to the
// ReadRepository and observe committed state.
type TransactionalRepository struct {
	model   string
	mapper  domain.Mapper
	reader  domain.ReadRepository
	queue   ActionQueue
	proxies changeproxy.Factory
	logger  logger.Logger
	eager   bool
}

// RepositoryOption configures a TransactionalRepository.
type RepositoryOption func(*TransactionalRepository)

// WithProxyFactory overrides the change proxy factory used by mutation
// updates.
func WithProxyFactory(f changeproxy.Factory) RepositoryOption {
	return func(r *TransactionalRepository) {
		if f != nil {
			r.proxies = f
		}
	}
}

// WithDiagnostics sets the sink receiving deprecation warnings.
func WithDiagnostics(l logger.Logger) RepositoryOption {
	return func(r *TransactionalRepository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEagerCallbackRead restores the legacy timing of mutation updates: the
// row is read at call time against committed state instead of inside the
// queue. The read error, if any, only surfaces when the transaction executes.
func WithEagerCallbackRead() RepositoryOption {
	return func(r *TransactionalRepository) { r.eager = true }
}

// NewTransactionalRepository binds a repository to model, its collaborators
// and the queue shared with other repositories of the same unit of work.
func NewTransactionalRepository(model string, mapper domain.Mapper, reader domain.ReadRepository, queue ActionQueue, opts ...RepositoryOption) (*TransactionalRepository, error) {
	switch {
	case model == "":
		return nil, errors.New("repository model name is required")
	case mapper == nil:
		return nil, fmt.Errorf("repository %s: mapper is required", model)
	case reader == nil:
		return nil, fmt.Errorf("repository %s: read repository is required", model)
	case queue == nil:
		return nil, fmt.Errorf("repository %s: transaction is required", model)
	}
	r := &TransactionalRepository{
		model:   model,
		mapper:  mapper,
		reader:  reader,
		queue:   queue,
		proxies: changeproxy.NewFactory(),
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Model returns the model name the repository writes to.
func (r *TransactionalRepository) Model() string { return r.model }

// Create enqueues an insert of payload as-is.
func (r *TransactionalRepository) Create(payload domain.Entity) error {
	return r.queue.Add(PendingAction{
		Model: r.model,
		Kind:  domain.ActionInsert,
		Run: func(ctx context.Context) error {
			return r.mapper.Insert(ctx, r.model, payload)
		},
	})
}

// UpdateOne updates the entity matching where. Static changes are written
// unconditionally, exactly like UpdateWhere. Mutation changes go through the
// deprecated read-modify-update path: when the queue reaches the action the
// row is read with the transaction's context, the mutation is applied to a
// change proxy and only the touched fields are written. A missing row or an
// untouched proxy produces no write.
//
// Unlike the legacy behaviour (see WithEagerCallbackRead) the read runs in
// queue order, so it observes writes queued earlier in the same transaction.
//
// Invalid changes fail with domain.ErrInvalidChanges before anything is
// queued.
func (r *TransactionalRepository) UpdateOne(ctx context.Context, where domain.Where, changes domain.Changes) error {
	if set, ok := changes.Static(); ok {
		return r.updateStatic(where, set)
	}
	if fn, ok := changes.Mutation(); ok && fn != nil {
		return r.updateWithMutation(ctx, where, fn)
	}
	return domain.ErrInvalidChanges
}

// UpdateWhere enqueues an update writing every field of changes to all
// entities matching where. No diffing is performed.
func (r *TransactionalRepository) UpdateWhere(where domain.Where, changes domain.ChangeSet) error {
	return r.updateStatic(where, changes)
}

// Remove enqueues a removal of the entities matching where.
func (r *TransactionalRepository) Remove(where domain.Where) error {
	return r.queue.Add(PendingAction{
		Model: r.model,
		Kind:  domain.ActionRemove,
		Run: func(ctx context.Context) error {
			return r.mapper.Remove(ctx, r.model, where)
		},
	})
}

// FindOne forwards to the read repository.
func (r *TransactionalRepository) FindOne(ctx context.Context, where domain.Where, noThrowOnNotFound bool) (domain.Entity, error) {
	return r.reader.FindOne(ctx, r.model, where, noThrowOnNotFound)
}

// FindWhere forwards to the read repository.
func (r *TransactionalRepository) FindWhere(ctx context.Context, where domain.Where) ([]domain.Entity, error) {
	return r.reader.FindWhere(ctx, r.model, where)
}

// FindAll forwards to the read repository.
func (r *TransactionalRepository) FindAll(ctx context.Context) ([]domain.Entity, error) {
	return r.reader.FindAll(ctx, r.model)
}

// Exists forwards to the read repository.
func (r *TransactionalRepository) Exists(ctx context.Context, where domain.Where) (bool, error) {
	return r.reader.Exists(ctx, r.model, where)
}

func (r *TransactionalRepository) updateStatic(where domain.Where, data domain.ChangeSet) error {
	return r.queue.Add(PendingAction{
		Model: r.model,
		Kind:  domain.ActionUpdate,
		Run: func(ctx context.Context) error {
			return r.mapper.Update(ctx, r.model, data, where)
		},
	})
}

func (r *TransactionalRepository) updateWithMutation(ctx context.Context, where domain.Where, fn domain.MutationFunc) error {
	r.logger.Warn("DEPRECATED: TransactionalRepository.UpdateOne(where, mutation) is deprecated. Instead use FindOne(where) then UpdateOne(id, StaticChanges(calculatedChanges)).",
		"model", r.model)

	if r.eager {
		row, readErr := r.reader.FindOne(ctx, r.model, where, true)
		return r.queue.Add(PendingAction{
			Model: r.model,
			Kind:  domain.ActionReadModifyUpdate,
			Run: func(ctx context.Context) error {
				if readErr != nil {
					return readErr
				}
				return r.applyMutation(ctx, row, fn, where)
			},
		})
	}

	return r.queue.Add(PendingAction{
		Model: r.model,
		Kind:  domain.ActionReadModifyUpdate,
		Run: func(ctx context.Context) error {
			row, err := r.reader.FindOne(ctx, r.model, where, true)
			if err != nil {
				return err
			}
			return r.applyMutation(ctx, row, fn, where)
		},
	})
}

func (r *TransactionalRepository) applyMutation(ctx context.Context, row domain.Entity, fn domain.MutationFunc, where domain.Where) error {
	changes := r.processRow(row, fn)
	if changes.IsEmpty() {
		return nil
	}
	return r.mapper.Update(ctx, r.model, changes, where)
}

func (r *TransactionalRepository) processRow(row domain.Entity, fn domain.MutationFunc) domain.ChangeSet {
	if row == nil {
		return domain.ChangeSet{}
	}
	handle, proxy := r.proxies(row)
	fn(proxy)
	return handle.Changes()
}
