package core

import (
	"context"
	"errors"
	"testing"

	"txrepo/pkg/domain"
)

type fakePersistentStore struct {
	*recordingStore
	*recordingRunner
}

func (fakePersistentStore) Close() error { return nil }

func TestUnitOfWorkSharesQueueAcrossModels(t *testing.T) {
	store := fakePersistentStore{newRecordingStore(), &recordingRunner{}}
	metrics := &captureMetricsRecorder{}
	log := &captureLogger{}
	uow := NewUnitOfWork(store,
		WithTransactionOptions(WithMetricsRecorder(metrics)),
		WithRepositoryOptions(WithDiagnostics(log)))

	users, err := uow.Repository("User")
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	again, _ := uow.Repository("User")
	if users != again {
		t.Fatalf("expected cached repository")
	}
	groups, _ := uow.Repository("Group")

	_ = users.Create(domain.Entity{"id": 1})
	_ = groups.UpdateWhere(domain.Where{"id": 2}, domain.ChangeSet{"name": "g"})
	_ = users.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(func(domain.Record) {}))
	if uow.Transaction().Len() != 3 {
		t.Fatalf("expected 3 queued actions, got %d", uow.Transaction().Len())
	}
	if len(log.warns) != 1 {
		t.Fatalf("repository options not applied")
	}

	res, err := uow.Commit(context.Background())
	if err != nil || res.Executed != 3 {
		t.Fatalf("commit: %+v %v", res, err)
	}
	if !store.committed {
		t.Fatalf("store transaction not committed")
	}
	if !metrics.has("transaction.execute", true) {
		t.Fatalf("transaction options not applied")
	}
	calls := store.snapshotCalls()
	if len(calls) != 2 || calls[0].model != "User" || calls[1].model != "Group" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if _, err := uow.Commit(context.Background()); !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("expected closed transaction, got %v", err)
	}
}

func TestUnitOfWorkRejectsEmptyModel(t *testing.T) {
	uow := NewUnitOfWork(fakePersistentStore{newRecordingStore(), &recordingRunner{}})
	if _, err := uow.Repository(""); err == nil {
		t.Fatalf("expected error for empty model")
	}
}
