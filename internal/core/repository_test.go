package core

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"txrepo/internal/changeproxy"
	"txrepo/pkg/domain"
)

func TestCreateEnqueuesSingleInsertWithUnmodifiedPayload(t *testing.T) {
	store := newRecordingStore()
	tx := NewTransaction()
	other := mustRepo(t, "Group", store, tx)
	users := mustRepo(t, "User", store, tx)

	if err := other.Remove(domain.Where{"id": 9}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	payload := domain.Entity{"name": "A", "tags": []string{"x"}}
	if err := users.Create(payload); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(store.snapshotCalls()) != 0 {
		t.Fatalf("mapper called before execute")
	}
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := store.snapshotCalls()
	if len(calls) != 2 || calls[0].op != "remove" || calls[0].model != "Group" {
		t.Fatalf("earlier action reordered or dropped: %+v", calls)
	}
	if calls[1].op != "insert" || calls[1].model != "User" || !reflect.DeepEqual(calls[1].payload, domain.Entity{"name": "A", "tags": []string{"x"}}) {
		t.Fatalf("unexpected insert call %+v", calls[1])
	}
}

func TestStaticUpdateOneMatchesUpdateWhere(t *testing.T) {
	where := domain.Where{"id": 1}
	changes := domain.ChangeSet{"name": "B", "age": 4}

	run := func(enqueue func(*TransactionalRepository) error) []mapperCall {
		store := newRecordingStore()
		tx := NewTransaction()
		repo := mustRepo(t, "User", store, tx)
		if err := enqueue(repo); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if tx.Len() != 1 || len(store.snapshotCalls()) != 0 {
			t.Fatalf("expected one queued action and no mapper calls")
		}
		if _, err := tx.Execute(context.Background()); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if store.readCount() != 0 {
			t.Fatalf("static update must not read")
		}
		return store.snapshotCalls()
	}

	viaOne := run(func(r *TransactionalRepository) error {
		return r.UpdateOne(context.Background(), where, domain.StaticChanges(changes))
	})
	viaWhere := run(func(r *TransactionalRepository) error { return r.UpdateWhere(where, changes) })

	want := []mapperCall{{op: "update", model: "User", changes: changes, where: where}}
	if !reflect.DeepEqual(viaOne, want) || !reflect.DeepEqual(viaWhere, want) {
		t.Fatalf("updateOne=%+v updateWhere=%+v", viaOne, viaWhere)
	}
}

func TestRemoveEnqueuesSingleRemove(t *testing.T) {
	store := newRecordingStore()
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	where := domain.Where{"id": 3}
	if err := repo.Remove(where); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []mapperCall{{op: "remove", model: "User", where: where}}
	if got := store.snapshotCalls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %+v", got)
	}
}

func TestMutationUpdateWithoutAssignmentsSkipsWrite(t *testing.T) {
	store := newRecordingStore()
	store.rows["User"] = []domain.Entity{{"id": 1, "name": "A"}}
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	called := false
	if err := repo.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(func(r domain.Record) {
		called = true
		_, _ = r.Get("name")
	})); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !called {
		t.Fatalf("mutation not invoked")
	}
	if calls := store.snapshotCalls(); len(calls) != 0 {
		t.Fatalf("expected no mapper calls, got %+v", calls)
	}
}

func TestMutationUpdateWritesOnlyTouchedField(t *testing.T) {
	store := newRecordingStore()
	store.rows["User"] = []domain.Entity{{"id": 1, "name": "A", "age": 3}}
	log := &captureLogger{}
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx, WithDiagnostics(log))
	where := domain.Where{"id": 1}
	if err := repo.UpdateOne(context.Background(), where, domain.MutationChanges(func(r domain.Record) {
		r.Set("name", "B")
	})); err != nil {
		t.Fatalf("update: %v", err)
	}
	if store.readCount() != 0 {
		t.Fatalf("read must be deferred to the queue")
	}
	if len(log.warns) != 1 {
		t.Fatalf("expected one deprecation warning, got %v", log.warns)
	}
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []mapperCall{{op: "update", model: "User", changes: domain.ChangeSet{"name": "B"}, where: where}}
	if got := store.snapshotCalls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %+v", got)
	}
}

func TestMutationUpdateMissingRowIsNoop(t *testing.T) {
	store := newRecordingStore()
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	called := false
	_ = repo.UpdateOne(context.Background(), domain.Where{"id": 404}, domain.MutationChanges(func(r domain.Record) {
		called = true
		r.Set("name", "x")
	}))
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if called || len(store.snapshotCalls()) != 0 {
		t.Fatalf("expected no mutation and no writes")
	}
}

func TestMutationUpdateObservesEarlierQueuedWrites(t *testing.T) {
	store := newRecordingStore()
	store.applyRow = true
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	_ = repo.Create(domain.Entity{"id": 1, "name": "A"})
	_ = repo.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(func(r domain.Record) {
		r.Set("name", "B")
	}))
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := store.snapshotCalls()
	if len(calls) != 2 || calls[1].op != "update" || calls[1].changes["name"] != "B" {
		t.Fatalf("expected in-queue read to see the insert, got %+v", calls)
	}
}

func TestEagerCallbackReadUsesCommittedStateAndDefersError(t *testing.T) {
	store := newRecordingStore()
	store.applyRow = true
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx, WithEagerCallbackRead())
	_ = repo.Create(domain.Entity{"id": 1, "name": "A"})
	_ = repo.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(func(r domain.Record) {
		r.Set("name", "B")
	}))
	if store.readCount() != 1 {
		t.Fatalf("expected read at call time")
	}
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls := store.snapshotCalls(); len(calls) != 1 || calls[0].op != "insert" {
		t.Fatalf("stale read must not see the queued insert, got %+v", calls)
	}

	failing := newRecordingStore()
	failing.readErr = errors.New("read failed")
	tx2 := NewTransaction()
	repo2 := mustRepo(t, "User", failing, tx2, WithEagerCallbackRead())
	if err := repo2.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(func(domain.Record) {})); err != nil {
		t.Fatalf("read error must not reach the immediate caller: %v", err)
	}
	if _, err := tx2.Execute(context.Background()); !errors.Is(err, failing.readErr) {
		t.Fatalf("expected deferred read error, got %v", err)
	}
}

func TestInvalidChangesFailsBeforeEnqueue(t *testing.T) {
	store := newRecordingStore()
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)

	if err := repo.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.Changes{}); !errors.Is(err, domain.ErrInvalidChanges) {
		t.Fatalf("expected invalid changes, got %v", err)
	}
	if err := repo.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(nil)); !errors.Is(err, domain.ErrInvalidChanges) {
		t.Fatalf("expected invalid changes for nil func, got %v", err)
	}
	if _, err := domain.ParseChanges("not-an-object-or-function"); !errors.Is(err, domain.ErrInvalidChanges) {
		t.Fatalf("expected parse failure, got %v", err)
	}
	if tx.Len() != 0 {
		t.Fatalf("nothing may be queued on invalid changes")
	}
}

func TestCreateUpdateRemoveScenarioOrder(t *testing.T) {
	store := newRecordingStore()
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	_ = repo.Create(domain.Entity{"name": "A"})
	_ = repo.UpdateWhere(domain.Where{"id": 1}, domain.ChangeSet{"name": "B"})
	_ = repo.Remove(domain.Where{"id": 1})
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var ops []string
	for _, c := range store.snapshotCalls() {
		ops = append(ops, c.op)
	}
	if !reflect.DeepEqual(ops, []string{"insert", "update", "remove"}) {
		t.Fatalf("ops = %v", ops)
	}
}

func TestReadsBypassQueue(t *testing.T) {
	store := newRecordingStore()
	store.rows["User"] = []domain.Entity{{"id": 1, "name": "A"}}
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	_ = repo.Create(domain.Entity{"id": 2, "name": "B"})
	ctx := context.Background()

	row, err := repo.FindOne(ctx, domain.Where{"id": 1}, false)
	if err != nil || row["name"] != "A" {
		t.Fatalf("find one: %v %v", row, err)
	}
	if _, err := repo.FindOne(ctx, domain.Where{"id": 2}, false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("queued insert must not be visible, got %v", err)
	}
	if row, err := repo.FindOne(ctx, domain.Where{"id": 2}, true); err != nil || row != nil {
		t.Fatalf("expected nil row with noThrow, got %v %v", row, err)
	}
	all, _ := repo.FindAll(ctx)
	some, _ := repo.FindWhere(ctx, domain.Where{"name": "A"})
	ok, _ := repo.Exists(ctx, domain.Where{"id": 2})
	if len(all) != 1 || len(some) != 1 || ok {
		t.Fatalf("reads observed pending writes: all=%v some=%v exists=%v", all, some, ok)
	}
	if tx.Len() != 1 {
		t.Fatalf("reads must not enqueue, queue len %d", tx.Len())
	}
	if repo.Model() != "User" {
		t.Fatalf("model = %s", repo.Model())
	}
}

func TestDeferredMapperFailureSurfacesOnExecute(t *testing.T) {
	store := newRecordingStore()
	store.failOn = "insert"
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx)
	if err := repo.Create(domain.Entity{"name": "A"}); err != nil {
		t.Fatalf("create must not fail eagerly: %v", err)
	}
	_, err := tx.Execute(context.Background())
	var actionErr *ActionError
	if !errors.As(err, &actionErr) || actionErr.Kind != domain.ActionInsert || actionErr.Model != "User" {
		t.Fatalf("expected insert action error, got %v", err)
	}
}

func TestValueChangedProxyFactory(t *testing.T) {
	store := newRecordingStore()
	store.rows["User"] = []domain.Entity{{"id": 1, "name": "A"}}
	tx := NewTransaction()
	repo := mustRepo(t, "User", store, tx, WithProxyFactory(changeproxy.NewFactory(changeproxy.WithMode(changeproxy.TrackValueChanged))))
	_ = repo.UpdateOne(context.Background(), domain.Where{"id": 1}, domain.MutationChanges(func(r domain.Record) {
		r.Set("name", "A")
	}))
	if _, err := tx.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls := store.snapshotCalls(); len(calls) != 0 {
		t.Fatalf("same-value write must be skipped in value mode, got %+v", calls)
	}
}

func TestNewTransactionalRepositoryValidation(t *testing.T) {
	store := newRecordingStore()
	tx := NewTransaction()
	cases := []struct {
		name   string
		model  string
		mapper domain.Mapper
		reader domain.ReadRepository
		queue  ActionQueue
	}{
		{"model", "", store, store, tx},
		{"mapper", "User", nil, store, tx},
		{"reader", "User", store, nil, tx},
		{"queue", "User", store, store, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTransactionalRepository(tc.model, tc.mapper, tc.reader, tc.queue); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
