package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txrepo/pkg/domain"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return NewWithDB(mockPool), mockPool
}

func TestStore_Writes(t *testing.T) {
	t.Run("Should insert with sorted quoted columns", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta(`INSERT INTO "User" ("id","name") VALUES ($1,$2)`)).
			WithArgs("u1", "A").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		err := store.Insert(context.Background(), "User", domain.Entity{"name": "A", "id": "u1"})
		assert.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should update matching rows", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta(`UPDATE "User" SET "name" = $1 WHERE "id" = $2`)).
			WithArgs("B", "u1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		err := store.Update(context.Background(), "User", domain.ChangeSet{"name": "B"}, domain.Where{"id": "u1"})
		assert.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should skip empty updates", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		err := store.Update(context.Background(), "User", domain.ChangeSet{}, domain.Where{"id": "u1"})
		assert.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should delete without WHERE for an empty predicate", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta(`DELETE FROM "User"`) + "$").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		err := store.Remove(context.Background(), "User", nil)
		assert.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should wrap driver errors", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		boom := errors.New("boom")
		mockPool.ExpectExec("DELETE FROM").WillReturnError(boom)
		err := store.Remove(context.Background(), "User", domain.Where{"id": 1})
		assert.ErrorIs(t, err, boom)
	})
	t.Run("Should reject invalid identifiers and matchers before querying", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		err := store.Insert(context.Background(), "users; drop", domain.Entity{"id": 1})
		assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
		_, err = store.FindWhere(context.Background(), "User", domain.Where{"id": domain.MatchFunc(func(any) bool { return true })})
		assert.ErrorIs(t, err, domain.ErrUnsupportedPredicate)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestStore_Reads(t *testing.T) {
	t.Run("Should return the first matching row", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		rows := mockPool.NewRows([]string{"id", "name"}).AddRow("u1", "A")
		mockPool.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "User" WHERE "id" = $1 LIMIT 1`)).
			WithArgs("u1").
			WillReturnRows(rows)
		row, err := store.FindOne(context.Background(), "User", domain.Where{"id": "u1"}, false)
		require.NoError(t, err)
		assert.Equal(t, "A", row["name"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should report not found unless suppressed", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		for range 2 {
			mockPool.ExpectQuery("SELECT").WillReturnRows(mockPool.NewRows([]string{"id"}))
		}
		_, err := store.FindOne(context.Background(), "User", domain.Where{"id": "x"}, false)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		row, err := store.FindOne(context.Background(), "User", domain.Where{"id": "x"}, true)
		assert.NoError(t, err)
		assert.Nil(t, row)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should check existence", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM "User" WHERE "id" = $1 LIMIT 1`)).
			WithArgs("u1").
			WillReturnRows(mockPool.NewRows([]string{"?column?"}).AddRow(1))
		ok, err := store.Exists(context.Background(), "User", domain.Where{"id": "u1"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestStore_RunInTx(t *testing.T) {
	t.Run("Should run writes on the transaction and commit", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO").WithArgs("u1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("UPDATE").WithArgs("B", "u1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		err := store.RunInTx(context.Background(), func(ctx context.Context) error {
			if err := store.Insert(ctx, "User", domain.Entity{"id": "u1"}); err != nil {
				return err
			}
			return store.RunInTx(ctx, func(inner context.Context) error {
				return store.Update(inner, "User", domain.ChangeSet{"name": "B"}, domain.Where{"id": "u1"})
			})
		})
		assert.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should roll back when fn fails", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		boom := errors.New("boom")
		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM").WillReturnError(boom)
		mockPool.ExpectRollback()
		err := store.RunInTx(context.Background(), func(ctx context.Context) error {
			return store.Remove(ctx, "User", domain.Where{"id": "u1"})
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should surface begin and commit failures", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectBegin().WillReturnError(errors.New("no conn"))
		err := store.RunInTx(context.Background(), func(context.Context) error { return nil })
		assert.ErrorContains(t, err, "beginning transaction")

		mockPool.ExpectBegin()
		mockPool.ExpectCommit().WillReturnError(errors.New("serialization failure"))
		err = store.RunInTx(context.Background(), func(context.Context) error { return nil })
		assert.ErrorContains(t, err, "committing transaction")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should close without an owned pool", func(t *testing.T) {
		store, _ := newMockStore(t)
		assert.NoError(t, store.Close())
	})
}
