// Package postgres maps models to PostgreSQL tables through pgx. Writes and
// reads issued with a context produced by RunInTx run inside that pgx.Tx.
package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"txrepo/internal/infra/persistence/sqlbuild"
	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultDSN is used when no connection string is configured.
const DefaultDSN = "postgres://localhost/txrepo?sslmode=disable"

// DB is the subset of pgxpool.Pool the store needs. pgxmock.PgxPoolIface
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// executor is satisfied by both DB and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements domain.PersistentStore on PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
	sql  sqlbuild.Builder
	log  logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for rollback and lifecycle messages.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore opens a connection pool for dsn (DefaultDSN when empty) and checks
// connectivity.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.HealthCheckPeriod = 30 * time.Second
	config.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s := NewWithDB(pool, append([]Option{WithLogger(logger.FromContext(ctx))}, opts...)...)
	s.pool = pool
	s.log.Info("postgres store opened", "host", config.ConnConfig.Host, "db_name", config.ConnConfig.Database)
	return s, nil
}

// NewWithDB wraps an existing pool or mock.
func NewWithDB(db DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		sql: sqlbuild.New(sq.Dollar),
		log: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type txKey struct{ store *Store }

func (s *Store) conn(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{s}).(pgx.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx executes fn within a transaction. A context already bound to one
// of this store's transactions joins it.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{s}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.log.Error("Failed to rollback transaction", "error", rbErr)
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.log.Error("Failed to rollback transaction", "error", rbErr)
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("committing transaction: %w", commitErr)
		}
	}()
	err = fn(context.WithValue(ctx, txKey{s}, tx))
	return err
}

// Insert writes payload as a new row.
func (s *Store) Insert(ctx context.Context, model string, payload domain.Entity) error {
	query, args, err := s.sql.Insert(model, payload)
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %s: %w", model, err)
	}
	return nil
}

// Update writes every field of changes to the rows matching where.
func (s *Store) Update(ctx context.Context, model string, changes domain.ChangeSet, where domain.Where) error {
	query, args, ok, err := s.sql.Update(model, changes, where)
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	if !ok {
		return nil
	}
	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating %s: %w", model, err)
	}
	return nil
}

// Remove deletes the rows matching where.
func (s *Store) Remove(ctx context.Context, model string, where domain.Where) error {
	query, args, err := s.sql.Delete(model, where)
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting %s: %w", model, err)
	}
	return nil
}

// FindOne returns the first row matching where.
func (s *Store) FindOne(ctx context.Context, model string, where domain.Where, noThrowOnNotFound bool) (domain.Entity, error) {
	rows, err := s.selectRows(ctx, model, where, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if noThrowOnNotFound {
			return nil, nil
		}
		return nil, &domain.NotFoundError{Model: model, Where: where}
	}
	return rows[0], nil
}

// FindWhere returns every row matching where.
func (s *Store) FindWhere(ctx context.Context, model string, where domain.Where) ([]domain.Entity, error) {
	return s.selectRows(ctx, model, where, 0)
}

// FindAll returns every row of model.
func (s *Store) FindAll(ctx context.Context, model string) ([]domain.Entity, error) {
	return s.selectRows(ctx, model, nil, 0)
}

// Exists reports whether any row matches where.
func (s *Store) Exists(ctx context.Context, model string, where domain.Where) (bool, error) {
	query, args, err := s.sql.Exists(model, where)
	if err != nil {
		return false, fmt.Errorf("building exists query: %w", err)
	}
	var hits []int
	if err := pgxscan.Select(ctx, s.conn(ctx), &hits, query, args...); err != nil {
		return false, fmt.Errorf("checking %s: %w", model, err)
	}
	return len(hits) > 0, nil
}

// Close releases the pool when the store owns one.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.log.Info("postgres store closed")
	}
	return nil
}

func (s *Store) selectRows(ctx context.Context, model string, where domain.Where, limit uint64) ([]domain.Entity, error) {
	query, args, err := s.sql.Select(model, where, limit)
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var raw []map[string]any
	if err := pgxscan.Select(ctx, s.conn(ctx), &raw, query, args...); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", model, err)
	}
	out := make([]domain.Entity, len(raw))
	for i, r := range raw {
		out[i] = domain.Entity(r)
	}
	return out, nil
}
