// Package sqlite persists entities in SQLite tables, one table per model and
// one column per field.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"txrepo/internal/infra/persistence/sqlbuild"
	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "txrepo.db"

const idField = "id"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store maps models to SQLite tables. Writes and reads issued with a context
// produced by RunInTx run inside that SQL transaction.
type Store struct {
	db          *sql.DB
	path        string
	sql         sqlbuild.Builder
	autoMigrate bool
	log         logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithAutoMigrate makes writes create missing tables and columns. Tables are
// created with an id primary key and ids are generated for inserts that lack
// one.
func WithAutoMigrate() Option {
	return func(s *Store) { s.autoMigrate = true }
}

// WithLogger sets the logger used for lifecycle and rollback messages.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore opens (creating if needed) the SQLite database at path.
func NewStore(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases shared and avoids
	// SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{
		db:   db,
		path: path,
		sql:  sqlbuild.New(sq.Question),
		log:  logger.FromContext(ctx),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.Info("sqlite store opened", "path", path, "auto_migrate", s.autoMigrate)
	return s, nil
}

type txKey struct{ store *Store }

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{s}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx begins an SQL transaction, runs fn with a context bound to it and
// commits when fn succeeds. A context already bound to one of this store's
// transactions joins it.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{s}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("failed to rollback transaction", "error", rbErr)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit transaction: %w", commitErr)
		}
	}()
	err = fn(context.WithValue(ctx, txKey{s}, tx))
	return err
}

// Insert writes payload as a new row. The caller's map is not modified.
func (s *Store) Insert(ctx context.Context, model string, payload domain.Entity) error {
	row := encodeComposite(payload)
	q := s.conn(ctx)
	if s.autoMigrate {
		if v, ok := row[idField]; !ok || v == nil || v == "" {
			row[idField] = uuid.Must(uuid.NewV7()).String()
		}
		if err := s.ensureColumns(ctx, q, model, row.Fields()); err != nil {
			return err
		}
	}
	query, args, err := s.sql.Insert(model, row)
	if err != nil {
		return fmt.Errorf("insert %s: %w", model, err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", model, err)
	}
	return nil
}

// Update writes every field of changes to the rows matching where.
func (s *Store) Update(ctx context.Context, model string, changes domain.ChangeSet, where domain.Where) error {
	q := s.conn(ctx)
	set := domain.ChangeSet(encodeComposite(domain.Entity(changes)))
	if s.autoMigrate && len(set) > 0 {
		if err := s.ensureColumns(ctx, q, model, set.Fields()); err != nil {
			return err
		}
	}
	query, args, ok, err := s.sql.Update(model, set, encodeWhere(where))
	if err != nil {
		return fmt.Errorf("update %s: %w", model, err)
	}
	if !ok {
		return nil
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s: %w", model, err)
	}
	return nil
}

// Remove deletes the rows matching where. With auto-migration a table that
// was never created has nothing to remove.
func (s *Store) Remove(ctx context.Context, model string, where domain.Where) error {
	query, args, err := s.sql.Delete(model, encodeWhere(where))
	if err != nil {
		return fmt.Errorf("remove %s: %w", model, err)
	}
	q := s.conn(ctx)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if s.missingTable(ctx, q, model) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", model, err)
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
	query, args, err := s.sql.Exists(model, encodeWhere(where))
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", model, err)
	}
	q := s.conn(ctx)
	var hits []int64
	if err := sqlscan.Select(ctx, q, &hits, query, args...); err != nil {
		if s.missingTable(ctx, q, model) {
			return false, nil
		}
		return false, fmt.Errorf("exists %s: %w", model, err)
	}
	return len(hits) > 0, nil
}

// EnsureTable creates model's table with an id primary key and the given
// columns, adding any that are missing from an existing table.
func (s *Store) EnsureTable(ctx context.Context, model string, fields ...string) error {
	return s.ensureColumns(ctx, s.conn(ctx), model, append([]string{idField}, fields...))
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) selectRows(ctx context.Context, model string, where domain.Where, limit uint64) ([]domain.Entity, error) {
	query, args, err := s.sql.Select(model, encodeWhere(where), limit)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", model, err)
	}
	q := s.conn(ctx)
	var raw []map[string]any
	if err := sqlscan.Select(ctx, q, &raw, query, args...); err != nil {
		if s.missingTable(ctx, q, model) {
			return []domain.Entity{}, nil
		}
		return nil, fmt.Errorf("select %s: %w", model, err)
	}
	out := make([]domain.Entity, len(raw))
	for i, r := range raw {
		out[i] = domain.Entity(r)
	}
	return out, nil
}

func (s *Store) ensureColumns(ctx context.Context, q querier, model string, fields []string) error {
	table, err := sqlbuild.Ident(model)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+table+` ("id" PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create table %s: %w", model, err)
	}
	var existing []string
	if err := sqlscan.Select(ctx, q, &existing, "SELECT name FROM pragma_table_info(?)", model); err != nil {
		return fmt.Errorf("inspect table %s: %w", model, err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		known[name] = struct{}{}
	}
	for _, field := range fields {
		if _, ok := known[field]; ok {
			continue
		}
		col, err := sqlbuild.Ident(field)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+col); err != nil {
			return fmt.Errorf("add column %s.%s: %w", model, field, err)
		}
		known[field] = struct{}{}
	}
	return nil
}

// missingTable reports whether model has no table yet in an auto-migrating
// store, in which case a failed read or delete means there are no rows.
func (s *Store) missingTable(ctx context.Context, q querier, model string) bool {
	if !s.autoMigrate {
		return false
	}
	var names []string
	if err := sqlscan.Select(ctx, q, &names, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", model); err != nil {
		s.log.Error("failed to inspect schema", "model", model, "error", err)
		return false
	}
	return len(names) == 0
}

// encodeWhere encodes composite where values the way encodeComposite stores
// them, so equality against a stored map or slice compares the JSON text.
func encodeWhere(where domain.Where) domain.Where {
	if len(where) == 0 {
		return where
	}
	return domain.Where(encodeComposite(domain.Entity(where)))
}

// encodeComposite copies m, storing map and slice values as JSON text since
// SQLite has no composite column types. Matcher values are left for the
// predicate builder to reject.
func encodeComposite(m domain.Entity) domain.Entity {
	out := make(domain.Entity, len(m))
	for k, v := range m {
		out[k] = v
		if v == nil {
			continue
		}
		if _, isBytes := v.([]byte); isBytes {
			continue
		}
		if _, isMatcher := v.(domain.Matcher); isMatcher {
			continue
		}
		switch reflect.TypeOf(v).Kind() {
		case reflect.Map, reflect.Slice, reflect.Array:
			if data, err := json.Marshal(v); err == nil {
				out[k] = string(data)
			}
		}
	}
	return out
}
