// Package sqlbuild renders Mapper and ReadRepository calls as SQL for the
// relational backends. Model and field names become quoted identifiers after
// validation; values are always bound as arguments.
package sqlbuild

import (
	"fmt"
	"regexp"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"txrepo/pkg/domain"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Ident validates name and returns it double quoted.
func Ident(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentifier, name)
	}
	return `"` + name + `"`, nil
}

// Predicate converts where into an equality conjunction. A nil value renders
// as IS NULL. Matcher values cannot be expressed in SQL and are rejected. An
// empty where yields a nil predicate, meaning no WHERE clause.
func Predicate(where domain.Where) (sq.Sqlizer, error) {
	if len(where) == 0 {
		return nil, nil
	}
	eq := make(sq.Eq, len(where))
	for _, field := range where.Fields() {
		col, err := Ident(field)
		if err != nil {
			return nil, err
		}
		if _, ok := where[field].(domain.Matcher); ok {
			return nil, fmt.Errorf("%w: field %s", domain.ErrUnsupportedPredicate, field)
		}
		eq[col] = where[field]
	}
	return eq, nil
}

// Builder renders statements with a fixed placeholder format.
type Builder struct {
	sb sq.StatementBuilderType
}

// New returns a Builder using format, e.g. sq.Question or sq.Dollar.
func New(format sq.PlaceholderFormat) Builder {
	return Builder{sb: sq.StatementBuilder.PlaceholderFormat(format)}
}

// Insert renders an INSERT of payload with columns in ascending order.
func (b Builder) Insert(model string, payload domain.Entity) (string, []any, error) {
	table, err := Ident(model)
	if err != nil {
		return "", nil, err
	}
	if len(payload) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES", nil, nil
	}
	cols, vals, err := columns(payload)
	if err != nil {
		return "", nil, err
	}
	return b.sb.Insert(table).Columns(cols...).Values(vals...).ToSql()
}

// Update renders an UPDATE writing every field of changes. ok is false when
// changes is empty and there is nothing to execute.
func (b Builder) Update(model string, changes domain.ChangeSet, where domain.Where) (query string, args []any, ok bool, err error) {
	table, err := Ident(model)
	if err != nil {
		return "", nil, false, err
	}
	if len(changes) == 0 {
		return "", nil, false, nil
	}
	cols, vals, err := columns(changes)
	if err != nil {
		return "", nil, false, err
	}
	pred, err := Predicate(where)
	if err != nil {
		return "", nil, false, err
	}
	ub := b.sb.Update(table)
	for i, col := range cols {
		ub = ub.Set(col, vals[i])
	}
	if pred != nil {
		ub = ub.Where(pred)
	}
	query, args, err = ub.ToSql()
	return query, args, err == nil, err
}

// Delete renders a DELETE of the rows matching where.
func (b Builder) Delete(model string, where domain.Where) (string, []any, error) {
	table, err := Ident(model)
	if err != nil {
		return "", nil, err
	}
	pred, err := Predicate(where)
	if err != nil {
		return "", nil, err
	}
	db := b.sb.Delete(table)
	if pred != nil {
		db = db.Where(pred)
	}
	return db.ToSql()
}

// Select renders a SELECT * of the rows matching where. A zero limit means
// no limit.
func (b Builder) Select(model string, where domain.Where, limit uint64) (string, []any, error) {
	table, err := Ident(model)
	if err != nil {
		return "", nil, err
	}
	pred, err := Predicate(where)
	if err != nil {
		return "", nil, err
	}
	sb := b.sb.Select("*").From(table)
	if pred != nil {
		sb = sb.Where(pred)
	}
	if limit > 0 {
		sb = sb.Limit(limit)
	}
	return sb.ToSql()
}

// Exists renders a query returning a single row when where matches.
func (b Builder) Exists(model string, where domain.Where) (string, []any, error) {
	table, err := Ident(model)
	if err != nil {
		return "", nil, err
	}
	pred, err := Predicate(where)
	if err != nil {
		return "", nil, err
	}
	sb := b.sb.Select("1").From(table)
	if pred != nil {
		sb = sb.Where(pred)
	}
	return sb.Limit(1).ToSql()
}

func columns[M ~map[string]any](m M) ([]string, []any, error) {
	fields := make([]string, 0, len(m))
	for k := range m {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	cols := make([]string, len(fields))
	vals := make([]any, len(fields))
	for i, f := range fields {
		col, err := Ident(f)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = col
		vals[i] = m[f]
	}
	return cols, vals, nil
}
