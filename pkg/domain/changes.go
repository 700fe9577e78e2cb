package domain

import "fmt"

// MutationFunc edits a Record in place. Only the fields it assigns are
// written back.
type MutationFunc func(Record)

type changesKind uint8

const (
	changesInvalid changesKind = iota
	changesStatic
	changesMutation
)

// Changes is the argument of UpdateOne: either a static ChangeSet written
// unconditionally, or a MutationFunc whose assignments are diffed against the
// current row. The zero value is invalid.
type Changes struct {
	kind     changesKind
	static   ChangeSet
	mutation MutationFunc
}

// StaticChanges wraps a ChangeSet. A nil or empty set is still valid and
// produces an update with no fields.
func StaticChanges(set ChangeSet) Changes {
	return Changes{kind: changesStatic, static: set}
}

// MutationChanges wraps a mutation function. A nil function yields an
// invalid Changes value.
//
// Deprecated: read the entity with FindOne, compute the changes and call
// UpdateOne with StaticChanges keyed by the entity id instead.
func MutationChanges(fn MutationFunc) Changes {
	if fn == nil {
		return Changes{}
	}
	return Changes{kind: changesMutation, mutation: fn}
}

// ParseChanges classifies a dynamically typed value. Maps become static
// changes, mutation functions become mutation changes, anything else fails
// with ErrInvalidChanges.
func ParseChanges(v any) (Changes, error) {
	switch c := v.(type) {
	case Changes:
		if !c.Valid() {
			return Changes{}, ErrInvalidChanges
		}
		return c, nil
	case ChangeSet:
		return StaticChanges(c), nil
	case Entity:
		return StaticChanges(ChangeSet(c)), nil
	case map[string]any:
		return StaticChanges(ChangeSet(c)), nil
	case MutationFunc:
		if c == nil {
			return Changes{}, ErrInvalidChanges
		}
		return MutationChanges(c), nil
	case func(Record):
		if c == nil {
			return Changes{}, ErrInvalidChanges
		}
		return MutationChanges(c), nil
	default:
		return Changes{}, fmt.Errorf("%w: got %T", ErrInvalidChanges, v)
	}
}

// Valid reports whether the value was built by one of the constructors.
func (c Changes) Valid() bool { return c.kind != changesInvalid }

// IsStatic reports whether c carries a static ChangeSet.
func (c Changes) IsStatic() bool { return c.kind == changesStatic }

// IsMutation reports whether c carries a mutation function.
func (c Changes) IsMutation() bool { return c.kind == changesMutation }

// Static returns the static change set and true when c is static.
func (c Changes) Static() (ChangeSet, bool) {
	return c.static, c.kind == changesStatic
}

// Mutation returns the mutation function and true when c is a mutation.
func (c Changes) Mutation() (MutationFunc, bool) {
	return c.mutation, c.kind == changesMutation
}
