// Package domain defines the storage-agnostic contracts used by txrepo:
// entities, predicates, change sets and the collaborator interfaces that
// concrete backends implement.
package domain

import (
	"reflect"
	"sort"
)

// Entity is a structurally typed record belonging to a named model. Keys are
// field names.
type Entity map[string]any

// Where selects target entities for update, remove and find. Values are
// compared for equality unless they implement Matcher. The core never
// interprets a Where; it is passed through to the backend untouched.
type Where map[string]any

// ChangeSet maps field names to the values an update should write.
type ChangeSet map[string]any

// Matcher is a predicate value usable inside a Where. Backends that cannot
// evaluate arbitrary predicates reject it with ErrUnsupportedPredicate.
type Matcher interface {
	Match(value any) bool
}

// MatchFunc adapts an ordinary function to the Matcher interface.
type MatchFunc func(value any) bool

// Match implements Matcher.
func (f MatchFunc) Match(value any) bool { return f(value) }

// Record is the mutable facade handed to mutation functions. Every Set is
// recorded so the caller's edits can later be extracted as a ChangeSet.
type Record interface {
	Get(field string) (any, bool)
	Set(field string, value any)
	Fields() []string
}

// Action indicates the type of write a pending action performs.
type Action string

// Write actions enumerate the operations a Mapper can be asked to perform.
const (
	// ActionInsert creates a new entity.
	ActionInsert Action = "insert"
	// ActionUpdate writes static changes to matching entities.
	ActionUpdate Action = "update"
	// ActionRemove deletes matching entities.
	ActionRemove Action = "remove"
	// ActionReadModifyUpdate reads a row, applies a mutation function and
	// writes only the touched fields.
	ActionReadModifyUpdate Action = "read_modify_update"
)

// Clone returns a shallow copy of the entity. Nested maps and slices are
// shared with the receiver.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// DeepClone copies the entity together with every nested map and slice so
// the result shares no mutable state with the receiver.
func (e Entity) DeepClone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps, slices and arrays reachable from v. Other
// values, including pointers and functions, are returned as they are.
func CloneValue(v any) any {
	if v == nil {
		return nil
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		inner := cloneReflect(v.Elem())
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneReflect(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneReflect(v.Index(i)))
		}
		return out
	default:
		return v
	}
}

// Fields returns the entity's field names in ascending order.
func (e Entity) Fields() []string {
	return sortedKeys(e)
}

// Clone returns a shallow copy of the change set.
func (c ChangeSet) Clone() ChangeSet {
	if c == nil {
		return nil
	}
	out := make(ChangeSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Fields returns the changed field names in ascending order.
func (c ChangeSet) Fields() []string {
	return sortedKeys(c)
}

// IsEmpty reports whether the change set carries no fields.
func (c ChangeSet) IsEmpty() bool { return len(c) == 0 }

// Fields returns the predicate's field names in ascending order.
func (w Where) Fields() []string {
	return sortedKeys(w)
}

// Matches evaluates the predicate against an entity. Missing fields compare
// as nil so {"deleted_at": nil} selects rows without the field.
func (w Where) Matches(e Entity) bool {
	for field, expected := range w {
		actual := e[field]
		if m, ok := expected.(Matcher); ok {
			if !m.Match(actual) {
				return false
			}
			continue
		}
		if !ValuesEqual(expected, actual) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two field values. Numeric values compare by value
// across integer and float kinds so decoded JSON (float64) matches Go ints.
func ValuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
