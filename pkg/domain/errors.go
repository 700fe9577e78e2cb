package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidChanges is returned synchronously by UpdateOne when the
	// changes argument is neither a change set nor a mutation function.
	ErrInvalidChanges = errors.New("invalid parameter for changes, must be a change set or a mutation function")
	// ErrNotFound is matched by NotFoundError via errors.Is.
	ErrNotFound = errors.New("entity not found")
	// ErrUnsupportedPredicate is returned by backends that cannot evaluate a
	// Where value, such as a Matcher against SQL storage.
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
	// ErrInvalidIdentifier is returned when a model or field name cannot be
	// used as a storage identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// NotFoundError is returned by ReadRepository.FindOne when nothing matches and
// the caller did not opt out.
type NotFoundError struct {
	Model string
	Where Where
}

func (e *NotFoundError) Error() string {
	if len(e.Where) == 0 {
		return fmt.Sprintf("%s not found", e.Model)
	}
	parts := make([]string, 0, len(e.Where))
	for _, field := range e.Where.Fields() {
		parts = append(parts, fmt.Sprintf("%s=%v", field, e.Where[field]))
	}
	return fmt.Sprintf("%s not found where %s", e.Model, strings.Join(parts, ","))
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
