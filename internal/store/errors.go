package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hanpama/normcache/internal/record"
)

var (
	// ErrIdentityCollision is returned when two different entities derive the
	// same record ID.
	ErrIdentityCollision = errors.New("store: identity collision")
	// ErrShapeMismatch is returned when a payload or a stored record does not
	// fit the selection it is normalized or read with.
	ErrShapeMismatch = errors.New("store: shape mismatch")
	// ErrRecordNotFound is returned by updaters editing a record that is not
	// in the store.
	ErrRecordNotFound = errors.New("store: record not found")
	// ErrPathNotFound is returned by ResolvePath when the path leaves the
	// stored data or the selection.
	ErrPathNotFound = errors.New("store: path not found")
)

// IdentityCollisionError reports a record ID claimed by two concrete types.
// The write that caused it is rejected whole.
type IdentityCollisionError struct {
	ID       record.ID
	Existing string
	Incoming string
	Path     []string
}

func (e *IdentityCollisionError) Error() string {
	return fmt.Sprintf("store: identity collision on %q at %s: stored as %s, received %s",
		e.ID, joinPath(e.Path), e.Existing, e.Incoming)
}

func (e *IdentityCollisionError) Is(target error) bool { return target == ErrIdentityCollision }

// ShapeError reports where a payload or record diverged from its selection.
type ShapeError struct {
	Path   []string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("store: shape mismatch at %s: %s", joinPath(e.Path), e.Reason)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShapeMismatch }

func joinPath(p []string) string {
	if len(p) == 0 {
		return "<root>"
	}
	return strings.Join(p, ".")
}
