package storage

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Common storage errors
var (
	// ErrUserNotFound indicates that user was not found in storage
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates that user with this username already exists
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrNotMember indicates that the user has no role in the survey
	ErrNotMember = errors.New("user is not a member of the survey")

	// ErrDocumentNotFound indicates that document was not found
	ErrDocumentNotFound = errors.New("document not found")
)

// MalformedError lists writes of a batch that cannot be applied.
// The whole batch is rolled back.
type MalformedError struct {
	Reasons map[int64]string // причина по mutation_id
}

func (e *MalformedError) Error() string {
	ids := make([]int64, 0, len(e.Reasons))
	for id := range e.Reasons {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d: %s", id, e.Reasons[id]))
	}
	return "malformed writes: " + strings.Join(parts, "; ")
}
