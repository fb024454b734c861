package remote

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnavailable indicates a transient transport or server failure
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrPermissionDenied indicates the user may not write or read the scope
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBatchTooLarge indicates the batch exceeds the server write limit.
	// Nothing was committed.
	ErrBatchTooLarge = errors.New("batch too large")
)

// MalformedDocumentError lists mutations whose documents were rejected.
// Nothing from the batch was committed; the remaining mutations may be resubmitted.
type MalformedDocumentError struct {
	Reasons     map[int64]string
	MutationIDs []int64
}

// NewMalformedDocumentError collects reasons keyed by mutation id
func NewMalformedDocumentError(reasons map[int64]string) *MalformedDocumentError {
	ids := make([]int64, 0, len(reasons))
	for id := range reasons {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return &MalformedDocumentError{Reasons: reasons, MutationIDs: ids}
}

func (e *MalformedDocumentError) Error() string {
	parts := make([]string, 0, len(e.MutationIDs))
	for _, id := range e.MutationIDs {
		parts = append(parts, fmt.Sprintf("%d: %s", id, e.Reasons[id]))
	}
	return "malformed document: " + strings.Join(parts, "; ")
}

// Contains reports whether the mutation with id was rejected
func (e *MalformedDocumentError) Contains(id int64) bool {
	_, ok := e.Reasons[id]
	return ok
}
