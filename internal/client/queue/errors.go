package queue

import "fmt"

// ValidationError is returned by Enqueue when a mutation would break
// the per-entity ordering rules or is structurally invalid.
type ValidationError struct {
	EntityID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("invalid mutation: %s", e.Reason)
	}
	return fmt.Sprintf("invalid mutation for entity %s: %s", e.EntityID, e.Reason)
}

func invalid(entityID, format string, args ...any) *ValidationError {
	return &ValidationError{EntityID: entityID, Reason: fmt.Sprintf(format, args...)}
}
