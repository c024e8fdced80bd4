package trace

import "fmt"

// StateError indicates a lifecycle misuse such as closing a segment twice.
// It is surfaced to the caller and never fatal to the process.
type StateError struct {
	Op    string
	ID    string
	Name  string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("trace: %s: segment %s (%s): %s", e.Op, e.Name, e.ID, e.State)
}

// ContextMissingError indicates that automatic-mode code ran with no
// resolvable current segment.
type ContextMissingError struct {
	Op string
}

func (e *ContextMissingError) Error() string {
	return fmt.Sprintf("trace: %s: no segment found in context", e.Op)
}
