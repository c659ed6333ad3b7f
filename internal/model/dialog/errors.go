package dialog

import "fmt"

// ValidationError reports a request or turn that was rejected before any
// write happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
