package agent

import "fmt"

// NotInitializedError is returned when a caller targets a provider that was
// never successfully initialized. The message names the remediation command.
type NotInitializedError struct {
	Provider string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("provider '%s' is not initialized; run 'chorus -init %s' first", e.Provider, e.Provider)
}

// DispatchError wraps a transport failure with the provider that was
// attempted, for user-facing diagnostics. Dispatch never retries; any retry
// policy belongs to the caller.
type DispatchError struct {
	Provider string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to '%s' failed: %v", e.Provider, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
