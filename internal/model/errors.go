package model

import "fmt"

// ConfigError is an invalid configuration; surfaced to the user, does not
// touch any persisted state (spec.md §7).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// AuthError reports that every client-transport strategy failed (spec.md §7,
// C1). Diagnostics is the concatenation of every strategy's failure.
type AuthError struct {
	Context     string
	Diagnostics string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth exhausted for context %q: %s", e.Context, e.Diagnostics)
}

// ResolveError reports that no ready pod or no matching port was found (C2).
type ResolveError struct {
	Reason string
}

func (e *ResolveError) Error() string { return "resolve error: " + e.Reason }

// StreamError reports a broken portforward stream (C3); the broker
// invalidates the handle and the resolver refreshes on the next lease.
type StreamError struct {
	Key StreamKey
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error for %+v: %v", e.Key, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// LocalBindError reports that binding the local listener failed (C4/C5);
// fatal to the forward.
type LocalBindError struct {
	Address string
	Err     error
}

func (e *LocalBindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Address, e.Err)
}

func (e *LocalBindError) Unwrap() error { return e.Err }

// HostAdapterError reports a helper-socket failure (C8). Fatal for Add,
// warning-level for Remove/Release per spec.md §7.
type HostAdapterError struct {
	Op  string
	Err error
}

func (e *HostAdapterError) Error() string {
	return fmt.Sprintf("host adapter %s failed: %v", e.Op, e.Err)
}

func (e *HostAdapterError) Unwrap() error { return e.Err }

// LogError reports an HTTP log parse/decompress failure (C6); the observer
// continues and emits a marker line instead.
type LogError struct {
	Reason string
	Err    error
}

func (e *LogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("log error: %s: %v", e.Reason, e.Err)
	}
	return "log error: " + e.Reason
}

func (e *LogError) Unwrap() error { return e.Err }
