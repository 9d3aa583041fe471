// Package hookerr defines the gate's error taxonomy. Tiers use these types to
// distinguish transient faults (downgrade the tier to undetermined) from
// structural precondition failures (short-circuit with a specific deny).
package hookerr

import (
	"errors"
	"fmt"
	"time"
)

// SessionNotRegisteredError means no role is bound to the session.
type SessionNotRegisteredError struct {
	SessionID string
}

func (e *SessionNotRegisteredError) Error() string {
	return fmt.Sprintf("session not registered: %s", e.SessionID)
}

// SessionDisabledError means gating was explicitly turned off for a session.
type SessionDisabledError struct {
	SessionID string
}

func (e *SessionDisabledError) Error() string {
	return fmt.Sprintf("session disabled: %s", e.SessionID)
}

// RegistrationTimeoutError means the registration wait elapsed without the
// session appearing in the registration file.
type RegistrationTimeoutError struct {
	SessionID string
	Waited    time.Duration
}

func (e *RegistrationTimeoutError) Error() string {
	return fmt.Sprintf("registration timeout: waited %s for session %s", e.Waited, e.SessionID)
}

// RoleNotFoundError means roles.yml has no entry for the requested role.
type RoleNotFoundError struct {
	Role string
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("role not found: %s", e.Role)
}

// ConfigParseError wraps a YAML/structure failure in a config file.
type ConfigParseError struct {
	Path   string
	Reason string
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("config parse error in %s: %s", e.Path, e.Reason)
}

// GlobPatternError means a role or sensitive-path glob failed to compile.
// Surfaced at load time, never at request time.
type GlobPatternError struct {
	Pattern string
	Reason  string
}

func (e *GlobPatternError) Error() string {
	return fmt.Sprintf("glob pattern error: %q: %s", e.Pattern, e.Reason)
}

// StorageError wraps on-disk decision store faults.
type StorageError struct {
	Reason string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("storage error: %s", e.Reason)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EmbeddingError means the embedding model is unavailable or misbehaving.
// Always treated as transient; the vector tier degrades to undetermined.
type EmbeddingError struct {
	Reason string
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding error: %s", e.Reason)
}

// SupervisorError wraps socket/API supervisor failures.
type SupervisorError struct {
	Reason string
	Err    error
}

func (e *SupervisorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("supervisor error: %s", e.Reason)
}

func (e *SupervisorError) Unwrap() error { return e.Err }

// SupervisorTimeoutError means the per-call supervisor deadline elapsed.
type SupervisorTimeoutError struct {
	Timeout time.Duration
}

func (e *SupervisorTimeoutError) Error() string {
	return fmt.Sprintf("supervisor timeout after %s", e.Timeout)
}

// HumanTimeoutError means no human response arrived within the window.
type HumanTimeoutError struct {
	Timeout time.Duration
}

func (e *HumanTimeoutError) Error() string {
	return fmt.Sprintf("human decision timeout after %s", e.Timeout)
}

// IpcError wraps transport-level failures on the supervisor socket.
type IpcError struct {
	Reason string
	Err    error
}

func (e *IpcError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ipc error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ipc error: %s", e.Reason)
}

func (e *IpcError) Unwrap() error { return e.Err }

// SocketNotFoundError means the supervisor socket path does not exist.
type SocketNotFoundError struct {
	Path string
}

func (e *SocketNotFoundError) Error() string {
	return fmt.Sprintf("socket not found at %s", e.Path)
}

// IsTransient reports whether the cascade may continue past a tier that
// returned this error. Structural session errors are not transient.
func IsTransient(err error) bool {
	var (
		notReg   *SessionNotRegisteredError
		disabled *SessionDisabledError
		regTO    *RegistrationTimeoutError
	)
	switch {
	case errors.As(err, &notReg), errors.As(err, &disabled), errors.As(err, &regTO):
		return false
	}
	return true
}
