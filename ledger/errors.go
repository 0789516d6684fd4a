// ABOUTME: Typed errors for the offline sync engine.
// ABOUTME: Enables programmatic handling with errors.Is() and errors.As().
package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrNetwork        = errors.New("network failure")
	ErrServer         = errors.New("server error")
	ErrClient         = errors.New("client error")
	ErrAuth           = errors.New("authentication failed")
	ErrConflict       = errors.New("conflict detected")
	ErrDecryptFailed  = errors.New("decrypt failed")
	ErrSchemaVersion  = errors.New("local schema out of date")
	ErrNotSetUp       = errors.New("encryption not set up")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrUnknownStore   = errors.New("unknown store")
)

// APIError wraps an HTTP failure with the operation and status that produced it.
type APIError struct {
	Op     string // "list", "create", "update", "delete", "encryption"
	Status int    // HTTP status code, 0 for transport failures
	Detail string // server-provided message if any
	Kind   error  // taxonomy sentinel: ErrNetwork, ErrServer, ErrClient, ErrAuth, ErrConflict
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.Status, e.Detail)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// SyncError wraps errors with sync operation context.
type SyncError struct {
	Op      string // "push", "pull"
	Entity  string // store name
	Err     error  // underlying typed error
	Retries int    // attempts made
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Entity, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// DecryptError reports a failed authenticated decryption. It is distinct from
// "record not found": the ciphertext exists but its tag did not verify (wrong
// key, corrupted data, or wrong IV).
type DecryptError struct {
	Field string // which field failed, when known (e.g. "description")
	Cause error  // underlying crypto error
}

func (e *DecryptError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decrypt failed: %v", e.Cause)
	}
	return fmt.Sprintf("decrypt failed for %s: %v", e.Field, e.Cause)
}

func (e *DecryptError) Unwrap() error {
	return e.Cause
}

func (e *DecryptError) Is(target error) bool {
	return target == ErrDecryptFailed
}

// SchemaError reports a local schema that does not match what this build
// expects. The only recovery is recreating the store (a "please refresh").
type SchemaError struct {
	Want    int
	Got     int
	Missing string // first missing table, if that is what tripped the check
}

func (e *SchemaError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("local schema missing table %q: refresh required", e.Missing)
	}
	return fmt.Sprintf("local schema version %d, expected %d: refresh required", e.Got, e.Want)
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaVersion
}

// Retryable returns true if the error should trigger a retry.
// Network failures and server errors are retryable; client and auth errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer)
}
