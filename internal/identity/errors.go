package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrNotFound        = errors.New("not found")
	ErrBackendNotFound = errors.New("not found in backend")
	ErrConflict        = errors.New("domain already active")
	ErrExternalCommand = errors.New("external command failed")
	ErrCredential      = errors.New("credential acquisition failed")
)

// NotFoundError is a read-side lookup miss. A daemon that is down and an
// object that does not exist both produce it.
type NotFoundError struct {
	Kind string // "user" or "group"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// BackendNotFoundError reports that the authoritative backend has no entry
// for the user being modified or deleted.
type BackendNotFoundError struct {
	User string
	Err  error
}

func (e *BackendNotFoundError) Error() string {
	return fmt.Sprintf("user %s not found", e.User)
}

func (e *BackendNotFoundError) Is(target error) bool {
	return target == ErrBackendNotFound
}

func (e *BackendNotFoundError) Unwrap() error {
	return e.Err
}

// ConflictError is returned when a domain add is attempted while another
// domain is active.
type ConflictError struct {
	Active []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a domain is already active: %s", strings.Join(e.Active, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ExternalCommandError carries the captured error output of a failed
// process invocation or remote API call.
type ExternalCommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\n" + s
	}
	return msg
}

func (e *ExternalCommandError) Is(target error) bool {
	return target == ErrExternalCommand
}

func (e *ExternalCommandError) Unwrap() error {
	return e.Err
}

// CredentialError reports a failure to obtain a Kerberos ticket from a
// credential cache, keytab or password.
type CredentialError struct {
	Principal string
	Err       error
}

func (e *CredentialError) Error() string {
	if e.Principal == "" {
		return fmt.Sprintf("kerberos credentials: %v", e.Err)
	}
	return fmt.Sprintf("kerberos credentials for %s: %v", e.Principal, e.Err)
}

func (e *CredentialError) Is(target error) bool {
	return target == ErrCredential
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}
