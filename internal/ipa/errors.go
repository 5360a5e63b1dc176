package ipa

import (
	"errors"
	"fmt"
)

// IPA error codes the bridge reacts to. The full list lives in
// ipalib/errors.py on the server.
const (
	CodeNotFound       = 4001
	CodeDuplicateEntry = 4002
	CodeEmptyModlist   = 4202
)

// Error is the error object of a JSON-RPC response.
type Error struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`

	// Method is the command that failed. It is not part of the wire form.
	Method string `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("ipa %s: %s: %s", e.Method, e.Name, e.Message)
	}
	return fmt.Sprintf("ipa %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// IsNotFound reports whether err is an IPA NotFound error.
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsDuplicate reports whether err is an IPA DuplicateEntry error.
func IsDuplicate(err error) bool {
	return hasCode(err, CodeDuplicateEntry)
}

// IsEmptyModlist reports whether err says a modification changed nothing.
func IsEmptyModlist(err error) bool {
	return hasCode(err, CodeEmptyModlist)
}

func hasCode(err error, code int) bool {
	var ipaErr *Error
	return errors.As(err, &ipaErr) && ipaErr.Code == code
}

// StatusError is returned when the server answers with a non-2xx status and
// no JSON-RPC body, typically a rejected Negotiate handshake.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ipa: unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("ipa: unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}
