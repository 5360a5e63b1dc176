package scim

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// scimType values from RFC 7644 section 3.12.
const (
	TypeInvalidFilter = "invalidFilter"
	TypeInvalidSyntax = "invalidSyntax"
	TypeInvalidValue  = "invalidValue"
	TypeUniqueness    = "uniqueness"
)

// ErrUnsupportedFilter is returned for filter expressions other than a
// single equality match on the resource's name attribute.
var ErrUnsupportedFilter = errors.New("unsupported filter")

// Error is the SCIM error response body. It doubles as a Go error so
// handlers can return it directly.
type Error struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`

	err error
}

// NewError builds an error response for an HTTP status.
func NewError(status int, scimType, detail string) *Error {
	return &Error{
		Schemas:  []string{SchemaError},
		Status:   strconv.Itoa(status),
		ScimType: scimType,
		Detail:   detail,
	}
}

// BadRequest builds a 400 response.
func BadRequest(scimType, detail string) *Error {
	return NewError(http.StatusBadRequest, scimType, detail)
}

func (e *Error) Error() string {
	if e.ScimType != "" {
		return fmt.Sprintf("scim %s (%s): %s", e.Status, e.ScimType, e.Detail)
	}
	return fmt.Sprintf("scim %s: %s", e.Status, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.err
}

// StatusCode returns the HTTP status as an int.
func (e *Error) StatusCode() int {
	code, err := strconv.Atoi(e.Status)
	if err != nil {
		return http.StatusInternalServerError
	}
	return code
}

func (e *Error) wrap(err error) *Error {
	e.err = err
	return e
}
