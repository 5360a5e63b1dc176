package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory groups result codes by how a caller reacts to them.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

var codeCategories = map[uint16]ErrorCategory{
	ldap.LDAPResultInvalidCredentials:          ErrorCategoryAuthentication,
	ldap.LDAPResultInappropriateAuthentication: ErrorCategoryAuthentication,
	ldap.LDAPResultStrongAuthRequired:          ErrorCategoryAuthentication,

	ldap.LDAPResultInsufficientAccessRights: ErrorCategoryPermission,
	ldap.LDAPResultUnwillingToPerform:       ErrorCategoryPermission,

	ldap.LDAPResultNoSuchObject:           ErrorCategoryNotFound,
	ldap.LDAPResultNoSuchAttribute:        ErrorCategoryNotFound,
	ldap.LDAPResultUndefinedAttributeType: ErrorCategoryNotFound,

	ldap.LDAPResultEntryAlreadyExists:     ErrorCategoryConflict,
	ldap.LDAPResultAttributeOrValueExists: ErrorCategoryConflict,
	ldap.LDAPResultObjectClassViolation:   ErrorCategoryConflict,
	ldap.LDAPResultNotAllowedOnNonLeaf:    ErrorCategoryConflict,

	ldap.LDAPResultInvalidAttributeSyntax: ErrorCategoryValidation,
	ldap.LDAPResultConstraintViolation:    ErrorCategoryValidation,
	ldap.LDAPResultInvalidDNSyntax:        ErrorCategoryValidation,
	ldap.LDAPResultNamingViolation:        ErrorCategoryValidation,

	ldap.LDAPResultServerDown:         ErrorCategoryServer,
	ldap.LDAPResultUnavailable:        ErrorCategoryServer,
	ldap.LDAPResultBusy:               ErrorCategoryServer,
	ldap.LDAPResultTimeLimitExceeded:  ErrorCategoryServer,
	ldap.LDAPResultAdminLimitExceeded: ErrorCategoryServer,

	ldap.LDAPResultConnectError:  ErrorCategoryConnection,
	ldap.ErrorNetwork:            ErrorCategoryConnection,
	ldap.LDAPResultProtocolError: ErrorCategoryConnection,
}

// LDAPError is a failed directory write with the server's diagnostics.
type LDAPError struct {
	Operation string // add, modify, delete, bind
	DN        string
	Category  ErrorCategory
	Code      uint16 // zero when the server never answered
	ServerMsg string
	MatchedDN string
	Cause     error
}

func (e *LDAPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ldap %s", e.Operation)
	if e.DN != "" {
		fmt.Fprintf(&b, " %s", e.DN)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": %s (%d)", resultText(e.Code), e.Code)
		if e.ServerMsg != "" {
			fmt.Fprintf(&b, ": %s", e.ServerMsg)
		}
		return b.String()
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError wraps err for operation on dn, or returns nil for a nil err.
// Errors that carry no result code never reached the server and are
// connection failures.
func NewLDAPError(operation, dn string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	out := &LDAPError{
		Operation: operation,
		DN:        dn,
		Category:  ErrorCategoryConnection,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		out.Code = resultErr.ResultCode
		out.Category = categoryOf(resultErr.ResultCode)
		out.MatchedDN = resultErr.MatchedDN
		if resultErr.Err != nil {
			out.ServerMsg = strings.TrimSpace(resultErr.Err.Error())
		}
	}
	return out
}

func categoryOf(code uint16) ErrorCategory {
	if c, ok := codeCategories[code]; ok {
		return c
	}
	return ErrorCategoryUnknown
}

func resultText(code uint16) string {
	if text, ok := ldap.LDAPResultCodeMap[code]; ok {
		return text
	}
	return "Unknown Result"
}

// GetErrorCategory classifies err. nil and errors from outside this package
// without a result code are ErrorCategoryUnknown.
func GetErrorCategory(err error) ErrorCategory {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}
	if code := ResultCode(err); code != 0 {
		return categoryOf(code)
	}
	return ErrorCategoryUnknown
}

// ResultCode extracts the LDAP result code from err, or 0.
func ResultCode(err error) uint16 {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.Code != 0 {
		return ldapErr.Code
	}
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode
	}
	return 0
}

func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsConflictError reports an entry or value that already exists.
func IsConflictError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConflict
}

func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}
