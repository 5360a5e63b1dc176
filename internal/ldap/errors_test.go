package ldap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLDAPError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, NewLDAPError("add", "uid=jdoe,dc=test", nil))
	})

	t.Run("result error keeps diagnostics", func(t *testing.T) {
		cause := &ldap.Error{
			ResultCode: ldap.LDAPResultNoSuchObject,
			MatchedDN:  "dc=ldap,dc=test",
			Err:        errors.New(" parent entry missing "),
		}

		got := NewLDAPError("modify", "uid=jdoe,ou=people,dc=ldap,dc=test", cause)
		require.NotNil(t, got)

		assert.Equal(t, "modify", got.Operation)
		assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject), got.Code)
		assert.Equal(t, ErrorCategoryNotFound, got.Category)
		assert.Equal(t, "parent entry missing", got.ServerMsg)
		assert.Equal(t, "dc=ldap,dc=test", got.MatchedDN)
		assert.ErrorIs(t, got, cause)
	})

	t.Run("wrapped result error", func(t *testing.T) {
		cause := fmt.Errorf("request: %w", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")))

		got := NewLDAPError("bind", "", cause)
		assert.Equal(t, ErrorCategoryAuthentication, got.Category)
		assert.Equal(t, uint16(ldap.LDAPResultInvalidCredentials), got.Code)
	})

	t.Run("no result code", func(t *testing.T) {
		got := NewLDAPError("add", "", errors.New("dial tcp: connection refused"))
		assert.Equal(t, ErrorCategoryConnection, got.Category)
		assert.Zero(t, got.Code)
	})
}

func TestLDAPError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *LDAPError
		want string
	}{
		{
			name: "transport failure",
			err:  &LDAPError{Operation: "delete", DN: "uid=jdoe,dc=test", Cause: errors.New("connection refused")},
			want: "ldap delete uid=jdoe,dc=test: connection refused",
		},
		{
			name: "result code",
			err:  &LDAPError{Operation: "bind", Code: ldap.LDAPResultInvalidCredentials},
			want: "ldap bind: Invalid Credentials (49)",
		},
		{
			name: "result code with server message",
			err: &LDAPError{
				Operation: "add",
				DN:        "uid=jdoe,ou=people,dc=ldap,dc=test",
				Code:      ldap.LDAPResultObjectClassViolation,
				ServerMsg: "missing attribute sn",
			},
			want: "ldap add uid=jdoe,ou=people,dc=ldap,dc=test: Object Class Violation (65): missing attribute sn",
		},
		{
			name: "unknown code",
			err:  &LDAPError{Operation: "modify", Code: 9999},
			want: "ldap modify: Unknown Result (9999)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		code uint16
		want ErrorCategory
	}{
		{ldap.LDAPResultInvalidCredentials, ErrorCategoryAuthentication},
		{ldap.LDAPResultInsufficientAccessRights, ErrorCategoryPermission},
		{ldap.LDAPResultNoSuchObject, ErrorCategoryNotFound},
		{ldap.LDAPResultEntryAlreadyExists, ErrorCategoryConflict},
		{ldap.LDAPResultAttributeOrValueExists, ErrorCategoryConflict},
		{ldap.LDAPResultConstraintViolation, ErrorCategoryValidation},
		{ldap.LDAPResultBusy, ErrorCategoryServer},
		{ldap.LDAPResultConnectError, ErrorCategoryConnection},
		{9999, ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, categoryOf(tt.code))
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	notFound := NewLDAPError("delete", "", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")))
	exists := ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists"))
	badCreds := NewLDAPError("bind", "", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad")))

	assert.True(t, IsNotFoundError(notFound))
	assert.True(t, IsNotFoundError(fmt.Errorf("wrapped: %w", notFound)))
	assert.False(t, IsNotFoundError(exists))
	assert.True(t, IsConflictError(exists))
	assert.True(t, IsAuthenticationError(badCreds))
	assert.Equal(t, ErrorCategoryUnknown, GetErrorCategory(nil))
	assert.Equal(t, ErrorCategoryUnknown, GetErrorCategory(errors.New("plain")))

	assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject), ResultCode(notFound))
	assert.Equal(t, uint16(ldap.LDAPResultEntryAlreadyExists), ResultCode(exists))
	assert.Zero(t, ResultCode(errors.New("plain")))
}
