package ldap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDirectoryError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory ErrorCategory
		wantCode     uint16
		wantRetry    bool
	}{
		{
			name:         "invalid credentials",
			err:          ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")),
			wantCategory: ErrorCategoryAuthentication,
			wantCode:     ldap.LDAPResultInvalidCredentials,
		},
		{
			name:         "no such object",
			err:          ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")),
			wantCategory: ErrorCategoryNotFound,
			wantCode:     ldap.LDAPResultNoSuchObject,
		},
		{
			name:         "attribute or value exists",
			err:          ldap.NewError(ldap.LDAPResultAttributeOrValueExists, errors.New("dup")),
			wantCategory: ErrorCategoryConflict,
			wantCode:     ldap.LDAPResultAttributeOrValueExists,
		},
		{
			name:         "server busy is retryable",
			err:          ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")),
			wantCategory: ErrorCategoryServer,
			wantCode:     ldap.LDAPResultBusy,
			wantRetry:    true,
		},
		{
			name:         "generic network error",
			err:          errors.New("connection refused"),
			wantCategory: ErrorCategoryConnection,
			wantRetry:    true,
		},
		{
			name:         "generic unknown error",
			err:          errors.New("something else"),
			wantCategory: ErrorCategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewDirectoryError("modify", "cn=x,dc=example,dc=com", tt.err)
			require.Error(t, err)

			var de *DirectoryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "modify", de.Operation)
			assert.Equal(t, tt.wantCategory, de.Category)
			assert.Equal(t, tt.wantCode, de.ResultCode)
			assert.Equal(t, tt.wantRetry, de.Retryable)
		})
	}
}

func TestNewDirectoryErrorNil(t *testing.T) {
	assert.NoError(t, NewDirectoryError("add", "", nil))
}

func TestDirectoryErrorUnwrap(t *testing.T) {
	cause := ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("gone"))
	err := NewDirectoryError("read", "cn=x", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject), ResultCode(err))
}

func TestSoftSuccessHelpers(t *testing.T) {
	exists := NewDirectoryError("modify", "uid=a",
		ldap.NewError(ldap.LDAPResultAttributeOrValueExists, errors.New("dup")))
	missing := NewDirectoryError("modify", "uid=a",
		ldap.NewError(ldap.LDAPResultNoSuchAttribute, errors.New("absent")))

	assert.True(t, IsAttributeExists(exists))
	assert.False(t, IsAttributeExists(missing))
	assert.True(t, IsNoSuchAttribute(missing))
	assert.False(t, IsNoSuchAttribute(exists))

	// Helpers also see raw go-ldap errors and wrapped chains.
	raw := ldap.NewError(ldap.LDAPResultAttributeOrValueExists, errors.New("dup"))
	assert.True(t, IsAttributeExists(raw))
	assert.True(t, IsAttributeExists(fmt.Errorf("apply: %w", exists)))
}

func TestIsNotFound(t *testing.T) {
	err := NewDirectoryError("read", "cn=ghost",
		ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.False(t, IsNotFound(nil))
}

func TestConnectionErrorRetryable(t *testing.T) {
	err := NewConnectionError("dial failed", true, errors.New("refused"))
	assert.True(t, IsRetryable(err))

	err = NewConnectionError("gave up", false, errors.New("refused"))
	assert.False(t, IsRetryable(err))
}
