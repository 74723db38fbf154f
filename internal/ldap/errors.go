package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory buckets directory errors by how callers should react.
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

// DirectoryError carries the LDAP result code and category alongside the
// failed operation, so callers can branch without string matching.
type DirectoryError struct {
	Operation  string
	Category   ErrorCategory
	ResultCode uint16
	DN         string
	Retryable  bool
	Cause      error
}

func (e *DirectoryError) Error() string {
	var b strings.Builder
	b.WriteString("ldap ")
	b.WriteString(e.Operation)
	b.WriteString(" failed")
	if e.ResultCode > 0 {
		fmt.Fprintf(&b, " (result %d: %s)", e.ResultCode, ldap.LDAPResultCodeMap[e.ResultCode])
	}
	if e.DN != "" {
		fmt.Fprintf(&b, " [dn=%s]", e.DN)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DirectoryError) IsRetryable() bool { return e.Retryable }

func (e *DirectoryError) Unwrap() error { return e.Cause }

// NewDirectoryError wraps err with operation context and categorization.
// A nil err yields nil.
func NewDirectoryError(operation, dn string, err error) error {
	if err == nil {
		return nil
	}

	de := &DirectoryError{Operation: operation, DN: dn, Cause: err}

	var le *ldap.Error
	if errors.As(err, &le) {
		de.ResultCode = le.ResultCode
		de.Category = categorizeCode(le.ResultCode)
		de.Retryable = isCodeRetryable(le.ResultCode)
	} else {
		de.Category = categorizeGeneric(err)
		de.Retryable = de.Category == ErrorCategoryConnection
	}

	return de
}

func categorizeCode(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryConflict

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultUnavailableCriticalExtension:
		return ErrorCategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

func categorizeGeneric(err error) ErrorCategory {
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "connection"),
		strings.Contains(s, "network"),
		strings.Contains(s, "timeout"),
		strings.Contains(s, "broken pipe"),
		strings.Contains(s, "connection reset"):
		return ErrorCategoryConnection
	case strings.Contains(s, "credentials"),
		strings.Contains(s, "authentication"):
		return ErrorCategoryAuthentication
	case strings.Contains(s, "permission"),
		strings.Contains(s, "access denied"):
		return ErrorCategoryPermission
	default:
		return ErrorCategoryUnknown
	}
}

func isCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError:
		return true
	default:
		return false
	}
}

// Category returns the category of an error, unwrapping as needed.
func Category(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var de *DirectoryError
	if errors.As(err, &de) {
		return de.Category
	}

	var le *ldap.Error
	if errors.As(err, &le) {
		return categorizeCode(le.ResultCode)
	}

	return categorizeGeneric(err)
}

// ResultCode extracts the LDAP result code from an error, or 0.
func ResultCode(err error) uint16 {
	var de *DirectoryError
	if errors.As(err, &de) {
		return de.ResultCode
	}

	var le *ldap.Error
	if errors.As(err, &le) {
		return le.ResultCode
	}

	return 0
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}

	return categorizeGeneric(err) == ErrorCategoryConnection
}

// IsNotFound reports whether err indicates a missing entry or attribute.
func IsNotFound(err error) bool {
	return Category(err) == ErrorCategoryNotFound
}

// IsAttributeExists reports the attributeOrValueExists result, the
// duplicate-add case the engine treats as a soft success.
func IsAttributeExists(err error) bool {
	return ResultCode(err) == ldap.LDAPResultAttributeOrValueExists
}

// IsNoSuchAttribute reports the noSuchAttribute result, the
// missing-delete case the engine treats as a soft success.
func IsNoSuchAttribute(err error) bool {
	return ResultCode(err) == ldap.LDAPResultNoSuchAttribute
}
