package engine

import (
	"fmt"
	"strings"

	"github.com/isometry/ldap-bulkops/internal/ldap"
)

// ValidationError reports malformed or missing input, caught before any
// server is touched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// NotFoundError reports a member identifier that resolved to no entry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no user found for %q", e.ID)
}

// AmbiguousMatchError reports a member identifier that resolved to more
// than one entry.
type AmbiguousMatchError struct {
	ID    string
	Count int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("identifier %q matches %d entries", e.ID, e.Count)
}

// UnsupportedGroupTypeError reports a group whose object classes match
// none of the recognized group types.
type UnsupportedGroupTypeError struct {
	DN            string
	ObjectClasses []string
}

func (e *UnsupportedGroupTypeError) Error() string {
	return fmt.Sprintf("group %s has unsupported type (objectClasses: %s)",
		e.DN, strings.Join(e.ObjectClasses, ", "))
}

// UnsupportedControlError reports that a server does not advertise a
// control the caller insisted on.
type UnsupportedControlError struct {
	Server string
	OID    string
}

func (e *UnsupportedControlError) Error() string {
	return fmt.Sprintf("server %s does not support control %s", e.Server, e.OID)
}

// TemplateError reports a template that expanded to text the change
// codec cannot parse, or to an unsupported change type.
type TemplateError struct {
	Msg   string
	Cause error
}

func (e *TemplateError) Error() string {
	if e.Cause != nil {
		return "template error: " + e.Msg + ": " + e.Cause.Error()
	}
	return "template error: " + e.Msg
}

func (e *TemplateError) Unwrap() error { return e.Cause }

// ProtocolError wraps a directory client failure, scoped to the server
// it happened on. The server-reported result code travels with the
// wrapped *ldap.DirectoryError.
type ProtocolError struct {
	Server string
	Cause  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server %s: %s", e.Server, e.Cause.Error())
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ResultCode returns the LDAP result code of the wrapped error, or 0.
func (e *ProtocolError) ResultCode() uint16 {
	return ldap.ResultCode(e.Cause)
}
