package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemberURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want []DynamicConstraint
	}{
		{
			name: "single constraint",
			url:  "ldap:///ou=people,dc=example,dc=com??sub?(departmentNumber=42)",
			want: []DynamicConstraint{{Attr: "departmentNumber", Value: "42"}},
		},
		{
			name: "flat conjunction",
			url:  "ldap:///ou=people,dc=example,dc=com??sub?(&(objectClass=inetOrgPerson)(employeeType=staff))",
			want: []DynamicConstraint{
				{Attr: "objectClass", Value: "inetOrgPerson"},
				{Attr: "employeeType", Value: "staff"},
			},
		},
		{
			name: "host and port present",
			url:  "ldap://ldap.example.com:389/dc=example,dc=com?uid?one?(st=CA)",
			want: []DynamicConstraint{{Attr: "st", Value: "CA"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMemberURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMemberURLRejected(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"not a URL", "ou=people,dc=example,dc=com"},
		{"no filter", "ldap:///ou=people,dc=example,dc=com"},
		{"empty filter", "ldap:///ou=people,dc=example,dc=com??sub?"},
		{"uid constraint", "ldap:///dc=example,dc=com??sub?(uid=jdoe)"},
		{"cn constraint", "ldap:///dc=example,dc=com??sub?(&(cn=admins)(l=NYC))"},
		{"wildcard value", "ldap:///dc=example,dc=com??sub?(&(mail=*@example.com)(l=NYC))"},
		{"no attribute terms", "ldap:///dc=example,dc=com??sub?(&)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMemberURL(tt.url)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "memberURL", verr.Field)
		})
	}
}
