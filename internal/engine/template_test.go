package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindingsSet(t *testing.T) {
	b := NewBindings()
	b.Set(BindingCount, "7")
	b.Set(BindingDN, "uid=jdoe,ou=people,dc=example,dc=com")

	v, ok := b.Get("COUNT")
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	// reserved names are case-sensitive
	_, ok = b.Resolve("count")
	assert.False(t, ok)

	assert.Equal(t, []string{"COUNT", "DN"}, b.Names())
}

func TestBindingsSetAttribute(t *testing.T) {
	b := NewBindings()
	b.SetAttribute("mailPrimaryAddress", "jdoe@example.com")

	for _, name := range []string{"MAILPRIMARYADDRESS", "mailprimaryaddress", "mailPrimaryAddress"} {
		v, ok := b.Resolve(name)
		assert.True(t, ok, name)
		assert.Equal(t, "jdoe@example.com", v)
	}
}

func TestBindingsRebindKeepsPosition(t *testing.T) {
	b := NewBindings()
	b.Set("A", "1")
	b.Set("B", "2")
	b.Set("A", "3")

	assert.Equal(t, []string{"A", "B"}, b.Names())
	v, _ := b.Get("A")
	assert.Equal(t, "3", v)
}

func TestExpand(t *testing.T) {
	b := NewBindings()
	b.Set(BindingCount, "42")
	b.SetAttribute("uid", "jdoe")

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "simple substitution",
			template: "uid=user{COUNT},ou=people,dc=example,dc=com",
			want:     "uid=user42,ou=people,dc=example,dc=com",
		},
		{
			name:     "attribute placeholder any casing",
			template: "cn: {uid} / {UID}",
			want:     "cn: jdoe / jdoe",
		},
		{
			name:     "unmatched placeholder left verbatim",
			template: "homeDirectory: /home/{USERNAME}",
			want:     "homeDirectory: /home/{USERNAME}",
		},
		{
			name:     "repeated placeholder",
			template: "{COUNT}-{COUNT}",
			want:     "42-42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expand(tt.template, b)
			assert.Equal(t, tt.want, got)
			// expansion is idempotent
			assert.Equal(t, got, Expand(got, b))
		})
	}
}

func TestExpandSubjectInjectsDN(t *testing.T) {
	b := NewBindings()
	b.Set(BindingDN, "uid=jdoe,ou=people,dc=example,dc=com")
	b.SetAttribute("uid", "jdoe")

	expanded := ExpandSubject("changetype: modify\nreplace: description\ndescription: user {uid}\n", b)
	assert.Equal(t,
		"dn: uid=jdoe,ou=people,dc=example,dc=com\nchangetype: modify\nreplace: description\ndescription: user jdoe\n",
		expanded)
}

func TestExpandSubjectKeepsExplicitDN(t *testing.T) {
	b := NewBindings()
	b.Set(BindingDN, "uid=jdoe,ou=people,dc=example,dc=com")
	b.Set(BindingCount, "1")

	expanded := ExpandSubject("dn: cn=other{COUNT},dc=example,dc=com\nchangetype: delete\n", b)
	assert.Equal(t, "dn: cn=other1,dc=example,dc=com\nchangetype: delete\n", expanded)
}

func TestExpandSubjectNoDNBinding(t *testing.T) {
	b := NewBindings()
	b.Set(BindingCount, "1")

	// nothing to inject, text passes through
	expanded := ExpandSubject("changetype: delete\n", b)
	assert.Equal(t, "changetype: delete\n", expanded)
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("dn: uid={uid},{BASE}\nuid: {uid}\nmail: {mail;lang-en}\n")
	assert.Equal(t, []string{"uid", "BASE", "mail;lang-en"}, got)
}
