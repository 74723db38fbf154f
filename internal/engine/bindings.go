package engine

import "strings"

// Reserved binding names.
const (
	BindingDN    = "DN"    // subject distinguished name
	BindingCount = "COUNT" // range provider ordinal
)

// Bindings is one substitution context: an ordered map of placeholder
// names to values. Names bound with Set are case-sensitive; names bound
// with SetAttribute also match case-insensitively, mirroring how entry
// attribute names are matched in directories.
type Bindings struct {
	names  []string
	values map[string]string
	fold   map[string]string // lower-cased name -> canonical name
}

// NewBindings returns an empty binding set.
func NewBindings() *Bindings {
	return &Bindings{
		values: make(map[string]string),
		fold:   make(map[string]string),
	}
}

// Set binds a case-sensitive name. The first binding of a name wins;
// re-binding overwrites the value but keeps the original position.
func (b *Bindings) Set(name, value string) {
	if _, ok := b.values[name]; !ok {
		b.names = append(b.names, name)
	}
	b.values[name] = value
}

// SetAttribute binds an attribute-name placeholder. The canonical form
// is the upper-cased attribute name; lookups also match any casing.
func (b *Bindings) SetAttribute(name, value string) {
	canonical := strings.ToUpper(name)
	b.Set(canonical, value)
	b.fold[strings.ToLower(name)] = canonical
}

// Get returns the value bound to the exact name.
func (b *Bindings) Get(name string) (string, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Resolve looks the name up exactly first, then case-insensitively among
// attribute bindings.
func (b *Bindings) Resolve(name string) (string, bool) {
	if v, ok := b.values[name]; ok {
		return v, true
	}
	if canonical, ok := b.fold[strings.ToLower(name)]; ok {
		return b.values[canonical], true
	}
	return "", false
}

// Names returns the bound names in binding order.
func (b *Bindings) Names() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

// Len returns the number of bound names.
func (b *Bindings) Len() int { return len(b.names) }
