package engine

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {NAME} tokens. Attribute descriptions may
// carry options (language tags, ranges) separated by ';' or '-'.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9;_.-]*)\}`)

// Expand replaces every {NAME} occurrence with its bound value.
// Unmatched placeholders are left verbatim; callers decide whether
// leftovers constitute a failure. Expansion is idempotent: a fully
// substituted string passes through unchanged.
func Expand(template string, bindings *Bindings) string {
	if bindings == nil || bindings.Len() == 0 {
		return template
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := bindings.Resolve(name); ok {
			return v
		}
		return match
	})
}

// ExpandSubject expands the template for one subject and makes sure the
// result starts with a DN declaration line. When the template has none
// and the subject carries a DN binding, a dn: line is injected at the
// top, so entry-shaped templates (bare attribute lists) stay usable.
func ExpandSubject(template string, bindings *Bindings) string {
	expanded := Expand(template, bindings)

	if startsWithDN(expanded) {
		return expanded
	}

	dn, ok := bindings.Get(BindingDN)
	if !ok || dn == "" {
		return expanded
	}

	return "dn: " + dn + "\n" + strings.TrimLeft(expanded, "\n")
}

// startsWithDN reports whether the first non-blank, non-comment line is
// a dn declaration.
func startsWithDN(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lower := strings.ToLower(trimmed)
		return strings.HasPrefix(lower, "dn:")
	}
	return false
}

// Placeholders lists the distinct placeholder names in a template, in
// order of first appearance.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
