package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// DynamicConstraint is one attribute=value pair extracted from a
// memberURL filter. For a dynamic group, "joining" means giving the
// user entry these attribute values.
type DynamicConstraint struct {
	Attr  string
	Value string
}

// constraintPattern extracts flat (attr=value) terms from a filter.
// Terms inside nested OR/NOT branches are still picked up textually;
// this is deliberately not a full filter-algebra evaluation, only the
// flat AND-conjunction case is fully honored.
var constraintPattern = regexp.MustCompile(`\(([A-Za-z][A-Za-z0-9;-]*)=([^()]*)\)`)

// ParseMemberURL extracts the search filter from an LDAP URL
// (scheme://host/dn?attrs?scope?filter) and returns its attribute
// constraints. The whole constraint set is rejected when any extracted
// term names uid or cn (editing naming attributes to force membership
// is never safe) or carries a wildcard value.
func ParseMemberURL(memberURL string) ([]DynamicConstraint, error) {
	filter, err := memberURLFilter(memberURL)
	if err != nil {
		return nil, err
	}
	return extractConstraints(filter)
}

// memberURLFilter pulls the filter component out of an LDAP URL.
func memberURLFilter(memberURL string) (string, error) {
	trimmed := strings.TrimSpace(memberURL)
	if trimmed == "" {
		return "", &ValidationError{Field: "memberURL", Msg: "empty URL"}
	}

	idx := strings.Index(trimmed, "://")
	if idx < 0 {
		return "", &ValidationError{Field: "memberURL", Msg: fmt.Sprintf("%q is not an LDAP URL", memberURL)}
	}

	rest := trimmed[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return "", &ValidationError{Field: "memberURL", Msg: fmt.Sprintf("%q has no DN component", memberURL)}
	}

	// dn?attributes?scope?filter
	parts := strings.SplitN(rest[slash+1:], "?", 4)
	if len(parts) < 4 || strings.TrimSpace(parts[3]) == "" {
		return "", &ValidationError{Field: "memberURL", Msg: fmt.Sprintf("%q has no filter component", memberURL)}
	}

	return strings.TrimSpace(parts[3]), nil
}

// extractConstraints pulls flat attribute terms out of a filter string.
func extractConstraints(filter string) ([]DynamicConstraint, error) {
	matches := constraintPattern.FindAllStringSubmatch(filter, -1)
	if len(matches) == 0 {
		return nil, &ValidationError{
			Field: "memberURL",
			Msg:   fmt.Sprintf("filter %q contains no attribute constraints", filter),
		}
	}

	constraints := make([]DynamicConstraint, 0, len(matches))
	for _, m := range matches {
		attr, value := m[1], m[2]

		switch strings.ToLower(attr) {
		case "uid", "cn":
			return nil, &ValidationError{
				Field: "memberURL",
				Msg:   fmt.Sprintf("filter constrains naming attribute %q; refusing to edit it on user entries", attr),
			}
		}

		if strings.Contains(value, "*") {
			return nil, &ValidationError{
				Field: "memberURL",
				Msg:   fmt.Sprintf("constraint %s=%s contains a wildcard and cannot be satisfied by attribute edits", attr, value),
			}
		}

		constraints = append(constraints, DynamicConstraint{Attr: attr, Value: value})
	}

	return constraints, nil
}
