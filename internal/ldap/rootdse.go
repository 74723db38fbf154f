package ldap

import (
	"context"
	"fmt"
	"slices"
)

// rootDSE reads the root DSE with the given attributes.
func (c *client) rootDSE(ctx context.Context, attributes []string) (*Entry, error) {
	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
		SizeLimit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read root DSE: %w", err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("server returned no root DSE")
	}
	return result.Entries[0], nil
}

// NamingContexts lists the server's naming contexts.
func (c *client) NamingContexts(ctx context.Context) ([]string, error) {
	entry, err := c.rootDSE(ctx, []string{"namingContexts", "defaultNamingContext"})
	if err != nil {
		return nil, err
	}

	contexts := entry.GetAttributeValues("namingContexts")
	if len(contexts) == 0 {
		if v := entry.GetAttributeValue("defaultNamingContext"); v != "" {
			contexts = []string{v}
		}
	}
	if len(contexts) == 0 {
		return nil, fmt.Errorf("root DSE advertises no naming contexts")
	}
	return contexts, nil
}

// SupportsControl reports whether the root DSE advertises the control
// OID. Callers cache the answer per run; this always re-queries.
func (c *client) SupportsControl(ctx context.Context, oid string) (bool, error) {
	entry, err := c.rootDSE(ctx, []string{"supportedControl"})
	if err != nil {
		return false, err
	}
	return slices.Contains(entry.GetAttributeValues("supportedControl"), oid), nil
}

// Schema reads the server's subschema subentry.
func (c *client) Schema(ctx context.Context) (*Entry, error) {
	entry, err := c.rootDSE(ctx, []string{"subschemaSubentry"})
	if err != nil {
		return nil, err
	}

	subentry := entry.GetAttributeValue("subschemaSubentry")
	if subentry == "" {
		subentry = "cn=schema"
	}

	// Subschema entries are only visible to an explicit subschema filter
	// on some servers.
	result, err := c.Search(ctx, &SearchRequest{
		BaseDN: subentry,
		Scope:  ScopeBaseObject,
		Filter: "(objectClass=subschema)",
		Attributes: []string{
			"objectClasses",
			"attributeTypes",
			"matchingRules",
			"ldapSyntaxes",
		},
		SizeLimit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("subschema subentry %q not found", subentry)
	}
	return result.Entries[0], nil
}
