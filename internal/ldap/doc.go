/*
Package ldap implements the directory client used by the bulk mutation
engine.

It wraps github.com/go-ldap/ldap/v3 with:

  - connection pooling with health checking and idle reaping
  - retry with exponential backoff for transient failures
  - a typed error taxonomy mapping LDAP result codes to categories
  - root DSE metadata reads (naming contexts, supported controls,
    subschema subentry)

The engine only depends on the Client interface; everything else in
this package is plumbing behind it.
*/
package ldap
