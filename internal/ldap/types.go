package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Config holds the connection settings for one directory server.
// Duration-valued settings are expressed in seconds so the struct can be
// populated directly from flat configuration sources.
type Config struct {
	// URL is the server address, ldap:// or ldaps://.
	URL string `mapstructure:"url"`

	// BaseDN is the server's default naming context. When empty it is
	// discovered from the root DSE on first use.
	BaseDN string `mapstructure:"base_dn"`

	// BindDN and BindPassword configure simple bind. Both empty means
	// anonymous bind.
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`

	// StartTLS upgrades a plain ldap:// connection before binding.
	StartTLS  bool        `mapstructure:"start_tls"`
	TLSConfig *tls.Config `mapstructure:"-"`

	TimeoutSeconds int `mapstructure:"timeout_seconds" default:"30"`

	// Pool settings.
	MaxConnections  int `mapstructure:"max_connections" default:"4"`
	MaxIdleSeconds  int `mapstructure:"max_idle_seconds" default:"300"`
	HealthCheckSecs int `mapstructure:"health_check_seconds" default:"30"`

	// Retry settings.
	MaxRetries        int     `mapstructure:"max_retries" default:"2"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms" default:"250"`
	MaxBackoffSeconds int     `mapstructure:"max_backoff_seconds" default:"10"`
	BackoffFactor     float64 `mapstructure:"backoff_factor" default:"2.0"`
}

func (c *Config) timeout() time.Duration        { return time.Duration(c.TimeoutSeconds) * time.Second }
func (c *Config) maxIdle() time.Duration        { return time.Duration(c.MaxIdleSeconds) * time.Second }
func (c *Config) healthInterval() time.Duration { return time.Duration(c.HealthCheckSecs) * time.Second }
func (c *Config) initialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond
}
func (c *Config) maxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// Entry is a directory entry as returned by searches.
type Entry = ldap.Entry

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*Entry
	HasMore bool
}

// AddRequest encapsulates LDAP add parameters. Attribute order is
// preserved, matching the order of the change record it was built from.
type AddRequest struct {
	DN         string
	Attributes []Attribute
	Controls   []string // control OIDs to attach
}

// Attribute is one attribute with its values.
type Attribute struct {
	Name   string
	Values []string
}

// ModifyOp identifies the kind of one modification.
type ModifyOp int

const (
	ModifyAdd ModifyOp = iota
	ModifyDelete
	ModifyReplace
)

func (o ModifyOp) String() string {
	switch o {
	case ModifyAdd:
		return "add"
	case ModifyDelete:
		return "delete"
	case ModifyReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Modification is one clause of a modify request.
type Modification struct {
	Op     ModifyOp
	Attr   string
	Values []string
}

// ModifyRequest encapsulates LDAP modify parameters. Modifications are
// applied in order, as the protocol requires.
type ModifyRequest struct {
	DN       string
	Mods     []Modification
	Controls []string // control OIDs to attach
}

// DeleteRequest encapsulates LDAP delete parameters.
type DeleteRequest struct {
	DN       string
	Controls []string
}

// Client provides the directory operations the engine consumes.
type Client interface {
	// Bind authenticates using the configured credentials.
	Bind(ctx context.Context) error

	// Search performs an LDAP search.
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)

	// ReadEntry reads a single entry by DN, returning the requested
	// attributes. A missing entry is a not-found error.
	ReadEntry(ctx context.Context, dn string, attributes []string) (*Entry, error)

	// Add creates a new entry.
	Add(ctx context.Context, req *AddRequest) error

	// Modify applies modifications to an existing entry.
	Modify(ctx context.Context, req *ModifyRequest) error

	// Delete removes an entry.
	Delete(ctx context.Context, req *DeleteRequest) error

	// NamingContexts lists the server's naming contexts from the root DSE.
	NamingContexts(ctx context.Context) ([]string, error)

	// SupportsControl reports whether the root DSE advertises the control OID.
	SupportsControl(ctx context.Context, oid string) (bool, error)

	// Schema reads the server's subschema subentry.
	Schema(ctx context.Context) (*Entry, error)

	// Close releases all pooled connections.
	Close() error
}

// PooledConnection represents a connection in the pool.
type PooledConnection struct {
	conn         *ldap.Conn
	lastUsed     time.Time
	healthy      bool
	bound        bool
	returnToPool func(*PooledConnection)
}

// Conn exposes the underlying go-ldap connection.
func (pc *PooledConnection) Conn() *ldap.Conn { return pc.conn }

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

// ConnectionPool manages a pool of LDAP connections to one server.
type ConnectionPool interface {
	Get(ctx context.Context) (*PooledConnection, error)
	Close() error
	Stats() PoolStats
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle    int
	Active  int64
	Created int64
	Errors  int64
	Uptime  time.Duration
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool { return e.retryable }

func (e *ConnectionError) Unwrap() error { return e.cause }

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{message: message, retryable: retryable, cause: cause}
}
