package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *Config
	log    *zap.Logger
}

// NewClient creates a new directory client backed by a connection pool.
func NewClient(config *Config, log *zap.Logger) (Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	pool, err := NewConnectionPool(config, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &client{
		pool:   pool,
		config: config,
		log:    log,
	}, nil
}

// Bind authenticates using the configured credentials. Pooled
// connections bind on creation; this verifies the credentials work.
func (c *client) Bind(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.withRetry(ctx, "bind", func() error {
		return conn.Conn().Bind(c.config.BindDN, c.config.BindPassword)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	start := time.Now()
	c.log.Debug("starting search",
		zap.String("base_dn", req.BaseDN),
		zap.String("scope", req.Scope.String()),
		zap.String("filter", req.Filter))

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	timeLimit := req.TimeLimit
	if timeLimit == 0 {
		timeLimit = c.config.timeout()
	}

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(timeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err = c.withRetry(ctx, "search", func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(ldapReq)
		return searchErr
	})
	if err != nil {
		return nil, NewDirectoryError("search", req.BaseDN, err)
	}

	c.log.Debug("search completed",
		zap.Int("entries", len(result.Entries)),
		zap.Duration("duration", time.Since(start)))

	return &SearchResult{
		Entries: result.Entries,
		HasMore: req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit,
	}, nil
}

// ReadEntry reads a single entry by DN.
func (c *client) ReadEntry(ctx context.Context, dn string, attributes []string) (*Entry, error) {
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
		SizeLimit:  1,
	})
	if err != nil {
		return nil, err
	}

	if len(result.Entries) == 0 {
		return nil, &DirectoryError{
			Operation:  "read",
			Category:   ErrorCategoryNotFound,
			ResultCode: ldap.LDAPResultNoSuchObject,
			DN:         dn,
		}
	}

	return result.Entries[0], nil
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewAddRequest(req.DN, buildControls(req.Controls))
	for _, attr := range req.Attributes {
		ldapReq.Attribute(attr.Name, attr.Values)
	}

	c.log.Debug("adding entry", zap.String("dn", req.DN), zap.Int("attributes", len(req.Attributes)))

	err = c.withRetry(ctx, "add", func() error {
		return conn.Conn().Add(ldapReq)
	})
	return NewDirectoryError("add", req.DN, err)
}

// Modify applies the request's modifications in order.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewModifyRequest(req.DN, buildControls(req.Controls))
	for _, mod := range req.Mods {
		switch mod.Op {
		case ModifyAdd:
			ldapReq.Add(mod.Attr, mod.Values)
		case ModifyDelete:
			ldapReq.Delete(mod.Attr, mod.Values)
		case ModifyReplace:
			ldapReq.Replace(mod.Attr, mod.Values)
		}
	}

	c.log.Debug("modifying entry", zap.String("dn", req.DN), zap.Int("mods", len(req.Mods)))

	err = c.withRetry(ctx, "modify", func() error {
		return conn.Conn().Modify(ldapReq)
	})
	return NewDirectoryError("modify", req.DN, err)
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, req *DeleteRequest) error {
	if req == nil || req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewDelRequest(req.DN, buildControls(req.Controls))

	c.log.Debug("deleting entry", zap.String("dn", req.DN))

	err = c.withRetry(ctx, "delete", func() error {
		return conn.Conn().Del(ldapReq)
	})
	return NewDirectoryError("delete", req.DN, err)
}

// buildControls maps control OIDs to go-ldap controls. Support is
// verified before a controlled operation is issued, so the controls are
// marked critical.
func buildControls(oids []string) []ldap.Control {
	if len(oids) == 0 {
		return nil
	}
	controls := make([]ldap.Control, 0, len(oids))
	for _, oid := range oids {
		controls = append(controls, ldap.NewControlString(oid, true, ""))
	}
	return controls
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	backoff := c.config.initialBackoff()

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				c.log.Info("operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		c.log.Debug("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.maxBackoff())
		}
	}

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried.
func (c *client) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) {
		return true
	}

	return IsRetryable(err)
}
