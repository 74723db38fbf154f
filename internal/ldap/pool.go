package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// MaxConnectionPoolLimit caps the pool size. Bulk runs are strictly
// sequential per server, so anything beyond a handful of connections
// only wastes sockets on the directory side.
const MaxConnectionPoolLimit = 32

// connectionPool implements ConnectionPool for a single server.
type connectionPool struct {
	config      *Config
	server      *ServerInfo
	log         *zap.Logger
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool

	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// NewConnectionPool creates a pool for the server named in config.
func NewConnectionPool(config *Config, log *zap.Logger) (ConnectionPool, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	server, err := ParseServerURL(config.URL)
	if err != nil {
		return nil, err
	}

	pool := &connectionPool{
		config:      config,
		server:      server,
		log:         log.With(zap.String("server", server.Address())),
		connections: make(chan *PooledConnection, config.MaxConnections),
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}

	if config.healthInterval() > 0 {
		pool.startHealthChecker()
	}

	pool.log.Debug("connection pool created",
		zap.Int("max_connections", config.MaxConnections))

	return pool, nil
}

// Get retrieves a connection from the pool, creating one when none is idle.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if p.isHealthy(conn) {
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}
		p.discard(conn)
	default:
	}

	return p.createConnection(ctx)
}

// createConnection dials with retry and exponential backoff.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.initialBackoff()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		conn, err := p.dial()
		if err == nil {
			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}

		lastErr = err
		atomic.AddInt64(&p.totalErrors, 1)
		p.log.Debug("connection attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.maxBackoff())
			}
		}
	}

	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// dial establishes and binds one connection.
func (p *connectionPool) dial() (*PooledConnection, error) {
	url := p.server.URL()

	var conn *ldap.Conn
	var err error

	if p.server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(p.config.TLSConfig))
	} else {
		conn, err = ldap.DialURL(url)
		if err == nil && p.config.StartTLS {
			err = conn.StartTLS(p.config.TLSConfig)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(p.config.timeout())

	pc := &PooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		returnToPool: p.put,
	}

	if p.config.BindDN != "" {
		if err := conn.Bind(p.config.BindDN, p.config.BindPassword); err != nil {
			conn.Close()
			return nil, NewDirectoryError("bind", p.config.BindDN, err)
		}
		pc.bound = true
	}

	return pc, nil
}

// put returns a connection to the pool.
func (p *connectionPool) put(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.isHealthy(conn) {
		p.discard(conn)
		return
	}

	select {
	case p.connections <- conn:
	default:
		// Pool is full.
		p.discard(conn)
	}
}

func (p *connectionPool) isHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}
	if time.Since(conn.lastUsed) > p.config.maxIdle() {
		return false
	}
	if p.config.BindDN != "" && !conn.bound {
		return false
	}
	return true
}

func (p *connectionPool) discard(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.bound = false
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	close(p.connections)
	for conn := range p.connections {
		p.discard(conn)
	}

	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Idle:    len(p.connections),
		Active:  atomic.LoadInt64(&p.activeConns),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// startHealthChecker starts the periodic idle-connection check.
func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.healthInterval())

	p.healthWg.Add(1)
	go func() {
		defer p.healthWg.Done()
		for {
			select {
			case <-p.healthTicker.C:
				p.reapIdle()
			case <-p.healthStop:
				return
			}
		}
	}()
}

// reapIdle probes a few idle connections and drops the dead ones.
func (p *connectionPool) reapIdle() {
	var toCheck []*PooledConnection

drain:
	for range 3 {
		select {
		case conn := <-p.connections:
			toCheck = append(toCheck, conn)
		default:
			break drain
		}
	}

	for _, conn := range toCheck {
		if p.probe(conn) {
			atomic.AddInt64(&p.activeConns, 1)
			p.put(conn)
		} else {
			p.discard(conn)
		}
	}
}

// probe runs a minimal root DSE search to test liveness.
func (p *connectionPool) probe(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}

	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"supportedLDAPVersion"},
		nil,
	)

	if _, err := conn.conn.Search(req); err != nil {
		return false
	}
	return true
}

// validateConfig validates the connection configuration.
func validateConfig(config *Config) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	if config.URL == "" {
		return errors.New("server URL must be set")
	}

	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.TimeoutSeconds <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}
