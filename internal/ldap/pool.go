package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool. The
// daemon works one change at a time per side, so a handful is plenty.
const MaxConnectionPoolLimit = 100

// reauthAfter is how long a bound connection is trusted before it is bound again.
const reauthAfter = 5 * time.Minute

// connectionPool implements ConnectionPool.
type connectionPool struct {
	config    *ConnectionConfig
	tlsConfig *tls.Config
	log       *slog.Logger
	discovery *SRVDiscovery

	mu      sync.Mutex
	servers []*ServerInfo
	idle    []*PooledConnection
	closed  bool

	activeConns  atomic.Int64
	totalCreated atomic.Int64
	totalErrors  atomic.Int64
	startTime    time.Time

	healthStop chan struct{}
	healthWg   sync.WaitGroup
}

// NewConnectionPool creates a new connection pool. Servers are resolved on
// first use so that a side which is down at startup does not prevent the
// pool from being built.
func NewConnectionPool(config *ConnectionConfig) (ConnectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tlsConfig, err := buildTLSConfig(config)
	if err != nil {
		return nil, err
	}

	log := config.logger()
	pool := &connectionPool{
		config:     config,
		tlsConfig:  tlsConfig,
		log:        log,
		discovery:  NewSRVDiscovery(log),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(context.Background(), log, "pool_initialized", "max_connections", config.MaxConnections)
	return pool, nil
}

// buildTLSConfig loads CA and client certificates referenced by the config.
func buildTLSConfig(config *ConnectionConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	}

	if config.TLSCACertFile != "" {
		pem, err := os.ReadFile(config.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.TLSCACertFile)
		}
		tlsConfig.RootCAs = roots
	}

	if config.TLSClientCertFile != "" && config.TLSClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSClientCertFile, config.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// resolveServers returns the configured or discovered servers, discovering
// them on first use.
func (p *connectionPool) resolveServers(ctx context.Context) ([]*ServerInfo, error) {
	p.mu.Lock()
	servers := p.servers
	p.mu.Unlock()
	if len(servers) > 0 {
		return servers, nil
	}

	switch {
	case len(p.config.LDAPURLs) > 0:
		for _, url := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return nil, fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		dctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
		discovered, err := p.discovery.DiscoverServers(dctx, p.config.Domain)
		if err != nil {
			return nil, NewConnectionError("SRV discovery failed", true, err)
		}
		servers = discovered
	default:
		return nil, errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return nil, NewConnectionError("no servers discovered", true, nil)
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	p.log.Debug("directory servers resolved", "count", len(servers))
	return servers, nil
}

// Get retrieves a connection from the pool, dialing a new one when none is idle.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("connection pool is closed")
		}
		var conn *PooledConnection
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if conn == nil {
			break
		}
		if !p.isConnectionHealthy(conn) {
			p.closeConnection(conn)
			continue
		}
		if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
			if err := p.authenticateConnection(ctx, conn); err != nil {
				p.closeConnection(conn)
				continue
			}
		}
		conn.lastUsed = time.Now()
		p.activeConns.Add(1)
		return conn, nil
	}

	return p.createConnection(ctx)
}

// createConnection dials each known server in order until one answers.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	servers, err := p.resolveServers(ctx)
	if err != nil {
		p.totalErrors.Add(1)
		return nil, err
	}

	var lastErr error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := p.createSingleConnection(ctx, server)
		if err != nil {
			lastErr = err
			p.totalErrors.Add(1)
			LogConnectionEvent(ctx, p.log, "connection_failed", "server", server.Host, "error", err)
			continue
		}

		p.totalCreated.Add(1)
		p.activeConns.Add(1)
		LogConnectionEvent(ctx, p.log, "connection_established", "server", server.Host, "port", server.Port)
		return conn, nil
	}

	return nil, NewConnectionError("no directory server reachable", true, lastErr)
}

// createSingleConnection creates a connection to a specific server.
func (p *connectionPool) createSingleConnection(ctx context.Context, server *ServerInfo) (*PooledConnection, error) {
	url := ServerInfoToURL(server)

	opts := []ldap.DialOpt{ldap.DialWithDialer(newDialer(p.config.Timeout))}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(p.tlsConfigFor(server)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err == nil && !server.UseTLS && p.config.UseTLS && !p.config.SkipTLS {
		if err = conn.StartTLS(p.tlsConfigFor(server)); err != nil {
			conn.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooledConn := &PooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.returnConnection,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticateConnection(ctx, pooledConn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to authenticate connection to %s: %w", url, err)
		}
	}

	return pooledConn, nil
}

func (p *connectionPool) tlsConfigFor(server *ServerInfo) *tls.Config {
	cfg := p.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = server.Host
	}
	return cfg
}

// authenticateConnection authenticates a pooled connection using the configured method.
func (p *connectionPool) authenticateConnection(ctx context.Context, pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return errors.New("connection is nil")
	}

	authMethod := p.config.GetAuthMethod()
	var err error

	switch authMethod {
	case AuthMethodSimpleBind:
		err = pooledConn.conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, p.log, pooledConn.conn, p.config, pooledConn.serverInfo)
	case AuthMethodExternal:
		err = pooledConn.conn.ExternalBind()
	default:
		return fmt.Errorf("unsupported authentication method: %s", authMethod)
	}

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		LogConnectionEvent(ctx, p.log, "authentication_failed", "method", authMethod.String(), "error", err)
		return NewLDAPError("bind", err)
	}

	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	LogConnectionEvent(ctx, p.log, "authentication_success", "method", authMethod.String())
	return nil
}

// needsReAuthentication determines if a connection needs to be re-authenticated.
func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil || !conn.authenticated {
		return true
	}
	return time.Since(conn.authTime) > reauthAfter
}

// returnConnection returns a connection to the pool.
func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	p.activeConns.Add(-1)

	if !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.config.MaxConnections {
		p.mu.Unlock()
		p.closeConnection(conn)
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// isConnectionHealthy checks if a connection is healthy.
func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy || conn.conn.IsClosing() {
		return false
	}
	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}
	return true
}

// closeConnection closes a pooled connection.
func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
		conn.authTime = time.Time{}
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.healthStop)
	p.healthWg.Wait()

	for _, conn := range idle {
		p.closeConnection(conn)
	}
	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return PoolStats{
		Idle:    idle,
		Active:  p.activeConns.Load(),
		Created: p.totalCreated.Load(),
		Errors:  p.totalErrors.Load(),
		Uptime:  time.Since(p.startTime),
	}
}

// startHealthChecker starts the periodic health checker.
func (p *connectionPool) startHealthChecker() {
	ticker := time.NewTicker(p.config.HealthCheck)
	p.healthWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck probes idle connections and drops those that fail.
func (p *connectionPool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	p.mu.Lock()
	toCheck := p.idle
	p.idle = nil
	p.mu.Unlock()

	var failed int
	for _, conn := range toCheck {
		if p.testConnection(ctx, conn) {
			p.activeConns.Add(1) // balanced by returnConnection
			p.returnConnection(conn)
			continue
		}
		failed++
		p.closeConnection(conn)
	}
	if failed > 0 {
		LogPoolEvent(ctx, p.log, "health_check_failed", "dropped", failed)
	}
}

// testConnection tests if a connection is working and properly authenticated.
func (p *connectionPool) testConnection(ctx context.Context, conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}

	if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
		if err := p.authenticateConnection(ctx, conn); err != nil {
			return false
		}
	}

	if _, err := conn.conn.Search(rootDSERequest("namingContexts")); err != nil {
		conn.authenticated = false
		conn.authTime = time.Time{}
		return false
	}
	conn.lastUsed = time.Now()
	return true
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	switch {
	case config.MaxConnections <= 0:
		return errors.New("MaxConnections must be positive")
	case config.MaxConnections > MaxConnectionPoolLimit:
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	case config.MaxIdleTime <= 0:
		return errors.New("MaxIdleTime must be positive")
	case config.Timeout <= 0:
		return errors.New("timeout must be positive")
	case config.MaxRetries < 0:
		return errors.New("MaxRetries cannot be negative")
	case config.BackoffFactor <= 1.0:
		return errors.New("BackoffFactor must be greater than 1.0")
	case len(config.LDAPURLs) == 0 && config.Domain == "":
		return errors.New("either domain or LDAP URLs must be specified")
	}
	return nil
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

// MarkBroken prevents the connection from being reused.
func (pc *PooledConnection) MarkBroken() {
	pc.healthy = false
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}
