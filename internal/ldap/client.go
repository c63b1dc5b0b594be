package ldap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// defaultPageSize is the paged-results page size when the request sets none.
const defaultPageSize = 1000

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	log    *slog.Logger
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	log := config.logger()
	log.Debug("creating directory client",
		"domain", config.Domain,
		"urls", len(config.LDAPURLs),
		"auth_method", config.GetAuthMethod().String(),
		"use_tls", config.UseTLS,
		"max_connections", config.MaxConnections,
	)

	pool, err := NewConnectionPool(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &client{
		pool:   pool,
		config: config,
		log:    log,
	}, nil
}

func newDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout}
}

// Connect verifies that a connection can be established and bound.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(ctx, c.log, "connect", func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		if _, err := conn.Conn().Search(rootDSERequest("namingContexts")); err != nil {
			conn.MarkBroken()
			return NewLDAPError("connect", err)
		}
		return nil
	}, "domain", c.config.Domain)
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	var result *ldap.SearchResult
	err := LogOperation(ctx, c.log, "search", func() error {
		return c.withConn(ctx, func(conn *ldap.Conn) error {
			var searchErr error
			result, searchErr = conn.Search(c.toLDAPSearch(req, req.SizeLimit, req.Controls))
			return searchErr
		})
	}, "base_dn", req.BaseDN, "scope", req.Scope.String(), "filter", req.Filter)
	if err != nil {
		// A size limit hit still returns the partial page; report it as HasMore.
		if result != nil && HasResultCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return &SearchResult{Entries: result.Entries, Total: len(result.Entries), HasMore: true}, nil
		}
		return nil, WrapError("search", err)
	}

	hasMore := req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit
	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
		HasMore: hasMore,
	}, nil
}

func (c *client) toLDAPSearch(req *SearchRequest, sizeLimit int, controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		sizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		controls,
	)
}

// SearchWithPaging performs an LDAP search using the paged results control,
// following cookies until the server reports the last page.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	start := time.Now()
	var entries []*ldap.Entry
	paging := ldap.NewControlPaging(pageSize)
	controls := append(append([]ldap.Control{}, req.Controls...), paging)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var result *ldap.SearchResult
		err := c.withConn(ctx, func(conn *ldap.Conn) error {
			var searchErr error
			result, searchErr = conn.Search(c.toLDAPSearch(req, 0, controls))
			return searchErr
		})
		if err != nil {
			LogLDAPError(ctx, c.log, "paged_search", err, "base_dn", req.BaseDN, "page", page)
			return nil, WrapError("paged search", err)
		}

		entries = append(entries, result.Entries...)

		response, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(response.Cookie) == 0 {
			break
		}
		paging.SetCookie(response.Cookie)
	}

	c.log.Log(ctx, LevelTrace, "paged search completed",
		"base_dn", req.BaseDN,
		"filter", req.Filter,
		"entries", len(entries),
		"duration", time.Since(start),
	)

	return &SearchResult{Entries: entries, Total: len(entries)}, nil
}

// Get reads a single entry by DN.
func (c *client) Get(ctx context.Context, dn string, attributes ...string) (*ldap.Entry, error) {
	if dn == "" {
		return nil, errors.New("DN cannot be empty")
	}

	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
		TimeLimit:  c.config.Timeout,
	})
	if err != nil {
		if HasResultCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	return result.Entries[0], nil
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return errors.New("add request cannot be nil")
	}
	if req.DN == "" {
		return errors.New("DN cannot be empty")
	}

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	for _, attr := range req.Attributes {
		ldapReq.Attribute(attr.Type, attr.Vals)
	}

	return LogOperation(ctx, c.log, "add", func() error {
		err := c.withConn(ctx, func(conn *ldap.Conn) error {
			return conn.Add(ldapReq)
		})
		return wrapForDN("add", req.DN, err)
	}, "dn", req.DN)
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return errors.New("modify request cannot be nil")
	}
	if req.DN == "" {
		return errors.New("DN cannot be empty")
	}
	if req.IsEmpty() {
		return nil
	}

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for _, attr := range req.Replace {
		ldapReq.Replace(attr.Type, attr.Vals)
	}
	for _, name := range req.Delete {
		ldapReq.Delete(name, []string{})
	}
	for _, attr := range req.Add {
		ldapReq.Add(attr.Type, attr.Vals)
	}

	return LogOperation(ctx, c.log, "modify", func() error {
		err := c.withConn(ctx, func(conn *ldap.Conn) error {
			return conn.Modify(ldapReq)
		})
		return wrapForDN("modify", req.DN, err)
	}, "dn", req.DN)
}

// ModifyDN moves or renames an LDAP entry.
func (c *client) ModifyDN(ctx context.Context, req *ModifyDNRequest) error {
	if req == nil {
		return errors.New("modify DN request cannot be nil")
	}
	if req.DN == "" {
		return errors.New("DN cannot be empty")
	}
	if req.NewRDN == "" {
		return errors.New("new RDN cannot be empty")
	}

	ldapReq := ldap.NewModifyDNRequest(req.DN, req.NewRDN, req.DeleteOldRDN, req.NewSuperior)

	return LogOperation(ctx, c.log, "modify_dn", func() error {
		err := c.withConn(ctx, func(conn *ldap.Conn) error {
			return conn.ModifyDN(ldapReq)
		})
		return wrapForDN("modify_dn", req.DN, err)
	}, "dn", req.DN, "new_rdn", req.NewRDN, "new_superior", req.NewSuperior)
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return errors.New("DN cannot be empty")
	}

	return LogOperation(ctx, c.log, "delete", func() error {
		err := c.withConn(ctx, func(conn *ldap.Conn) error {
			return conn.Del(ldap.NewDelRequest(dn, nil))
		})
		return wrapForDN("delete", dn, err)
	}, "dn", dn)
}

// RootDSE returns the server's root DSE.
func (c *client) RootDSE(ctx context.Context, attributes ...string) (*ldap.Entry, error) {
	var result *ldap.SearchResult
	err := c.withConn(ctx, func(conn *ldap.Conn) error {
		var searchErr error
		result, searchErr = conn.Search(rootDSERequest(attributes...))
		return searchErr
	})
	if err != nil {
		return nil, WrapError("root DSE", err)
	}
	if len(result.Entries) == 0 {
		return nil, errors.New("no root DSE returned")
	}
	return result.Entries[0], nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	_, err := c.RootDSE(ctx, "namingContexts")
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

func rootDSERequest(attributes ...string) *ldap.SearchRequest {
	if len(attributes) == 0 {
		attributes = []string{"*", "+"}
	}
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 10, false,
		"(objectClass=*)",
		attributes,
		nil,
	)
}

func wrapForDN(operation, dn string, err error) error {
	if err == nil {
		return nil
	}
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.DN == "" {
			ldapErr.DN = dn
		}
		return err
	}
	return NewLDAPErrorForDN(operation, dn, err)
}

// withConn runs operation on a pooled connection, retrying transient
// failures with exponential backoff. Each attempt takes a fresh connection
// so that a dropped socket is not reused.
func (c *client) withConn(ctx context.Context, operation func(*ldap.Conn) error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying directory operation",
				"attempt", attempt,
				"max_retries", c.config.MaxRetries,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
			}
		}

		conn, err := c.pool.Get(ctx)
		if err != nil {
			lastErr = err
			if !IsRetryableError(err) {
				return err
			}
			continue
		}

		err = operation(conn.Conn())
		if err != nil && c.isRetryableError(err) {
			conn.MarkBroken()
		}
		conn.Close()

		if err == nil {
			return nil
		}
		lastErr = err
		if !c.isRetryableError(err) {
			return err
		}
	}

	return NewConnectionError("operation failed after retries", true, lastErr)
}

// isRetryableError determines if an error should be retried.
func (c *client) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return isLDAPCodeRetryable(resultErr.ResultCode)
	}

	return IsRetryableError(err)
}
