package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// DirectoryConn is the subset of *ldap.Conn the connection and search layers use.
type DirectoryConn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens a transport to one server. Binding is done by the caller.
type Dialer func(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (DirectoryConn, error)

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the network dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dial = d }
}

// WithDiscoveryCache persists located domain controllers.
func WithDiscoveryCache(cache DiscoveryCache) Option {
	return func(c *Connection) { c.cache = cache }
}

// WithLocator replaces the DNS based domain controller locator.
func WithLocator(l Locator) Option {
	return func(c *Connection) { c.locator = l }
}

// Connection owns the single directory handle of one configured connection.
// The handle is created lazily, torn down on errors and rebuilt when the
// configuration it was built from changes.
type Connection struct {
	mu sync.Mutex

	cfg       *ConnectionConfig
	handle    DirectoryConn
	handleCfg *ConnectionConfig
	server    string

	dial    Dialer
	cache   DiscoveryCache
	locator Locator
}

// NewConnection creates an unconnected Connection.
func NewConnection(cfg *ConnectionConfig, opts ...Option) *Connection {
	c := &Connection{
		cfg:     cfg,
		dial:    DefaultDialer,
		locator: NewSRVDiscovery(cfg.ConnectTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the configuration the next Connect will use.
func (c *Connection) Config() *ConnectionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Reconfigure replaces the configuration. An open handle built from a
// different configuration is rebuilt on the next Connect.
func (c *Connection) Reconfigure(cfg *ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Server returns the address of the server the open handle talks to.
func (c *Connection) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Connected reports whether a handle is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// ServerCandidates returns the servers Connect tries, in order. With domain
// discovery configured this is the cached or freshly located domain
// controller, or the domain itself when the locator fails.
func (c *Connection) ServerCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	return c.serverCandidates(ctx, cfg)
}

func (c *Connection) serverCandidates(ctx context.Context, cfg *ConnectionConfig) ([]string, error) {
	if !cfg.UsesDiscovery() {
		if len(cfg.Servers) == 0 {
			return nil, NewConfigurationError("server", "no LDAP server configured", nil)
		}
		return slices.Clone(cfg.Servers), nil
	}

	if c.cache != nil {
		server, ok, err := c.cache.LoadServer(cfg.ID)
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Failed to read discovery cache", map[string]any{
				"connection_id": cfg.ID,
				"error":         err.Error(),
			})
		} else if ok && server != "" {
			return []string{server}, nil
		}
	}

	server, err := c.locator.LocateDC(ctx, cfg.DiscoverDomain)
	if err != nil {
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Domain controller lookup failed, using domain", map[string]any{
			"domain": cfg.DiscoverDomain,
			"error":  err.Error(),
		})
		return []string{cfg.DiscoverDomain}, nil
	}

	LogConnectionEvent(ctx, "server_discovered", map[string]any{
		"domain": cfg.DiscoverDomain,
		"server": server,
	})

	if c.cache != nil {
		if err := c.cache.StoreServer(cfg.ID, server); err != nil {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Failed to write discovery cache", map[string]any{
				"connection_id": cfg.ID,
				"error":         err.Error(),
			})
		}
	}

	return []string{server}, nil
}

// Connect opens and binds a handle. An open handle built from the current
// configuration is reused unless force is set. Candidates are tried in order
// and the first one accepting the bind wins.
func (c *Connection) Connect(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx, force)
}

func (c *Connection) connectLocked(ctx context.Context, force bool) error {
	cfg := c.cfg
	if !force && c.handle != nil && reflect.DeepEqual(c.handleCfg, cfg) {
		return nil
	}

	c.disconnectLocked()

	candidates, err := c.serverCandidates(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		failures []string
		lastErr  error
	)
	for _, address := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		conn, server, err := c.openAndBind(ctx, cfg, address)
		if err != nil {
			if IsConfigurationError(err) {
				return err
			}
			LogConnectionEvent(ctx, "connection_failed", map[string]any{
				"server":      address,
				"error":       err.Error(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			failures = append(failures, fmt.Sprintf("%s: %s", address, err))
			lastErr = err
			continue
		}

		c.handle = conn
		c.handleCfg = snapshotConfig(cfg)
		c.server = server.Host

		LogConnectionEvent(ctx, "connection_established", map[string]any{
			"server":      ServerInfoToURL(server),
			"auth_method": cfg.GetAuthMethod().String(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil
	}

	if cfg.UsesDiscovery() && c.cache != nil {
		if err := c.cache.InvalidateServer(cfg.ID); err != nil {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Failed to invalidate discovery cache", map[string]any{
				"connection_id": cfg.ID,
				"error":         err.Error(),
			})
		}
	}

	LogConnectionEvent(ctx, "all_servers_failed", map[string]any{
		"servers": candidates,
	})

	return NewConnectionError("LDAP connection failed:\n"+strings.Join(failures, "\n"), true, lastErr)
}

func (c *Connection) openAndBind(ctx context.Context, cfg *ConnectionConfig, address string) (DirectoryConn, *ServerInfo, error) {
	server, err := ParseServerAddress(address, cfg)
	if err != nil {
		return nil, nil, err
	}

	conn, err := c.dial(ctx, server, cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := authenticate(ctx, conn, cfg, server); err != nil {
		_ = conn.Close()
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, nil, NewConfigurationError("bind_dn",
				fmt.Sprintf("the bind credentials for %q were rejected by %s", cfg.BindDN, address), err)
		}
		return nil, nil, err
	}

	return conn, server, nil
}

// Disconnect closes the open handle, if any.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	if c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	c.handleCfg = nil
	c.server = ""
	return err
}

// Handle returns the open handle. With implicitConnect a missing handle is
// created first.
func (c *Connection) Handle(ctx context.Context, implicitConnect bool) (DirectoryConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		if !implicitConnect {
			return nil, NewConnectionError("not connected to the directory", false, nil)
		}
		if err := c.connectLocked(ctx, false); err != nil {
			return nil, err
		}
	}
	return c.handle, nil
}

// Bind authenticates the open handle as dn. Used to verify user credentials;
// DefaultBind must be called afterwards to restore the service account.
func (c *Connection) Bind(ctx context.Context, dn, password string) error {
	conn, err := c.Handle(ctx, true)
	if err != nil {
		return err
	}

	if err := conn.Bind(dn, password); err != nil {
		if !ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) &&
			!ldap.IsErrorWithCode(err, ldap.ErrorEmptyPassword) {
			LogLDAPError(ctx, "bind", err, map[string]any{"dn": dn})
		}
		return NewLDAPError("bind", err)
	}
	return nil
}

// DefaultBind restores the configured bind identity on the open handle.
func (c *Connection) DefaultBind(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return c.connectLocked(ctx, false)
	}

	server, err := ParseServerAddress(c.server, c.cfg)
	if err != nil {
		server = &ServerInfo{Host: c.server}
	}

	if c.cfg.GetAuthMethod() == AuthMethodAnonymous {
		return WrapError("bind", c.handle.UnauthenticatedBind(""))
	}
	return WrapError("bind", authenticate(ctx, c.handle, c.cfg, server))
}

// authenticate performs authentication based on the configured method.
func authenticate(ctx context.Context, conn DirectoryConn, cfg *ConnectionConfig, server *ServerInfo) error {
	method := cfg.GetAuthMethod()
	start := time.Now()

	var err error
	switch method {
	case AuthMethodAnonymous:
		return nil
	case AuthMethodSimpleBind:
		err = conn.Bind(cfg.BindDN, cfg.BindPassword)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, conn, cfg, server)
	default:
		err = fmt.Errorf("unsupported authentication method: %s", method.String())
	}

	fields := map[string]any{
		"auth_method": method.String(),
		"bind_dn":     cfg.BindDN,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		LogConnectionEvent(ctx, "authentication_failed", fields)
		return err
	}

	LogConnectionEvent(ctx, "authentication_success", fields)
	return nil
}

// DefaultDialer dials ldap:// or ldaps:// with the configured timeouts and
// upgrades plain connections with StartTLS when requested.
func DefaultDialer(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (DirectoryConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := ServerInfoToURL(server)
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: cfg.ConnectTimeout}),
	}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfigFor(cfg, server)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if !server.UseTLS && cfg.StartTLS {
		if err := conn.StartTLS(tlsConfigFor(cfg, server)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", url, err)
		}
	}

	if cfg.ResponseTimeout > 0 {
		conn.SetTimeout(cfg.ResponseTimeout)
	}

	return conn, nil
}

func tlsConfigFor(cfg *ConnectionConfig, server *ServerInfo) *tls.Config {
	var tlsCfg *tls.Config
	if cfg.TLSConfig != nil {
		tlsCfg = cfg.TLSConfig.Clone()
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = server.Host
	}
	return tlsCfg
}

func snapshotConfig(cfg *ConnectionConfig) *ConnectionConfig {
	snapshot := *cfg
	snapshot.Servers = slices.Clone(cfg.Servers)
	return &snapshot
}
