// Package connector synchronizes the users of one directory connection into
// the local user store and checks credentials against the directory.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/attrsync"
	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/state"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

var (
	// ErrSyncInProgress is returned when a cycle of the same connection is
	// still running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConnectionDisabled is returned when syncing a disabled connection.
	ErrConnectionDisabled = errors.New("connection is disabled")
)

// Registries are the site-wide registries backing a sync.
type Registries interface {
	attrsync.Registries
	SyncEnabled(connectionID string) bool
}

// Peers resolves the other connections of the site.
type Peers interface {
	Peer(id string) (*Connector, bool)
	Suffixes() map[string]string // connection id to suffix
}

// Deps are the collaborators of a Connector.
type Deps struct {
	Registries Registries
	Store      userdb.Store
	ChangeLog  userdb.ChangeLog // optional
	State      *state.Dir
	Plugins    *attrsync.Registry
}

// Option configures a Connector.
type Option func(*Connector)

// WithDialer replaces the transport used to reach directory servers.
func WithDialer(d ldap.Dialer) Option {
	return func(c *Connector) { c.ldapOpts = append(c.ldapOpts, ldap.WithDialer(d)) }
}

// WithLocator replaces the domain controller locator.
func WithLocator(l ldap.Locator) Option {
	return func(c *Connector) { c.ldapOpts = append(c.ldapOpts, ldap.WithLocator(l)) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// WithPeers makes the other connections of the site reachable.
func WithPeers(p Peers) Option {
	return func(c *Connector) { c.peers = p }
}

// Connector owns one configured directory connection.
type Connector struct {
	cfg      *config.Connection
	regs     Registries
	store    userdb.Store
	changes  userdb.ChangeLog
	state    *state.Dir
	pipeline *attrsync.Pipeline
	peers    Peers
	now      func() time.Time
	ldapOpts []ldap.Option

	conn   *ldap.Connection
	search *ldap.SearchClient

	groupsMu sync.Mutex
	groups   *ldap.GroupResolver

	syncMu sync.Mutex
}

// New builds the connector of cfg. The directory is not contacted.
func New(cfg *config.Connection, deps Deps, opts ...Option) (*Connector, error) {
	if deps.Store == nil || deps.Registries == nil || deps.State == nil {
		return nil, fmt.Errorf("connector %s: store, registries and state are required", cfg.ID)
	}
	plugins := deps.Plugins
	if plugins == nil {
		plugins = attrsync.NewRegistry(attrsync.Builtins()...)
	}
	pipeline, err := attrsync.NewPipeline(plugins, cfg.Plugins)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cfg.ID, err)
	}

	c := &Connector{
		cfg:      cfg,
		regs:     deps.Registries,
		store:    deps.Store,
		changes:  deps.ChangeLog,
		state:    deps.State,
		pipeline: pipeline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	ldapCfg := cfg.LDAPConfig()
	c.conn = ldap.NewConnection(ldapCfg, append([]ldap.Option{ldap.WithDiscoveryCache(deps.State)}, c.ldapOpts...)...)
	c.search = ldap.NewSearchClient(c.conn)
	c.groups = ldap.NewGroupResolver(c.search, ldapCfg)
	return c, nil
}

// ID returns the connection id.
func (c *Connector) ID() string { return c.cfg.ID }

// Config returns the connection configuration.
func (c *Connector) Config() *config.Connection { return c.cfg }

// Connection returns the directory connection.
func (c *Connector) Connection() *ldap.Connection { return c.conn }

// Pipeline returns the active sync plugins.
func (c *Connector) Pipeline() *attrsync.Pipeline { return c.pipeline }

// IsEnabled reports whether the connection takes part in the sync.
func (c *Connector) IsEnabled() bool {
	return !c.cfg.Disabled && c.regs.SyncEnabled(c.cfg.ID)
}

// SyncIsNeeded reports whether the cache lifetime of the last sync ran out.
func (c *Connector) SyncIsNeeded(now time.Time) bool {
	return c.state.SyncIsNeeded(c.cfg.ID, c.cfg.CacheLivetime, now)
}

// NextSync returns when the connection is due again.
func (c *Connector) NextSync() time.Time {
	return c.state.NextSync(c.cfg.ID, c.cfg.CacheLivetime)
}

// LastSync returns the time of the last completed sync.
func (c *Connector) LastSync() time.Time {
	return c.state.LastSync(c.cfg.ID)
}

// LockedFields returns the profile fields owned by this connection.
func (c *Connector) LockedFields() []string {
	return c.pipeline.LockedFields()
}

// Close drops the directory connection.
func (c *Connector) Close() error {
	return c.conn.Disconnect()
}

// ResolveGroups resolves group memberships on this connection. It is safe
// to call from other connections' sync cycles.
func (c *Connector) ResolveGroups(ctx context.Context, identifiers []string, attr ldap.MatchAttribute, nested bool) (map[string]*ldap.GroupRecord, error) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	return c.groups.ResolveMemberships(ctx, identifiers, attr, nested)
}

func (c *Connector) resetCaches() {
	c.groupsMu.Lock()
	c.groups.Reset()
	c.groupsMu.Unlock()
	c.search.ResetStats()
}

func (c *Connector) logContext(ctx context.Context) context.Context {
	return tflog.SubsystemSetField(ctx, SubsystemSync, "connection_id", c.cfg.ID)
}

func (c *Connector) userIDAttr() string {
	return c.cfg.Attr("user_id")
}

// stripSuffix removes this connection's suffix from id.
func (c *Connector) stripSuffix(id string) string {
	if c.cfg.HasSuffix() {
		if trimmed, ok := strings.CutSuffix(id, "@"+c.cfg.Suffix); ok {
			return trimmed
		}
	}
	return id
}

// addSuffix appends this connection's suffix to id.
func (c *Connector) addSuffix(id string) string {
	if strings.HasSuffix(id, "@"+c.cfg.Suffix) {
		return id
	}
	return id + "@" + c.cfg.Suffix
}

// syncEnv exposes a connector to the sync plugins.
type syncEnv struct {
	c *Connector
}

func (e syncEnv) Connection() *config.Connection  { return e.c.cfg }
func (e syncEnv) Registries() attrsync.Registries { return e.c.regs }

func (e syncEnv) Groups(ctx context.Context, connectionID string, identifiers []string, attr ldap.MatchAttribute, nested bool) (map[string]*ldap.GroupRecord, error) {
	if connectionID == e.c.cfg.ID {
		return e.c.ResolveGroups(ctx, identifiers, attr, nested)
	}
	if e.c.peers != nil {
		if peer, ok := e.c.peers.Peer(connectionID); ok {
			return peer.ResolveGroups(ctx, identifiers, attr, nested)
		}
	}
	tflog.SubsystemDebug(ctx, SubsystemSync, "Skipping groups of unknown connection", map[string]any{
		"peer_id": connectionID,
	})
	return nil, nil
}
