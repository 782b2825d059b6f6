package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/attrsync"
	"github.com/Checkmk/checkmk-sub025/internal/config"
)

// Manager owns the connectors of every configured connection.
type Manager struct {
	cfg        *config.Config
	order      []string
	connectors map[string]*Connector
	observe    func(id string, summary *Summary, err error)
}

// NewManager builds a connector per configured connection. Registries and
// Plugins default to the ones derived from cfg.
func NewManager(cfg *config.Config, deps Deps, opts ...Option) (*Manager, error) {
	if deps.Registries == nil {
		deps.Registries = cfg
	}
	if deps.Plugins == nil {
		plugins, err := attrsync.DefaultRegistry(cfg.UserAttributes)
		if err != nil {
			return nil, err
		}
		deps.Plugins = plugins
	}

	m := &Manager{cfg: cfg, connectors: make(map[string]*Connector, len(cfg.Connections))}
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		c, err := New(conn, deps, append(opts, WithPeers(m))...)
		if err != nil {
			return nil, err
		}
		m.order = append(m.order, conn.ID)
		m.connectors[conn.ID] = c
	}
	return m, nil
}

// Peer returns the connector of connection id.
func (m *Manager) Peer(id string) (*Connector, bool) {
	c, ok := m.connectors[id]
	return c, ok
}

// Suffixes maps connection ids to their configured suffixes.
func (m *Manager) Suffixes() map[string]string {
	out := make(map[string]string)
	for suffix, id := range m.cfg.Suffixes() {
		out[id] = suffix
	}
	return out
}

// Connectors returns every connector in configuration order.
func (m *Manager) Connectors() []*Connector {
	out := make([]*Connector, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.connectors[id])
	}
	return out
}

// Enabled returns the connectors taking part in the sync.
func (m *Manager) Enabled() []*Connector {
	var out []*Connector
	for _, c := range m.Connectors() {
		if c.IsEnabled() {
			out = append(out, c)
		}
	}
	return out
}

// OnSync registers fn to be called after every cycle started by the manager.
// fn may run concurrently for different connections.
func (m *Manager) OnSync(fn func(id string, summary *Summary, err error)) {
	m.observe = fn
}

// SyncAll syncs every enabled connection concurrently. Connections without
// a user base DN are skipped.
func (m *Manager) SyncAll(ctx context.Context, onlyUserID string) (map[string]*Summary, error) {
	return m.sync(ctx, m.Enabled(), onlyUserID)
}

// Sync syncs the given connections concurrently. Unlike SyncAll, a disabled
// connection in ids is reported as ErrConnectionDisabled.
func (m *Manager) Sync(ctx context.Context, ids []string, onlyUserID string) (map[string]*Summary, error) {
	conns := make([]*Connector, 0, len(ids))
	for _, id := range ids {
		c, ok := m.connectors[id]
		if !ok {
			return nil, fmt.Errorf("unknown connection %q", id)
		}
		conns = append(conns, c)
	}
	return m.sync(ctx, conns, onlyUserID)
}

func (m *Manager) sync(ctx context.Context, conns []*Connector, onlyUserID string) (map[string]*Summary, error) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		summaries = make(map[string]*Summary)
		errs      []error
	)

	for _, c := range conns {
		if c.Config().UserBaseDN == "" {
			tflog.SubsystemInfo(ctx, SubsystemSync, `Not trying sync (no "user base DN" configured)`, map[string]any{
				"connection_id": c.ID(),
			})
			continue
		}

		wg.Add(1)
		go func(c *Connector) {
			defer wg.Done()
			summary, err := c.DoSync(ctx, onlyUserID)
			if m.observe != nil {
				m.observe(c.ID(), summary, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if summary != nil {
				summaries[c.ID()] = summary
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("connection %s: %w", c.ID(), err))
			}
		}(c)
	}
	wg.Wait()

	return summaries, errors.Join(errs...)
}

// CheckCredentials asks every connection in order until one has an opinion.
func (m *Manager) CheckCredentials(ctx context.Context, id, secret string) (CredentialResult, error) {
	var errs []error
	for _, c := range m.Connectors() {
		if c.Config().Disabled {
			continue
		}
		result, err := c.CheckCredentials(ctx, id, secret)
		if err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ID(), err))
			continue
		}
		if result.Kind != NoOpinion {
			return result, nil
		}
	}
	return CredentialResult{Kind: NoOpinion}, errors.Join(errs...)
}

// Close disconnects every connector.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.Connectors() {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
