package attrsync

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// Registry maps plugin ids to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns a registry holding plugins. It panics on duplicate ids.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Builtins returns the built-in plugins.
func Builtins() []Plugin {
	return []Plugin{
		simplePlugin{id: config.PluginEmail, title: "Email address", key: "mail", field: userdb.FieldEmail, lower: true},
		simplePlugin{id: config.PluginAlias, title: "Alias", key: "cn", field: userdb.FieldAlias},
		authExpirePlugin{},
		simplePlugin{id: config.PluginPager, title: "Pager", key: "mobile", field: userdb.FieldPager},
		contactGroupsPlugin{},
		groupAttributesPlugin{},
		rolesPlugin{},
	}
}

// DefaultRegistry returns a registry with the built-in plugins plus one
// plugin per custom user attribute.
func DefaultRegistry(attrs []config.UserAttribute) (*Registry, error) {
	r := NewRegistry(Builtins()...)
	for _, attr := range attrs {
		if err := r.Register(CustomAttribute(attr.Name, attr.Title)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. Ids must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.ID()]; ok {
		return fmt.Errorf("sync plugin %q is already registered", p.ID())
	}
	r.plugins[p.ID()] = p
	return nil
}

// Lookup returns the plugin registered under id.
func (r *Registry) Lookup(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
