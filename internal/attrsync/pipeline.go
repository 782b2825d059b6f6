package attrsync

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

type step struct {
	plugin Plugin
	params config.Plugin
}

// Pipeline runs the plugins of one connection in configuration order.
type Pipeline struct {
	steps []step
}

// NewPipeline resolves the configured plugins against reg.
func NewPipeline(reg *Registry, plugins []config.Plugin) (*Pipeline, error) {
	p := &Pipeline{steps: make([]step, 0, len(plugins))}
	for _, params := range plugins {
		plugin, ok := reg.Lookup(params.ID)
		if !ok {
			return nil, ldap.NewConfigurationError("plugins",
				fmt.Sprintf("unknown sync plugin %q", params.ID), nil)
		}
		p.steps = append(p.steps, step{plugin: plugin, params: params})
	}
	return p, nil
}

// IDs returns the plugin ids in execution order.
func (p *Pipeline) IDs() []string {
	ids := make([]string, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.plugin.ID()
	}
	return ids
}

// NeededAttributes returns the sorted union of the attributes every plugin
// reads.
func (p *Pipeline) NeededAttributes(env Env) []string {
	set := make(map[string]struct{})
	for _, s := range p.steps {
		for _, attr := range s.plugin.NeededAttributes(env, s.params) {
			set[attr] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// LockedFields returns the sorted union of the profile fields the plugins
// own. The password is always locked.
func (p *Pipeline) LockedFields() []string {
	set := map[string]struct{}{"password": {}}
	for _, s := range p.steps {
		for _, field := range s.plugin.LockedFields(s.params) {
			set[field] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// Run applies every plugin to a copy of profile and returns the result. Each
// plugin sees the updates of the plugins before it. The first failing plugin
// aborts the run with a *PluginError.
func (p *Pipeline) Run(ctx context.Context, env Env, userID string, entry *ldap.Entry, profile userdb.Profile) (userdb.Profile, error) {
	working := profile.Clone()
	for _, s := range p.steps {
		update, err := s.plugin.Apply(ctx, env, userID, entry, working, s.params)
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemAttrSync, "Sync plugin failed", map[string]any{
				"plugin":  s.plugin.ID(),
				"user_id": userID,
				"error":   err.Error(),
			})
			return nil, &PluginError{Plugin: s.plugin.ID(), UserID: userID, Err: err}
		}
		if len(update) == 0 {
			continue
		}
		tflog.SubsystemTrace(ctx, SubsystemAttrSync, "Sync plugin update", map[string]any{
			"plugin":  s.plugin.ID(),
			"user_id": userID,
			"fields":  slices.Sorted(maps.Keys(update)),
		})
		working.Update(update)
	}
	return working, nil
}
