package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Checkmk/checkmk-sub025/internal/ldap"
)

// Validate checks the configuration as a whole. Every problem found is
// reported; the returned error joins one ConfigurationError per problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(setting, format string, args ...any) {
		errs = append(errs, ldap.NewConfigurationError(setting, fmt.Sprintf(format, args...), nil))
	}

	switch c.Database.Type {
	case "sqlite", "memory":
	default:
		add("database.type", "unknown database type %q", c.Database.Type)
	}
	if c.Scheduler.Interval <= 0 {
		add("scheduler.interval", "must be positive")
	}
	if c.Scheduler.BreakerFailures < 1 {
		add("scheduler.breaker_failures", "must be at least 1")
	}

	attrNames := make(map[string]bool, len(c.UserAttributes))
	for _, attr := range c.UserAttributes {
		if attr.Name == "" {
			add("user_attributes", "a custom user attribute has no name")
			continue
		}
		if slices.Contains(BuiltinPlugins, attr.Name) {
			add("user_attributes", "custom user attribute %q shadows a built-in plugin", attr.Name)
		}
		attrNames[attr.Name] = true
	}

	ids := make(map[string]bool, len(c.Connections))
	suffixes := make(map[string]string)
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.ID == "" {
			add("connections.id", "connection #%d has no id", i+1)
			continue
		}
		if ids[conn.ID] {
			add("connections.id", "duplicate connection id %q", conn.ID)
		}
		ids[conn.ID] = true

		if conn.Suffix != "" {
			if other, ok := suffixes[conn.Suffix]; ok {
				add("suffix", "Found duplicate LDAP connection suffix. The LDAP connections %s and %s both use the suffix %s which is not allowed.",
					other, conn.ID, conn.Suffix)
			} else {
				suffixes[conn.Suffix] = conn.ID
			}
		}

		errs = append(errs, conn.validate(c, attrNames)...)
	}

	for _, id := range c.SyncConnections {
		if !ids[id] {
			add("sync_connections", "unknown connection %q", id)
		}
	}

	// Role groups may point at other connections, so they are checked once
	// every id is known.
	for _, conn := range c.Connections {
		for _, p := range conn.Plugins {
			if p.ID != PluginGroupsToRoles {
				continue
			}
			for role, groups := range p.Roles {
				for _, g := range groups {
					if g.Connection != "" && !ids[g.Connection] {
						add("plugins.roles", "connection %s: role %q references unknown connection %q", conn.ID, role, g.Connection)
					}
				}
			}
		}
		for _, p := range conn.Plugins {
			for _, other := range p.OtherConnections {
				if !ids[other] {
					add("plugins.other_connections", "connection %s: plugin %s references unknown connection %q", conn.ID, p.ID, other)
				}
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Connection) validate(cfg *Config, attrNames map[string]bool) []error {
	var errs []error
	add := func(setting, format string, args ...any) {
		errs = append(errs, ldap.NewConfigurationError(setting,
			fmt.Sprintf("connection %s: ", c.ID)+fmt.Sprintf(format, args...), nil))
	}

	if !c.DirectoryType().Valid() {
		add("type", "unknown directory type %q", c.Type)
	}
	if len(c.Servers) == 0 && c.DiscoverDomain == "" {
		add("servers", "either servers or discover_nearest_dc must be set")
	}
	for _, server := range c.Servers {
		if _, err := ldap.ParseServerAddress(server, c.LDAPConfig()); err != nil {
			add("servers", "%v", err)
		}
	}
	if _, err := ldap.ParseSearchScope(c.UserScope); err != nil {
		add("user_scope", "%v", err)
	}
	if _, err := ldap.ParseSearchScope(c.GroupScope); err != nil {
		add("group_scope", "%v", err)
	}
	switch c.UserIDUmlauts {
	case "keep", "replace":
	default:
		add("user_id_umlauts", "must be \"keep\" or \"replace\", got %q", c.UserIDUmlauts)
	}
	if c.BindDN != "" && c.Password() == "" && c.Kerberos.Realm == "" {
		add("bind_password", "bind_dn is set but no password is configured")
	}
	if c.PageSize <= 0 {
		add("page_size", "must be positive")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 1 {
		add("max_retries", "must be 0 or 1, got %d", c.MaxRetries)
	}
	if strings.ContainsAny(c.Suffix, "@ ") {
		add("suffix", "must not contain '@' or spaces")
	}

	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if !slices.Contains(BuiltinPlugins, p.ID) && !attrNames[p.ID] {
			add("plugins", "unknown plugin %q", p.ID)
			continue
		}
		if seen[p.ID] {
			add("plugins", "plugin %q is activated twice", p.ID)
		}
		seen[p.ID] = true

		switch p.ID {
		case PluginGroupsToAttributes:
			if len(p.Groups) == 0 {
				add("plugins.groups", "groups_to_attributes needs at least one group")
			}
			for _, g := range p.Groups {
				if g.CN == "" || g.Attribute == "" {
					add("plugins.groups", "groups_to_attributes entries need cn and attribute")
				}
			}
		case PluginGroupsToRoles:
			for role, groups := range p.Roles {
				if !slices.Contains(cfg.Roles, role) {
					add("plugins.roles", "unknown role %q", role)
				}
				for _, g := range groups {
					if g.DN == "" {
						add("plugins.roles", "role %q has a group without dn", role)
					}
				}
			}
		}
	}

	return errs
}
