package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"

	"github.com/Checkmk/checkmk-sub025/internal/ldap"
)

// Config is the ldapsync configuration file.
type Config struct {
	StateDir string `toml:"state_dir" default:"/var/lib/ldapsync"`

	// Sites that only sync some connections list them here; empty means all.
	SyncConnections []string `toml:"sync_connections"`

	// Local registries referenced by the sync plugins.
	Roles          []string          `toml:"roles" default:"[\"admin\",\"user\",\"guest\"]"`
	DefaultRoles   []string          `toml:"default_user_roles" default:"[\"user\"]"`
	ContactGroups  []string          `toml:"contact_groups"`
	UserAttributes []UserAttribute   `toml:"user_attributes"`
	Macros         map[string]string `toml:"macros"`

	Database    DatabaseConfig  `toml:"database"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Metrics     MetricsConfig   `toml:"metrics"`
	Connections []Connection    `toml:"connections"`
}

// UserAttribute is a custom user attribute. Every custom attribute can be
// synchronized by a plugin of the same name.
type UserAttribute struct {
	Name    string `toml:"name"`
	Title   string `toml:"title"`
	Default any    `toml:"default"`
}

// DatabaseConfig selects the user store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type" default:"sqlite"` // "sqlite" or "memory"
	Path string `toml:"path,omitempty"`        // only used for type=sqlite, defaults to <state_dir>/users.db
}

// SchedulerConfig controls the serve command. A connection whose sync fails
// BreakerFailures times in a row is paused for BreakerTimeout.
type SchedulerConfig struct {
	Interval        time.Duration `toml:"interval" default:"1m"`
	BreakerFailures int           `toml:"breaker_failures" default:"3"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout" default:"5m"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	Listen   string `toml:"listen" default:"127.0.0.1:9471"`
	Textfile string `toml:"textfile,omitempty"`
}

// KerberosConfig enables a GSSAPI bind instead of a simple bind.
type KerberosConfig struct {
	Realm  string `toml:"realm"`
	Keytab string `toml:"keytab"`
	Config string `toml:"config"`
	CCache string `toml:"ccache"`
	SPN    string `toml:"spn"`
}

// Connection is one configured directory.
type Connection struct {
	ID          string `toml:"id"`
	Description string `toml:"description"`
	Disabled    bool   `toml:"disabled"`
	Type        string `toml:"type" default:"ad"`

	Servers        []string `toml:"servers"`
	DiscoverDomain string   `toml:"discover_nearest_dc"`
	Port           int      `toml:"port"`
	UseSSL         bool     `toml:"use_ssl"`
	StartTLS       bool     `toml:"start_tls"`
	TLSSkipVerify  bool     `toml:"tls_skip_verify"`

	ConnectTimeout  time.Duration `toml:"connect_timeout" default:"2s"`
	ResponseTimeout time.Duration `toml:"response_timeout" default:"5s"`
	RetryDelay      time.Duration `toml:"retry_delay" default:"500ms"`
	MaxRetries      int           `toml:"max_retries" default:"1"`
	PageSize        int           `toml:"page_size" default:"1000"`

	BindDN          string         `toml:"bind_dn"`
	BindPassword    string         `toml:"bind_password"`
	BindPasswordEnv string         `toml:"bind_password_env"`
	Kerberos        KerberosConfig `toml:"kerberos"`

	UserBaseDN        string `toml:"user_dn"`
	UserScope         string `toml:"user_scope" default:"sub"`
	UserFilter        string `toml:"user_filter"`
	UserFilterGroup   string `toml:"user_filter_group"`
	UserIDAttr        string `toml:"user_id"`
	LowerUserIDs      bool   `toml:"lower_user_ids"`
	UserIDUmlauts     string `toml:"user_id_umlauts" default:"keep"` // "keep" or "replace"
	CreateOnlyOnLogin bool   `toml:"create_only_on_login"`

	GroupBaseDN string `toml:"group_dn"`
	GroupScope  string `toml:"group_scope" default:"sub"`
	GroupFilter string `toml:"group_filter"`
	GroupMember string `toml:"group_member"`

	Suffix        string        `toml:"suffix"`
	CacheLivetime time.Duration `toml:"cache_livetime" default:"5m"`

	Plugins []Plugin `toml:"plugins"`

	macros map[string]string
}

// Plugin activates one attribute sync plugin on a connection. Plugins run in
// the order they are listed.
// This uses a tagged union pattern - the ID field determines which other fields are relevant.
type Plugin struct {
	ID string `toml:"id"`

	// email, alias, pager, auth_expire and custom attributes
	Attr string `toml:"attr,omitempty"`

	// group based plugins
	Nested           bool     `toml:"nested,omitempty"`
	OtherConnections []string `toml:"other_connections,omitempty"`

	// groups_to_attributes
	Groups []GroupAttribute `toml:"groups,omitempty"`

	// groups_to_roles
	Roles map[string][]RoleGroup `toml:"roles,omitempty"`
}

// GroupAttribute sets Attribute to Value for members of the group named CN.
type GroupAttribute struct {
	CN        string `toml:"cn"`
	Attribute string `toml:"attribute"`
	Value     any    `toml:"value"`
}

// RoleGroup grants a role to members of the group DN on Connection (this
// connection when empty).
type RoleGroup struct {
	DN         string `toml:"dn"`
	Connection string `toml:"connection,omitempty"`
}

// Built-in plugin identifiers.
const (
	PluginEmail                 = "email"
	PluginAlias                 = "alias"
	PluginAuthExpire            = "auth_expire"
	PluginPager                 = "pager"
	PluginGroupsToContactgroups = "groups_to_contactgroups"
	PluginGroupsToAttributes    = "groups_to_attributes"
	PluginGroupsToRoles         = "groups_to_roles"
)

// BuiltinPlugins lists the built-in plugin ids.
var BuiltinPlugins = []string{
	PluginEmail,
	PluginAlias,
	PluginAuthExpire,
	PluginPager,
	PluginGroupsToContactgroups,
	PluginGroupsToAttributes,
	PluginGroupsToRoles,
}

// Directory defaults per directory type. Keys missing from attrDefaults map
// 1:1 to the attribute of the same name.
var (
	attrDefaults = map[ldap.DirectoryType]map[string]string{
		ldap.DirectoryActiveDirectory: {
			"user_id":    "samaccountname",
			"pw_changed": "pwdlastset",
		},
		ldap.DirectoryOpenLDAP: {
			"user_id":    "uid",
			"pw_changed": "pwdchangedtime",
			"member":     "uniquemember",
		},
		ldap.Directory389: {
			"user_id":    "uid",
			"pw_changed": "krbpasswordexpiration",
			"member":     "member",
		},
	}

	filterDefaults = map[ldap.DirectoryType]map[string]string{
		ldap.DirectoryActiveDirectory: {
			"users":  "(&(objectclass=user)(objectcategory=person))",
			"groups": "(objectclass=group)",
		},
		ldap.DirectoryOpenLDAP: {
			"users":  "(objectclass=person)",
			"groups": "(objectclass=groupOfUniqueNames)",
		},
		ldap.Directory389: {
			"users":  "(objectclass=person)",
			"groups": "(objectclass=groupOfUniqueNames)",
		},
	}
)

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields of c and of every connection.
func (c *Config) ApplyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("failed to set default values: %w", err)
	}
	c.propagate()
	return nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) propagate() {
	for i := range c.Connections {
		c.Connections[i].macros = c.Macros
	}
}

// DatabasePath returns the SQLite file of the user store.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.StateDir, "users.db")
}

// Connection returns the connection with the given id.
func (c *Config) Connection(id string) (*Connection, bool) {
	for i := range c.Connections {
		if c.Connections[i].ID == id {
			return &c.Connections[i], true
		}
	}
	return nil, false
}

// Suffixes maps every configured suffix to its connection id.
func (c *Config) Suffixes() map[string]string {
	suffixes := make(map[string]string)
	for _, conn := range c.Connections {
		if conn.Suffix != "" {
			suffixes[conn.Suffix] = conn.ID
		}
	}
	return suffixes
}

// SyncEnabled reports whether the sync of connection id is switched on.
func (c *Config) SyncEnabled(id string) bool {
	return len(c.SyncConnections) == 0 || slices.Contains(c.SyncConnections, id)
}

// RoleIDs returns the known role ids.
func (c *Config) RoleIDs() []string { return c.Roles }

// ContactGroupIDs returns the known contact group names.
func (c *Config) ContactGroupIDs() []string { return c.ContactGroups }

// DefaultUserRoles returns the roles of users no role plugin assigned a role.
func (c *Config) DefaultUserRoles() []string { return slices.Clone(c.DefaultRoles) }

// UserAttributeDefault returns the default value of a custom user attribute.
func (c *Config) UserAttributeDefault(name string) (any, bool) {
	for _, attr := range c.UserAttributes {
		if attr.Name == name {
			return attr.Default, true
		}
	}
	return nil, false
}

// PluginIDs returns every plugin id a connection may activate.
func (c *Config) PluginIDs() []string {
	ids := slices.Clone(BuiltinPlugins)
	for _, attr := range c.UserAttributes {
		ids = append(ids, attr.Name)
	}
	return ids
}

// DirectoryType returns the parsed directory type.
func (c *Connection) DirectoryType() ldap.DirectoryType {
	return ldap.DirectoryType(strings.ToLower(c.Type))
}

// Attr returns the lower-cased directory attribute for key, honoring
// configured overrides.
func (c *Connection) Attr(key string) string {
	switch {
	case key == "user_id" && c.UserIDAttr != "":
		return strings.ToLower(c.UserIDAttr)
	case key == "member" && c.GroupMember != "":
		return strings.ToLower(c.GroupMember)
	}
	if attr, ok := attrDefaults[c.DirectoryType()][key]; ok {
		return strings.ToLower(attr)
	}
	return strings.ToLower(key)
}

// Filter returns the "users" or "groups" filter with macros replaced.
func (c *Connection) Filter(key string) string {
	value, ok := filterDefaults[c.DirectoryType()][key]
	if !ok {
		value = "(objectclass=*)"
	}
	switch {
	case key == "users" && c.UserFilter != "":
		value = c.UserFilter
	case key == "groups" && c.GroupFilter != "":
		value = c.GroupFilter
	}
	return c.ReplaceMacros(value)
}

// ReplaceMacros substitutes the configured $NAME$ macros.
func (c *Connection) ReplaceMacros(tmpl string) string {
	return ldap.ReplaceMacros(tmpl, c.macros)
}

// Password returns the bind password, read from BindPasswordEnv when set.
func (c *Connection) Password() string {
	if c.BindPasswordEnv != "" {
		return os.Getenv(c.BindPasswordEnv)
	}
	return c.BindPassword
}

// HasSuffix reports whether a suffix is configured.
func (c *Connection) HasSuffix() bool {
	return c.Suffix != ""
}

// Plugin returns the parameters of an active plugin.
func (c *Connection) Plugin(id string) (Plugin, bool) {
	for _, p := range c.Plugins {
		if p.ID == id {
			return p, true
		}
	}
	return Plugin{}, false
}

// LDAPConfig projects the connection onto the settings of the directory
// layer. Scopes must have been validated.
func (c *Connection) LDAPConfig() *ldap.ConnectionConfig {
	cfg := ldap.DefaultConfig()
	cfg.ID = c.ID
	cfg.Type = c.DirectoryType()
	cfg.Servers = slices.Clone(c.Servers)
	cfg.DiscoverDomain = c.DiscoverDomain
	cfg.Port = c.Port
	cfg.UseTLS = c.UseSSL
	cfg.StartTLS = c.StartTLS
	cfg.TLSConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.ResponseTimeout = c.ResponseTimeout
	cfg.RetryDelay = c.RetryDelay
	cfg.MaxRetries = c.MaxRetries
	cfg.PageSize = c.PageSize

	cfg.BindDN = c.ReplaceMacros(c.BindDN)
	cfg.BindPassword = c.Password()
	cfg.KerberosRealm = c.Kerberos.Realm
	cfg.KerberosKeytab = c.Kerberos.Keytab
	cfg.KerberosConfig = c.Kerberos.Config
	cfg.KerberosCCache = c.Kerberos.CCache
	cfg.KerberosSPN = c.Kerberos.SPN

	cfg.UserBaseDN = c.ReplaceMacros(c.UserBaseDN)
	cfg.UserScope, _ = ldap.ParseSearchScope(c.UserScope)
	cfg.UserFilter = c.Filter("users")
	cfg.GroupBaseDN = c.ReplaceMacros(c.GroupBaseDN)
	cfg.GroupScope, _ = ldap.ParseSearchScope(c.GroupScope)
	cfg.GroupFilter = c.Filter("groups")
	cfg.MemberAttribute = c.Attr("member")
	return cfg
}
