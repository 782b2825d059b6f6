package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checkmk/checkmk-sub025/internal/ldap"
)

const sampleConfig = `
state_dir = "/srv/ldapsync"
contact_groups = ["all", "admins"]
default_user_roles = ["guest"]

[macros]
OMD_SITE = "prod"

[[user_attributes]]
name = "disable_notifications"
default = {}

[[user_attributes]]
name = "phone"
default = ""

[scheduler]
interval = "30s"

[[connections]]
id = "corp"
servers = ["dc1.example.com", "ldaps://dc2.example.com:3269"]
bind_dn = "cn=sync,ou=service,dc=example,dc=com"
bind_password_env = "LDAPSYNC_TEST_BIND_PW"
user_dn = "ou=users,dc=example,dc=com"
group_dn = "ou=$OMD_SITE$,dc=example,dc=com"
suffix = "corp"
response_timeout = "10s"

  [[connections.plugins]]
  id = "email"

  [[connections.plugins]]
  id = "groups_to_roles"
  nested = true
  [connections.plugins.roles]
  admin = [{ dn = "cn=admins,ou=groups,dc=example,dc=com" }]

  [[connections.plugins]]
  id = "phone"
  attr = "telephoneNumber"

[[connections]]
id = "unix"
type = "openldap"
discover_nearest_dc = "example.org"
user_dn = "ou=people,dc=example,dc=org"
user_scope = "one"
group_member = "memberUid"
`

func readSample(t *testing.T) *Config {
	t.Helper()
	cfg, err := (&Manager{}).Read(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	return cfg
}

func TestManager_ReadAppliesDefaults(t *testing.T) {
	cfg := readSample(t)

	assert.Equal(t, "/srv/ldapsync", cfg.StateDir)
	assert.Equal(t, []string{"admin", "user", "guest"}, cfg.Roles)
	assert.Equal(t, []string{"guest"}, cfg.DefaultRoles)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "/srv/ldapsync/users.db", cfg.DatabasePath())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 3, cfg.Scheduler.BreakerFailures)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.BreakerTimeout)
	assert.Equal(t, "127.0.0.1:9471", cfg.Metrics.Listen)
	require.Len(t, cfg.Connections, 2)

	corp := cfg.Connections[0]
	assert.Equal(t, "ad", corp.Type)
	assert.Equal(t, 2*time.Second, corp.ConnectTimeout)
	assert.Equal(t, 10*time.Second, corp.ResponseTimeout)
	assert.Equal(t, 500*time.Millisecond, corp.RetryDelay)
	assert.Equal(t, 1, corp.MaxRetries)
	assert.Equal(t, 1000, corp.PageSize)
	assert.Equal(t, 5*time.Minute, corp.CacheLivetime)
	assert.Equal(t, "keep", corp.UserIDUmlauts)
	require.Len(t, corp.Plugins, 3)
	assert.Equal(t, []RoleGroup{{DN: "cn=admins,ou=groups,dc=example,dc=com"}}, corp.Plugins[1].Roles["admin"])
	assert.True(t, corp.Plugins[1].Nested)

	def, ok := cfg.UserAttributeDefault("phone")
	assert.True(t, ok)
	assert.Equal(t, "", def)
	_, ok = cfg.UserAttributeDefault("missing")
	assert.False(t, ok)
}

func TestConnection_DirectoryDefaults(t *testing.T) {
	cfg := readSample(t)
	corp, _ := cfg.Connection("corp")
	unix, _ := cfg.Connection("unix")

	tests := []struct {
		name string
		conn *Connection
		key  string
		want string
	}{
		{"ad user id", corp, "user_id", "samaccountname"},
		{"ad pw changed", corp, "pw_changed", "pwdlastset"},
		{"ad member", corp, "member", "member"},
		{"ad mail maps 1:1", corp, "mail", "mail"},
		{"openldap user id", unix, "user_id", "uid"},
		{"openldap pw changed", unix, "pw_changed", "pwdchangedtime"},
		{"member override", unix, "member", "memberuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.conn.Attr(tt.key))
		})
	}

	assert.Equal(t, "(&(objectclass=user)(objectcategory=person))", corp.Filter("users"))
	assert.Equal(t, "(objectclass=group)", corp.Filter("groups"))
	assert.Equal(t, "(objectclass=person)", unix.Filter("users"))
	assert.Equal(t, "(objectclass=groupOfUniqueNames)", unix.Filter("groups"))
}

func TestConnection_LDAPConfig(t *testing.T) {
	t.Setenv("LDAPSYNC_TEST_BIND_PW", "from-env")
	cfg := readSample(t)
	corp, _ := cfg.Connection("corp")

	lc := corp.LDAPConfig()
	assert.Equal(t, "corp", lc.ID)
	assert.Equal(t, ldap.DirectoryActiveDirectory, lc.Type)
	assert.Equal(t, "from-env", lc.BindPassword)
	assert.Equal(t, "ou=prod,dc=example,dc=com", lc.GroupBaseDN)
	assert.Equal(t, ldap.ScopeWholeSubtree, lc.UserScope)
	assert.Equal(t, 10*time.Second, lc.ResponseTimeout)
	assert.Equal(t, "member", lc.MemberAttribute)
	assert.Equal(t, "(objectclass=group)", lc.GroupFilter)

	unix, _ := cfg.Connection("unix")
	lc = unix.LDAPConfig()
	assert.Equal(t, ldap.ScopeSingleLevel, lc.UserScope)
	assert.Equal(t, "example.org", lc.DiscoverDomain)
	assert.Equal(t, ldap.AuthMethodAnonymous, lc.GetAuthMethod())
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("LDAPSYNC_TEST_BIND_PW", "from-env")
	require.NoError(t, readSample(t).Validate())

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "duplicate id",
			mutate:  func(c *Config) { c.Connections[1].ID = "corp" },
			wantErr: `duplicate connection id "corp"`,
		},
		{
			name:    "duplicate suffix",
			mutate:  func(c *Config) { c.Connections[1].Suffix = "corp" },
			wantErr: "both use the suffix corp",
		},
		{
			name:    "unknown directory type",
			mutate:  func(c *Config) { c.Connections[0].Type = "novell" },
			wantErr: `unknown directory type "novell"`,
		},
		{
			name:    "unknown plugin",
			mutate:  func(c *Config) { c.Connections[0].Plugins[0].ID = "fax" },
			wantErr: `unknown plugin "fax"`,
		},
		{
			name:    "bad scope",
			mutate:  func(c *Config) { c.Connections[1].GroupScope = "deep" },
			wantErr: `unknown search scope "deep"`,
		},
		{
			name:    "unknown role",
			mutate:  func(c *Config) { c.Connections[0].Plugins[1].Roles["root"] = []RoleGroup{{DN: "cn=x"}} },
			wantErr: `unknown role "root"`,
		},
		{
			name: "role group on unknown connection",
			mutate: func(c *Config) {
				c.Connections[0].Plugins[1].Roles["admin"] = []RoleGroup{{DN: "cn=x", Connection: "nope"}}
			},
			wantErr: `unknown connection "nope"`,
		},
		{
			name:    "no servers",
			mutate:  func(c *Config) { c.Connections[1].DiscoverDomain = "" },
			wantErr: "either servers or discover_nearest_dc must be set",
		},
		{
			name:    "missing bind password",
			mutate:  func(c *Config) { c.Connections[0].BindPasswordEnv = "LDAPSYNC_TEST_UNSET" },
			wantErr: "no password is configured",
		},
		{
			name: "groups_to_attributes without groups",
			mutate: func(c *Config) {
				c.Connections[1].Plugins = []Plugin{{ID: PluginGroupsToAttributes}}
			},
			wantErr: "needs at least one group",
		},
		{
			name:    "more than one retry",
			mutate:  func(c *Config) { c.Connections[0].MaxRetries = 2 },
			wantErr: "max_retries",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Connections[0].MaxRetries = -1 },
			wantErr: "must be 0 or 1, got -1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := readSample(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, ldap.IsConfigurationError(err))
		})
	}
}

func TestConfig_Registries(t *testing.T) {
	cfg := readSample(t)

	assert.Equal(t, map[string]string{"corp": "corp"}, cfg.Suffixes())
	assert.True(t, cfg.SyncEnabled("unix"))
	cfg.SyncConnections = []string{"corp"}
	assert.False(t, cfg.SyncEnabled("unix"))

	assert.Contains(t, cfg.PluginIDs(), "phone")
	assert.Contains(t, cfg.PluginIDs(), PluginGroupsToRoles)

	roles := cfg.DefaultUserRoles()
	roles[0] = "changed"
	assert.Equal(t, []string{"guest"}, cfg.DefaultRoles)
}

func TestReadFromFile(t *testing.T) {
	t.Setenv("LDAPSYNC_TEST_BIND_PW", "from-env")
	path := filepath.Join(t.TempDir(), "ldapsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := ReadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Connections, 2)

	_, err = ReadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("connections = 3"), 0o600))
	_, err = ReadFromFile(path)
	assert.ErrorContains(t, err, "failed to decode config")
}

func TestManager_WriteRoundTrip(t *testing.T) {
	cfg := readSample(t)
	var buf bytes.Buffer
	require.NoError(t, (&Manager{}).Write(&buf, cfg))

	got, err := (&Manager{}).Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.Connections[0].Servers, got.Connections[0].Servers)
	assert.Equal(t, cfg.Connections[1].GroupMember, got.Connections[1].GroupMember)
}
