package connector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/ldap/ldaptest"
	"github.com/Checkmk/checkmk-sub025/internal/state"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

const (
	testBaseDN = "dc=example,dc=com"
	usersDN    = "ou=users," + testBaseDN
	groupsDN   = "ou=groups," + testBaseDN
	adminsDN   = "cn=admins," + groupsDN
)

// corpConfig is an Active Directory connection with the role and email
// plugins. Extra TOML is appended to the connection table.
const corpConfig = `
roles = ["admin", "user", "guest"]
default_user_roles = ["user"]

[[connections]]
id = "corp"
servers = ["dc1.example.com"]
bind_dn = "cn=sync,ou=service,dc=example,dc=com"
bind_password = "sync-secret"
user_dn = "ou=users,dc=example,dc=com"
group_dn = "ou=groups,dc=example,dc=com"
retry_delay = "1ms"
%s

  [[connections.plugins]]
  id = "email"

  [[connections.plugins]]
  id = "groups_to_roles"
  [connections.plugins.roles]
  admin = [{ dn = "cn=admins,ou=groups,dc=example,dc=com" }]
`

var testTime = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	dir   *ldaptest.Directory
	store *userdb.MemoryStore
	state *state.Dir
	cfg   *config.Config
	mgr   *Manager
	now   time.Time
}

func fakeDialer(dir *ldaptest.Directory) ldap.Dialer {
	return func(_ context.Context, server *ldap.ServerInfo, _ *ldap.ConnectionConfig) (ldap.DirectoryConn, error) {
		conn, err := dir.Dial(server.Host)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func loadConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	cfg, err := (&config.Manager{}).Read(strings.NewReader(text))
	require.NoError(t, err)
	return cfg
}

func corp(extra string) string {
	return strings.Replace(corpConfig, "%s", extra, 1)
}

func newFixture(t *testing.T, cfgText string, users userdb.Users) *fixture {
	t.Helper()
	f := &fixture{
		dir:   testDirectory(),
		store: userdb.NewMemoryStore(users),
		state: state.New(t.TempDir()),
		cfg:   loadConfig(t, cfgText),
		now:   testTime,
	}
	mgr, err := NewManager(f.cfg, Deps{Store: f.store, ChangeLog: f.store, State: f.state},
		WithDialer(fakeDialer(f.dir)),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	f.mgr = mgr
	return f
}

func (f *fixture) connector(t *testing.T, id string) *Connector {
	t.Helper()
	c, ok := f.mgr.Peer(id)
	require.True(t, ok, "connector %s", id)
	return c
}

func (f *fixture) users(t *testing.T) userdb.Users {
	t.Helper()
	users, err := f.store.LoadAll(t.Context(), false)
	require.NoError(t, err)
	return users
}

func testDirectory() *ldaptest.Directory {
	dir := ldaptest.New()
	for _, ou := range []string{"users", "groups", "service"} {
		dir.Add("ou="+ou+","+testBaseDN, map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"ou":          {ou},
		})
	}
	dir.Add("cn=sync,ou=service,"+testBaseDN, map[string][]string{
		"objectClass": {"top", "person", "user"},
		"cn":          {"sync"},
	})
	dir.SetPassword("cn=sync,ou=service,"+testBaseDN, "sync-secret")
	return dir
}

// addADUser adds an Active Directory person and returns its DN. The
// password is the account name followed by "-secret".
func addADUser(dir *ldaptest.Directory, account string, attrs map[string][]string) string {
	if attrs == nil {
		attrs = map[string][]string{}
	}
	attrs["sAMAccountName"] = []string{account}
	attrs["objectCategory"] = []string{"person"}
	if _, ok := attrs["cn"]; !ok {
		attrs["cn"] = []string{account}
	}
	dn := "cn=" + account + "," + usersDN
	dir.AddUser(dn, account+"-secret", attrs)
	return dn
}

func ldapProfile(connID, id string, roles ...string) userdb.Profile {
	return userdb.NewProfile(connID, id, roles)
}
