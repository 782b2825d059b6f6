package connector

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checkmk/checkmk-sub025/internal/attrsync"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

func TestDoSync_CreatesUsers(t *testing.T) {
	f := newFixture(t, corp("\n  [[connections.plugins]]\n  id = \"alias\"\n"), nil)
	adminDN := addADUser(f.dir, "admin", map[string][]string{"mail": {"Admin@Example.com"}})
	harryDN := addADUser(f.dir, "harry", map[string][]string{
		"mail": {"harry@example.com"},
		"cn":   {"Harry Hirsch"},
	})
	f.dir.AddGroup(adminsDN, "admins", adminDN)
	f.dir.AddGroup("cn=alle,"+groupsDN, "alle", adminDN, harryDN)

	var output bytes.Buffer
	ctx := WithLogging(tflogtest.RootLogger(t.Context(), &output))

	summary, err := f.connector(t, "corp").DoSync(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Created())
	assert.True(t, summary.Persisted)
	assert.NotEmpty(t, summary.RunID)
	assert.Empty(t, summary.Failures)

	users := f.users(t)
	require.Contains(t, users, "admin")
	require.Contains(t, users, "harry")
	assert.Equal(t, "corp", users["admin"].Connector())
	assert.Equal(t, []string{"admin"}, users["admin"].Strings(userdb.FieldRoles))
	assert.Equal(t, "admin@example.com", users["admin"].String(userdb.FieldEmail))
	assert.Equal(t, []string{"user"}, users["harry"].Strings(userdb.FieldRoles))
	assert.Equal(t, "admin", users["admin"].String(userdb.FieldAlias))
	assert.Equal(t, "Harry Hirsch", users["harry"].String(userdb.FieldAlias))

	changes := f.store.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, userdb.ChangeCreated, changes[0].Kind)
	assert.Equal(t, "LDAP [corp]: Created user admin", changes[0].Detail)
	assert.Equal(t, "LDAP [corp]: Created user harry", changes[1].Detail)
	assert.Equal(t, summary.RunID, changes[1].RunID)

	assert.True(t, f.state.LastSync("corp").Equal(testTime))
	assert.False(t, f.store.Locked())

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	var messages []string
	for _, e := range entries {
		messages = append(messages, fmt.Sprint(e["@message"]))
	}
	assert.Contains(t, messages, "SYNC STARTED")
	assert.Contains(t, messages, fmt.Sprintf("SYNC FINISHED - Duration: 0.000 sec, Queries: %d", summary.Queries))
}

func TestDoSync_SecondRunUnchanged(t *testing.T) {
	f := newFixture(t, corp(""), nil)
	addADUser(f.dir, "harry", map[string][]string{"mail": {"harry@example.com"}})
	c := f.connector(t, "corp")

	_, err := c.DoSync(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Saves())

	summary, err := c.DoSync(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unchanged())
	assert.False(t, summary.Persisted)
	assert.Empty(t, summary.Changes)
	assert.Equal(t, 1, f.store.Saves())
	assert.Len(t, f.store.Changes(), 1)
	assert.False(t, f.store.Locked())
}

func TestDoSync_RemovesVanishedUsers(t *testing.T) {
	f := newFixture(t, corp(""), userdb.Users{
		"gone":  ldapProfile("corp", "gone", "user"),
		"local": {userdb.FieldAlias: "Local admin", userdb.FieldRoles: []string{"admin"}},
		"other": ldapProfile("unix", "other", "user"),
	})
	addADUser(f.dir, "harry", nil)

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"gone"}, summary.Removed)
	users := f.users(t)
	assert.NotContains(t, users, "gone")
	assert.Contains(t, users, "local")
	assert.Contains(t, users, "other")
	assert.Contains(t, users, "harry")

	var removed []userdb.ChangeRecord
	for _, r := range f.store.Changes() {
		if r.Kind == userdb.ChangeRemoved {
			removed = append(removed, r)
		}
	}
	require.Len(t, removed, 1)
	assert.Equal(t, "LDAP [corp]: Removed user gone", removed[0].Detail)
}

func TestDoSync_ModifiedDetails(t *testing.T) {
	existing := ldapProfile("corp", "harry", "user")
	existing[userdb.FieldEmail] = "old@example.com"
	f := newFixture(t, corp(""), userdb.Users{"harry": existing})
	addADUser(f.dir, "harry", map[string][]string{"mail": {"harry@example.com"}})

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)

	o, ok := summary.Outcome("harry")
	require.True(t, ok)
	assert.Equal(t, OutcomeModified, o.Kind)
	assert.Equal(t, "LDAP [corp]: Modified user harry (Changed email from old@example.com to harry@example.com)", o.Detail)
	require.Len(t, summary.Changes, 1)
	assert.Equal(t, userdb.ChangeModified, summary.Changes[0].Kind)
	assert.Equal(t, "harry@example.com", f.users(t)["harry"].String(userdb.FieldEmail))
}

func TestDoSync_NameConflict(t *testing.T) {
	tests := map[string]struct {
		extra      string
		wantKind   OutcomeKind
		wantUserID string
		wantDetail string
	}{
		"without suffix": {
			wantKind:   OutcomeSkippedConflict,
			wantUserID: "harry",
			wantDetail: `SKIP SYNC "harry" name conflict with user from "corp" connector. A suffix should be added to this connector.`,
		},
		"with suffix": {
			extra:      `suffix = "corp"`,
			wantKind:   OutcomeCreated,
			wantUserID: "harry@corp",
			wantDetail: "LDAP [corp]: Created user harry@corp",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, corp(tt.extra), userdb.Users{
				"harry": ldapProfile("unix", "harry", "user"),
			})
			addADUser(f.dir, "harry", nil)

			summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
			require.NoError(t, err)

			o, ok := summary.Outcome("harry")
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, o.Kind)
			assert.Equal(t, tt.wantUserID, o.UserID)
			assert.Equal(t, tt.wantDetail, o.Detail)
			assert.Equal(t, "unix", f.users(t)["harry"].Connector())
		})
	}
}

func TestDoSync_SuffixedUserIsKept(t *testing.T) {
	f := newFixture(t, corp(`suffix = "corp"`), userdb.Users{
		"harry":      ldapProfile("unix", "harry", "user"),
		"harry@corp": ldapProfile("corp", "harry@corp", "user"),
	})
	addADUser(f.dir, "harry", nil)

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)

	assert.Empty(t, summary.Removed)
	o, ok := summary.Outcome("harry")
	require.True(t, ok)
	assert.Equal(t, "harry@corp", o.UserID)
	assert.NotEqual(t, OutcomeCreated, o.Kind)
}

func TestDoSync_CreateOnlyOnLogin(t *testing.T) {
	f := newFixture(t, corp("create_only_on_login = true"), userdb.Users{
		"admin": ldapProfile("corp", "admin", "user"),
	})
	adminDN := addADUser(f.dir, "admin", nil)
	addADUser(f.dir, "harry", nil)
	f.dir.AddGroup(adminsDN, "admins", adminDN)

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)

	o, ok := summary.Outcome("harry")
	require.True(t, ok)
	assert.Equal(t, OutcomeSkippedNotCreated, o.Kind)
	assert.Equal(t, `SKIP SYNC "harry" (Only create user of "corp" connector on login)`, o.Detail)

	users := f.users(t)
	assert.NotContains(t, users, "harry")
	assert.Equal(t, []string{"admin"}, users["admin"].Strings(userdb.FieldRoles))
}

func TestDoSync_OnlyUser(t *testing.T) {
	f := newFixture(t, corp(""), userdb.Users{
		"admin": ldapProfile("corp", "admin", "user"),
		"harry": ldapProfile("corp", "harry", "user"),
	})
	addADUser(f.dir, "admin", map[string][]string{"mail": {"admin@example.com"}})
	addADUser(f.dir, "harry", map[string][]string{"mail": {"harry@example.com"}})

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "harry")
	require.NoError(t, err)

	admin, ok := summary.Outcome("admin")
	require.True(t, ok)
	assert.Equal(t, OutcomeSkippedOther, admin.Kind)

	users := f.users(t)
	assert.Equal(t, "harry@example.com", users["harry"].String(userdb.FieldEmail))
	assert.False(t, users["admin"].Has(userdb.FieldEmail))
}

func TestDoSync_FilterGroup(t *testing.T) {
	tests := map[string]struct {
		filterDN string
	}{
		"under group base":   {filterDN: "cn=monitoring," + groupsDN},
		"outside group base": {filterDN: "cn=monitoring," + usersDN},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, corp(fmt.Sprintf("user_filter_group = %q", tt.filterDN)), userdb.Users{
				"admin": ldapProfile("corp", "admin", "user"),
			})
			addADUser(f.dir, "admin", nil)
			harryDN := addADUser(f.dir, "harry", nil)
			f.dir.AddGroup(tt.filterDN, "monitoring", strings.ToUpper(harryDN))

			summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
			require.NoError(t, err)

			assert.Equal(t, []string{"admin"}, summary.Removed)
			users := f.users(t)
			assert.Contains(t, users, "harry")
			assert.NotContains(t, users, "admin")

			searches := f.dir.Searches()
			var groupSearch *goldap.SearchRequest
			for _, req := range searches {
				if strings.EqualFold(req.BaseDN, tt.filterDN) {
					groupSearch = req
				}
			}
			require.NotNil(t, groupSearch)
			assert.Equal(t, goldap.ScopeBaseObject, groupSearch.Scope)
		})
	}
}

func TestDoSync_MissingFilterGroup(t *testing.T) {
	filterDN := "cn=monitoring," + groupsDN
	f := newFixture(t, corp(fmt.Sprintf("user_filter_group = %q", filterDN)), nil)
	addADUser(f.dir, "harry", nil)

	_, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.Error(t, err)
	assert.True(t, ldap.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "could not be found")
	assert.False(t, f.store.Locked())
}

func TestDoSync_EmptyFilterGroup(t *testing.T) {
	filterDN := "cn=monitoring," + groupsDN
	f := newFixture(t, corp(fmt.Sprintf("user_filter_group = %q", filterDN)), userdb.Users{
		"harry": ldapProfile("corp", "harry", "user"),
	})
	addADUser(f.dir, "harry", nil)
	f.dir.AddGroup(filterDN, "monitoring")

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"harry"}, summary.Removed)
	assert.Empty(t, f.users(t))
}

func TestDoSync_PagedUserSearch(t *testing.T) {
	const cfg = `
[[connections]]
id = "corp"
servers = ["dc1.example.com"]
bind_dn = "cn=sync,ou=service,dc=example,dc=com"
bind_password = "sync-secret"
user_dn = "ou=users,dc=example,dc=com"
page_size = 2
`
	tests := map[string]struct {
		users     int
		wantPages int
	}{
		"fewer than a page": {users: 1, wantPages: 1},
		"exactly two pages": {users: 4, wantPages: 2},
		"partial last page": {users: 5, wantPages: 3},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, cfg, nil)
			for i := range tt.users {
				addADUser(f.dir, fmt.Sprintf("user%02d", i), nil)
			}

			summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
			require.NoError(t, err)

			assert.Equal(t, tt.users, summary.Created())
			assert.Equal(t, tt.wantPages, summary.Queries)
			assert.Equal(t, tt.wantPages, f.dir.PageRequests())
		})
	}
}

func TestDoSync_PasswordChangeIsReplicated(t *testing.T) {
	existing := ldapProfile("corp", "harry", "user")
	existing[userdb.FieldEmail] = "harry@example.com"
	existing[userdb.FieldPasswordChanged] = "133000000000000000"
	f := newFixture(t, corp("\n  [[connections.plugins]]\n  id = \"auth_expire\"\n"), userdb.Users{"harry": existing})
	addADUser(f.dir, "harry", map[string][]string{
		"mail":       {"harry@example.com"},
		"pwdLastSet": {"133100000000000000"},
	})

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)

	o, ok := summary.Outcome("harry")
	require.True(t, ok)
	assert.Equal(t, OutcomeModified, o.Kind)
	assert.Equal(t, "LDAP [corp]: Updated authentication state of user harry", o.Detail)
	assert.Empty(t, summary.Changes)
	assert.Equal(t, []string{"harry"}, summary.Replicated)
	assert.True(t, summary.Persisted)

	harry := f.users(t)["harry"]
	assert.Equal(t, 1, harry.Int(userdb.FieldSerial))
	assert.Equal(t, "133100000000000000", harry.String(userdb.FieldPasswordChanged))
	assert.Contains(t, f.store.Replicated(), "harry")
	assert.Empty(t, f.store.Changes())
}

func TestDoSync_PluginFailure(t *testing.T) {
	f := newFixture(t, corp("\n  [[connections.plugins]]\n  id = \"auth_expire\"\n"), nil)
	addADUser(f.dir, "admin", map[string][]string{"pwdLastSet": {"1"}})
	addADUser(f.dir, "harry", nil)

	summary, err := f.connector(t, "corp").DoSync(t.Context(), "")
	require.NoError(t, err)

	require.Contains(t, summary.Failures, "harry")
	var pluginErr *attrsync.PluginError
	require.ErrorAs(t, summary.Failures["harry"], &pluginErr)
	assert.Equal(t, "auth_expire", pluginErr.Plugin)
	o, ok := summary.Outcome("harry")
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, o.Kind)

	users := f.users(t)
	assert.Contains(t, users, "admin")
	assert.NotContains(t, users, "harry")
}

func TestDoSync_Errors(t *testing.T) {
	t.Run("in progress", func(t *testing.T) {
		f := newFixture(t, corp(""), nil)
		c := f.connector(t, "corp")
		c.syncMu.Lock()
		defer c.syncMu.Unlock()

		_, err := c.DoSync(t.Context(), "")
		assert.ErrorIs(t, err, ErrSyncInProgress)
	})

	t.Run("sync switched off", func(t *testing.T) {
		f := newFixture(t, "sync_connections = [\"other\"]\n"+corp(""), nil)
		_, err := f.connector(t, "corp").DoSync(t.Context(), "")
		assert.ErrorIs(t, err, ErrConnectionDisabled)
	})

	t.Run("missing user id attribute", func(t *testing.T) {
		f := newFixture(t, corp(`user_id = "uid"`), nil)
		addADUser(f.dir, "harry", nil)

		_, err := f.connector(t, "corp").DoSync(t.Context(), "")
		require.Error(t, err)
		assert.True(t, ldap.IsConfigurationError(err))
		assert.Contains(t, err.Error(), `The configured User-ID attribute "uid" does not exist`)
		assert.False(t, f.store.Locked())
	})

	t.Run("search failure", func(t *testing.T) {
		f := newFixture(t, corp(""), userdb.Users{"harry": ldapProfile("corp", "harry", "user")})
		addADUser(f.dir, "harry", nil)
		f.dir.FailNextSearch(goldap.NewError(goldap.LDAPResultOperationsError, errors.New("server busy")))

		_, err := f.connector(t, "corp").DoSync(t.Context(), "")
		require.Error(t, err)
		assert.Contains(t, f.users(t), "harry")
		assert.True(t, f.state.LastSync("corp").IsZero())
		assert.False(t, f.store.Locked())
	})
}
