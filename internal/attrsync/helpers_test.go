package attrsync

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
)

type MockEnv struct {
	mock.Mock
	conn *config.Connection
	regs *config.Config
}

func newMockEnv(conn *config.Connection) *MockEnv {
	return &MockEnv{
		conn: conn,
		regs: &config.Config{
			Roles:         []string{"admin", "user", "guest"},
			DefaultRoles:  []string{"user"},
			ContactGroups: []string{"all", "Linux-Admins"},
			UserAttributes: []config.UserAttribute{
				{Name: "tenant", Default: "none"},
				{Name: "disable_notifications"},
			},
		},
	}
}

func (m *MockEnv) Connection() *config.Connection { return m.conn }
func (m *MockEnv) Registries() Registries         { return m.regs }

func (m *MockEnv) Groups(ctx context.Context, connectionID string, identifiers []string, attr ldap.MatchAttribute, nested bool) (map[string]*ldap.GroupRecord, error) {
	args := m.Called(ctx, connectionID, identifiers, attr, nested)
	groups, _ := args.Get(0).(map[string]*ldap.GroupRecord)
	return groups, args.Error(1)
}

func adConnection() *config.Connection {
	return &config.Connection{ID: "corp", Type: "ad"}
}

func openLDAPConnection() *config.Connection {
	return &config.Connection{ID: "unix", Type: "openldap", GroupMember: "memberUid"}
}

func userEntry(dn string, attrs map[string][]string) *ldap.Entry {
	if attrs == nil {
		attrs = map[string][]string{}
	}
	return &ldap.Entry{DN: dn, Attributes: attrs}
}

func group(dn, name string, members ...string) *ldap.GroupRecord {
	return &ldap.GroupRecord{DN: dn, Name: name, Members: members}
}
