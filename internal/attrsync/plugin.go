// Package attrsync turns directory entries into user profile updates. Each
// sync plugin maps some directory state (attributes, group memberships) onto
// profile fields; a Pipeline runs the plugins a connection activated in their
// configured order.
package attrsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// Update is the set of profile fields a plugin wants to change.
type Update map[string]any

// Registries gives plugins access to the site-wide registries.
type Registries interface {
	RoleIDs() []string
	ContactGroupIDs() []string
	DefaultUserRoles() []string
	UserAttributeDefault(name string) (any, bool)
}

// Env is the connection a plugin runs against.
type Env interface {
	Connection() *config.Connection
	Registries() Registries

	// Groups resolves memberships on the connection with the given id. An
	// unknown connection id yields no groups.
	Groups(ctx context.Context, connectionID string, identifiers []string, attr ldap.MatchAttribute, nested bool) (map[string]*ldap.GroupRecord, error)
}

// Plugin is one attribute sync unit.
type Plugin interface {
	ID() string
	Title() string

	// NeededAttributes lists the directory attributes Apply reads.
	NeededAttributes(env Env, params config.Plugin) []string

	// LockedFields lists the profile fields owned by the plugin.
	LockedFields(params config.Plugin) []string

	Apply(ctx context.Context, env Env, userID string, entry *ldap.Entry, profile userdb.Profile, params config.Plugin) (Update, error)
}

// PluginError is returned when a plugin fails for one user.
type PluginError struct {
	Plugin string
	UserID string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("sync plugin %s failed for user %s: %v", e.Plugin, e.UserID, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// MemberValue returns the value group members are compared against: the
// lower-cased user id for memberUid groups, the user DN otherwise.
func MemberValue(conn *config.Connection, userID string, entry *ldap.Entry) string {
	if conn.Attr("member") == "memberuid" {
		return strings.ToLower(userID)
	}
	return entry.DN
}

// attrParam returns the configured attribute or the connection's attribute
// for key.
func attrParam(env Env, params config.Plugin, key string) string {
	if params.Attr != "" {
		return strings.ToLower(params.Attr)
	}
	return env.Connection().Attr(key)
}
