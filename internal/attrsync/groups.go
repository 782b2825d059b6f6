package attrsync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// memberGroups returns the entries of names whose directory group (matched
// by cn on this connection and on others) contains the user.
func memberGroups(ctx context.Context, env Env, userID string, entry *ldap.Entry, names []string, nested bool, others []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	conn := env.Connection()
	value := MemberValue(conn, userID, entry)

	connections := []string{conn.ID}
	for _, id := range others {
		if !slices.Contains(connections, id) {
			connections = append(connections, id)
		}
	}

	member := make(map[string]bool)
	for _, id := range connections {
		groups, err := env.Groups(ctx, id, names, ldap.MatchCN, nested)
		if err != nil {
			return nil, fmt.Errorf("resolving groups of connection %s: %w", id, err)
		}
		for _, g := range groups {
			if g.HasMember(value) {
				member[strings.ToLower(g.Name)] = true
			}
		}
	}

	var out []string
	for _, name := range names {
		if member[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out, nil
}

// contactGroupsPlugin assigns the contact groups whose name matches the cn
// of a directory group the user belongs to.
type contactGroupsPlugin struct{}

func (contactGroupsPlugin) ID() string    { return config.PluginGroupsToContactgroups }
func (contactGroupsPlugin) Title() string { return "Contact group membership" }

func (contactGroupsPlugin) NeededAttributes(Env, config.Plugin) []string { return nil }

func (contactGroupsPlugin) LockedFields(config.Plugin) []string {
	return []string{userdb.FieldContactGroups}
}

func (contactGroupsPlugin) Apply(ctx context.Context, env Env, userID string, entry *ldap.Entry, _ userdb.Profile, params config.Plugin) (Update, error) {
	groups, err := memberGroups(ctx, env, userID, entry, env.Registries().ContactGroupIDs(), params.Nested, params.OtherConnections)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []string{}
	}
	return Update{userdb.FieldContactGroups: groups}, nil
}

// groupAttributesPlugin sets custom attributes depending on group
// membership.
type groupAttributesPlugin struct{}

func (groupAttributesPlugin) ID() string    { return config.PluginGroupsToAttributes }
func (groupAttributesPlugin) Title() string { return "Groups to custom user attributes" }

func (groupAttributesPlugin) NeededAttributes(Env, config.Plugin) []string { return nil }

func (groupAttributesPlugin) LockedFields(params config.Plugin) []string {
	var fields []string
	for _, g := range params.Groups {
		if !slices.Contains(fields, g.Attribute) {
			fields = append(fields, g.Attribute)
		}
	}
	return fields
}

func (groupAttributesPlugin) Apply(ctx context.Context, env Env, userID string, entry *ldap.Entry, profile userdb.Profile, params config.Plugin) (Update, error) {
	var names []string
	for _, g := range params.Groups {
		if !slices.Contains(names, g.CN) {
			names = append(names, g.CN)
		}
	}

	groups, err := memberGroups(ctx, env, userID, entry, names, params.Nested, params.OtherConnections)
	if err != nil {
		return nil, err
	}
	isMember := func(cn string) bool {
		return slices.ContainsFunc(groups, func(g string) bool { return strings.EqualFold(g, cn) })
	}

	update := Update{}
	// reset attributes of groups the user left before setting the values
	// of the groups it is in
	for _, g := range params.Groups {
		if isMember(g.CN) || !profile.Has(g.Attribute) {
			continue
		}
		if def, ok := env.Registries().UserAttributeDefault(g.Attribute); ok {
			update[g.Attribute] = def
		}
	}
	for _, g := range params.Groups {
		if isMember(g.CN) {
			update[g.Attribute] = g.Value
		}
	}
	return update, nil
}

// rolesPlugin assigns roles from the membership in configured groups.
type rolesPlugin struct{}

func (rolesPlugin) ID() string    { return config.PluginGroupsToRoles }
func (rolesPlugin) Title() string { return "Roles" }

func (rolesPlugin) NeededAttributes(Env, config.Plugin) []string { return nil }

func (rolesPlugin) LockedFields(config.Plugin) []string {
	return []string{userdb.FieldRoles}
}

func (rolesPlugin) Apply(ctx context.Context, env Env, userID string, entry *ldap.Entry, _ userdb.Profile, params config.Plugin) (Update, error) {
	groups, err := roleGroups(ctx, env, params)
	if err != nil {
		return nil, err
	}
	value := MemberValue(env.Connection(), userID, entry)

	var roles []string
	for _, role := range env.Registries().RoleIDs() {
		for _, spec := range params.Roles[role] {
			if g, ok := groups[ldap.NormalizeDN(spec.DN)]; ok && g.HasMember(value) {
				roles = append(roles, role)
				break
			}
		}
	}
	if len(roles) == 0 {
		roles = env.Registries().DefaultUserRoles()
	}
	return Update{userdb.FieldRoles: roles}, nil
}

// roleGroups fetches every group referenced by the role configuration, by
// DN, from the connection each group lives on.
func roleGroups(ctx context.Context, env Env, params config.Plugin) (map[string]*ldap.GroupRecord, error) {
	toFetch := make(map[string][]string)
	for _, role := range slices.Sorted(maps.Keys(params.Roles)) {
		for _, spec := range params.Roles[role] {
			connID := spec.Connection
			if connID == "" {
				connID = env.Connection().ID
			}
			dn := ldap.NormalizeDN(spec.DN)
			if !slices.Contains(toFetch[connID], dn) {
				toFetch[connID] = append(toFetch[connID], dn)
			}
		}
	}

	groups := make(map[string]*ldap.GroupRecord)
	for _, connID := range slices.Sorted(maps.Keys(toFetch)) {
		found, err := env.Groups(ctx, connID, toFetch[connID], ldap.MatchDN, params.Nested)
		if err != nil {
			return nil, fmt.Errorf("resolving role groups of connection %s: %w", connID, err)
		}
		maps.Copy(groups, found)
	}
	return groups, nil
}
