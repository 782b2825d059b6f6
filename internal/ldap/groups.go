package ldap

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MatchAttribute selects how group identifiers are matched.
type MatchAttribute string

const (
	MatchCN MatchAttribute = "cn"
	MatchDN MatchAttribute = "distinguishedname"
)

// GroupRecord is a resolved group. Members are lower-cased, sorted and unique.
type GroupRecord struct {
	DN      string
	Name    string
	Members []string
}

// HasMember reports whether value (DN or user id) is a member.
func (g *GroupRecord) HasMember(value string) bool {
	_, found := slices.BinarySearch(g.Members, strings.ToLower(value))
	return found
}

var (
	userObjectClasses  = []string{"user", "person", "inetorgperson", "organizationalperson", "posixaccount"}
	groupObjectClasses = []string{"group", "groupofnames", "groupofuniquenames", "posixgroup"}
)

// GroupResolver resolves group memberships for one connection. Its caches
// live for one sync cycle; Reset must be called when a cycle starts.
type GroupResolver struct {
	search Searcher
	cfg    *ConnectionConfig

	results     map[string]map[string]*GroupRecord
	flatCache   map[string]*GroupRecord
	nestedCache map[string]*GroupRecord
	commonBase  string
}

// NewGroupResolver creates a resolver searching through s.
func NewGroupResolver(s Searcher, cfg *ConnectionConfig) *GroupResolver {
	r := &GroupResolver{search: s, cfg: cfg}
	r.Reset()
	return r
}

// Reset drops every cached group.
func (r *GroupResolver) Reset() {
	r.results = make(map[string]map[string]*GroupRecord)
	r.flatCache = make(map[string]*GroupRecord)
	r.nestedCache = make(map[string]*GroupRecord)
	r.commonBase = ""
}

// ResolveMemberships returns the groups matching identifiers, keyed by
// lower-cased group DN. Identifiers are common names or DNs depending on
// attr. With nested set, members of sub-groups are included transitively.
func (r *GroupResolver) ResolveMemberships(ctx context.Context, identifiers []string, attr MatchAttribute, nested bool) (map[string]*GroupRecord, error) {
	key := strings.Join(identifiers, "\x00") + "\x00" + strconv.FormatBool(nested) + "\x00" + string(attr)
	if groups, ok := r.results[key]; ok {
		return groups, nil
	}

	var (
		groups map[string]*GroupRecord
		err    error
	)
	if nested {
		groups, err = r.resolveNested(ctx, identifiers, attr)
	} else {
		groups, err = r.resolveFlat(ctx, identifiers, attr)
	}
	if err != nil {
		return nil, err
	}

	r.results[key] = groups
	return groups, nil
}

// FilterGroupMembers returns the lower-cased members of the group
// restricting which users are synchronized. The group is read with a base
// search on dn, independent of the group base DN and group filter.
func (r *GroupResolver) FilterGroupMembers(ctx context.Context, dn string) ([]string, error) {
	memberAttr := r.memberAttribute()

	entries, err := r.search.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Attributes: []string{memberAttr},
	}, true)
	if err != nil && !IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to fetch filter group %q: %w", dn, err)
	}
	if len(entries) == 0 {
		return nil, NewConfigurationError("user_filter_group",
			fmt.Sprintf("the filter group %q could not be found", dn), err)
	}

	values := entries[0].Values(memberAttr)
	members := make([]string, 0, len(values))
	for _, m := range values {
		members = append(members, strings.ToLower(m))
	}
	return members, nil
}

func (r *GroupResolver) memberAttribute() string {
	return strings.ToLower(r.cfg.MemberAttribute)
}

func (r *GroupResolver) resolveFlat(ctx context.Context, identifiers []string, attr MatchAttribute) (map[string]*GroupRecord, error) {
	groups := make(map[string]*GroupRecord)
	if len(identifiers) == 0 {
		return groups, nil
	}

	memberAttr := r.memberAttribute()

	// Directories without a filterable distinguishedName get one base query per DN.
	if !r.cfg.Type.IsActiveDirectory() && attr == MatchDN {
		for _, dn := range identifiers {
			dnKey := NormalizeDN(dn)
			if group, ok := r.flatCache[dnKey]; ok {
				groups[dnKey] = group
				continue
			}

			entries, err := r.search.Search(ctx, &SearchRequest{
				BaseDN:     dn,
				Scope:      ScopeBaseObject,
				Filter:     r.cfg.GroupFilter,
				Attributes: []string{"cn", memberAttr},
			}, true)
			if err != nil {
				if IsNotFoundError(err) {
					tflog.SubsystemWarn(ctx, SubsystemLDAP, "Configured group does not exist", map[string]any{
						"group_dn": dn,
					})
					continue
				}
				return nil, fmt.Errorf("failed to fetch group %q: %w", dn, err)
			}

			for _, entry := range entries {
				group := newGroupRecord(entry, memberAttr)
				r.flatCache[entry.DN] = group
				groups[entry.DN] = group
			}
		}
		return groups, nil
	}

	var b strings.Builder
	for _, id := range identifiers {
		fmt.Fprintf(&b, "(%s=%s)", attr, ldap.EscapeFilter(id))
	}
	filter := "(|" + b.String() + ")"
	if r.cfg.GroupFilter != "" {
		filter = "(&" + r.cfg.GroupFilter + filter + ")"
	}

	entries, err := r.search.Search(ctx, &SearchRequest{
		BaseDN:     r.cfg.GroupBaseDN,
		Scope:      r.cfg.GroupScope,
		Filter:     filter,
		Attributes: []string{"cn", memberAttr},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}

	for _, entry := range entries {
		group := newGroupRecord(entry, memberAttr)
		r.flatCache[entry.DN] = group
		groups[entry.DN] = group
	}

	return groups, nil
}

func newGroupRecord(entry *Entry, memberAttr string) *GroupRecord {
	members := make([]string, 0, len(entry.Values(memberAttr)))
	for _, m := range entry.Values(memberAttr) {
		members = append(members, strings.ToLower(m))
	}
	return &GroupRecord{
		DN:      entry.DN,
		Name:    entry.First("cn"),
		Members: sortUnique(members),
	}
}

type groupRef struct {
	dn   string
	name string
}

func (r *GroupResolver) resolveNested(ctx context.Context, identifiers []string, attr MatchAttribute) (map[string]*GroupRecord, error) {
	groups := make(map[string]*GroupRecord)

	for _, id := range identifiers {
		refs, err := r.groupRefs(ctx, id, attr)
		if err != nil {
			return nil, err
		}

		for _, ref := range refs {
			group, _, err := r.resolveGroup(ctx, ref, make(map[string]struct{}))
			if err != nil {
				return nil, err
			}
			if group != nil {
				groups[group.DN] = group
			}
		}
	}

	return groups, nil
}

// groupRefs turns a nested-mode identifier into group DNs. Common names that
// match nothing yield no refs.
func (r *GroupResolver) groupRefs(ctx context.Context, id string, attr MatchAttribute) ([]groupRef, error) {
	if attr != MatchCN {
		return []groupRef{{dn: NormalizeDN(id)}}, nil
	}

	filter := fmt.Sprintf("(cn=%s)", ldap.EscapeFilter(id))
	if r.cfg.GroupFilter != "" {
		filter = "(&" + r.cfg.GroupFilter + filter + ")"
	}

	entries, err := r.search.Search(ctx, &SearchRequest{
		BaseDN:     r.cfg.GroupBaseDN,
		Scope:      r.cfg.GroupScope,
		Filter:     filter,
		Attributes: []string{"cn"},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to find group %q: %w", id, err)
	}

	refs := make([]groupRef, 0, len(entries))
	for _, entry := range entries {
		refs = append(refs, groupRef{dn: entry.DN, name: entry.First("cn")})
	}
	return refs, nil
}

// resolveGroup resolves one group and its sub-groups depth first. visiting
// holds the DNs on the current path; reaching one of them again returns a nil
// record and the DN in cuts. A record is only cached when no cut below it
// refers to a group other than itself, since its member set would otherwise
// lack that ancestor's members.
func (r *GroupResolver) resolveGroup(ctx context.Context, ref groupRef, visiting map[string]struct{}) (*GroupRecord, map[string]struct{}, error) {
	if group, ok := r.nestedCache[ref.dn]; ok {
		return group, nil, nil
	}
	if _, ok := visiting[ref.dn]; ok {
		return nil, map[string]struct{}{ref.dn: {}}, nil
	}

	visiting[ref.dn] = struct{}{}
	defer delete(visiting, ref.dn)

	name := ref.name
	if name == "" {
		var err error
		if name, err = r.groupName(ctx, ref.dn); err != nil {
			return nil, nil, err
		}
	}

	base, err := r.nestedBase()
	if err != nil {
		return nil, nil, err
	}

	entries, err := r.search.Search(ctx, &SearchRequest{
		BaseDN:     base,
		Scope:      ScopeWholeSubtree,
		Filter:     fmt.Sprintf("(memberof=%s)", ldap.EscapeFilter(EscapeHash(ref.dn))),
		Attributes: []string{"objectclass"},
	}, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch members of %q: %w", ref.dn, err)
	}

	var (
		members []string
		cuts    map[string]struct{}
	)
	for _, entry := range entries {
		switch {
		case entry.HasObjectClass(userObjectClasses...):
			members = append(members, entry.DN)
		case entry.HasObjectClass(groupObjectClasses...):
			sub, subCuts, err := r.resolveGroup(ctx, groupRef{dn: entry.DN}, visiting)
			if err != nil {
				return nil, nil, err
			}
			for dn := range subCuts {
				if cuts == nil {
					cuts = make(map[string]struct{})
				}
				cuts[dn] = struct{}{}
			}
			if sub != nil {
				members = append(members, sub.Members...)
			}
		}
	}
	delete(cuts, ref.dn)

	group := &GroupRecord{
		DN:      ref.dn,
		Name:    name,
		Members: sortUnique(members),
	}
	if len(cuts) == 0 {
		r.nestedCache[ref.dn] = group
	} else {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Group is part of a membership cycle", map[string]any{
			"group_dn": ref.dn,
		})
	}

	return group, cuts, nil
}

func (r *GroupResolver) groupName(ctx context.Context, dn string) (string, error) {
	filter := r.cfg.GroupFilter
	if filter == "" {
		filter = "(objectclass=group)"
	}

	entries, err := r.search.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     filter,
		Attributes: []string{"cn"},
	}, true)
	if err != nil {
		return "", fmt.Errorf("failed to fetch group %q: %w", dn, err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].First("cn"), nil
}

func (r *GroupResolver) nestedBase() (string, error) {
	if r.commonBase != "" {
		return r.commonBase, nil
	}
	base, err := CommonBaseDN(r.cfg.UserBaseDN, r.cfg.GroupBaseDN)
	if err != nil {
		return "", err
	}
	r.commonBase = base
	return base, nil
}

func sortUnique(values []string) []string {
	slices.Sort(values)
	return slices.Compact(values)
}
