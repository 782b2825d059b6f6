package userdb

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Reserved profile fields.
const (
	FieldConnector         = "connector"
	FieldLocked            = "locked"
	FieldSerial            = "serial"
	FieldRoles             = "roles"
	FieldAlias             = "alias"
	FieldEmail             = "email"
	FieldPager             = "pager"
	FieldContactGroups     = "contactgroups"
	FieldPasswordChanged   = "ldap_pw_last_changed"
	FieldNotificationRules = "notification_rules"
)

// Profile is a local user profile: field name to value. Values are the JSON
// types (string, bool, numbers, lists, objects).
type Profile map[string]any

// Users maps user ids to profiles.
type Users map[string]Profile

// NewProfile returns the template of a user created by connection.
func NewProfile(connectionID, alias string, roles []string) Profile {
	return Profile{
		FieldConnector:     connectionID,
		FieldAlias:         alias,
		FieldLocked:        false,
		FieldSerial:        0,
		FieldRoles:         slices.Clone(roles),
		FieldContactGroups: []string{},
	}
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy of u.
func (u Users) Clone() Users {
	out := make(Users, len(u))
	for id, p := range u {
		out[id] = p.Clone()
	}
	return out
}

// Connector returns the id of the connection owning the profile.
func (p Profile) Connector() string {
	return p.String(FieldConnector)
}

// String returns field key as a string.
func (p Profile) String(key string) string {
	switch t := p[key].(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Bool returns field key as a bool.
func (p Profile) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Int returns field key as an integer. Numbers read back from JSON are
// accepted in every representation.
func (p Profile) Int(key string) int {
	switch t := p[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

// Strings returns field key as a list of strings.
func (p Profile) Strings(key string) []string {
	switch t := p[key].(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Has reports whether field key is set.
func (p Profile) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Update folds update into p.
func (p Profile) Update(update map[string]any) {
	maps.Copy(p, update)
}

// Equal reports whether p and other hold the same fields and values. Lists
// are compared in order.
func (p Profile) Equal(other Profile) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || Canonical(v) != Canonical(ov) {
			return false
		}
	}
	return true
}

// Canonical renders a value so that equal values compare equal no matter
// whether they were built in memory or decoded from JSON.
func Canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// ValuesEqual compares two profile values. Lists are compared as multisets.
func ValuesEqual(a, b any) bool {
	la, aList := listValues(a)
	lb, bList := listValues(b)
	if aList && bList {
		return slices.Equal(la, lb)
	}
	return Canonical(a) == Canonical(b)
}

func listValues(v any) ([]string, bool) {
	var out []string
	switch t := v.(type) {
	case []string:
		for _, e := range t {
			out = append(out, Canonical(e))
		}
	case []any:
		for _, e := range t {
			out = append(out, Canonical(e))
		}
	default:
		return nil, false
	}
	slices.Sort(out)
	return out, true
}

// Display renders a value for change details.
func Display(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "None"
	default:
		return Canonical(t)
	}
}
