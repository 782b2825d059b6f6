package attrsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// Active Directory userAccountControl flag of disabled accounts.
const uacAccountDisable = 0x2

const fieldDisableNotifications = "disable_notifications"

// simplePlugin copies the first value of one attribute into one field.
type simplePlugin struct {
	id    string
	title string
	key   string // attribute key resolved through the connection
	field string
	lower bool
}

// CustomAttribute returns the plugin syncing the custom user attribute name.
// The directory attribute defaults to the lower-cased name.
func CustomAttribute(name, title string) Plugin {
	if title == "" {
		title = name
	}
	return simplePlugin{id: name, title: title, key: name, field: name}
}

func (p simplePlugin) ID() string    { return p.id }
func (p simplePlugin) Title() string { return p.title }

func (p simplePlugin) NeededAttributes(env Env, params config.Plugin) []string {
	return []string{attrParam(env, params, p.key)}
}

func (p simplePlugin) LockedFields(config.Plugin) []string {
	return []string{p.field}
}

func (p simplePlugin) Apply(_ context.Context, env Env, _ string, entry *ldap.Entry, _ userdb.Profile, params config.Plugin) (Update, error) {
	attr := attrParam(env, params, p.key)
	if !entry.Has(attr) {
		return nil, nil
	}
	value := entry.First(attr)

	switch {
	case p.lower:
		value = strings.ToLower(value)
		if value == "" {
			return nil, nil
		}
	case p.field == fieldDisableNotifications:
		// boolean directory attributes hold "TRUE" or "FALSE"
		return Update{p.field: map[string]any{"disable": value == "TRUE"}}, nil
	}
	return Update{p.field: value}, nil
}

// authExpirePlugin invalidates sessions when the password changed or the
// account was disabled in the directory.
type authExpirePlugin struct{}

func (authExpirePlugin) ID() string    { return config.PluginAuthExpire }
func (authExpirePlugin) Title() string { return "Authentication Expiration" }

func (authExpirePlugin) NeededAttributes(env Env, params config.Plugin) []string {
	attrs := []string{attrParam(env, params, "pw_changed")}
	if env.Connection().DirectoryType().IsActiveDirectory() {
		attrs = append(attrs, "useraccountcontrol")
	}
	return attrs
}

func (authExpirePlugin) LockedFields(config.Plugin) []string {
	return nil
}

func (authExpirePlugin) Apply(_ context.Context, env Env, userID string, entry *ldap.Entry, profile userdb.Profile, params config.Plugin) (Update, error) {
	serial := profile.Int(userdb.FieldSerial)

	if env.Connection().DirectoryType().IsActiveDirectory() {
		if raw := entry.First("useraccountcontrol"); raw != "" {
			flags, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid userAccountControl value %q: %w", raw, err)
			}
			if flags&uacAccountDisable != 0 && !profile.Bool(userdb.FieldLocked) {
				return Update{userdb.FieldLocked: true, userdb.FieldSerial: serial + 1}, nil
			}
		}
	}

	attr := attrParam(env, params, "pw_changed")
	if !entry.Has(attr) {
		return nil, fmt.Errorf(`the "authentication expiration" attribute (%s) could not be fetched from the LDAP server for user %s`, attr, userID)
	}
	changed := entry.First(attr)

	if !profile.Has(userdb.FieldPasswordChanged) {
		return Update{userdb.FieldPasswordChanged: changed}, nil
	}
	if profile.String(userdb.FieldPasswordChanged) != changed {
		return Update{userdb.FieldPasswordChanged: changed, userdb.FieldSerial: serial + 1}, nil
	}
	return nil, nil
}
