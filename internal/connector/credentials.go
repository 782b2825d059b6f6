package connector

import (
	"context"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// CredentialKind is the verdict of a credential check.
type CredentialKind int

const (
	// NoOpinion means the connection is not responsible for the user.
	NoOpinion CredentialKind = iota
	Matched
	Rejected
)

func (k CredentialKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case Rejected:
		return "rejected"
	default:
		return "no_opinion"
	}
}

// CredentialResult is returned by CheckCredentials. UserID is the local
// user id on Matched.
type CredentialResult struct {
	Kind   CredentialKind
	UserID string
}

// CheckCredentials verifies secret by binding as the directory user behind
// id. Unknown users are created on success. The default bind is restored
// afterwards.
func (c *Connector) CheckCredentials(ctx context.Context, id, secret string) (CredentialResult, error) {
	ctx = c.logContext(ctx)
	noOpinion := CredentialResult{Kind: NoOpinion}
	rejected := CredentialResult{Kind: Rejected}

	users, err := c.store.LoadAll(ctx, false)
	if err != nil {
		return noOpinion, fmt.Errorf("loading users: %w", err)
	}
	owner := ""
	if p, ok := users[id]; ok {
		owner = p.Connector()
	}
	if (owner != "" && owner != c.cfg.ID) || c.cfg.UserBaseDN == "" {
		return noOpinion, nil
	}

	if err := c.conn.Connect(ctx, false); err != nil {
		tflog.SubsystemError(ctx, SubsystemSync, "Failed to connect to LDAP", map[string]any{
			"error":    err.Error(),
			"category": string(ldap.GetErrorCategory(err)),
		})
		return noOpinion, nil
	}

	enforced := false
	if owner == "" {
		enforce, err := c.enforcement(id)
		if err != nil {
			return noOpinion, err
		}
		if enforce == enforcedOther {
			return noOpinion, nil
		}
		enforced = enforce == enforcedThis
	}

	dn, ldapID, found, err := c.lookupUser(ctx, c.stripSuffix(id))
	if err != nil {
		return noOpinion, fmt.Errorf("looking up user %s: %w", id, err)
	}
	if !found {
		if enforced {
			return rejected, nil
		}
		return noOpinion, nil
	}

	if !c.verifyBind(ctx, id, dn, secret) {
		return rejected, nil
	}

	matched, err := c.matchingUserProfile(ctx, ldapID)
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemSync, "Exception during authentication", map[string]any{
			"user_id": id,
			"error":   err.Error(),
		})
		return rejected, nil
	}
	if matched == "" {
		return rejected, nil
	}
	return CredentialResult{Kind: Matched, UserID: matched}, nil
}

// verifyBind binds as dn with secret and restores the default bind
// afterwards.
func (c *Connector) verifyBind(ctx context.Context, id, dn, secret string) bool {
	if secret == "" {
		tflog.SubsystemWarn(ctx, SubsystemSync, "Refusing empty password", map[string]any{"user_id": id})
		return false
	}

	err := c.conn.Bind(ctx, dn, secret)
	if err != nil {
		tflog.SubsystemWarn(ctx, SubsystemSync, "Unable to authenticate user", map[string]any{
			"user_id": id,
			"error":   err.Error(),
		})
	}
	if err := c.conn.DefaultBind(ctx); err != nil {
		tflog.SubsystemWarn(ctx, SubsystemSync, "Failed to restore the default bind", map[string]any{"error": err.Error()})
	}
	return err == nil
}

type enforcement int

const (
	enforcedNone enforcement = iota
	enforcedThis
	enforcedOther
)

// enforcement checks whether the suffix of id selects a connection.
func (c *Connector) enforcement(id string) (enforcement, error) {
	suffixes := map[string]string{}
	if c.peers != nil {
		suffixes = c.peers.Suffixes()
	}
	if c.cfg.HasSuffix() {
		suffixes[c.cfg.ID] = c.cfg.Suffix
	}

	var matched []string
	for connID, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(id, "@"+suffix) {
			matched = append(matched, connID)
		}
	}
	switch {
	case len(matched) == 0:
		return enforcedNone, nil
	case len(matched) > 1:
		return enforcedNone, fmt.Errorf("unable to match connection: user %s matches the suffixes of %s", id, strings.Join(matched, ", "))
	case matched[0] == c.cfg.ID:
		return enforcedThis, nil
	default:
		return enforcedOther, nil
	}
}

// lookupUser finds the directory user with the given id that passes the user
// filter and the filter group. It returns the DN and the sanitized id.
func (c *Connector) lookupUser(ctx context.Context, ldapID string) (string, string, bool, error) {
	ldapCfg := c.conn.Config()
	idAttr := c.userIDAttr()

	entries, err := c.search.Search(ctx, &ldap.SearchRequest{
		BaseDN:     ldapCfg.UserBaseDN,
		Scope:      ldapCfg.UserScope,
		Filter:     fmt.Sprintf("(&(%s=%s)%s)", idAttr, goldap.EscapeFilter(ldapID), c.cfg.Filter("users")),
		Attributes: []string{idAttr},
	}, true)
	if err != nil {
		return "", "", false, err
	}
	if len(entries) == 0 {
		return "", "", false, nil
	}
	entry := entries[0]
	raw := entry.First(idAttr)

	if c.cfg.UserFilterGroup != "" {
		members, err := c.filterGroupMembers(ctx)
		if err != nil {
			return "", "", false, err
		}
		isMember := false
		for _, m := range members {
			if (c.cfg.Attr("member") == "memberuid" && strings.EqualFold(raw, m)) || strings.EqualFold(entry.DN, m) {
				isMember = true
				break
			}
		}
		if !isMember {
			return "", "", false, nil
		}
	}

	id, err := SanitizeUserID(c.cfg, raw)
	if err != nil {
		return "", "", false, err
	}
	return entry.DN, id, true, nil
}

// matchingUserProfile returns the local user id for the directory user
// ldapID, creating the profile when needed. An empty id means no profile
// could be matched.
func (c *Connector) matchingUserProfile(ctx context.Context, ldapID string) (string, error) {
	users, err := c.store.LoadAll(ctx, true)
	if err != nil {
		return "", fmt.Errorf("loading users: %w", err)
	}

	candidates := []string{ldapID}
	if c.cfg.HasSuffix() {
		candidates = append(candidates, c.addSuffix(ldapID))
	}

	for _, candidate := range candidates {
		p, ok := users[candidate]
		if ok {
			if p.Connector() == c.cfg.ID {
				return candidate, c.store.ReleaseLock(ctx)
			}
			continue
		}
		if err := c.createOnLogin(ctx, users, candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", c.store.ReleaseLock(ctx)
}

// createOnLogin stores a new profile for id and syncs it right away. The
// store lock must be held; it is released by the save.
func (c *Connector) createOnLogin(ctx context.Context, users userdb.Users, id string) error {
	users[id] = userdb.NewProfile(c.cfg.ID, id, c.regs.DefaultUserRoles())
	if err := c.store.SaveAll(ctx, users); err != nil {
		_ = c.store.ReleaseLock(ctx)
		return fmt.Errorf("creating user %s: %w", id, err)
	}

	detail := fmt.Sprintf("LDAP [%s]: Created user %s", c.cfg.ID, id)
	tflog.SubsystemInfo(ctx, SubsystemSync, detail, map[string]any{"user_id": id, "on_login": true})
	if c.changes != nil {
		err := c.changes.Record(ctx, userdb.ChangeSet{
			RunID:        uuid.NewString(),
			ConnectionID: c.cfg.ID,
			Records: []userdb.ChangeRecord{{
				UserID: id,
				Kind:   userdb.ChangeCreated,
				Detail: detail,
				Time:   c.now(),
			}},
		})
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemSync, "Failed to record user creation", map[string]any{"error": err.Error()})
		}
	}

	if _, err := c.DoSync(ctx, id); err != nil {
		tflog.SubsystemWarn(ctx, SubsystemSync, "Sync after creating user on login failed", map[string]any{
			"user_id": id,
			"error":   err.Error(),
		})
	}
	return nil
}
