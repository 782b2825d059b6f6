package connector

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/ldap"
	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

type directoryUser struct {
	id    string
	entry *ldap.Entry
}

// cycle is the working state of one DoSync run.
type cycle struct {
	c       *Connector
	env     syncEnv
	users   userdb.Users
	only    string
	now     time.Time
	summary *Summary

	records         []userdb.ChangeRecord
	replicate       map[string]userdb.Profile
	passwordChanged bool
}

// DoSync runs one sync cycle. With onlyUserID set, only that local user is
// updated; removals still cover every user of the connection.
func (c *Connector) DoSync(ctx context.Context, onlyUserID string) (*Summary, error) {
	ctx = c.logContext(ctx)

	if !c.syncMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer c.syncMu.Unlock()

	if c.cfg.UserBaseDN == "" {
		return nil, ldap.NewConfigurationError("user_dn", "no user base DN configured", nil)
	}
	if !c.IsEnabled() {
		tflog.SubsystemInfo(ctx, SubsystemSync, fmt.Sprintf("SKIP SYNC connector %q is disabled", c.cfg.ID))
		return nil, ErrConnectionDisabled
	}

	start := c.now()
	c.resetCaches()
	summary := &Summary{
		ConnectionID: c.cfg.ID,
		RunID:        uuid.NewString(),
		Started:      start,
		Failures:     make(map[string]error),
	}
	tflog.SubsystemInfo(ctx, SubsystemSync, "SYNC STARTED", map[string]any{
		"run_id":  summary.RunID,
		"plugins": c.pipeline.IDs(),
	})

	dirUsers, filtered, err := c.directoryUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching users of connection %s: %w", c.cfg.ID, err)
	}
	summary.Outcomes = append(summary.Outcomes, filtered...)

	users, err := c.store.LoadAll(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}

	cy := &cycle{
		c:         c,
		env:       syncEnv{c: c},
		users:     users,
		only:      onlyUserID,
		now:       start,
		summary:   summary,
		replicate: make(map[string]userdb.Profile),
	}

	cy.removeVanished(ctx, dirUsers)
	for _, du := range dirUsers {
		o := cy.syncUser(ctx, du)
		summary.Outcomes = append(summary.Outcomes, o)
		if o.Kind == OutcomeFailed {
			summary.Failures[o.UserID] = o.Err
		}
	}

	if err := cy.persist(ctx); err != nil {
		return nil, err
	}

	stats := c.search.Stats()
	summary.Queries = stats.Queries
	summary.Duration = c.now().Sub(start)
	tflog.SubsystemInfo(ctx, SubsystemSync, fmt.Sprintf("SYNC FINISHED - Duration: %0.3f sec, Queries: %d",
		summary.Duration.Seconds(), summary.Queries), map[string]any{
		"run_id":    summary.RunID,
		"created":   summary.Created(),
		"modified":  summary.Modified(),
		"removed":   len(summary.Removed),
		"unchanged": summary.Unchanged(),
		"skipped":   summary.Skipped(),
		"failed":    len(summary.Failures),
	})

	if err := c.state.SetLastSync(c.cfg.ID, c.now()); err != nil {
		return summary, fmt.Errorf("recording sync time: %w", err)
	}
	return summary, nil
}

// directoryUsers fetches the users of the connection in directory order.
// Users outside the filter group are returned as filtered outcomes.
func (c *Connector) directoryUsers(ctx context.Context) ([]directoryUser, []Outcome, error) {
	ldapCfg := c.conn.Config()
	idAttr := c.userIDAttr()

	attrs := []string{idAttr}
	for _, attr := range c.pipeline.NeededAttributes(syncEnv{c: c}) {
		if attr != idAttr {
			attrs = append(attrs, attr)
		}
	}

	filter := c.cfg.Filter("users")
	var members map[string]bool
	if c.cfg.UserFilterGroup != "" {
		list, err := c.filterGroupMembers(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(list) == 0 {
			tflog.SubsystemWarn(ctx, SubsystemSync, "The user filter group has no members", map[string]any{
				"group": c.cfg.UserFilterGroup,
			})
			return nil, nil, nil
		}

		cmpAttr := "distinguishedname"
		if c.cfg.Attr("member") == "memberuid" {
			cmpAttr = idAttr
		}
		members = make(map[string]bool, len(list))
		var b strings.Builder
		for _, m := range list {
			members[m] = true
			fmt.Fprintf(&b, "(%s=%s)", cmpAttr, goldap.EscapeFilter(m))
		}
		filter = "(&" + filter + "(|" + b.String() + "))"
	}

	entries, err := c.search.Search(ctx, &ldap.SearchRequest{
		BaseDN:     ldapCfg.UserBaseDN,
		Scope:      ldapCfg.UserScope,
		Filter:     filter,
		Attributes: attrs,
	}, true)
	if err != nil {
		return nil, nil, err
	}

	var (
		users    []directoryUser
		filtered []Outcome
		index    = make(map[string]int, len(entries))
	)
	for _, entry := range entries {
		if !entry.Has(idAttr) {
			return nil, nil, ldap.NewConfigurationError("user_id",
				fmt.Sprintf("The configured User-ID attribute %q does not exist for the user %q", idAttr, entry.DN), nil)
		}
		raw := entry.First(idAttr)
		id, err := SanitizeUserID(c.cfg, raw)
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemSync, "SKIP SYNC "+err.Error(), map[string]any{"dn": entry.DN})
			continue
		}

		if members != nil && !members[strings.ToLower(raw)] && !members[strings.ToLower(entry.DN)] {
			filtered = append(filtered, Outcome{DirectoryID: id, UserID: id, Kind: OutcomeSkippedFiltered})
			continue
		}

		if i, ok := index[id]; ok {
			tflog.SubsystemWarn(ctx, SubsystemSync, "Duplicate user id in directory, using the last entry", map[string]any{
				"user_id": id,
				"dn":      entry.DN,
			})
			users[i].entry = entry
			continue
		}
		index[id] = len(users)
		users = append(users, directoryUser{id: id, entry: entry})
	}
	return users, filtered, nil
}

func (c *Connector) filterGroupMembers(ctx context.Context) ([]string, error) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	return c.groups.FilterGroupMembers(ctx, c.cfg.ReplaceMacros(c.cfg.UserFilterGroup))
}

// removeVanished drops the users of this connection that are no longer in
// the directory.
func (cy *cycle) removeVanished(ctx context.Context, dirUsers []directoryUser) {
	present := make(map[string]bool, len(dirUsers))
	for _, du := range dirUsers {
		present[du.id] = true
	}

	for _, id := range slices.Sorted(maps.Keys(cy.users)) {
		if cy.users[id].Connector() != cy.c.cfg.ID || present[cy.c.stripSuffix(id)] {
			continue
		}
		delete(cy.users, id)
		cy.summary.Removed = append(cy.summary.Removed, id)
		cy.record(ctx, id, userdb.ChangeRemoved, fmt.Sprintf("LDAP [%s]: Removed user %s", cy.c.cfg.ID, id))
	}
}

// localUser finds the profile a directory user maps to. create is set for
// users not known yet; ok is false on a name conflict.
func (cy *cycle) localUser(id string) (localID string, profile userdb.Profile, create, ok bool) {
	connID := cy.c.cfg.ID
	if p, found := cy.users[id]; found && p.Connector() == connID {
		return id, p.Clone(), false, true
	}
	if cy.c.cfg.HasSuffix() {
		suffixed := cy.c.addSuffix(id)
		if p, found := cy.users[suffixed]; found && p.Connector() == connID {
			return suffixed, p.Clone(), false, true
		}
	}

	if _, found := cy.users[id]; !found {
		return id, cy.newProfile(id), true, true
	}
	if cy.c.cfg.HasSuffix() {
		suffixed := cy.c.addSuffix(id)
		if _, found := cy.users[suffixed]; !found {
			return suffixed, cy.newProfile(suffixed), true, true
		}
	}
	return "", nil, false, false
}

func (cy *cycle) newProfile(id string) userdb.Profile {
	return userdb.NewProfile(cy.c.cfg.ID, id, cy.c.regs.DefaultUserRoles())
}

func (cy *cycle) syncUser(ctx context.Context, du directoryUser) Outcome {
	connID := cy.c.cfg.ID
	outcome := Outcome{DirectoryID: du.id, UserID: du.id}

	localID, profile, create, ok := cy.localUser(du.id)
	if !ok {
		msg := fmt.Sprintf("SKIP SYNC %q name conflict with user from %q connector.", du.id, connID)
		if !cy.c.cfg.HasSuffix() {
			msg += " A suffix should be added to this connector."
		}
		tflog.SubsystemInfo(ctx, SubsystemSync, msg)
		outcome.Kind = OutcomeSkippedConflict
		outcome.Detail = msg
		return outcome
	}
	outcome.UserID = localID

	if create && cy.c.cfg.CreateOnlyOnLogin {
		msg := fmt.Sprintf("SKIP SYNC %q (Only create user of %q connector on login)", localID, connID)
		tflog.SubsystemInfo(ctx, SubsystemSync, msg)
		outcome.Kind = OutcomeSkippedNotCreated
		outcome.Detail = msg
		return outcome
	}

	if cy.only != "" && localID != cy.only {
		outcome.Kind = OutcomeSkippedOther
		return outcome
	}

	updated, err := cy.c.pipeline.Run(ctx, cy.env, du.id, du.entry, profile)
	if err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Err = err
		return outcome
	}

	if create {
		cy.users[localID] = updated
		outcome.Kind = OutcomeCreated
		outcome.Detail = fmt.Sprintf("LDAP [%s]: Created user %s", connID, localID)
		cy.record(ctx, localID, userdb.ChangeCreated, outcome.Detail)
		return outcome
	}

	old := cy.users[localID]
	if updated.Equal(old) {
		outcome.Kind = OutcomeUnchanged
		return outcome
	}

	diff := diffProfiles(old, updated)
	cy.users[localID] = updated

	immediate := diff.takeImmediate()
	if immediate {
		cy.passwordChanged = true
		if len(diff.changed) == 0 {
			cy.replicate[localID] = updated
		}
	}

	details := diff.details()
	if len(details) == 0 {
		if !immediate {
			outcome.Kind = OutcomeUnchanged
			return outcome
		}
		outcome.Kind = OutcomeModified
		outcome.Detail = fmt.Sprintf("LDAP [%s]: Updated authentication state of user %s", connID, localID)
		tflog.SubsystemInfo(ctx, SubsystemSync, outcome.Detail)
		return outcome
	}

	outcome.Kind = OutcomeModified
	outcome.Detail = fmt.Sprintf("LDAP [%s]: Modified user %s (%s)", connID, localID, strings.Join(details, ", "))
	cy.record(ctx, localID, userdb.ChangeModified, outcome.Detail)
	return outcome
}

func (cy *cycle) record(ctx context.Context, userID string, kind userdb.ChangeKind, detail string) {
	tflog.SubsystemInfo(ctx, SubsystemSync, detail, map[string]any{"user_id": userID, "kind": string(kind)})
	cy.records = append(cy.records, userdb.ChangeRecord{
		RunID:        cy.summary.RunID,
		ConnectionID: cy.c.cfg.ID,
		UserID:       userID,
		Kind:         kind,
		Detail:       detail,
		Time:         cy.now,
	})
}

// persist saves the users when anything changed and releases the store
// lock otherwise, then hands the change records to the change log.
func (cy *cycle) persist(ctx context.Context) error {
	c := cy.c
	if len(cy.records) == 0 && !cy.passwordChanged {
		if err := c.store.ReleaseLock(ctx); err != nil {
			return fmt.Errorf("releasing user store lock: %w", err)
		}
	} else {
		err := ldap.LogOperation(ctx, SubsystemSync, "save_users", map[string]any{"users": len(cy.users)}, func() error {
			return c.store.SaveAll(ctx, cy.users)
		})
		if err != nil {
			_ = c.store.ReleaseLock(ctx)
			return fmt.Errorf("saving users: %w", err)
		}
		cy.summary.Persisted = true
	}

	cy.summary.Changes = cy.records
	cy.summary.Replicated = slices.Sorted(maps.Keys(cy.replicate))

	if c.changes == nil || (len(cy.records) == 0 && len(cy.replicate) == 0) {
		return nil
	}
	err := c.changes.Record(ctx, userdb.ChangeSet{
		RunID:        cy.summary.RunID,
		ConnectionID: c.cfg.ID,
		Records:      cy.records,
		Replicate:    cy.replicate,
	})
	if err != nil {
		return fmt.Errorf("recording changes: %w", err)
	}
	return nil
}
