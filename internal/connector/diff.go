package connector

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// Fields whose changes take effect immediately and are not reported as
// pending modifications.
var immediateFields = []string{userdb.FieldSerial, userdb.FieldPasswordChanged}

type profileDiff struct {
	added   []string
	removed []string
	changed map[string][2]any
}

// diffProfiles compares the stored and the synchronized profile. Lists are
// compared as multisets; notification rules are ignored.
func diffProfiles(old, updated userdb.Profile) profileDiff {
	d := profileDiff{changed: make(map[string][2]any)}
	for key, value := range updated {
		oldValue, ok := old[key]
		switch {
		case !ok:
			d.added = append(d.added, key)
		case key == userdb.FieldNotificationRules:
		case !userdb.ValuesEqual(oldValue, value):
			d.changed[key] = [2]any{oldValue, value}
		}
	}
	for key := range old {
		if _, ok := updated[key]; !ok {
			d.removed = append(d.removed, key)
		}
	}
	slices.Sort(d.added)
	slices.Sort(d.removed)
	return d
}

// takeImmediate removes the immediate fields from the changes and reports
// whether any of them changed.
func (d *profileDiff) takeImmediate() bool {
	found := false
	for _, key := range immediateFields {
		if _, ok := d.changed[key]; ok {
			delete(d.changed, key)
			found = true
		}
	}
	return found
}

func (d profileDiff) details() []string {
	var details []string
	if len(d.added) > 0 {
		details = append(details, "Added: "+strings.Join(d.added, ", "))
	}
	if len(d.removed) > 0 {
		details = append(details, "Removed: "+strings.Join(d.removed, ", "))
	}
	for _, key := range slices.Sorted(maps.Keys(d.changed)) {
		values := d.changed[key]
		details = append(details, fmt.Sprintf("Changed %s from %s to %s", key, userdb.Display(values[0]), userdb.Display(values[1])))
	}
	return details
}
