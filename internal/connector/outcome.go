package connector

import (
	"time"

	"github.com/Checkmk/checkmk-sub025/internal/userdb"
)

// OutcomeKind classifies what a sync cycle did with one directory user.
type OutcomeKind int

const (
	OutcomeCreated OutcomeKind = iota
	OutcomeModified
	OutcomeUnchanged
	OutcomeSkippedConflict
	OutcomeSkippedFiltered
	OutcomeSkippedNotCreated
	OutcomeSkippedOther
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCreated:
		return "created"
	case OutcomeModified:
		return "modified"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSkippedConflict:
		return "skipped_conflict"
	case OutcomeSkippedFiltered:
		return "skipped_filtered"
	case OutcomeSkippedNotCreated:
		return "skipped_not_created"
	case OutcomeSkippedOther:
		return "skipped_other"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Skipped reports whether the user was left alone.
func (k OutcomeKind) Skipped() bool {
	switch k {
	case OutcomeSkippedConflict, OutcomeSkippedFiltered, OutcomeSkippedNotCreated, OutcomeSkippedOther:
		return true
	}
	return false
}

// Outcome is the result of syncing one directory user.
type Outcome struct {
	DirectoryID string // sanitized id as found in the directory
	UserID      string // local id, possibly carrying the suffix
	Kind        OutcomeKind
	Detail      string
	Err         error
}

// Summary describes one sync cycle.
type Summary struct {
	ConnectionID string
	RunID        string
	Started      time.Time
	Duration     time.Duration
	Queries      int

	Outcomes   []Outcome
	Removed    []string
	Changes    []userdb.ChangeRecord
	Replicated []string
	Failures   map[string]error
	Persisted  bool
}

// Count returns the number of outcomes of kind k.
func (s *Summary) Count(k OutcomeKind) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}

// Created returns the number of created users.
func (s *Summary) Created() int { return s.Count(OutcomeCreated) }

// Modified returns the number of modified users.
func (s *Summary) Modified() int { return s.Count(OutcomeModified) }

// Unchanged returns the number of users the cycle left as they were.
func (s *Summary) Unchanged() int { return s.Count(OutcomeUnchanged) }

// Skipped returns the number of skipped users.
func (s *Summary) Skipped() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Kind.Skipped() {
			n++
		}
	}
	return n
}

// Outcome returns the outcome of the directory user id.
func (s *Summary) Outcome(directoryID string) (Outcome, bool) {
	for _, o := range s.Outcomes {
		if o.DirectoryID == directoryID {
			return o, true
		}
	}
	return Outcome{}, false
}
