// Package userdb persists local user profiles and the record of changes
// made to them by directory synchronization.
package userdb

import (
	"context"
	"errors"
	"time"
)

// Store loads and saves the complete set of local users. LoadAll with lock
// set holds an exclusive lock that SaveAll or ReleaseLock gives back.
type Store interface {
	LoadAll(ctx context.Context, lock bool) (Users, error)
	SaveAll(ctx context.Context, users Users) error
	ReleaseLock(ctx context.Context) error
}

// ChangeLog receives the changes of one sync cycle.
type ChangeLog interface {
	Record(ctx context.Context, set ChangeSet) error
}

// ChangeSet is the outcome of one sync cycle. Replicate holds profiles whose
// only changes take effect immediately (password marker, serial); they are
// replicated without a pending change record.
type ChangeSet struct {
	RunID        string
	ConnectionID string
	Records      []ChangeRecord
	Replicate    map[string]Profile
}

// ChangeKind classifies a change record.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeRecord describes one user change made by a sync cycle.
type ChangeRecord struct {
	RunID        string
	ConnectionID string
	UserID       string
	Kind         ChangeKind
	Detail       string
	Time         time.Time
}

// ErrLockTimeout is returned when the store lock could not be acquired
// before the context was done.
var ErrLockTimeout = errors.New("timed out waiting for the user store lock")

// storeLock is an exclusive lock that honors context cancellation.
type storeLock chan struct{}

func newStoreLock() storeLock {
	return make(storeLock, 1)
}

func (l storeLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrLockTimeout, ctx.Err())
	}
}

// release reports whether the lock was held.
func (l storeLock) release() bool {
	select {
	case <-l:
		return true
	default:
		return false
	}
}
