package userdb

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MemoryStore keeps users and change records in memory.
type MemoryStore struct {
	lock storeLock

	mu        sync.Mutex
	users     Users
	changes   []ChangeRecord
	replicate map[string]Profile
	saves     int
}

// NewMemoryStore returns a store holding a copy of users.
func NewMemoryStore(users Users) *MemoryStore {
	if users == nil {
		users = Users{}
	}
	return &MemoryStore{
		lock:      newStoreLock(),
		users:     users.Clone(),
		replicate: make(map[string]Profile),
	}
}

func (s *MemoryStore) LoadAll(ctx context.Context, lock bool) (Users, error) {
	if lock {
		if err := s.lock.acquire(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Clone(), nil
}

func (s *MemoryStore) SaveAll(ctx context.Context, users Users) error {
	s.mu.Lock()
	s.users = users.Clone()
	s.saves++
	s.mu.Unlock()

	s.lock.release()
	tflog.SubsystemDebug(ctx, SubsystemUserDB, "Saved users", map[string]any{"users": len(users)})
	return nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context) error {
	s.lock.release()
	return nil
}

// Record appends records to the in-memory change log.
func (s *MemoryStore) Record(_ context.Context, set ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, r := range set.Records {
		r.RunID = set.RunID
		r.ConnectionID = set.ConnectionID
		if r.Time.IsZero() {
			r.Time = now
		}
		s.changes = append(s.changes, r)
	}
	for id, p := range set.Replicate {
		s.replicate[id] = p.Clone()
	}
	return nil
}

// Changes returns every recorded change.
func (s *MemoryStore) Changes() []ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChangeRecord(nil), s.changes...)
}

// Replicated returns the profiles queued for replication.
func (s *MemoryStore) Replicated() map[string]Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Profile, len(s.replicate))
	for id, p := range s.replicate {
		out[id] = p.Clone()
	}
	return out
}

// Saves returns how often SaveAll was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Locked reports whether the store lock is held.
func (s *MemoryStore) Locked() bool {
	return len(s.lock) == 1
}
