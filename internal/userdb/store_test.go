package userdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore(nil) },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			users, err := store.LoadAll(ctx, true)
			require.NoError(t, err)
			assert.Empty(t, users)

			users["harry"] = NewProfile("corp", "Harry", []string{"user"})
			users["harry"]["disable_notifications"] = map[string]any{"disable": true}
			require.NoError(t, store.SaveAll(ctx, users))

			loaded, err := store.LoadAll(ctx, false)
			require.NoError(t, err)
			require.Contains(t, loaded, "harry")
			assert.True(t, users["harry"].Equal(loaded["harry"]))
			assert.Equal(t, 0, loaded["harry"].Int(FieldSerial))
			assert.Equal(t, []string{"user"}, loaded["harry"].Strings(FieldRoles))
		})
	}
}

func TestStore_LockIsExclusive(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)

			_, err := store.LoadAll(t.Context(), true)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
			defer cancel()
			_, err = store.LoadAll(ctx, true)
			require.ErrorIs(t, err, ErrLockTimeout)

			require.NoError(t, store.ReleaseLock(t.Context()))
			_, err = store.LoadAll(t.Context(), true)
			require.NoError(t, err)
			require.NoError(t, store.ReleaseLock(t.Context()))
			assert.NoError(t, store.ReleaseLock(t.Context()), "releasing twice is harmless")
		})
	}
}

func TestStore_ReleaseLockDiscardsNothingSaved(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()
			require.NoError(t, store.SaveAll(ctx, Users{"ron": NewProfile("corp", "Ron", nil)}))

			users, err := store.LoadAll(ctx, true)
			require.NoError(t, err)
			delete(users, "ron")
			require.NoError(t, store.ReleaseLock(ctx))

			loaded, err := store.LoadAll(ctx, false)
			require.NoError(t, err)
			assert.Contains(t, loaded, "ron")
		})
	}
}

func TestSQLiteStore_ChangeLog(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := t.Context()

	require.NoError(t, store.Record(ctx, ChangeSet{
		RunID:        "run-1",
		ConnectionID: "corp",
		Records: []ChangeRecord{
			{UserID: "harry", Kind: ChangeCreated, Detail: "LDAP [corp]: Created user harry"},
			{UserID: "ron", Kind: ChangeRemoved, Detail: "LDAP [corp]: Removed user ron"},
		},
		Replicate: map[string]Profile{"admin": {FieldSerial: 2}},
	}))
	require.NoError(t, store.Record(ctx, ChangeSet{RunID: "run-2", ConnectionID: "unix"}))
	require.NoError(t, store.Record(ctx, ChangeSet{
		RunID:        "run-3",
		ConnectionID: "unix",
		Records:      []ChangeRecord{{UserID: "luna", Kind: ChangeModified, Detail: "Added: email"}},
	}))

	changes, err := store.Changes(ctx, "corp", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "ron", changes[0].UserID, "newest first")
	assert.Equal(t, ChangeRemoved, changes[0].Kind)
	assert.Equal(t, "run-1", changes[1].RunID)
	assert.False(t, changes[1].Time.IsZero())

	all, err := store.Changes(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "luna", all[0].UserID)

	replicated, err := store.Replicated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, replicated["admin"].Int(FieldSerial))
}

func TestSQLiteStore_RecordWhileLocked(t *testing.T) {
	tests := map[string]struct {
		finish func(t *testing.T, store *SQLiteStore)
	}{
		"holder saves": {
			finish: func(t *testing.T, store *SQLiteStore) {
				require.NoError(t, store.SaveAll(t.Context(), Users{"sally": NewProfile("corp", "sally", nil)}))
			},
		},
		"holder releases": {
			finish: func(t *testing.T, store *SQLiteStore) {
				require.NoError(t, store.ReleaseLock(t.Context()))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			store := newSQLiteStore(t)
			ctx := t.Context()

			_, err := store.LoadAll(ctx, true)
			require.NoError(t, err)

			// Another connection records while the lock belongs to this cycle.
			done := make(chan error, 1)
			go func() {
				done <- store.Record(ctx, ChangeSet{
					RunID:        "run-other",
					ConnectionID: "unix",
					Records:      []ChangeRecord{{UserID: "harry", Kind: ChangeCreated}},
					Replicate:    map[string]Profile{"harry": {FieldSerial: 1}},
				})
			}()
			require.NoError(t, <-done)

			tt.finish(t, store)

			changes, err := store.Changes(ctx, "unix", 10)
			require.NoError(t, err)
			require.Len(t, changes, 1)
			assert.Equal(t, "harry", changes[0].UserID)
			assert.Equal(t, "run-other", changes[0].RunID)

			replicated, err := store.Replicated(ctx)
			require.NoError(t, err)
			assert.Contains(t, replicated, "harry")

			// The lock is free again.
			_, err = store.LoadAll(ctx, true)
			require.NoError(t, err)
			require.NoError(t, store.ReleaseLock(ctx))
		})
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := t.Context()
	users, err := store.LoadAll(ctx, true)
	require.NoError(t, err)
	users["x"] = Profile{FieldConnector: "corp"}
	require.NoError(t, store.SaveAll(ctx, users))

	loaded, err := store.LoadAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "corp", loaded["x"].Connector())
}

func TestMemoryStore_ChangeLog(t *testing.T) {
	store := NewMemoryStore(Users{"a": {FieldConnector: "corp"}})

	require.NoError(t, store.Record(t.Context(), ChangeSet{
		RunID:        "run-1",
		ConnectionID: "corp",
		Records:      []ChangeRecord{{UserID: "a", Kind: ChangeModified}},
		Replicate:    map[string]Profile{"a": {FieldSerial: 1}},
	}))

	changes := store.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "corp", changes[0].ConnectionID)
	assert.Equal(t, "run-1", changes[0].RunID)
	assert.Equal(t, 1, store.Replicated()["a"].Int(FieldSerial))
	assert.False(t, store.Locked())
	assert.Zero(t, store.Saves())
}
