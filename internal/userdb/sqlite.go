package userdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/userdb/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore keeps users, the change log and the replication queue in a
// SQLite database. The store lock is an IMMEDIATE transaction held from
// LoadAll until SaveAll or ReleaseLock, so other processes sharing the file
// are locked out as well.
type SQLiteStore struct {
	db   *sql.DB
	path string
	lock storeLock

	mu      sync.Mutex
	tx      *sql.Tx
	pending []ChangeSet // recorded while tx was open
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// migrates it to the latest schema. path may be ":memory:".
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating user store: %w", err)
	}
	return &SQLiteStore{db: db, path: path, lock: newStoreLock()}, nil
}

// OpenConnection opens and configures a SQLite connection. Transactions
// begin IMMEDIATE so the store lock is taken when LoadAll starts.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Every connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Close closes the database, rolling back a held lock.
func (s *SQLiteStore) Close() error {
	_ = s.ReleaseLock(context.Background())
	return s.db.Close()
}

// DB returns the underlying database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) LoadAll(ctx context.Context, lock bool) (Users, error) {
	if lock {
		if err := s.begin(ctx); err != nil {
			return nil, err
		}
	}

	users, err := s.loadUsers(ctx, s.queryer())
	if err != nil {
		if lock {
			_ = s.ReleaseLock(ctx)
		}
		return nil, err
	}
	return users, nil
}

func (s *SQLiteStore) begin(ctx context.Context) error {
	if err := s.lock.acquire(ctx); err != nil {
		return err
	}
	// The transaction outlives the call; it must not be rolled back when
	// the caller's context ends.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		s.lock.release()
		return fmt.Errorf("locking user store: %w", err)
	}
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) queryer() queryer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// takeTx detaches the held transaction together with the change sets
// recorded while it was open.
func (s *SQLiteStore) takeTx() (*sql.Tx, []ChangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, pending := s.tx, s.pending
	s.tx, s.pending = nil, nil
	return tx, pending
}

func (s *SQLiteStore) loadUsers(ctx context.Context, q queryer) (Users, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, profile FROM users")
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	defer rows.Close()

	users := Users{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("loading users: %w", err)
		}
		profile, err := decodeProfile(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding profile of %s: %w", id, err)
		}
		users[id] = profile
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	return users, nil
}

// SaveAll replaces the stored users and releases the lock. Saving without
// a preceding locked LoadAll takes the lock for the duration of the write.
func (s *SQLiteStore) SaveAll(ctx context.Context, users Users) error {
	s.mu.Lock()
	held := s.tx != nil
	s.mu.Unlock()
	if !held {
		if err := s.begin(ctx); err != nil {
			return err
		}
	}

	tx, pending := s.takeTx()
	defer s.lock.release()

	err := writeUsers(ctx, tx, users)
	for _, set := range pending {
		if err != nil {
			break
		}
		err = writeChangeSet(ctx, tx, set)
	}
	if err != nil {
		_ = tx.Rollback()
		return errors.Join(err, s.writeChanges(ctx, pending))
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(fmt.Errorf("saving users: %w", err), s.writeChanges(ctx, pending))
	}

	tflog.SubsystemDebug(ctx, SubsystemUserDB, "Saved users", map[string]any{
		"users": len(users),
		"path":  s.path,
	})
	return nil
}

func writeUsers(ctx context.Context, tx *sql.Tx, users Users) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO users (id, profile) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("saving users: %w", err)
	}
	defer stmt.Close()

	for id, profile := range users {
		raw, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("encoding profile of %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, string(raw)); err != nil {
			return fmt.Errorf("saving user %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context) error {
	tx, pending := s.takeTx()
	if tx == nil {
		return nil
	}
	defer s.lock.release()
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("releasing user store lock: %w", err)
	}
	tflog.SubsystemTrace(ctx, SubsystemUserDB, "Released user store lock")
	return s.writeChanges(ctx, pending)
}

// Record writes change records and queues profiles for replication. A set
// recorded while the store lock is held is written when the holder saves
// or releases the lock, never into a transaction that may be rolled back.
func (s *SQLiteStore) Record(ctx context.Context, set ChangeSet) error {
	if len(set.Records) == 0 && len(set.Replicate) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.tx != nil {
		s.pending = append(s.pending, set)
		s.mu.Unlock()
		tflog.SubsystemTrace(ctx, SubsystemUserDB, "Deferred change set until the store lock is released", map[string]any{
			"run_id":        set.RunID,
			"connection_id": set.ConnectionID,
		})
		return nil
	}
	s.mu.Unlock()

	if err := s.lock.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.release()
	return s.writeChanges(ctx, []ChangeSet{set})
}

// writeChanges writes sets in a transaction of their own. The caller holds
// the store lock.
func (s *SQLiteStore) writeChanges(ctx context.Context, sets []ChangeSet) error {
	if len(sets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("recording changes: %w", err)
	}
	for _, set := range sets {
		if err := writeChangeSet(ctx, tx, set); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recording changes: %w", err)
	}
	return nil
}

func writeChangeSet(ctx context.Context, q queryer, set ChangeSet) error {
	now := time.Now().UTC()
	for _, r := range set.Records {
		at := r.Time
		if at.IsZero() {
			at = now
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO change_log (run_id, connection_id, user_id, kind, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			set.RunID, set.ConnectionID, r.UserID, string(r.Kind), r.Detail, at); err != nil {
			return fmt.Errorf("recording change of %s: %w", r.UserID, err)
		}
	}
	for id, profile := range set.Replicate {
		raw, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("encoding profile of %s: %w", id, err)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR REPLACE INTO replication_queue (run_id, connection_id, user_id, profile, queued_at)
			 VALUES (?, ?, ?, ?, ?)`,
			set.RunID, set.ConnectionID, id, string(raw), now); err != nil {
			return fmt.Errorf("queueing profile of %s: %w", id, err)
		}
	}
	return nil
}

// Changes returns the most recent change records of a connection, newest
// first. An empty connectionID selects every connection.
func (s *SQLiteStore) Changes(ctx context.Context, connectionID string, limit int) ([]ChangeRecord, error) {
	query := `SELECT run_id, connection_id, user_id, kind, detail, created_at FROM change_log`
	var args []any
	if connectionID != "" {
		query += " WHERE connection_id = ?"
		args = append(args, connectionID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.queryer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading change log: %w", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var r ChangeRecord
		var kind string
		if err := rows.Scan(&r.RunID, &r.ConnectionID, &r.UserID, &kind, &r.Detail, &r.Time); err != nil {
			return nil, fmt.Errorf("reading change log: %w", err)
		}
		r.Kind = ChangeKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Replicated returns the profiles queued for replication, keyed by user id.
func (s *SQLiteStore) Replicated(ctx context.Context) (map[string]Profile, error) {
	rows, err := s.queryer().QueryContext(ctx, "SELECT user_id, profile FROM replication_queue ORDER BY queued_at")
	if err != nil {
		return nil, fmt.Errorf("reading replication queue: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Profile)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("reading replication queue: %w", err)
		}
		profile, err := decodeProfile(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding profile of %s: %w", id, err)
		}
		out[id] = profile
	}
	return out, rows.Err()
}

func decodeProfile(raw string) (Profile, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	for k, v := range p {
		p[k] = normalizeNumber(v)
	}
	return p, nil
}

// normalizeNumber turns decoded JSON numbers into int or float64.
func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, e := range t {
			t[i] = normalizeNumber(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumber(e)
		}
		return t
	default:
		return v
	}
}
