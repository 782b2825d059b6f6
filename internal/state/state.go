// Package state keeps the small per-connection state files of the sync:
// when a connection was last synchronized and which domain controller was
// discovered for it.
package state

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Dir is a state directory.
type Dir struct {
	path string
}

// New returns the state directory at path. It is created on first write.
func New(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) syncTimeFile(id string) string {
	return filepath.Join(d.path, "ldap_"+id+"_sync_time.mk")
}

func (d *Dir) discoveredDCFile(id string) string {
	return filepath.Join(d.path, "ldap_"+id+"_discovered_dc.mk")
}

// LastSync returns the time of the last completed sync of connection id.
// A missing or unreadable file yields the zero time.
func (d *Dir) LastSync(id string) time.Time {
	raw, err := os.ReadFile(d.syncTimeFile(id))
	if err != nil {
		return time.Time{}
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}

// SetLastSync records t as the last sync time of connection id.
func (d *Dir) SetLastSync(id string, t time.Time) error {
	secs := float64(t.UnixNano()) / 1e9
	return d.writeFile(d.syncTimeFile(id), strconv.FormatFloat(secs, 'f', 6, 64)+"\n")
}

// SyncIsNeeded reports whether lastSync + livetime lies at or before now.
func (d *Dir) SyncIsNeeded(id string, livetime time.Duration, now time.Time) bool {
	return !d.NextSync(id, livetime).After(now)
}

// NextSync returns when connection id is due again.
func (d *Dir) NextSync(id string, livetime time.Duration) time.Time {
	last := d.LastSync(id)
	if last.IsZero() {
		return time.Unix(0, 0).Add(livetime)
	}
	return last.Add(livetime)
}

// LoadServer returns the cached discovered server of connection id.
func (d *Dir) LoadServer(id string) (string, bool, error) {
	raw, err := os.ReadFile(d.discoveredDCFile(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading discovered server: %w", err)
	}
	server := strings.TrimSpace(string(raw))
	return server, server != "", nil
}

// StoreServer caches the discovered server of connection id.
func (d *Dir) StoreServer(id, server string) error {
	return d.writeFile(d.discoveredDCFile(id), server)
}

// InvalidateServer drops the cached server of connection id.
func (d *Dir) InvalidateServer(id string) error {
	err := os.Remove(d.discoveredDCFile(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing discovered server: %w", err)
	}
	return nil
}

// ClearAll drops every cached discovered server; used after a
// configuration change.
func (d *Dir) ClearAll() error {
	matches, err := filepath.Glob(filepath.Join(d.path, "ldap_*_discovered_dc.mk"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFile writes content using atomic write (temp file + rename).
func (d *Dir) writeFile(path, content string) error {
	if err := os.MkdirAll(d.path, 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(d.path, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
