// Package store persists engine snapshots as a single human-readable
// JSON file with atomic replace, and guards the state directory with an
// instance lock.
package store

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/redact"
)

const snapshotFile = "state.json"

// Store writes and reads engine snapshots under one state directory.
// Every save filters the embedded config map through the injected
// sensitive-key set; there is no way to switch that off.
type Store struct {
	path string
	keys redact.KeySet
	log  logrus.FieldLogger

	mu sync.Mutex
}

func New(dir string, keys redact.KeySet, log logrus.FieldLogger) (*Store, error) {
	if dir == "" {
		return nil, core.NewError(core.KindStateStore, "store new", "state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.WrapError(core.KindStateStore, "store new", err)
	}
	if keys == nil {
		keys = redact.DefaultKeySet()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{path: filepath.Join(dir, snapshotFile), keys: keys, log: log}, nil
}

func (s *Store) Path() string { return s.path }

// Save writes the snapshot atomically: encode to a temp file in the
// target directory, fsync, rename over the previous snapshot. A crash
// mid-save leaves the old snapshot intact.
func (s *Store) Save(snap core.EngineSnapshot) error {
	snap.Config = s.keys.FilterMap(snap.Config)
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	if snap.Orders == nil {
		snap.Orders = make([]core.Order, 0)
	}
	if snap.Balances == nil {
		snap.Balances = make([]core.Balance, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.path, snap, s.log); err != nil {
		return core.WrapError(core.KindStateStore, "store save", err)
	}
	return nil
}

// Load reads the last saved snapshot. A missing file is not an error;
// the second return reports whether a snapshot existed.
func (s *Store) Load() (core.EngineSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.EngineSnapshot{}, false, nil
		}
		return core.EngineSnapshot{}, false, core.WrapError(core.KindStateStore, "store load", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return core.EngineSnapshot{}, false, core.NewError(core.KindStateStore, "store load", "snapshot file is empty")
	}
	var snap core.EngineSnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return core.EngineSnapshot{}, false, core.WrapError(core.KindStateStore, "store load", err)
	}
	return snap, true, nil
}

func writeJSONAtomic(path string, v any, log logrus.FieldLogger) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, log)
	return nil
}

// fsyncDirBestEffort improves rename durability across crashes; filesystems
// that refuse directory fsync only cost us the extra guarantee.
func fsyncDirBestEffort(dir string, log logrus.FieldLogger) {
	d, err := os.Open(dir)
	if err != nil {
		log.WithFields(logrus.Fields{"dir": dir, "error": err.Error()}).Warn("state dir fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.WithFields(logrus.Fields{"dir": dir, "error": err.Error()}).Warn("state dir fsync failed")
	}
}
