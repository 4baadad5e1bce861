// FILE: snapshot.go
// Package main – Snapshot persistence.
//
// The handler snapshot is written as indented JSON to a temp file that is then
// renamed over the target, so a crash mid-write leaves the previous snapshot.
package main

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// SnapshotStore reads and writes one HandlerSnapshot file.
type SnapshotStore struct {
	path string
	mu   sync.Mutex
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

func (s *SnapshotStore) Path() string { return s.path }

// Save replaces the stored snapshot.
func (s *SnapshotStore) Save(snap HandlerSnapshot) error {
	bs, err := sonic.ConfigStd.MarshalIndent(snap, "", " ")
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "snapshot dir")
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace snapshot")
}

// Load reads the stored snapshot. ok is false when there is none yet.
func (s *SnapshotStore) Load() (snap HandlerSnapshot, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return HandlerSnapshot{}, false, nil
	}
	if err != nil {
		return HandlerSnapshot{}, false, errors.Wrap(err, "read snapshot")
	}
	if err := sonic.ConfigStd.Unmarshal(bs, &snap); err != nil {
		return HandlerSnapshot{}, false, errors.Wrapf(err, "decode snapshot %s", s.path)
	}
	return snap, true, nil
}
