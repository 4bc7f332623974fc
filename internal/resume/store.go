// Package resume persists the state of in-progress downloads so they can be
// continued after a restart.
package resume

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
)

// RetentionPeriod is how long an untouched entry survives.
const RetentionPeriod = 7 * 24 * time.Hour

// PersistInterval is the progress granularity written to disk.
const PersistInterval = 1 << 20

// DownloadState is the persisted record of one download.
type DownloadState struct {
	Filename   string    `json:"filename"`
	TotalSize  uint64    `json:"total_size"`
	Downloaded uint64    `json:"downloaded"`
	TempPath   string    `json:"temp_path"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is a JSON file of download states keyed by filename. The in-memory
// copy is authoritative; the file is rewritten whole on each persist. A
// Store is not safe for concurrent use.
type Store struct {
	path   string
	states map[string]*DownloadState
	now    func() time.Time
}

// New returns an empty store backed by path. Call Load to read it.
func New(path string) *Store {
	return &Store{
		path:   path,
		states: make(map[string]*DownloadState),
		now:    time.Now,
	}
}

// Open creates a store and loads it.
func Open(path string) (*Store, error) {
	s := New(path)
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file, drops inactive entries and those not updated within
// RetentionPeriod, and rewrites the file if anything was dropped. A missing
// file is an empty store; an unreadable one is logged and treated as empty.
func (s *Store) Load() (map[string]DownloadState, error) {
	s.states = make(map[string]*DownloadState)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.snapshot(), nil
	}
	if err != nil {
		return nil, errkind.E(errkind.Storage, "load resume state", err)
	}

	var stored map[string]*DownloadState
	if err := json.Unmarshal(data, &stored); err != nil {
		logging.Warn("resume state unreadable, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return s.snapshot(), nil
	}

	cutoff := s.now().Add(-RetentionPeriod)
	pruned := 0
	for name, st := range stored {
		if st == nil || !st.Active || st.UpdatedAt.Before(cutoff) {
			pruned++
			continue
		}
		st.Filename = name
		s.states[name] = st
	}

	if pruned > 0 {
		logging.Info("pruned stale resume entries",
			zap.Int("pruned", pruned), zap.Int("kept", len(s.states)))
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s.snapshot(), nil
}

// Register starts tracking filename and persists immediately. Re-registering
// keeps the original creation time and restarts progress at zero.
func (s *Store) Register(filename string, totalSize uint64, tempPath string) error {
	now := s.now()
	created := now
	if prev, ok := s.states[filename]; ok {
		created = prev.CreatedAt
	}
	s.states[filename] = &DownloadState{
		Filename:  filename,
		TotalSize: totalSize,
		TempPath:  tempPath,
		Active:    true,
		CreatedAt: created,
		UpdatedAt: now,
	}
	return s.save()
}

// UpdateProgress records downloaded bytes. The file is written only when
// progress crosses a PersistInterval boundary or reaches the total size.
// Progress never moves backwards; lower values are ignored.
func (s *Store) UpdateProgress(filename string, downloaded uint64) error {
	st, ok := s.states[filename]
	if !ok {
		return errkind.Errorf(errkind.Storage, "update progress", "%s is not registered", filename)
	}
	if downloaded > st.TotalSize {
		return errkind.Errorf(errkind.Storage, "update progress",
			"%s: %d bytes exceeds total %d", filename, downloaded, st.TotalSize)
	}
	if downloaded <= st.Downloaded {
		return nil
	}

	prev := st.Downloaded
	st.Downloaded = downloaded
	st.UpdatedAt = s.now()

	if prev/PersistInterval != downloaded/PersistInterval || downloaded == st.TotalSize {
		return s.save()
	}
	return nil
}

// Complete removes filename and persists.
func (s *Store) Complete(filename string) error {
	if _, ok := s.states[filename]; !ok {
		return nil
	}
	delete(s.states, filename)
	return s.save()
}

// Get returns the state for filename.
func (s *Store) Get(filename string) (DownloadState, bool) {
	st, ok := s.states[filename]
	if !ok {
		return DownloadState{}, false
	}
	return *st, true
}

// ListIncomplete returns active entries sorted by filename.
func (s *Store) ListIncomplete() []DownloadState {
	out := make([]DownloadState, 0, len(s.states))
	for _, st := range s.states {
		if st.Active {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func (s *Store) snapshot() map[string]DownloadState {
	out := make(map[string]DownloadState, len(s.states))
	for name, st := range s.states {
		out[name] = *st
	}
	return out
}

// save writes the whole store to a temp file and renames it into place.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return errkind.E(errkind.Storage, "encode resume state", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errkind.E(errkind.Storage, "save resume state", err)
	}
	tmp, err := os.CreateTemp(dir, ".resume-*.tmp")
	if err != nil {
		return errkind.E(errkind.Storage, "save resume state", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errkind.E(errkind.Storage, "save resume state", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errkind.E(errkind.Storage, "save resume state", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errkind.E(errkind.Storage, "save resume state", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errkind.E(errkind.Storage, "save resume state", err)
	}
	return nil
}
