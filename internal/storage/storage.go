// Package storage persists the tracker's per-position state as a single JSON
// document. Writes go to a temp file that is renamed over the target, so a
// crash leaves either the old or the new snapshot on disk.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"intraday_trader/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// File names inside the cache directory.
const (
	HeldDaysFile = "held_days.json"
	MaxPriceFile = "max_price.json"
	MarkerFile   = "curr_date.json"
)

// ErrCorruptState is returned when a state file exists but cannot be decoded.
var ErrCorruptState = errors.New("corrupt state file")

// HeldDays maps a code to the number of trading days it has been held.
type HeldDays map[string]int

// MaxPrices maps a code to the highest price seen since entry.
type MaxPrices map[string]decimal.Decimal

// MarshalJSON writes prices as bare JSON numbers ({"000001.SZ": 12.34})
// rather than decimal's default quoted strings.
func (m MaxPrices) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.Number, len(m))
	for code, price := range m {
		out[code] = json.Number(price.String())
	}
	return json.Marshal(out)
}

// Snapshot is a detached copy of both maps. Callers may read it freely;
// changing it has no effect on disk.
type Snapshot struct {
	HeldDays  HeldDays
	MaxPrices MaxPrices
}

func emptySnapshot() Snapshot {
	return Snapshot{HeldDays: HeldDays{}, MaxPrices: MaxPrices{}}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	c := emptySnapshot()
	for k, v := range s.HeldDays {
		c.HeldDays[k] = v
	}
	for k, v := range s.MaxPrices {
		c.MaxPrices[k] = v
	}
	return c
}

// Store persists the position lifecycle maps. Every operation is one critical
// section: load both files in full, mutate, save both files in full. The files
// stay the source of truth, so an external edit is picked up on the next call.
type Store struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger
}

// NewStore prepares dir and returns a store writing into it.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir is the directory holding the state files.
func (s *Store) Dir() string { return s.dir }

// Snapshot loads the current maps without changing them.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Update runs fn against freshly loaded maps and saves the result. If fn
// returns an error nothing is written and the unmodified snapshot is
// returned. A save failure is returned alongside the mutated snapshot so the
// caller can keep working from memory.
func (s *Store) Update(fn func(*Snapshot) error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.load()
	work := snap.Clone()
	if err := fn(&work); err != nil {
		return snap, err
	}
	return work, s.save(work)
}

// RunOnce runs fn through Update at most once per (key, date). The marker is
// written only after the state itself has been saved, so a crash in between
// re-runs fn rather than skipping it. ran reports whether fn was applied.
func (s *Store) RunOnce(key, date string, fn func(*Snapshot) error) (ran bool, snap Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers := map[string]string{}
	path := filepath.Join(s.dir, MarkerFile)
	if err := loadJSON(path, &markers); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("daily marker unreadable, treating as unset", zap.String("file", path), zap.Error(err))
		markers = map[string]string{}
	}

	snap = s.load()
	if markers[key] == date {
		return false, snap, nil
	}

	work := snap.Clone()
	if err := fn(&work); err != nil {
		return false, snap, err
	}
	if err := s.save(work); err != nil {
		return true, work, err
	}

	markers[key] = date
	if err := writeJSON(path, markers); err != nil {
		return true, work, fmt.Errorf("save daily marker: %w", err)
	}
	return true, work, nil
}

// load reads both maps. A missing file is an empty map; an unreadable one is
// an empty map plus a warning.
func (s *Store) load() Snapshot {
	snap := emptySnapshot()

	heldPath := filepath.Join(s.dir, HeldDaysFile)
	if err := loadJSON(heldPath, &snap.HeldDays); err != nil {
		s.warnLoad(heldPath, err)
		snap.HeldDays = HeldDays{}
	}

	maxPath := filepath.Join(s.dir, MaxPriceFile)
	if err := loadJSON(maxPath, &snap.MaxPrices); err != nil {
		s.warnLoad(maxPath, err)
		snap.MaxPrices = MaxPrices{}
	}

	if snap.HeldDays == nil {
		snap.HeldDays = HeldDays{}
	}
	if snap.MaxPrices == nil {
		snap.MaxPrices = MaxPrices{}
	}
	return snap
}

func (s *Store) warnLoad(path string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug("state file missing, starting empty", zap.String("file", path))
		return
	}
	s.log.Warn("state file unreadable, starting empty", zap.String("file", path), zap.Error(err))
}

func (s *Store) save(snap Snapshot) error {
	err := multierr.Combine(
		writeJSON(filepath.Join(s.dir, HeldDaysFile), snap.HeldDays),
		writeJSON(filepath.Join(s.dir, MaxPriceFile), snap.MaxPrices),
	)
	if err != nil {
		metrics.StateWriteErrors.Inc()
	}
	return err
}

func loadJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically.
// 1. Write to a temporary file in the same directory.
// 2. Sync so the bytes are on disk.
// 3. Rename over the destination.
func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmp := f.Name()

	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	// Close before rename; required on Windows.
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
