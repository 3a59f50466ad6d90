// Package entries persists the config entries created by setup flows.
package entries

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"vimarconnector/internal/clock"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const fileVersion = 1

var (
	// ErrEntryNotFound is returned when an entry id is unknown.
	ErrEntryNotFound = errors.New("config entry not found")

	// ErrDuplicateUniqueID is returned when an entry with the same domain and
	// unique id is already stored.
	ErrDuplicateUniqueID = errors.New("config entry with this unique id already exists")
)

// Entry is a persisted config entry.
type Entry struct {
	EntryID   string         `yaml:"entry_id" json:"entry_id"`
	Domain    string         `yaml:"domain" json:"domain"`
	Title     string         `yaml:"title" json:"title"`
	UniqueID  string         `yaml:"unique_id,omitempty" json:"unique_id,omitempty"`
	Source    string         `yaml:"source" json:"source"`
	Version   int            `yaml:"version" json:"version"`
	Data      map[string]any `yaml:"data" json:"data"`
	CreatedAt time.Time      `yaml:"created_at" json:"created_at"`
}

// ChangeType describes how an entry changed.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// ChangeHandler is called after an entry is added, updated or removed.
type ChangeHandler func(change ChangeType, entry Entry)

type storeFile struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Store keeps config entries in memory and mirrors them to a YAML file.
// An empty path keeps the store in memory only.
type Store struct {
	path   string
	logger *zap.Logger
	clock  clock.Clock

	mu      sync.RWMutex
	entries map[string]Entry
	order   []string

	subsMu      sync.RWMutex
	subscribers []ChangeHandler
}

// NewStore creates a store backed by path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger.Named("entries"),
		clock:   clock.NewRealClock(),
		entries: make(map[string]Entry),
	}
}

// SetClock sets the clock implementation (useful for testing)
func (s *Store) SetClock(c clock.Clock) {
	s.clock = c
}

// Load reads entries from the backing file. A missing file leaves the store empty.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No entries file found, starting empty", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read entries file: %w", err)
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse entries file: %w", err)
	}
	if file.Version > fileVersion {
		return fmt.Errorf("entries file version %d is newer than supported version %d", file.Version, fileVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]Entry, len(file.Entries))
	s.order = s.order[:0]
	for _, e := range file.Entries {
		if e.EntryID == "" {
			s.logger.Warn("Skipping entry without id", zap.String("domain", e.Domain))
			continue
		}
		s.entries[e.EntryID] = e
		s.order = append(s.order, e.EntryID)
	}

	s.logger.Info("Entries loaded", zap.String("path", s.path), zap.Int("count", len(s.order)))
	return nil
}

// Add stores a new entry. The entry id, creation time and version are
// assigned when unset.
func (s *Store) Add(e Entry) (Entry, error) {
	s.mu.Lock()

	if e.UniqueID != "" {
		if _, exists := s.findLocked(e.Domain, e.UniqueID); exists {
			s.mu.Unlock()
			return Entry{}, fmt.Errorf("%w: %s/%s", ErrDuplicateUniqueID, e.Domain, e.UniqueID)
		}
	}

	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now().UTC()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	e.Data = cloneData(e.Data)

	s.entries[e.EntryID] = e
	s.order = append(s.order, e.EntryID)

	if err := s.saveLocked(); err != nil {
		delete(s.entries, e.EntryID)
		s.order = s.order[:len(s.order)-1]
		s.mu.Unlock()
		return Entry{}, err
	}
	s.mu.Unlock()

	s.logger.Info("Config entry added",
		zap.String("entry_id", e.EntryID),
		zap.String("domain", e.Domain),
		zap.String("unique_id", e.UniqueID))

	s.notify(ChangeAdded, e)
	return copyEntry(e), nil
}

// Get returns the entry with the given id.
func (s *Store) Get(entryID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// FindByUniqueID returns the entry of domain with the given unique id.
func (s *Store) FindByUniqueID(domain, uniqueID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.findLocked(domain, uniqueID)
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// HasUniqueID reports whether domain already has an entry with uniqueID.
func (s *Store) HasUniqueID(domain, uniqueID string) bool {
	_, ok := s.FindByUniqueID(domain, uniqueID)
	return ok
}

func (s *Store) findLocked(domain, uniqueID string) (Entry, bool) {
	for _, id := range s.order {
		e := s.entries[id]
		if e.Domain == domain && e.UniqueID == uniqueID {
			return e, true
		}
	}
	return Entry{}, false
}

// UpdateData merges updates into the entry's data and reports whether anything changed.
func (s *Store) UpdateData(entryID string, updates map[string]any) (bool, error) {
	s.mu.Lock()

	e, ok := s.entries[entryID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}

	data := cloneData(e.Data)
	changed := false
	for k, v := range updates {
		if old, exists := data[k]; !exists || !reflect.DeepEqual(old, v) {
			data[k] = v
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return false, nil
	}

	previous := e
	e.Data = data
	s.entries[entryID] = e

	if err := s.saveLocked(); err != nil {
		s.entries[entryID] = previous
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	s.logger.Info("Config entry updated", zap.String("entry_id", entryID))
	s.notify(ChangeUpdated, e)
	return true, nil
}

// Remove deletes the entry with the given id.
func (s *Store) Remove(entryID string) error {
	s.mu.Lock()

	e, ok := s.entries[entryID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}

	previousOrder := append([]string(nil), s.order...)
	delete(s.entries, entryID)
	for i, id := range s.order {
		if id == entryID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if err := s.saveLocked(); err != nil {
		s.entries[entryID] = e
		s.order = previousOrder
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.Info("Config entry removed", zap.String("entry_id", entryID))
	s.notify(ChangeRemoved, e)
	return nil
}

// List returns the entries of domain in creation order. An empty domain lists all entries.
func (s *Store) List(domain string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		if domain != "" && e.Domain != domain {
			continue
		}
		result = append(result, copyEntry(e))
	}
	return result
}

// Subscribe registers a handler for entry changes.
func (s *Store) Subscribe(handler ChangeHandler) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subscribers = append(s.subscribers, handler)
}

func (s *Store) notify(change ChangeType, e Entry) {
	s.subsMu.RLock()
	handlers := make([]ChangeHandler, len(s.subscribers))
	copy(handlers, s.subscribers)
	s.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(change, copyEntry(e))
	}
}

// saveLocked writes all entries to the backing file through a temp file and rename.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	file := storeFile{Version: fileVersion, Entries: make([]Entry, 0, len(s.order))}
	for _, id := range s.order {
		file.Entries = append(file.Entries, s.entries[id])
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create entries directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace entries file: %w", err)
	}

	s.logger.Debug("Entries saved", zap.String("path", s.path), zap.Int("count", len(file.Entries)))
	return nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func copyEntry(e Entry) Entry {
	e.Data = cloneData(e.Data)
	return e
}
