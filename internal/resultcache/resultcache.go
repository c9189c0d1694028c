// Package resultcache persists selection and benchmark outcomes keyed by a
// content hash of their inputs, so work whose identity already exists is
// never re-run. Each save lands three ways on disk: an immutable timestamped
// record, a "latest" pointer, and an append-only index — giving both "what is
// current" and "show me history" reads without a database.
package resultcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/identity"
)

// Cache types stored here.
const (
	TypeSelection = "selection"
	TypeBenchmark = "benchmark"
	TypeRanking   = "ranking"
)

const (
	indexFile   = "index.json"
	tsLayout    = "20060102T150405.000000000Z"
	filePattern = "%s_%s_%s_%s.json" // type_backbone_identifier_timestamp
)

// Entry is one persisted outcome. ContentHash is the full identity of the
// inputs; lookups compare it exactly, never truncated forms.
type Entry struct {
	EntryID     string          `json:"entry_id"`
	CacheType   string          `json:"cache_type"`
	Backbone    string          `json:"backbone"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

// IndexRow is one append-only index record.
type IndexRow struct {
	Timestamp   time.Time `json:"timestamp"`
	CacheType   string    `json:"cache_type"`
	Backbone    string    `json:"backbone"`
	ContentHash string    `json:"content_hash"`
	File        string    `json:"file"`
}

type index struct {
	Entries []IndexRow `json:"entries"`
}

// Store is the on-disk cache. The mutex serializes writers within one
// process; cross-process "latest" writes are last-writer-wins by design,
// since every outcome is re-derivable from the timestamped records.
type Store struct {
	dir string
	mu  sync.Mutex
	log *zap.Logger
	now func() time.Time
}

// New creates a cache store rooted at dir. An empty dir disables the cache:
// every lookup misses and saves are dropped.
func New(dir string, log *zap.Logger) *Store {
	return &Store{dir: dir, log: log, now: time.Now}
}

// ContentHash computes an entry's identity from the configuration mappings
// and experiment ids that determine the outcome.
func ContentHash(parts map[string]any) (string, error) {
	return identity.BuildKey(parts)
}

// Save persists an outcome under its content hash.
func (s *Store) Save(cacheType, backbone, contentHash string, payload any) (*Entry, error) {
	if s.dir == "" {
		return nil, nil
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", cacheType, err)
	}

	entry := &Entry{
		EntryID:     uuid.NewString(),
		CacheType:   cacheType,
		Backbone:    backbone,
		ContentHash: contentHash,
		CreatedAt:   s.now().UTC(),
		Payload:     raw,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, err
	}

	// 1. Immutable timestamped record.
	name := fmt.Sprintf(filePattern, cacheType, sanitize(backbone),
		identity.ShortKey(contentHash), entry.CreatedAt.Format(tsLayout))
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0644); err != nil {
		return nil, fmt.Errorf("writing cache record: %w", err)
	}

	// 2. Latest pointer, last-writer-wins.
	latest := filepath.Join(s.dir, "latest_"+cacheType+".json")
	if err := os.WriteFile(latest, data, 0644); err != nil {
		return nil, fmt.Errorf("writing latest pointer: %w", err)
	}

	// 3. Append-only index row.
	if err := s.appendIndex(IndexRow{
		Timestamp:   entry.CreatedAt,
		CacheType:   cacheType,
		Backbone:    backbone,
		ContentHash: contentHash,
		File:        name,
	}); err != nil {
		return nil, err
	}

	s.log.Debug("cache entry saved",
		zap.String("type", cacheType),
		zap.String("backbone", backbone),
		zap.String("hash", identity.ShortKey(contentHash)),
		zap.String("file", name))

	return entry, nil
}

// Lookup returns the newest entry of the given type whose content hash
// matches exactly. The latest pointer is tried first; on a pointer miss the
// index is scanned newest-first, so an overwritten pointer never hides a
// still-valid older result.
func (s *Store) Lookup(cacheType, contentHash string) (*Entry, bool) {
	if s.dir == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.readEntry(filepath.Join(s.dir, "latest_"+cacheType+".json")); e != nil {
		if e.CacheType == cacheType && e.ContentHash == contentHash {
			return e, true
		}
	}

	idx, err := s.readIndex()
	if err != nil {
		return nil, false
	}
	for i := len(idx.Entries) - 1; i >= 0; i-- {
		row := idx.Entries[i]
		if row.CacheType != cacheType || row.ContentHash != contentHash {
			continue
		}
		if e := s.readEntry(filepath.Join(s.dir, row.File)); e != nil {
			return e, true
		}
	}
	return nil, false
}

// Latest returns the most recent entry of a cache type regardless of content
// hash, or nil when none exists.
func (s *Store) Latest(cacheType string) *Entry {
	if s.dir == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.readEntry(filepath.Join(s.dir, "latest_"+cacheType+".json")); e != nil {
		return e
	}

	idx, err := s.readIndex()
	if err != nil {
		return nil
	}
	for i := len(idx.Entries) - 1; i >= 0; i-- {
		if idx.Entries[i].CacheType != cacheType {
			continue
		}
		if e := s.readEntry(filepath.Join(s.dir, idx.Entries[i].File)); e != nil {
			return e
		}
	}
	return nil
}

// History returns all index rows for a cache type, oldest first. An empty
// cacheType returns everything.
func (s *Store) History(cacheType string) ([]IndexRow, error) {
	if s.dir == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if cacheType == "" {
		return idx.Entries, nil
	}
	var rows []IndexRow
	for _, row := range idx.Entries {
		if row.CacheType == cacheType {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Clear removes all cached results. It refuses to delete a directory that
// contains anything other than cache files.
func (s *Store) Clear() error {
	if s.dir == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			return fmt.Errorf("cache directory contains subdirectories - refusing to delete for safety")
		}
		if filepath.Ext(entry.Name()) != ".json" {
			return fmt.Errorf("cache directory contains non-cache files - refusing to delete for safety")
		}
	}

	return os.RemoveAll(s.dir)
}

func (s *Store) readEntry(path string) *Entry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt entry: treated as a miss, selection is re-derivable.
		s.log.Warn("unreadable cache entry", zap.String("path", path), zap.Error(err))
		return nil
	}
	return &e
}

func (s *Store) readIndex() (*index, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &index{}, nil
		}
		return nil, fmt.Errorf("reading cache index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing cache index: %w", err)
	}
	return &idx, nil
}

func (s *Store) appendIndex(row IndexRow) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	idx.Entries = append(idx.Entries, row)
	sort.Slice(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].Timestamp.Before(idx.Entries[j].Timestamp)
	})

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, indexFile), data, 0644)
}

// sanitize keeps backbone names filesystem-safe inside record file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, s)
}
