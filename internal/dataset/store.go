package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrFileNotFound is returned when a dataset path does not exist.
	ErrFileNotFound = errors.New("dataset file not found")
	// ErrUnsupportedFormat is returned for extensions other than .csv, .xls and .xlsx.
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
	// ErrKeyNotLoaded is returned by Get for unknown dataset keys.
	ErrKeyNotLoaded = errors.New("dataset key not loaded")
	// ErrNoPaths is returned when Load is called with nothing to load.
	ErrNoPaths = errors.New("no dataset paths provided")
	// ErrDecode wraps parse and decode failures of a dataset file.
	ErrDecode = errors.New("dataset decode failed")
)

// Store holds the tables of one session. It is safe for concurrent reads;
// tables must not be mutated after Preprocess.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*Table
	log    *zap.Logger
}

// NewStore returns an empty store. A nil logger disables logging.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{tables: map[string]*Table{}, log: log}
}

// KeyFromPath derives a dataset key from a filename: the base name without extension.
func KeyFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads every path and commits the tables only when all of them load.
func (s *Store) Load(paths map[string]string) error {
	if len(paths) == 0 {
		return ErrNoPaths
	}
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	loaded := make(map[string]*Table, len(paths))
	for _, key := range keys {
		t, err := ReadFile(key, paths[key])
		if err != nil {
			return err
		}
		s.log.Info("dataset loaded",
			zap.String("dataset", key),
			zap.String("path", paths[key]),
			zap.Int("rows", t.Len()),
			zap.Strings("columns", t.Names()))
		loaded[key] = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range loaded {
		s.tables[k] = t
	}
	return nil
}

// ReadFile loads a single file into a table keyed by key.
func ReadFile(key, path string) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	r, ok := readerFor(path)
	if !ok {
		return nil, fmt.Errorf("%w for %s: %q", ErrUnsupportedFormat, key, filepath.Ext(path))
	}
	header, rows, err := r.Read(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	t := FromRecords(key, header, rows)
	t.Source = path
	return t, nil
}

// Put registers an already built table, replacing any table with the same key.
func (s *Store) Put(t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t.Key] = t
}

// Preprocess runs PreprocessTable over every loaded table.
func (s *Store) Preprocess(threshold float64, layout string) ([]ColumnDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tables) == 0 {
		return nil, errors.New("data not loaded")
	}
	keys := make([]string, 0, len(s.tables))
	for k := range s.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var all []ColumnDecision
	for _, k := range keys {
		decisions := PreprocessTable(s.tables[k], threshold, layout)
		for _, d := range decisions {
			s.log.Info("column preprocessed",
				zap.String("dataset", d.Dataset),
				zap.String("column", d.Column),
				zap.String("stage", d.Stage),
				zap.Float64("ratio", d.Ratio))
		}
		all = append(all, decisions...)
	}
	return all, nil
}

// Get returns the table for key.
func (s *Store) Get(key string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotLoaded, key)
	}
	return t, nil
}

// Has reports whether key is loaded.
func (s *Store) Has(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

// Keys lists loaded dataset keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for k := range s.tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
