// Package norad owns the shared NORAD identifier list and its on-disk mirror.
//
// The in-memory list is authoritative. Every accepted replacement is written
// back to the mirror file, and external edits to the mirror are picked up by
// ReloadFromDisk, usually driven by a Watcher.
package norad

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrInvalidFormat is matched by every validation failure of an identifier payload.
	ErrInvalidFormat = errors.New("invalid NORAD ID format")
	// ErrPersist is matched when the mirror file could not be written.
	ErrPersist = errors.New("persist NORAD IDs")
	// ErrReload is matched when the mirror file exists but could not be loaded.
	ErrReload = errors.New("reload NORAD IDs")
)

// ValidationError describes why an identifier payload was rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is reports ErrInvalidFormat as the category of every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidFormat }

// PersistError wraps a failed mirror write. The in-memory list has already
// been replaced when it is returned.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%v to %s: %v", ErrPersist, e.Path, e.Err)
}

func (e *PersistError) Unwrap() []error { return []error{ErrPersist, e.Err} }

type mirror struct {
	NoradIDs []int `json:"norad_ids"`
}

// Store holds the identifier list and mirrors it to a JSON file.
type Store struct {
	// writeMu serialises replace-and-persist and reload sequences.
	writeMu sync.Mutex

	mu  sync.RWMutex
	ids []int

	path   string
	logger *slog.Logger
}

// NewStore creates an empty store mirrored at path. The path is resolved to an
// absolute path so file-change events can be matched exactly.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve mirror path %q: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		ids:    []int{},
		path:   abs,
		logger: logger.With("component", "norad_store", "path", abs),
	}, nil
}

// Path returns the absolute path of the mirror file.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current identifier list.
func (s *Store) Get() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.ids)
}

// Replace swaps in ids and writes the mirror file. A write failure is returned
// as a *PersistError but does not roll back the in-memory list.
func (s *Store) Replace(ids []int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := make([]int, len(ids))
	copy(next, ids)

	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()

	if err := s.persist(next); err != nil {
		s.logger.Error("Failed to write NORAD IDs mirror", "error", err)
		return &PersistError{Path: s.path, Err: err}
	}

	s.logger.Info("NORAD IDs replaced", "norad_ids", next)
	return nil
}

// ReplaceJSON validates a raw {"norad_ids": [...]} payload and replaces the
// list with it. Invalid payloads leave the store untouched.
func (s *Store) ReplaceJSON(raw []byte) ([]int, error) {
	ids, err := ParseIDs(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Replace(ids); err != nil {
		return ids, err
	}
	return ids, nil
}

// ReloadFromDisk re-reads the mirror file. A missing file empties the list; a
// malformed file is logged and leaves the list unchanged.
func (s *Store) ReloadFromDisk() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("NORAD IDs file not found, using empty list")
		s.set([]int{})
		return nil
	}
	if err != nil {
		s.logger.Warn("Failed to read NORAD IDs file, keeping current list", "error", err)
		return fmt.Errorf("%w: %w", ErrReload, err)
	}

	ids, err := ParseIDs(data)
	if err != nil {
		s.logger.Warn("Malformed NORAD IDs file, keeping current list", "error", err)
		return fmt.Errorf("%w: %w", ErrReload, err)
	}

	s.set(ids)
	s.logger.Info("Reloaded NORAD IDs", "norad_ids", ids)
	return nil
}

func (s *Store) set(ids []int) {
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
}

// persist writes the mirror through a temp file and rename so readers never
// observe a truncated document.
func (s *Store) persist(ids []int) error {
	data, err := json.Marshal(mirror{NoradIDs: ids})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".norad_ids-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// ParseIDs validates a {"norad_ids": [...]} document. A missing norad_ids key
// yields an empty list. Every element must be an integral JSON number.
func ParseIDs(raw []byte) ([]int, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, &ValidationError{Message: "Request body must be a JSON object"}
	}

	field, ok := body["norad_ids"]
	if !ok {
		return []int{}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(field, &elems); err != nil || elems == nil {
		return nil, &ValidationError{Message: "Invalid NORAD ID list format"}
	}

	ids := make([]int, 0, len(elems))
	for _, elem := range elems {
		// Atoi rejects floats, exponents, strings, booleans and null.
		id, err := strconv.Atoi(strings.TrimSpace(string(elem)))
		if err != nil {
			return nil, &ValidationError{Message: "NORAD IDs must be integers"}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
