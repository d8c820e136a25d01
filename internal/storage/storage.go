// Package storage provides file-based JSON storage for parts, messages and
// thread handles.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// ValidSegment reports whether id can be used as one element of a key: it
// must be non-empty, contain no path separator and not be a dot segment.
func ValidSegment(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

func checkKey(key []string) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range key {
		if !ValidSegment(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, seg)
		}
	}
	return nil
}

// Storage provides file-based JSON storage. A key is a path slice; the last
// element names the file (without the .json suffix).
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a new Storage instance rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// BasePath returns the storage root.
func (s *Storage) BasePath() string {
	return s.basePath
}

func (s *Storage) pathToFile(key []string) (string, error) {
	dir, err := s.pathToDir(key)
	if err != nil {
		return "", err
	}
	return dir + ".json", nil
}

func (s *Storage) pathToDir(key []string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(append([]string{s.basePath}, key...)...), nil
}

// Get decodes the value stored at key into v.
func (s *Storage) Get(ctx context.Context, key []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.pathToFile(key)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put stores v at key. The write goes to a temp file that is renamed into
// place while holding the key's lock, so readers never observe a torn file.
func (s *Storage) Put(ctx context.Context, key []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", strings.Join(key, "/"), err)
	}

	filePath, err := s.pathToFile(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Delete removes the value at key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.pathToFile(key)
	if err != nil {
		return err
	}
	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// List returns the sorted names of the items and sub-directories under key.
func (s *Storage) List(ctx context.Context, key []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := s.pathToDir(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			items = append(items, name)
		case strings.HasSuffix(name, ".json"):
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(items)
	return items, nil
}

// Exists reports whether a value is stored at key.
func (s *Storage) Exists(ctx context.Context, key []string) bool {
	filePath, err := s.pathToFile(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(filePath)
	return err == nil
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}
