package state

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/storyforge/internal/types"
)

// FileStore is a JSON-file-backed key/value store.
// Each key maps to <root>/<key>.json; "sessions/index" becomes
// <root>/sessions/index.json.
type FileStore struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a new file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// getLock returns the per-key mutex, creating one if it doesn't exist.
func (f *FileStore) getLock(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lock, ok := f.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	f.locks[key] = lock
	return lock
}

func (f *FileStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", types.InvalidArgument(fmt.Sprintf("invalid storage key: %q", key))
	}
	return filepath.Join(f.root, filepath.FromSlash(key)+".json"), nil
}

// Load returns the stored value for key.
func (f *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	lock := f.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NotFound(fmt.Sprintf("key not found: %s", key))
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Save writes value under key atomically (temp file + rename).
func (f *FileStore) Save(_ context.Context, key string, value []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	lock := f.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}

	// Atomic write: write to temp file then rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (f *FileStore) Delete(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	lock := f.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return types.NotFound(fmt.Sprintf("key not found: %s", key))
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys starting with prefix, sorted.
func (f *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == f.root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
