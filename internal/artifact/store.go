// Package artifact provides the versioned artifact store that every pipeline
// stage persists its outputs through.
//
// Keys are slash-separated paths relative to the data root, for example
// "splits/train_ids.txt" or "federated/clients_20/client_03.txt". A stage is
// idempotent when it checks Exists before computing and loads what is there.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("artifact: not found")
	ErrInvalidKey = errors.New("artifact: invalid key")
)

// Store persists artifacts by key.
type Store interface {
	// Exists reports whether key holds an artifact.
	Exists(ctx context.Context, key string) (bool, error)

	// Load returns the artifact at key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Store writes data at key, replacing any previous artifact.
	Store(ctx context.Context, key string, data []byte) error

	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key joins elements into a clean artifact key.
func Key(elem ...string) string {
	return path.Join(elem...)
}

// checkKey rejects keys that are empty, absolute or escape the root.
func checkKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the store root", ErrInvalidKey, key)
	}
	return clean, nil
}

// ExistsAll reports how many of keys exist.
func ExistsAll(ctx context.Context, s Store, keys ...string) (int, error) {
	n := 0
	for _, k := range keys {
		ok, err := s.Exists(ctx, k)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string][]byte)}
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[key]
	return ok, nil
}

func (m *MemStore) Load(ctx context.Context, key string) ([]byte, error) {
	key, err := checkKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) Store(ctx context.Context, key string, data []byte) error {
	key, err := checkKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.items {
		if underPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// underPrefix matches whole path segments: "splits" covers "splits/a.txt"
// but not "splits2/a.txt".
func underPrefix(key, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || prefix == "." {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}
