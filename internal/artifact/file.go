package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps artifacts as plain files under a base directory, so the
// on-disk layout is the key space.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	return &FileStore{baseDir: filepath.Clean(absDir)}, nil
}

// Root returns the absolute base directory.
func (f *FileStore) Root() string {
	return f.baseDir
}

// safePath maps a key to a path that stays within the base directory.
func (f *FileStore) safePath(key string) (string, error) {
	clean, err := checkKey(key)
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(f.baseDir, filepath.FromSlash(clean)))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q escapes the store root", ErrInvalidKey, key)
	}
	return resolved, nil
}

func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (f *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	p, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Store writes through a temporary file and renames it into place, so a
// reader never sees a half-written artifact.
func (f *FileStore) Store(ctx context.Context, key string, data []byte) error {
	p, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath := f.baseDir
	if p := strings.TrimSuffix(prefix, "/"); p != "" && p != "." {
		var err error
		if searchPath, err = f.safePath(p); err != nil {
			return nil, err
		}
	}

	var keys []string
	err := filepath.WalkDir(searchPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(f.baseDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}
