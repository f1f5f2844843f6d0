// Package identity models the identity pool: one folder of images per
// subject under the identities root.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fedpoison/internal/faults"
)

// Pool returns the names of the identity folders under dir, sorted.
// A missing dir is a configuration error.
func Pool(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", faults.ErrMissingSource, dir)
		}
		return nil, fmt.Errorf("read identities: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Set indexes ids for membership tests.
func Set(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Filter splits ids into those present in pool and those that are not,
// preserving the input order in both.
func Filter(ids []string, pool map[string]struct{}) (kept, dropped []string) {
	kept = make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := pool[id]; ok {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	return kept, dropped
}

// Exists reports whether id has a folder under dir.
func Exists(dir, id string) bool {
	info, err := os.Stat(filepath.Join(dir, id))
	return err == nil && info.IsDir()
}

// Images lists the regular files of one identity, sorted. A missing or
// unreadable folder yields no images.
func Images(dir, id string) []string {
	entries, err := os.ReadDir(filepath.Join(dir, id))
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// EncodeIDs renders an ID list file: keys joined by newlines, without a
// trailing newline.
func EncodeIDs(ids []string) []byte {
	return []byte(strings.Join(ids, "\n"))
}

// DecodeIDs parses an ID list file, trimming lines and skipping blanks.
func DecodeIDs(data []byte) []string {
	var ids []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
