package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFile is created in the data root while a pipeline command runs.
const LockFile = ".fedpoison.lock"

// ErrLocked is returned when another process holds the data root lock.
var ErrLocked = errors.New("artifact: data root is locked by another process")

// Lock takes an exclusive advisory lock on dir. The returned function
// releases it.
func Lock(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	return func() error {
		uerr := unlockFile(f)
		if cerr := f.Close(); uerr == nil {
			uerr = cerr
		}
		return uerr
	}, nil
}
