package artifact

import (
	"context"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"fedpoison/internal/logging"
)

// Record describes one artifact write.
type Record struct {
	Key    string
	Digest string
	Size   int64
	RunID  string
}

// Recorder keeps the version history of artifact writes.
type Recorder interface {
	// RecordArtifact stores rec and returns the key's new version number.
	RecordArtifact(ctx context.Context, rec Record) (int, error)
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tracked wraps a Store and records every successful write, with its digest
// and the run ID carried by the context.
type Tracked struct {
	inner    Store
	recorder Recorder
	log      *logging.Logger
}

// NewTracked wraps inner so writes are recorded through rec.
func NewTracked(inner Store, rec Recorder, log *logging.Logger) *Tracked {
	return &Tracked{inner: inner, recorder: rec, log: log}
}

func (t *Tracked) Exists(ctx context.Context, key string) (bool, error) {
	return t.inner.Exists(ctx, key)
}

func (t *Tracked) Load(ctx context.Context, key string) ([]byte, error) {
	return t.inner.Load(ctx, key)
}

func (t *Tracked) List(ctx context.Context, prefix string) ([]string, error) {
	return t.inner.List(ctx, prefix)
}

// Store writes data and records the new version.
func (t *Tracked) Store(ctx context.Context, key string, data []byte) error {
	if err := t.inner.Store(ctx, key, data); err != nil {
		return err
	}

	rec := Record{
		Key:    key,
		Digest: Digest(data),
		Size:   int64(len(data)),
		RunID:  logging.RunIDFromContext(ctx),
	}
	version, err := t.recorder.RecordArtifact(ctx, rec)
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}

	t.log.Debug("artifact stored", "artifact", key, "version", version, "size", rec.Size)
	return nil
}
