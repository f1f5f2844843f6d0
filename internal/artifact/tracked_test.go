package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedpoison/internal/logging"
)

type memRecorder struct {
	records  []Record
	versions map[string]int
	fail     error
}

func (m *memRecorder) RecordArtifact(ctx context.Context, rec Record) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	if m.versions == nil {
		m.versions = make(map[string]int)
	}
	m.versions[rec.Key]++
	m.records = append(m.records, rec)
	return m.versions[rec.Key], nil
}

func TestTrackedRecordsWrites(t *testing.T) {
	rec := &memRecorder{}
	s := NewTracked(NewMemStore(), rec, logging.Nop())
	ctx := logging.ContextWithRunID(context.Background(), "run-1")

	require.NoError(t, s.Store(ctx, "splits/train_ids.txt", []byte("a")))
	require.NoError(t, s.Store(ctx, "splits/train_ids.txt", []byte("b")))

	require.Len(t, rec.records, 2)
	assert.Equal(t, 2, rec.versions["splits/train_ids.txt"])
	assert.Equal(t, "run-1", rec.records[0].RunID)
	assert.Equal(t, Digest([]byte("a")), rec.records[0].Digest)
	assert.NotEqual(t, rec.records[0].Digest, rec.records[1].Digest)
	assert.Len(t, rec.records[0].Digest, 64)

	data, err := s.Load(ctx, "splits/train_ids.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestTrackedSurfacesRecorderFailure(t *testing.T) {
	boom := errors.New("ledger down")
	s := NewTracked(NewMemStore(), &memRecorder{fail: boom}, logging.Nop())

	err := s.Store(context.Background(), "k.txt", []byte("x"))
	assert.True(t, errors.Is(err, boom))
}

func TestTrackedSkipsRecordOnStoreFailure(t *testing.T) {
	rec := &memRecorder{}
	s := NewTracked(NewMemStore(), rec, logging.Nop())

	err := s.Store(context.Background(), "../bad", []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidKey))
	assert.Empty(t, rec.records)
}
