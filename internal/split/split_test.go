package split

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedpoison/internal/artifact"
	"fedpoison/internal/faults"
	"fedpoison/internal/identity"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
)

var defaultRatios = Ratios{Train: 0.70, Val: 0.15, Test: 0.15}

func makePool(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("id_%06d", i+1)
	}
	return ids
}

func TestSplitSizes(t *testing.T) {
	a, err := Split(makePool(200), defaultRatios, 42)
	require.NoError(t, err)

	assert.Len(t, a.Train, 140)
	assert.Len(t, a.Val, 30)
	assert.Len(t, a.Test, 30)
}

func TestSplitDeterministic(t *testing.T) {
	pool := makePool(200)
	first, err := Split(pool, defaultRatios, 42)
	require.NoError(t, err)

	// Enumeration order of the pool must not matter.
	reversed := make([]string, len(pool))
	for i, id := range pool {
		reversed[len(pool)-1-i] = id
	}
	second, err := Split(reversed, defaultRatios, 42)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("split not deterministic (-first +second):\n%s", diff)
	}

	other, err := Split(pool, defaultRatios, 43)
	require.NoError(t, err)
	assert.NotEqual(t, first.Train, other.Train)
}

func TestSplitCoversPool(t *testing.T) {
	for _, n := range []int{3, 7, 10, 99, 1000} {
		pool := makePool(n)
		a, err := Split(pool, defaultRatios, int64(n))
		if n < 7 {
			// floor(0.15*n) is zero for small pools.
			assert.True(t, errors.Is(err, faults.ErrEmptySplit), "n=%d: %v", n, err)
			continue
		}
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, n, a.Size())

		seen := identity.Set(append(append(append([]string{}, a.Train...), a.Val...), a.Test...))
		assert.Len(t, seen, n)
	}
}

func TestSplitDoesNotMutatePool(t *testing.T) {
	pool := []string{"c", "a", "b", "e", "d", "g", "f"}
	orig := append([]string(nil), pool...)
	_, err := Split(pool, defaultRatios, 1)
	require.NoError(t, err)
	assert.Equal(t, orig, pool)
}

func TestSplitPreconditions(t *testing.T) {
	_, err := Split(makePool(10), Ratios{Train: 0.7, Val: 0.2, Test: 0.2}, 42)
	assert.True(t, errors.Is(err, faults.ErrBadRatios))
	assert.True(t, errors.Is(err, faults.ErrConfiguration))

	_, err = Split(nil, defaultRatios, 42)
	assert.True(t, errors.Is(err, faults.ErrEmptyPool))
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name string
		a    Assignment
		pool int
		want error
	}{
		{"ok", Assignment{Train: []string{"a"}, Val: []string{"b"}, Test: []string{"c"}}, 3, nil},
		{"empty val", Assignment{Train: []string{"a"}, Test: []string{"c"}}, 2, faults.ErrEmptySplit},
		{"leak", Assignment{Train: []string{"a"}, Val: []string{"a"}, Test: []string{"c"}}, 3, faults.ErrLeakage},
		{"duplicate", Assignment{Train: []string{"a", "a"}, Val: []string{"b"}, Test: []string{"c"}}, 4, faults.ErrIntegrity},
		{"lost", Assignment{Train: []string{"a"}, Val: []string{"b"}, Test: []string{"c"}}, 4, faults.ErrIdentityLoss},
		{"no pool size", Assignment{Train: []string{"a"}, Val: []string{"b"}, Test: []string{"c"}}, -1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(&tt.a, tt.pool)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func newSplitter(t *testing.T, store artifact.Store, seed int64) *Splitter {
	t.Helper()
	return New(store, Options{Dir: "splits", Ratios: defaultRatios, Seed: seed}, logging.Nop(), metrics.New())
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first, loaded, err := newSplitter(t, store, 42).Run(ctx, makePool(200))
	require.NoError(t, err)
	assert.False(t, loaded)

	// A different seed and pool must not reshuffle a locked split.
	second, loaded, err := newSplitter(t, store, 7).Run(ctx, makePool(200))
	require.NoError(t, err)
	assert.True(t, loaded)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second run changed the split (-first +second):\n%s", diff)
	}

	meta, err := LoadMeta(ctx, store, "splits")
	require.NoError(t, err)
	assert.Equal(t, int64(42), meta.RandomSeed)
	assert.Equal(t, 200, meta.PoolSize)
	assert.Equal(t, 140, meta.TrainSize)
}

func TestRunWritesOriginalLayout(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemStore()

	a, _, err := newSplitter(t, store, 42).Run(ctx, makePool(20))
	require.NoError(t, err)

	data, err := store.Load(ctx, "splits/train_ids.txt")
	require.NoError(t, err)
	assert.Equal(t, string(identity.EncodeIDs(a.Train)), string(data))
	assert.NotContains(t, string(data[len(data)-1:]), "\n")
}

func TestRunRefusesPartialSplit(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemStore()
	require.NoError(t, store.Store(ctx, "splits/train_ids.txt", []byte("id_000001")))

	_, _, err := newSplitter(t, store, 42).Run(ctx, makePool(200))
	assert.True(t, errors.Is(err, faults.ErrPartialArtifact), "got %v", err)

	ok, err := store.Exists(ctx, "splits/val_ids.txt")
	require.NoError(t, err)
	assert.False(t, ok, "partial split must not be completed")
}

func TestRunDetectsTamperedSplit(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemStore()

	_, _, err := newSplitter(t, store, 42).Run(ctx, makePool(50))
	require.NoError(t, err)

	val, err := store.Load(ctx, "splits/val_ids.txt")
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, "splits/test_ids.txt", val))

	_, _, err = newSplitter(t, store, 42).Run(ctx, makePool(50))
	assert.True(t, errors.Is(err, faults.ErrIntegrity), "got %v", err)
}

func TestRunWithoutMetaSkipsPoolCheck(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemStore()
	require.NoError(t, store.Store(ctx, "splits/train_ids.txt", []byte("a\nb")))
	require.NoError(t, store.Store(ctx, "splits/val_ids.txt", []byte("c\n")))
	require.NoError(t, store.Store(ctx, "splits/test_ids.txt", []byte("  d  ")))

	a, loaded, err := newSplitter(t, store, 42).Run(ctx, nil)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []string{"d"}, a.Test)
}
