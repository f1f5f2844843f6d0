package mtrand

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference values are the first random.random() outputs of CPython after
// random.seed(42) and random.seed(0).
func TestFloat64MatchesCPython(t *testing.T) {
	tests := []struct {
		seed int64
		want float64
	}{
		{42, 0.6394267984578837},
		{0, 0.8444218515250481},
	}

	for _, tt := range tests {
		r := New(tt.seed)
		assert.Equal(t, tt.want, r.Float64(), "seed %d", tt.seed)
	}
}

// Golden vectors produced by CPython 3.11's random.Random with the same seed.
func TestStreamsMatchCPython(t *testing.T) {
	t.Run("shuffle", func(t *testing.T) {
		// r = Random(7); x = list(range(50)); r.shuffle(x)
		want := []int{
			24, 35, 14, 31, 10, 48, 11, 16, 28, 29, 42, 38, 30, 8, 0, 46, 19,
			12, 21, 43, 47, 22, 49, 7, 39, 18, 33, 1, 40, 17, 36, 15, 44, 26,
			27, 5, 2, 13, 32, 45, 37, 23, 6, 34, 4, 3, 41, 25, 9, 20,
		}
		x := make([]int, 50)
		for i := range x {
			x[i] = i
		}
		ShuffleSlice(New(7), x)
		assert.Equal(t, want, x)
	})

	t.Run("randint", func(t *testing.T) {
		// r = Random(42); [r.randint(50, 150) for _ in range(5)]
		r := New(42)
		got := make([]int, 5)
		for i := range got {
			got[i] = r.IntRange(50, 150)
		}
		assert.Equal(t, []int{131, 64, 53, 144, 85}, got)
	})

	t.Run("sample", func(t *testing.T) {
		// r = Random(123); r.sample(range(20), 5); r.sample(range(1000), 30)
		r := New(123)
		assert.Equal(t, []int{1, 8, 2, 13, 18}, r.SampleIndices(20, 5), "pool path")
		assert.Equal(t, []int{
			110, 858, 922, 895, 39, 388, 549, 575, 340, 348, 872, 53, 163, 138, 345,
			574, 341, 718, 251, 167, 1, 927, 446, 792, 89, 899, 611, 386, 71, 6,
		}, r.SampleIndices(1000, 30), "set path")
	})

	t.Run("getrandbits", func(t *testing.T) {
		// r = Random(2**40 + 5); [r.getrandbits(40) for _ in range(3)]
		r := New(1<<40 + 5)
		got := []uint64{r.Bits(40), r.Bits(40), r.Bits(40)}
		assert.Equal(t, []uint64{569101979940, 727003120297, 34040994016}, got)
	})
}

func TestNegativeSeedUsesAbsoluteValue(t *testing.T) {
	a, b := New(-42), New(42)
	for i := 0; i < 100; i++ {
		require.Equal(t, b.Uint32(), a.Uint32())
	}
}

func TestWideSeed(t *testing.T) {
	a, b := New(1<<40+7), New(7)
	same := true
	for i := 0; i < 10; i++ {
		if a.Uint32() != b.Uint32() {
			same = false
		}
	}
	assert.False(t, same, "high seed words must influence the stream")
}

func TestDeterministicStream(t *testing.T) {
	a, b := New(1234), New(1234)
	for i := 0; i < 2000; i++ {
		require.Equal(t, a.Uint32(), b.Uint32(), "diverged at %d", i)
	}
}

func TestBits(t *testing.T) {
	r := New(7)
	for k := 1; k <= 64; k++ {
		v := r.Bits(k)
		if k < 64 {
			assert.Less(t, v, uint64(1)<<k, "k=%d", k)
		}
	}
	assert.Panics(t, func() { r.Bits(0) })
	assert.Panics(t, func() { r.Bits(65) })
}

func TestBelowAndIntRange(t *testing.T) {
	r := New(99)
	seen := make(map[int]bool)
	for i := 0; i < 5000; i++ {
		v := r.IntRange(50, 150)
		require.GreaterOrEqual(t, v, 50)
		require.LessOrEqual(t, v, 150)
		seen[v] = true
	}
	assert.Contains(t, seen, 50)
	assert.Contains(t, seen, 150)

	for i := 0; i < 100; i++ {
		assert.Equal(t, 0, r.Below(1))
	}
	assert.Panics(t, func() { r.Below(0) })
	assert.Panics(t, func() { r.IntRange(3, 2) })
}

func TestShuffleIsPermutation(t *testing.T) {
	r := New(42)
	s := make([]int, 200)
	for i := range s {
		s[i] = i
	}
	ShuffleSlice(r, s)

	moved := 0
	for i, v := range s {
		if v != i {
			moved++
		}
	}
	assert.Greater(t, moved, 100)

	sorted := append([]int(nil), s...)
	sort.Ints(sorted)
	for i, v := range sorted {
		require.Equal(t, i, v)
	}
}

func TestShuffleReproducible(t *testing.T) {
	a := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	b := append([]string(nil), a...)
	ShuffleSlice(New(5), a)
	ShuffleSlice(New(5), b)
	assert.Equal(t, a, b)
}

func TestSampleIndicesPoolAndSetPaths(t *testing.T) {
	tests := []struct {
		name string
		n, k int
	}{
		{"pool small k", 20, 5},
		{"pool whole population", 12, 12},
		{"set path", 1000, 10},
		{"set path k>5 table", 5000, 200},
		{"empty sample", 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := New(3).SampleIndices(tt.n, tt.k)
			require.Len(t, idx, tt.k)
			seen := make(map[int]bool)
			for _, j := range idx {
				require.GreaterOrEqual(t, j, 0)
				require.Less(t, j, tt.n)
				require.False(t, seen[j], "duplicate index %d", j)
				seen[j] = true
			}
			assert.Equal(t, idx, New(3).SampleIndices(tt.n, tt.k))
		})
	}

	assert.Panics(t, func() { New(1).SampleIndices(3, 4) })
}

func TestSampleGeneric(t *testing.T) {
	pop := []string{"id_1", "id_2", "id_3", "id_4", "id_5"}
	got := Sample(New(11), pop, 3)
	require.Len(t, got, 3)
	for _, g := range got {
		assert.Contains(t, pop, g)
	}
}
