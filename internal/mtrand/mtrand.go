// Package mtrand implements a MT19937 generator whose seeding and derived
// operations reproduce CPython's random module.
//
// Shuffles, inclusive integer draws and samples consume the generator in the
// same order and with the same rejection sampling as CPython, so an
// experiment seeded with 42 here assigns identities exactly as the Python
// tooling seeded with 42 does, given the same input ordering.
package mtrand

import (
	"math"
	"math/bits"
)

const (
	stateSize = 624
	shift     = 397
	matrixA   = 0x9908b0df
	upperMask = 0x80000000
	lowerMask = 0x7fffffff
)

// Rand is a Mersenne Twister generator. It is not safe for concurrent use.
type Rand struct {
	mt  [stateSize]uint32
	idx int
}

// New returns a generator seeded with seed.
func New(seed int64) *Rand {
	r := &Rand{}
	r.Seed(seed)
	return r
}

// Seed reinitializes the generator. As in CPython, the absolute value of the
// seed is split into little-endian 32-bit words and fed to init_by_array.
func (r *Rand) Seed(seed int64) {
	u := uint64(seed)
	if seed < 0 {
		u = uint64(-seed)
	}
	key := []uint32{uint32(u)}
	if hi := uint32(u >> 32); hi != 0 {
		key = append(key, hi)
	}
	r.initByArray(key)
}

func (r *Rand) initGenrand(s uint32) {
	r.mt[0] = s
	for i := 1; i < stateSize; i++ {
		r.mt[i] = 1812433253*(r.mt[i-1]^(r.mt[i-1]>>30)) + uint32(i)
	}
	r.idx = stateSize
}

func (r *Rand) initByArray(key []uint32) {
	r.initGenrand(19650218)
	i, j := 1, 0
	k := stateSize
	if len(key) > k {
		k = len(key)
	}
	for ; k > 0; k-- {
		r.mt[i] = (r.mt[i] ^ ((r.mt[i-1] ^ (r.mt[i-1] >> 30)) * 1664525)) + key[j] + uint32(j)
		i++
		j++
		if i >= stateSize {
			r.mt[0] = r.mt[stateSize-1]
			i = 1
		}
		if j >= len(key) {
			j = 0
		}
	}
	for k = stateSize - 1; k > 0; k-- {
		r.mt[i] = (r.mt[i] ^ ((r.mt[i-1] ^ (r.mt[i-1] >> 30)) * 1566083941)) - uint32(i)
		i++
		if i >= stateSize {
			r.mt[0] = r.mt[stateSize-1]
			i = 1
		}
	}
	r.mt[0] = 0x80000000
}

func (r *Rand) generate() {
	mag01 := [2]uint32{0, matrixA}
	var y uint32
	kk := 0
	for ; kk < stateSize-shift; kk++ {
		y = (r.mt[kk] & upperMask) | (r.mt[kk+1] & lowerMask)
		r.mt[kk] = r.mt[kk+shift] ^ (y >> 1) ^ mag01[y&1]
	}
	for ; kk < stateSize-1; kk++ {
		y = (r.mt[kk] & upperMask) | (r.mt[kk+1] & lowerMask)
		r.mt[kk] = r.mt[kk+shift-stateSize] ^ (y >> 1) ^ mag01[y&1]
	}
	y = (r.mt[stateSize-1] & upperMask) | (r.mt[0] & lowerMask)
	r.mt[stateSize-1] = r.mt[shift-1] ^ (y >> 1) ^ mag01[y&1]
	r.idx = 0
}

// Uint32 returns the next tempered 32-bit output.
func (r *Rand) Uint32() uint32 {
	if r.idx >= stateSize {
		r.generate()
	}
	y := r.mt[r.idx]
	r.idx++

	y ^= y >> 11
	y ^= (y << 7) & 0x9d2c5680
	y ^= (y << 15) & 0xefc60000
	y ^= y >> 18
	return y
}

// Bits returns a value with k random bits (getrandbits), 1 <= k <= 64.
func (r *Rand) Bits(k int) uint64 {
	if k <= 0 || k > 64 {
		panic("mtrand: Bits called with k outside [1, 64]")
	}
	if k <= 32 {
		return uint64(r.Uint32() >> (32 - k))
	}
	lo := r.Uint32()
	hi := r.Uint32() >> (64 - k)
	return uint64(hi)<<32 | uint64(lo)
}

// Below returns a uniform integer in [0, n) by rejection sampling on
// bit_length(n) bits. It panics if n <= 0.
func (r *Rand) Below(n int) int {
	if n <= 0 {
		panic("mtrand: Below called with n <= 0")
	}
	k := bits.Len(uint(n))
	v := r.Bits(k)
	for v >= uint64(n) {
		v = r.Bits(k)
	}
	return int(v)
}

// Float64 returns a float in [0, 1) with 53 bits of precision.
func (r *Rand) Float64() float64 {
	a := r.Uint32() >> 5
	b := r.Uint32() >> 6
	return (float64(a)*67108864.0 + float64(b)) * (1.0 / 9007199254740992.0)
}

// IntRange returns a uniform integer in the closed interval [a, b]
// (CPython's randint). It panics if b < a.
func (r *Rand) IntRange(a, b int) int {
	if b < a {
		panic("mtrand: IntRange called with empty range")
	}
	return a + r.Below(b-a+1)
}

// Shuffle permutes n elements in place through swap, walking from the last
// index down as CPython does.
func (r *Rand) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := r.Below(i + 1)
		swap(i, j)
	}
}

// SampleIndices selects k distinct indices from [0, n) in selection order.
// Small populations are drawn from a shrinking pool, large ones by
// rejection against the set already chosen, with CPython's cut-over.
// It panics unless 0 <= k <= n.
func (r *Rand) SampleIndices(n, k int) []int {
	if k < 0 || k > n {
		panic("mtrand: sample larger than population or negative")
	}
	out := make([]int, k)

	setsize := 21
	if k > 5 {
		setsize += int(math.Pow(4, math.Ceil(math.Log(float64(k*3))/math.Log(4))))
	}

	if n <= setsize {
		pool := make([]int, n)
		for i := range pool {
			pool[i] = i
		}
		for i := 0; i < k; i++ {
			j := r.Below(n - i)
			out[i] = pool[j]
			pool[j] = pool[n-i-1]
		}
		return out
	}

	selected := make(map[int]struct{}, k)
	for i := 0; i < k; i++ {
		j := r.Below(n)
		for {
			if _, dup := selected[j]; !dup {
				break
			}
			j = r.Below(n)
		}
		selected[j] = struct{}{}
		out[i] = j
	}
	return out
}

// Sample returns k distinct elements of population in selection order.
func Sample[T any](r *Rand, population []T, k int) []T {
	idx := r.SampleIndices(len(population), k)
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = population[j]
	}
	return out
}

// ShuffleSlice shuffles s in place.
func ShuffleSlice[T any](r *Rand, s []T) {
	r.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
