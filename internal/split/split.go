// Package split partitions the identity pool into disjoint train, val and
// test subsets under a fixed seed, once, and then treats the persisted
// result as the authoritative split.
package split

import (
	"fmt"
	"math"
	"sort"

	"fedpoison/internal/faults"
	"fedpoison/internal/mtrand"
)

// RatioTolerance bounds how far the ratios may sum away from 1.
const RatioTolerance = 1e-6

// Ratios are the subset fractions of the pool.
type Ratios struct {
	Train float64
	Val   float64
	Test  float64
}

// Check reports ErrBadRatios unless the ratios sum to 1.
func (r Ratios) Check() error {
	if math.Abs(r.Train+r.Val+r.Test-1) >= RatioTolerance {
		return fmt.Errorf("%w: %v + %v + %v", faults.ErrBadRatios, r.Train, r.Val, r.Test)
	}
	return nil
}

// Assignment is a split of the pool into three subsets.
type Assignment struct {
	Train []string
	Val   []string
	Test  []string
}

// Size returns the total number of identities across the subsets.
func (a *Assignment) Size() int {
	return len(a.Train) + len(a.Val) + len(a.Test)
}

// Split shuffles a sorted copy of pool with seed and slices it by ratios.
// The train and val counts are floor(ratio*n); test takes the remainder.
// The result is checked before it is returned.
func Split(pool []string, ratios Ratios, seed int64) (*Assignment, error) {
	if err := ratios.Check(); err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, faults.ErrEmptyPool
	}

	ids := append([]string(nil), pool...)
	sort.Strings(ids)

	rng := mtrand.New(seed)
	mtrand.ShuffleSlice(rng, ids)

	n := len(ids)
	nTrain := int(ratios.Train * float64(n))
	nVal := int(ratios.Val * float64(n))

	a := &Assignment{
		Train: ids[:nTrain:nTrain],
		Val:   ids[nTrain : nTrain+nVal : nTrain+nVal],
		Test:  ids[nTrain+nVal:],
	}
	if err := Verify(a, n); err != nil {
		return nil, err
	}
	return a, nil
}

// Verify checks that every subset is non-empty, the subsets are pairwise
// disjoint and together hold poolSize identities. A negative poolSize skips
// the size check.
func Verify(a *Assignment, poolSize int) error {
	subsets := []struct {
		name string
		ids  []string
	}{
		{"train", a.Train},
		{"val", a.Val},
		{"test", a.Test},
	}

	for _, s := range subsets {
		if len(s.ids) == 0 {
			return fmt.Errorf("%w: %s", faults.ErrEmptySplit, s.name)
		}
	}

	owner := make(map[string]string, a.Size())
	for _, s := range subsets {
		for _, id := range s.ids {
			if prev, ok := owner[id]; ok {
				if prev == s.name {
					return faults.Integrityf("identity %s listed twice in %s", id, s.name)
				}
				return fmt.Errorf("%w: %s in %s and %s", faults.ErrLeakage, id, prev, s.name)
			}
			owner[id] = s.name
		}
	}

	if poolSize >= 0 && a.Size() != poolSize {
		return fmt.Errorf("%w: split holds %d identities, pool had %d", faults.ErrIdentityLoss, a.Size(), poolSize)
	}
	return nil
}
