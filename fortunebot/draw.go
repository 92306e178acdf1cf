package fortunebot

import (
	"errors"
	"math/rand/v2"
)

var (
	ErrEmptyPool       = errors.New("content pool is empty")
	ErrNoExclusionSets = errors.New("at least one exclusion set is required")
)

// Draw selects an index in [0, poolSize) that isn't present in any of the
// given exclusion sets, and records it in all of them.
//
// Each set is first pruned of indices outside the pool, and cleared if it
// already holds every index. If the union of the sets still covers the
// whole pool, sets are cleared starting from the last one until a free
// index exists. Callers pass the user's own set first and the shared set
// last, so a user never repeats before their own history is exhausted,
// while the shared history may be reset early and hand out an index
// that another user already drew.
func Draw(rng *rand.Rand, poolSize int, sets ...*DrawnSet) (int, error) {
	if poolSize <= 0 {
		return -1, ErrEmptyPool
	}
	if len(sets) == 0 {
		return -1, ErrNoExclusionSets
	}

	for _, s := range sets {
		if *s == nil {
			*s = DrawnSet{}
		}
		s.pruneOutOfRange(poolSize)
		if s.Len() >= poolSize {
			s.Clear()
		}
	}

	for i := len(sets) - 1; i >= 0 && unionCoversPool(poolSize, sets); i-- {
		sets[i].Clear()
	}

	for {
		idx := rng.IntN(poolSize)
		if excluded(idx, sets) {
			continue
		}
		for _, s := range sets {
			s.Add(idx)
		}
		return idx, nil
	}
}

func excluded(idx int, sets []*DrawnSet) bool {
	for _, s := range sets {
		if s.Has(idx) {
			return true
		}
	}
	return false
}

func unionCoversPool(poolSize int, sets []*DrawnSet) bool {
	for i := 0; i < poolSize; i++ {
		if !excluded(i, sets) {
			return false
		}
	}
	return true
}
