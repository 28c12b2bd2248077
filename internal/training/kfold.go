// SPDX-License-Identifier: MIT
package training

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Fold is one train/validation partition of row indices, both ascending.
type Fold struct {
	Train []int
	Val   []int
}

// KFold partitions n rows into Splits validation folds. With Shuffle set the
// rows are permuted with a PCG source seeded by Seed first. The first
// n % Splits folds hold one extra row.
type KFold struct {
	Splits  int
	Shuffle bool
	Seed    uint64
}

// Split returns Splits folds over 0..n-1. Every index is in exactly one
// validation set and in the training set of every other fold.
func (k KFold) Split(n int) ([]Fold, error) {
	if k.Splits < 2 {
		return nil, fmt.Errorf("training: need at least 2 folds, got %d", k.Splits)
	}
	if n < k.Splits {
		return nil, fmt.Errorf("training: cannot split %d rows into %d folds", n, k.Splits)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if k.Shuffle {
		rng := rand.New(rand.NewPCG(k.Seed, k.Seed))
		rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}

	folds := make([]Fold, k.Splits)
	start := 0
	for f := range folds {
		size := n / k.Splits
		if f < n%k.Splits {
			size++
		}
		val := append([]int(nil), indices[start:start+size]...)
		train := make([]int, 0, n-size)
		train = append(train, indices[:start]...)
		train = append(train, indices[start+size:]...)
		sort.Ints(val)
		sort.Ints(train)
		folds[f] = Fold{Train: train, Val: val}
		start += size
	}
	return folds, nil
}
