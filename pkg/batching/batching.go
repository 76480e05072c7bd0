// Package batching splits input sequences into evenly-sized batches with
// stable, reproducible ordering. The same input, target size, and seed
// always produce the same partition.
package batching

import "math/rand"

// DefaultSeed is the fixed shuffle seed used by the pipeline.
const DefaultSeed = 42

// OptimalSizes returns ⌈n/target⌉ batch sizes that differ by at most one,
// with the remainder distributed to the earliest batches.
//
// OptimalSizes(7, 3) == [3, 2, 2]
func OptimalSizes(n, target int) []int {
	if n <= 0 || target <= 0 {
		return nil
	}
	if n <= target {
		return []int{n}
	}

	numBatches := (n + target - 1) / target
	base := n / numBatches
	remainder := n % numBatches

	sizes := make([]int, numBatches)
	for i := range sizes {
		sizes[i] = base
		if i < remainder {
			sizes[i]++
		}
	}
	return sizes
}

// Make shuffles items with a PRNG seeded by seed and slices the result
// into evenly-sized batches. The shuffle balances batches when the input
// has structure (e.g. products ordered by brand) while keeping the
// partition bit-reproducible.
func Make[T any](items []T, target, seed int) [][]T {
	if len(items) == 0 {
		return nil
	}

	shuffled := make([]T, len(items))
	copy(shuffled, items)
	rng := rand.New(rand.NewSource(int64(seed)))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	sizes := OptimalSizes(len(items), target)
	batches := make([][]T, 0, len(sizes))
	cursor := 0
	for _, size := range sizes {
		batches = append(batches, shuffled[cursor:cursor+size])
		cursor += size
	}
	return batches
}
