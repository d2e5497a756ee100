// Package sampling draws the per-worker QA sample.
package sampling

import (
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
)

// Size is the number of draws for a group of n items at rate: n*rate
// rounded half away from zero, never below one.
func Size(n int, rate float64) int {
	k := int(math.Round(float64(n) * rate))
	return max(k, 1)
}

// Stratified groups items by key and draws Size(len(group), rate) items
// from each group with replacement. Each group gets its own PRNG seeded
// with seed, so the draw for a worker does not depend on which other
// workers are present. Groups are emitted in ascending key order, numeric
// keys compared as numbers.
func Stratified[T any](items []T, key func(T) string, rate float64, seed uint64) []T {
	groups := make(map[string][]T)
	var keys []string
	for _, item := range items {
		k := key(item)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], item)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })

	var out []T
	for _, k := range keys {
		group := groups[k]
		rng := rand.New(rand.NewPCG(seed, seed))
		for range Size(len(group), rate) {
			out = append(out, group[rng.IntN(len(group))])
		}
	}
	return out
}

func keyLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}
