// Package selector picks which free GPUs to hand out.
package selector

import (
	"math/rand"
	"strconv"
	"strings"
)

// Select returns n indices from available. With first set it takes the
// leading n in order; otherwise a uniform sample without replacement drawn
// from rng. The result never holds more than len(available) entries.
func Select(available []int, n int, first bool, rng *rand.Rand) []int {
	if n > len(available) {
		n = len(available)
	}
	if n <= 0 {
		return []int{}
	}
	if first {
		return append([]int(nil), available[:n]...)
	}

	pool := append([]int(nil), available...)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// Join renders ids as a CUDA_VISIBLE_DEVICES value.
func Join(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
