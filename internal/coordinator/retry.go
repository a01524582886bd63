package coordinator

import "sync"

// retryBudget counts consecutive resolution failures per descriptor hash.
// Once a hash exhausts its budget, resolution skips the pipeline and answers
// with the fallback immediately. The count clears only on a successful
// resolution; there is no time-based cooldown.
type retryBudget struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func newRetryBudget(max int) *retryBudget {
	return &retryBudget{counts: make(map[string]int), max: max}
}

// Exhausted reports whether the hash has no attempts left.
func (b *retryBudget) Exhausted(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[hash] >= b.max
}

// Count returns the recorded failure count for the hash.
func (b *retryBudget) Count(hash string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[hash]
}

// Failure records one failed attempt and returns the new count.
func (b *retryBudget) Failure(hash string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[hash]++
	return b.counts[hash]
}

// Success clears the hash's failure count.
func (b *retryBudget) Success(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counts, hash)
}
