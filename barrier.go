package cachehtml

import "sync"

// completionBarrier lets the second of two parties through. The client
// response path and the background diff each arrive exactly once.
type completionBarrier struct {
	mu      sync.Mutex
	arrived bool
}

// arrive reports whether the caller is the second party.
func (b *completionBarrier) arrive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.arrived {
		b.arrived = true
		return false
	}
	return true
}
