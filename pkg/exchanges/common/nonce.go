package common

import (
	"sync"
	"time"
)

// NonceSource issues strictly increasing millisecond timestamps for signed
// requests. Each credential gets its own source (one per gateway instance),
// so concurrent calls under one credential never reuse or reorder a value
// even when the wall clock stalls or steps backwards.
type NonceSource struct {
	mu   sync.Mutex
	now  func() int64
	last int64
}

// NewNonceSource creates a source backed by the given clock. now typically
// comes from TimeSync.Now so nonces track the server clock.
func NewNonceSource(now func() int64) *NonceSource {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &NonceSource{now: now}
}

// Next returns the next nonce: the current clock reading, bumped past the
// previously issued value if the clock has not advanced.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	v := n.now()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}
