// Package idgen implements the transaction id allocator: a monotonic
// 32-bit counter, wrapping safely, serialized per allocator. One
// Allocator belongs to exactly one Request Relay, so different workers
// draw ids from independent spaces.
package idgen

import (
	"fmt"
	"sync"
)

// Allocator yields ids in [0, 2^32), wrapping to zero past the maximum.
// It does not itself avoid collisions with long-outstanding requests;
// that is the Pending Table's job, resolved at insert time by probing
// forward to the next free slot.
type Allocator struct {
	mu   sync.Mutex
	next uint32
}

// New creates an allocator starting at zero.
func New() *Allocator {
	return &Allocator{}
}

// Next returns the next id and advances the counter, wrapping at 2^32.
func (a *Allocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++ // wraps to 0 automatically on uint32 overflow
	return id
}

// Hex renders a 32-bit id as eight lowercase hex digits, the only form
// that appears on the wire.
func Hex(id uint32) string {
	return fmt.Sprintf("%08x", id)
}

// NextHex is the common case: allocate and render in one call.
func (a *Allocator) NextHex() string {
	return Hex(a.Next())
}
