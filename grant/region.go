package grant

import "sync"

// Region is a span of task memory shared with a driver. The task keeps
// ownership; the driver reaches the bytes only through Region's methods.
type Region struct {
	mu      sync.Mutex
	buf     []byte
	revoked bool
}

// NewRegion shares buf.
func NewRegion(buf []byte) *Region {
	return &Region{buf: buf}
}

// Len returns the usable length, zero once revoked. A nil Region has
// length zero.
func (r *Region) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revoked {
		return 0
	}
	return len(r.buf)
}

// CopyTo copies from the region into dst and returns the byte count.
func (r *Region) CopyTo(dst []byte) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revoked {
		return 0
	}
	return copy(dst, r.buf)
}

// CopyFrom copies src into the region and returns the byte count.
func (r *Region) CopyFrom(src []byte) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revoked {
		return 0
	}
	return copy(r.buf, src)
}

// Revoke withdraws the region from the driver.
func (r *Region) Revoke() {
	r.mu.Lock()
	r.revoked = true
	r.mu.Unlock()
}
