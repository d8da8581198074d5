package ring

import (
	"errors"
	"sync/atomic"
)

// DirectReadRegion failure modes. Callers must distinguish the two:
// only ErrUnderrun means the buffer is actually short of data.
var (
	// ErrUnderrun means fewer bytes are stored than the caller needs.
	ErrUnderrun = errors.New("ring: not enough data")
	// ErrWrapped means enough bytes are stored but they straddle the
	// end of the buffer, so no single contiguous region can serve them.
	ErrWrapped = errors.New("ring: data not contiguous")
)

// Ring is a lock-free single-producer, single-consumer byte ring buffer
// for PCM audio hand-off.
//
// Capacity is always a power of two so wraparound is a bitwise AND, and
// one slot is kept unused to disambiguate full from empty. The write
// cursor is mutated only by the producer, the read cursor only by the
// consumer; each side observes the other's cursor with an atomic load.
// Go's sync/atomic is sequentially consistent, which covers the
// acquire/release pairing the cursor handshake needs: the producer
// stores writePos after the copy completes, so a consumer that loads
// writePos never sees an index implying unfinished data.
//
// Thread assignment:
//   - Write: producer only
//   - DirectReadRegion + AdvanceRead: consumer only
//   - Available / Free: either side (each gets a conservative answer)
type Ring struct {
	// Cursors live on separate cache lines to avoid false sharing
	// between the producer and consumer cores.
	writePos atomic.Uint64
	_        [56]byte
	readPos  atomic.Uint64
	_        [56]byte

	buf     []byte
	size    uint64
	mask    uint64
	silence byte
}

// New creates a ring whose capacity is minCapacity rounded up to the
// next power of two. The buffer starts filled with silenceByte so a
// consumer that races ahead of the producer reads silence, not garbage.
func New(minCapacity int, silenceByte byte) *Ring {
	size := roundUpPow2(minCapacity)
	r := &Ring{
		buf:     make([]byte, size),
		size:    uint64(size),
		mask:    uint64(size - 1),
		silence: silenceByte,
	}
	r.FillWithSilence()
	return r
}

// Capacity returns the buffer size in bytes (always a power of two).
func (r *Ring) Capacity() int { return int(r.size) }

// SilenceByte returns the byte value representing digital silence for
// the format this ring was sized for.
func (r *Ring) SilenceByte() byte { return r.silence }

// Available returns the number of readable bytes.
func (r *Ring) Available() int {
	wp := r.writePos.Load()
	rp := r.readPos.Load()
	return int((wp - rp) & r.mask)
}

// Free returns the number of writable bytes. One slot is reserved, so
// Free never exceeds Capacity-1.
func (r *Ring) Free() int {
	wp := r.writePos.Load()
	rp := r.readPos.Load()
	return int((rp - wp - 1) & r.mask)
}

// Write copies up to len(p) bytes into the buffer and returns how many
// were accepted. Non-blocking; producer goroutine only.
//
// The copy is split into at most two segments at the wrap boundary and
// always uses the same copy routine regardless of length, keeping the
// producer's timing uniform.
func (r *Ring) Write(p []byte) int {
	wp := r.writePos.Load()
	rp := r.readPos.Load()

	free := (rp - wp - 1) & r.mask
	n := uint64(len(p))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	first := min(n, r.size-wp)
	copy(r.buf[wp:wp+first], p[:first])
	if first < n {
		copy(r.buf[:n-first], p[first:n])
	}

	r.writePos.Store((wp + n) & r.mask)
	return int(n)
}

// DirectReadRegion returns a zero-copy view of the longest contiguous
// readable run starting at the read cursor, provided it holds at least
// needed bytes. The returned slice aliases the ring's storage and stays
// valid until AdvanceRead consumes past it or the ring is cleared.
//
// Failure is split by cause: ErrUnderrun when fewer than needed bytes
// are stored at all, ErrWrapped when the data exists but straddles the
// end of the buffer. Consumer goroutine only.
func (r *Ring) DirectReadRegion(needed int) ([]byte, error) {
	wp := r.writePos.Load()
	rp := r.readPos.Load()

	total := (wp - rp) & r.mask
	if total < uint64(needed) {
		return nil, ErrUnderrun
	}

	contiguous := min(r.size-rp, total)
	if contiguous < uint64(needed) {
		return nil, ErrWrapped
	}

	return r.buf[rp : rp+contiguous], nil
}

// AdvanceRead retires n consumed bytes, moving the read cursor forward
// modulo capacity. It is the only mutator of the read cursor and must
// be invoked by the single logical reader.
func (r *Ring) AdvanceRead(n int) {
	rp := r.readPos.Load()
	r.readPos.Store((rp + uint64(n)) & r.mask)
}

// Clear resets both cursors to zero. Destructive: the caller must
// guarantee no zero-copy region handed out by DirectReadRegion is
// still in use.
func (r *Ring) Clear() {
	r.writePos.Store(0)
	r.readPos.Store(0)
}

// FillWithSilence overwrites the entire buffer with the silence byte.
// Only safe while the consumer is quiescent.
func (r *Ring) FillWithSilence() {
	for i := range r.buf {
		r.buf[i] = r.silence
	}
}

func roundUpPow2(v int) int {
	if v < 2 {
		return 2
	}
	size := 1
	for size < v {
		size <<= 1
	}
	return size
}
