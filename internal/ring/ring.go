// Package ring implements a single-producer/single-consumer byte ring:
// a growable byte buffer with a relaxed-atomic publication protocol and
// an in-band wrap/forward sentinel so the consumer can follow the
// producer across a buffer growth event without any lock.
//
// Ownership is strictly split: the producer thread calls
// Reserve/Publish, the consumer thread calls Available/Peek/Follow/
// Advance. Calling a producer method from the consumer thread or vice
// versa is a programming error; nothing in this package guards against
// it — ring discipline is enforced by construction (each worker/app
// pair gets exactly one Ring per direction, handed to exactly one
// goroutine as producer and one as consumer).
package ring

import "sync/atomic"

// sentinelKind marks an in-band control record rather than a real
// message. Real outbound/inbound record kinds are small enumerations
// using a leading kind byte, so these reserved values sit just above
// the usable range and the wrap/forward case never collides with a
// legitimate kind byte.
const (
	sentinelWrap    byte = 0xFE
	sentinelForward byte = 0xFF
)

// Buffer is one allocation backing a ring. When the ring grows, a new
// Buffer is linked from the old one's next pointer; the old Buffer is
// simply dropped once the consumer has moved past it — Go's GC reclaims
// it automatically once nothing references it, in place of manually
// freeing a buffer only after the reader has crossed its forwarding
// sentinel.
type Buffer struct {
	data []byte
	next atomic.Pointer[Buffer]
}

// cell is the payload of one io_pair atomic slot. epoch counts every
// time the producer has reset its local cursor to the start of a span
// (via either a wrap or a grow); without it, a writer cursor of, say,
// 200 in a buffer the consumer has already read up to byte 500 of would
// be indistinguishable from "nothing new published yet" — epoch is what
// tells the consumer those 200 bytes belong to a fresh span on the far
// side of a sentinel it hasn't reached yet. Rather than publishing
// buffer pointer, epoch, and position as three separate atomics, they
// are bundled into one immutable triple published as a single pointer
// swap, so the consumer never observes a torn read across the three
// fields; see DESIGN.md for why this preserves the same observable
// behavior as independent atomics.
type cell struct {
	buf   *Buffer
	epoch uint64
	pos   uint64
}

type ioCell struct {
	v atomic.Pointer[cell]
}

func (c *ioCell) store(buf *Buffer, epoch, pos uint64) {
	c.v.Store(&cell{buf: buf, epoch: epoch, pos: pos})
}

func (c *ioCell) load() *cell {
	return c.v.Load()
}

// Ring is a growable SPSC byte ring. One Ring instance is shared between
// exactly one producer goroutine and exactly one consumer goroutine.
type Ring struct {
	allocMultiplier float64

	// producer-owned
	buf    *Buffer
	writer uint64
	epoch  uint64

	// consumer-owned
	readBuf   *Buffer
	reader    uint64
	readEpoch uint64

	// writerCell is published by the producer (Publish) and read by the
	// consumer (Available). readerCell is published by the consumer
	// (after Advance) and read by the producer (Reserve, to decide
	// whether wrapping is safe).
	writerCell ioCell
	// _ separates writerCell and readerCell by a full cache line: the
	// producer hammers writerCell and the consumer hammers readerCell,
	// and without padding between them a store to one bounces the other
	// out of the other core's cache line for no reason.
	_          [cacheLinePad]byte
	readerCell ioCell
}

// cacheLinePad is sized for the common x86-64/arm64 cache line (64
// bytes), slightly oversized relative to ioCell's one-pointer width so
// the padding swallows the whole gap regardless of struct alignment.
const cacheLinePad = 64

// New allocates a ring with the given initial size and growth
// multiplier.
func New(initialSize int, allocMultiplier float64) *Ring {
	buf := &Buffer{data: make([]byte, initialSize)}
	r := &Ring{
		allocMultiplier: allocMultiplier,
		buf:             buf,
		readBuf:         buf,
	}
	r.writerCell.store(buf, 0, 0)
	r.readerCell.store(buf, 0, 0)
	return r
}

// Reserve returns a writable window of n contiguous bytes and advances
// the producer's local cursor past it. The caller must fill every byte
// of the returned slice before calling Publish.
//
// It tries the contiguous tail of the current buffer first, then a wrap
// if the consumer has vacated enough space at the buffer's start, then
// a grow.
func (r *Ring) Reserve(n int) []byte {
	fits := r.writer+uint64(n) <= uint64(len(r.buf.data))
	// After a wrap the consumer may still be reading the previous epoch's
	// tail of this same buffer; the new span, plus one byte for a later
	// sentinel, must stay below the consumer's cursor.
	if rc := r.readerCell.load(); fits && rc != nil && rc.buf == r.buf && rc.epoch+1 == r.epoch {
		fits = r.writer+uint64(n) < rc.pos
	}
	if fits {
		s := r.buf.data[r.writer : r.writer+uint64(n)]
		r.writer += uint64(n)
		return s
	}
	if r.canWrap(n) {
		if len(r.buf.data)-int(r.writer) >= 1 {
			r.writeSentinel(sentinelWrap)
		}
		r.writer = uint64(n)
		r.epoch++
		return r.buf.data[:n]
	}
	return r.grow(n)
}

// canWrap reports whether the consumer has advanced far enough into the
// current buffer's current epoch that wrapping the producer back to
// offset 0 would not overrun unread data. When the tail has no room left
// at all (writer already at the buffer's end), the wrap needs no
// sentinel byte — the consumer recognizes the exact boundary itself
// (see Peek).
func (r *Ring) canWrap(n int) bool {
	rc := r.readerCell.load()
	return rc != nil && rc.buf == r.buf && rc.epoch == r.epoch && rc.pos > uint64(n)
}

// grow allocates a new, larger buffer sized alloc_multiplier ×
// (current_size + n), links it from the old buffer via a forward
// sentinel, and begins writing in the new buffer.
func (r *Ring) grow(n int) []byte {
	newSize := int(r.allocMultiplier * float64(len(r.buf.data)+n))
	if newSize < n {
		newSize = n
	}
	nb := &Buffer{data: make([]byte, newSize)}
	if len(r.buf.data)-int(r.writer) >= 1 {
		r.writeSentinel(sentinelForward)
	}
	r.buf.next.Store(nb)
	r.buf = nb
	r.writer = uint64(n)
	r.epoch++
	return nb.data[:n]
}

func (r *Ring) writeSentinel(kind byte) {
	r.buf.data[r.writer] = kind
}

// Publish flushes the producer's current cursor to the shared writer
// cell, making everything written so far visible to the consumer. This
// is not called after every Reserve — the ring update queue batches
// calls to Publish until end-of-batch or queue-full.
func (r *Ring) Publish() {
	r.writerCell.store(r.buf, r.epoch, r.writer)
}

// Available returns the bytes the consumer may read right now: from its
// local cursor up to the latest value published by the producer, if
// both are in the same span (buffer + epoch). If the producer has
// already moved to a later span, Available returns everything remaining
// in the consumer's current span, on the assumption the consumer will
// hit a sentinel before running out of bytes (guaranteed by
// construction: Reserve always leaves the would-be sentinel byte as the
// first unreserved byte of the abandoned tail).
func (r *Ring) Available() []byte {
	wc := r.writerCell.load()
	if wc == nil {
		return nil
	}
	if wc.buf == r.readBuf && wc.epoch == r.readEpoch {
		if wc.pos <= r.reader {
			return nil
		}
		return r.readBuf.data[r.reader:wc.pos]
	}
	if r.reader >= uint64(len(r.readBuf.data)) {
		return nil
	}
	return r.readBuf.data[r.reader:]
}

// Peek reports whether the very next unread byte is a sentinel, and
// which kind. Consumers must call this before interpreting the byte at
// the current cursor as a real record kind.
//
// When the producer's span ended exactly at the buffer's capacity,
// there is no room left for an explicit sentinel byte; Peek recognizes
// that boundary implicitly instead, but only once the producer has
// actually published into a later span — reaching the same boundary
// with nothing new published yet just means the consumer is caught up.
func (r *Ring) Peek() (isSentinel bool, wrap bool) {
	if r.reader >= uint64(len(r.readBuf.data)) {
		wc := r.writerCell.load()
		if wc == nil || (wc.buf == r.readBuf && wc.epoch == r.readEpoch) {
			return false, false
		}
		if r.readBuf.next.Load() != nil {
			return true, false
		}
		return true, true
	}
	b := r.readBuf.data[r.reader]
	switch b {
	case sentinelWrap:
		return true, true
	case sentinelForward:
		return true, false
	default:
		return false, false
	}
}

// Follow advances the consumer past a sentinel it has just Peek'd. For a
// wrap sentinel the consumer jumps to offset 0 of the same buffer; for a
// forward sentinel it follows the buffer's next pointer, which is
// guaranteed to be non-nil by the time the sentinel is observable (the
// producer stores it before publishing any cursor inside the new
// buffer).
func (r *Ring) Follow(wrap bool) {
	r.readEpoch++
	if wrap {
		r.reader = 0
		r.readerCell.store(r.readBuf, r.readEpoch, r.reader)
		return
	}
	nb := r.readBuf.next.Load()
	for nb == nil {
		// The sentinel byte became visible before the next-buffer
		// pointer under a sufficiently exotic memory model; spin
		// briefly. On TSO targets this branch is never taken because
		// buf.next is stored before the sentinel byte that references
		// it.
		nb = r.readBuf.next.Load()
	}
	r.readBuf = nb
	r.reader = 0
	r.readerCell.store(r.readBuf, r.readEpoch, r.reader)
}

// Advance moves the consumer's cursor forward by n bytes after it has
// consumed a record, and republishes the reader position so the
// producer can make wrap decisions with fresh information. Reader
// publication is not batched through the update queue: staleness here
// only costs the producer an unnecessary grow, never correctness, so it
// is published eagerly — only writer cursors are batched, to amortize
// the wake check and syscall.
func (r *Ring) Advance(n int) {
	r.reader += uint64(n)
	r.readerCell.store(r.readBuf, r.readEpoch, r.reader)
}

// Empty reports whether the consumer has drained everything published so
// far in its current span (it may still have a sentinel to Follow).
func (r *Ring) Empty() bool {
	if sentinel, _ := r.Peek(); sentinel {
		return false
	}
	return len(r.Available()) == 0
}
