// Package fanout implements the app-side outbound send primitives: a
// per-send scratch buffer and the to_single/to_multi/to_cur/to_every/
// to_every_except_* dispatch functions, modeled on
// ringsocket_app_helper.h's rs_w_*/rs_send/rs_to_* family.
package fanout

import "encoding/binary"

// Scratch is the per-send byte buffer an app callback appends typed
// values to before calling one of the To* primitives. It is reset to
// empty after every send, with two exceptions: an oversize send that
// returns OversizeError and a broadcast rejected with
// ErrBroadcastRateLimited both leave the scratch untouched, so callers
// see exactly what they queued and can decide how to recover.
//
// Growth follows the same realloc multiplier configured for ring
// growth, rather than Go's built-in append growth curve — mirroring
// rs_check_app_wsize, which reallocates to
// realloc_multiplier*(wbuf_i+incr_size) whenever the buffer would
// overflow.
type Scratch struct {
	buf             []byte
	allocMultiplier float64
}

// NewScratch creates an empty scratch buffer that grows by multiplier
// whenever an append would exceed its current capacity.
func NewScratch(allocMultiplier float64) *Scratch {
	return &Scratch{allocMultiplier: allocMultiplier}
}

// Reset empties the scratch buffer without releasing its backing array.
func (s *Scratch) Reset() { s.buf = s.buf[:0] }

// Len returns the number of bytes currently queued.
func (s *Scratch) Len() int { return len(s.buf) }

// Bytes returns the queued bytes. The returned slice is only valid
// until the next Write* call or Reset.
func (s *Scratch) Bytes() []byte { return s.buf }

func (s *Scratch) ensure(extra int) {
	need := len(s.buf) + extra
	if need <= cap(s.buf) {
		return
	}
	newCap := int(s.allocMultiplier * float64(need))
	if newCap < need {
		newCap = need
	}
	grown := make([]byte, len(s.buf), newCap)
	copy(grown, s.buf)
	s.buf = grown
}

// WriteBytes appends raw bytes (rs_w_p).
func (s *Scratch) WriteBytes(p []byte) {
	s.ensure(len(p))
	s.buf = append(s.buf, p...)
}

// WriteUint8 appends a single byte (rs_w_uint8).
func (s *Scratch) WriteUint8(v uint8) {
	s.ensure(1)
	s.buf = append(s.buf, v)
}

// WriteUint16 appends v in host byte order (rs_w_uint16).
func (s *Scratch) WriteUint16(v uint16) {
	s.ensure(2)
	s.buf = binary.NativeEndian.AppendUint16(s.buf, v)
}

// WriteUint32 appends v in host byte order (rs_w_uint32).
func (s *Scratch) WriteUint32(v uint32) {
	s.ensure(4)
	s.buf = binary.NativeEndian.AppendUint32(s.buf, v)
}

// WriteUint64 appends v in host byte order (rs_w_uint64). Unlike the
// rs_w_uint64 inline helper this takes a genuine uint64 rather than a
// uint32_t truncated on the way in.
func (s *Scratch) WriteUint64(v uint64) {
	s.ensure(8)
	s.buf = binary.NativeEndian.AppendUint64(s.buf, v)
}

// WriteUint16Hton appends v in network (big-endian) byte order.
func (s *Scratch) WriteUint16Hton(v uint16) {
	s.ensure(2)
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
}

// WriteUint32Hton appends v in network byte order.
func (s *Scratch) WriteUint32Hton(v uint32) {
	s.ensure(4)
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
}

// WriteUint64Hton appends v in network byte order.
func (s *Scratch) WriteUint64Hton(v uint64) {
	s.ensure(8)
	s.buf = binary.BigEndian.AppendUint64(s.buf, v)
}

// WriteInt8 appends a signed byte (rs_w_int8).
func (s *Scratch) WriteInt8(v int8) { s.WriteUint8(uint8(v)) }

// WriteInt16 appends a signed 16-bit value in host order (rs_w_int16).
func (s *Scratch) WriteInt16(v int16) { s.WriteUint16(uint16(v)) }

// WriteInt32 appends a signed 32-bit value in host order (rs_w_int32).
func (s *Scratch) WriteInt32(v int32) { s.WriteUint32(uint32(v)) }

// WriteInt64 appends a signed 64-bit value in host order (rs_w_int64).
func (s *Scratch) WriteInt64(v int64) { s.WriteUint64(uint64(v)) }

// WriteInt16Hton appends a signed 16-bit value in network order.
func (s *Scratch) WriteInt16Hton(v int16) { s.WriteUint16Hton(uint16(v)) }

// WriteInt32Hton appends a signed 32-bit value in network order.
func (s *Scratch) WriteInt32Hton(v int32) { s.WriteUint32Hton(uint32(v)) }

// WriteInt64Hton appends a signed 64-bit value in network order.
func (s *Scratch) WriteInt64Hton(v int64) { s.WriteUint64Hton(uint64(v)) }
