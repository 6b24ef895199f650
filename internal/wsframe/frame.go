// Package wsframe encodes the RFC 6455 frame header that precedes every
// outbound WebSocket payload written to an outbound ring.
//
// Frames in this direction are always server-to-client, final (no
// fragmentation), and unmasked, so the header is either 2, 4, or 10
// bytes: a fixed opcode byte plus a length field banded by payload size.
// Header encoding writes directly into a caller-supplied byte slice
// rather than through gobwas/ws's io.Writer-oriented ws.WriteHeader,
// because the target is always a window already reserved inside an
// outbound ring (internal/ring.Reserve) — routing the same bytes through
// an intermediate io.Writer would cost an allocation and a copy on every
// send. gobwas/ws still supplies the opcode vocabulary used by the
// inbound side (internal/peer) when decoding frames off the wire.
package wsframe

import (
	"encoding/binary"

	"github.com/gobwas/ws"
)

// OpcodeByte is the first header byte: FIN set, RSV clear, opcode in the
// low nibble. RingSocket never sends a fragmented or compressed
// outbound frame, so this is always one of exactly two values.
type OpcodeByte byte

const (
	OpcodeText   OpcodeByte = 0x80 | byte(ws.OpText)
	OpcodeBinary OpcodeByte = 0x80 | byte(ws.OpBinary)
)

// Opcode returns the outbound opcode byte for a message's UTF-8-ness.
func Opcode(isUTF8 bool) OpcodeByte {
	if isUTF8 {
		return OpcodeText
	}
	return OpcodeBinary
}

// HeaderLen returns the number of header bytes a frame carrying
// payloadSize bytes requires: 2 for payloads up to 125 bytes, 4 for up
// to 65535, 10 otherwise, per RFC 6455's payload-length boundaries.
func HeaderLen(payloadSize int) int {
	switch {
	case payloadSize > 65535:
		return 10
	case payloadSize > 125:
		return 4
	default:
		return 2
	}
}

// AppendHeader appends a complete frame header for payloadSize bytes of
// payload to dst and returns the extended slice. dst must already have
// spare capacity for HeaderLen(payloadSize) bytes; callers in this
// module always pre-size their destination via ring.Reserve, so this
// never reallocates in the hot path.
func AppendHeader(dst []byte, payloadSize int, isUTF8 bool) []byte {
	dst = append(dst, byte(Opcode(isUTF8)))
	switch {
	case payloadSize > 65535:
		dst = append(dst, 127)
		dst = appendUint64BE(dst, uint64(payloadSize))
	case payloadSize > 125:
		dst = append(dst, 126)
		dst = appendUint16BE(dst, uint16(payloadSize))
	default:
		dst = append(dst, byte(payloadSize))
	}
	return dst
}

// ParseHeader decodes a header AppendHeader wrote, the inverse
// operation a worker needs to split a drained outbound ring record
// back into its header and payload. ok is false when buf doesn't yet
// hold enough bytes to determine the length, which cannot happen for
// a fully-published ring record but is checked anyway since buf here
// is caller-supplied and not guaranteed complete.
func ParseHeader(buf []byte) (headerLen int, payloadLen int, ok bool) {
	if len(buf) < 2 {
		return 0, 0, false
	}
	switch buf[1] {
	case 127:
		if len(buf) < 10 {
			return 0, 0, false
		}
		return 10, int(binary.BigEndian.Uint64(buf[2:10])), true
	case 126:
		if len(buf) < 4 {
			return 0, 0, false
		}
		return 4, int(binary.BigEndian.Uint16(buf[2:4])), true
	default:
		return 2, int(buf[1]), true
	}
}

func appendUint16BE(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func appendUint64BE(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
