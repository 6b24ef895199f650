package peer

import (
	"encoding/binary"

	"github.com/gobwas/ws"
)

// wsReadState accumulates an in-progress WS frame header and, across
// fragmented messages, the data frames received so far. gobwas/ws's own
// frame reader (ws.ReadHeader, wsutil.Reader) is
// built around io.Reader and blocks; the peer's rbuf is instead a
// plain byte slice filled by non-blocking reads, so the header and
// payload-boundary arithmetic here is hand-rolled. Masking still goes
// through ws.Cipher, a pure byte transform with no I/O of its own, and
// opcodes stay typed as ws.OpCode.
type wsReadState struct {
	message    []byte
	messageOp  ws.OpCode
	fragmented bool
}

const (
	maxWSControlPayload = 125
	wsHeaderMinLen      = 2
	wsMaskLen           = 4
)

// parsedWSHeader is one frame's header, decoded from the start of
// rbuf without consuming it -- StepWS only advances p.rbuf once the
// full frame (header + payload) has arrived.
type parsedWSHeader struct {
	fin        bool
	opcode     ws.OpCode
	masked     bool
	mask       [4]byte
	payloadLen uint64
	headerLen  int
}

// peekWSHeader attempts to decode one frame header from the front of
// buf. ok is false when buf doesn't yet hold enough bytes.
func peekWSHeader(buf []byte) (h parsedWSHeader, ok bool) {
	if len(buf) < wsHeaderMinLen {
		return h, false
	}
	h.fin = buf[0]&0x80 != 0
	h.opcode = ws.OpCode(buf[0] & 0x0F)
	h.masked = buf[1]&0x80 != 0
	lenField := buf[1] & 0x7F

	i := 2
	switch {
	case lenField == 126:
		if len(buf) < i+2 {
			return h, false
		}
		h.payloadLen = uint64(binary.BigEndian.Uint16(buf[i:]))
		i += 2
	case lenField == 127:
		if len(buf) < i+8 {
			return h, false
		}
		h.payloadLen = binary.BigEndian.Uint64(buf[i:])
		i += 8
	default:
		h.payloadLen = uint64(lenField)
	}

	if h.masked {
		if len(buf) < i+wsMaskLen {
			return h, false
		}
		copy(h.mask[:], buf[i:i+wsMaskLen])
		i += wsMaskLen
	}
	h.headerLen = i
	return h, true
}

// StepWS consumes as many complete WS frames as are currently
// buffered in p.rbuf, invoking p.OnMessage for each fully reassembled
// message and replying to control frames inline. It returns OK once
// rbuf no longer holds a complete frame (any incomplete remainder stays
// buffered in rbuf for the next read), and CLOSE_PEER on any
// protocol violation or a received close frame: any framing violation
// closes the connection, with no error-recovery path.
func (p *Peer) StepWS() (response []byte, res Result) {
	var out []byte
	for {
		h, ok := peekWSHeader(p.rbuf)
		if !ok {
			break
		}
		if !h.masked {
			// RFC 6455 §5.1: all client frames must be masked.
			return out, CloseResult
		}
		frameLen := h.headerLen + int(h.payloadLen)
		msgLen := int(h.payloadLen)
		if h.opcode == ws.OpContinuation && p.ws != nil {
			msgLen += len(p.ws.message)
		}
		if p.MaxMessageSize > 0 && msgLen > p.MaxMessageSize {
			return out, CloseResult
		}
		if len(p.rbuf) < frameLen {
			break
		}

		payload := p.rbuf[h.headerLen:frameLen]
		ws.Cipher(payload, h.mask, 0)

		switch h.opcode {
		case ws.OpPing, ws.OpPong, ws.OpClose:
			if !h.fin || len(payload) > maxWSControlPayload {
				return out, CloseResult
			}
			switch h.opcode {
			case ws.OpPing:
				out = append(out, encodeControlFrame(ws.OpPong, payload)...)
			case ws.OpClose:
				out = append(out, encodeControlFrame(ws.OpClose, payload)...)
				p.rbuf = p.rbuf[frameLen:]
				return out, CloseResult
			}

		case ws.OpContinuation:
			if !p.ensureWS().fragmented {
				return out, CloseResult
			}
			p.ws.message = append(p.ws.message, payload...)
			if h.fin {
				msg := p.ws.message
				op := p.ws.messageOp
				p.ws.message = nil
				p.ws.fragmented = false
				if r := p.deliver(op, msg); r != OK {
					return out, r
				}
			}

		case ws.OpText, ws.OpBinary:
			if p.ensureWS().fragmented {
				return out, CloseResult
			}
			if h.fin {
				if r := p.deliver(h.opcode, payload); r != OK {
					return out, r
				}
			} else {
				p.ws.fragmented = true
				p.ws.messageOp = h.opcode
				p.ws.message = append([]byte(nil), payload...)
			}

		default:
			return out, CloseResult
		}

		p.rbuf = p.rbuf[frameLen:]
	}
	return out, OK
}

func (p *Peer) ensureWS() *wsReadState {
	if p.ws == nil {
		p.ws = &wsReadState{}
	}
	return p.ws
}

func (p *Peer) deliver(op ws.OpCode, payload []byte) Result {
	if p.OnMessage == nil {
		return OK
	}
	return p.OnMessage(p, op == ws.OpText, payload)
}

// encodeControlFrame builds a complete, unmasked server-to-client
// control frame (server frames are never masked, RFC 6455 §5.1).
func encodeControlFrame(op ws.OpCode, payload []byte) []byte {
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, 0x80|byte(op))
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	return frame
}
