package peer

import (
	"testing"

	"github.com/gobwas/ws"
)

func maskPayload(payload []byte, mask [4]byte) []byte {
	out := append([]byte(nil), payload...)
	ws.Cipher(out, mask, 0)
	return out
}

func buildClientFrame(fin bool, op ws.OpCode, mask [4]byte, payload []byte) []byte {
	var frame []byte
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	frame = append(frame, b0)

	masked := maskPayload(payload, mask)
	switch {
	case len(payload) > 65535:
		frame = append(frame, 0x80|127)
		for i := 7; i >= 0; i-- {
			frame = append(frame, byte(len(payload)>>(8*i)))
		}
	case len(payload) > 125:
		frame = append(frame, 0x80|126, byte(len(payload)>>8), byte(len(payload)))
	default:
		frame = append(frame, 0x80|byte(len(payload)))
	}
	frame = append(frame, mask[:]...)
	frame = append(frame, masked...)
	return frame
}

func TestStepWSSingleFrameMessage(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	var got []byte
	var gotUTF8 bool
	p.OnMessage = func(p *Peer, isUTF8 bool, payload []byte) Result {
		got = append([]byte(nil), payload...)
		gotUTF8 = isUTF8
		return OK
	}
	p.rbuf = buildClientFrame(true, ws.OpText, [4]byte{1, 2, 3, 4}, []byte("yo"))

	_, res := p.StepWS()
	if res != OK {
		t.Fatalf("got %v, want OK", res)
	}
	if string(got) != "yo" || !gotUTF8 {
		t.Fatalf("got (%q, utf8=%v), want (\"yo\", true)", got, gotUTF8)
	}
	if len(p.rbuf) != 0 {
		t.Fatalf("expected rbuf fully consumed, got %d bytes left", len(p.rbuf))
	}
}

func TestStepWSIncompleteFrameStaysBuffered(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	full := buildClientFrame(true, ws.OpText, [4]byte{1, 2, 3, 4}, []byte("hello world"))
	p.rbuf = full[:len(full)-2]

	_, res := p.StepWS()
	if res != OK {
		t.Fatalf("got %v, want OK (nothing to deliver yet, not an error)", res)
	}
	if len(p.rbuf) != len(full)-2 {
		t.Fatalf("expected incomplete frame left untouched in rbuf")
	}
}

func TestStepWSUnmaskedClientFrameIsClosed(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	p.rbuf = []byte{0x81, 0x02, 'h', 'i'} // fin+text, len 2, no mask bit
	_, res := p.StepWS()
	if res != CloseResult {
		t.Fatalf("got %v, want CLOSE_PEER", res)
	}
}

func TestStepWSFragmentedMessageReassembles(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	var got []byte
	p.OnMessage = func(p *Peer, isUTF8 bool, payload []byte) Result {
		got = append([]byte(nil), payload...)
		return OK
	}
	var buf []byte
	buf = append(buf, buildClientFrame(false, ws.OpText, [4]byte{9, 9, 9, 9}, []byte("Hello, "))...)
	buf = append(buf, buildClientFrame(true, ws.OpContinuation, [4]byte{5, 6, 7, 8}, []byte("World!"))...)
	p.rbuf = buf

	_, res := p.StepWS()
	if res != OK {
		t.Fatalf("got %v, want OK", res)
	}
	if string(got) != "Hello, World!" {
		t.Fatalf("got %q, want \"Hello, World!\"", got)
	}
}

func TestStepWSPingIsAnsweredWithPong(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	p.rbuf = buildClientFrame(true, ws.OpPing, [4]byte{1, 1, 1, 1}, []byte("ping-data"))

	resp, res := p.StepWS()
	if res != OK {
		t.Fatalf("got %v, want OK", res)
	}
	if len(resp) < 2 || resp[0] != 0x80|byte(ws.OpPong) {
		t.Fatalf("expected an unmasked pong frame, got % x", resp)
	}
	if string(resp[2:]) != "ping-data" {
		t.Fatalf("pong payload = %q, want echoed ping payload", resp[2:])
	}
}

func TestStepWSCloseFrameClosesPeer(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	p.rbuf = buildClientFrame(true, ws.OpClose, [4]byte{2, 2, 2, 2}, nil)

	_, res := p.StepWS()
	if res != CloseResult {
		t.Fatalf("got %v, want CLOSE_PEER", res)
	}
}

func TestStepWSOversizeMessageIsClosed(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	p.MaxMessageSize = 4
	p.rbuf = buildClientFrame(true, ws.OpBinary, [4]byte{3, 3, 3, 3}, []byte("too big"))

	_, res := p.StepWS()
	if res != CloseResult {
		t.Fatalf("got %v, want CLOSE_PEER", res)
	}
}
