package peer

import (
	"strings"
	"testing"

	"github.com/gobwas/ws"
)

func TestStepDrivesHTTPUpgradeThenWSFrameInOneEvent(t *testing.T) {
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	frame := buildClientFrame(true, ws.OpText, [4]byte{1, 2, 3, 4}, []byte("hi"))

	conn := &fakeConn{
		reads:    [][]byte{append([]byte(req), frame...)},
		readErrs: []error{nil},
	}
	p := newTestPeer(conn)
	p.Layer = LayerHTTP

	var got []byte
	p.OnMessage = func(p *Peer, isUTF8 bool, payload []byte) Result {
		got = append([]byte(nil), payload...)
		return OK
	}

	toWrite, res := p.Step(make([]byte, 4096))
	if res != OK {
		t.Fatalf("got %v, want OK", res)
	}
	if p.Layer != LayerWS {
		t.Fatalf("layer = %v, want WS", p.Layer)
	}
	if !strings.Contains(string(toWrite), "101 Switching Protocols") {
		t.Fatalf("expected a 101 response in toWrite, got %q", toWrite)
	}
	if string(got) != "hi" {
		t.Fatalf("got message %q, want \"hi\"", got)
	}
}

func TestStepReadCloseResultPassesThrough(t *testing.T) {
	conn := &fakeConn{reads: [][]byte{nil}, readErrs: []error{nil}}
	p := newTestPeer(conn)
	p.Layer = LayerWS

	_, res := p.Step(make([]byte, 16))
	if res != CloseResult {
		t.Fatalf("got %v, want CLOSE_PEER", res)
	}
}

func TestWriteDispatchesToTCPWhenNotEncrypted(t *testing.T) {
	conn := &fakeConn{writeN: []int{3}, writeErrs: []error{nil}}
	p := newTestPeer(conn)
	res := p.Write([]byte("abc"))
	if res != OK {
		t.Fatalf("got %v, want OK", res)
	}
}
