package peer

import (
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	reads        [][]byte
	readErrs     []error
	readI        int
	writeN       []int
	writeErrs    []error
	writeI       int
	shutdownErr  error
	shutdownCall int
	closed       bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.readI >= len(c.reads) {
		return 0, errors.New("fakeConn: no more reads queued")
	}
	n := copy(p, c.reads[c.readI])
	err := c.readErrs[c.readI]
	c.readI++
	return n, err
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeI >= len(c.writeN) {
		return 0, errors.New("fakeConn: no more writes queued")
	}
	n := c.writeN[c.writeI]
	err := c.writeErrs[c.writeI]
	c.writeI++
	return n, err
}

func (c *fakeConn) ShutdownWrite() error {
	c.shutdownCall++
	return c.shutdownErr
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestPeer(conn rawConn) *Peer {
	return New(conn, false, 0, 0, time.Unix(0, 0))
}

func TestReadTCPFullRead(t *testing.T) {
	conn := &fakeConn{reads: [][]byte{[]byte("hi")}, readErrs: []error{nil}}
	p := newTestPeer(conn)
	buf := make([]byte, 16)
	n, res := p.ReadTCP(buf)
	if res != OK || n != 2 {
		t.Fatalf("got (%d, %v), want (2, OK)", n, res)
	}
}

func TestReadTCPOrderlyClose(t *testing.T) {
	conn := &fakeConn{reads: [][]byte{nil}, readErrs: []error{nil}}
	p := newTestPeer(conn)
	_, res := p.ReadTCP(make([]byte, 16))
	if res != CloseResult {
		t.Fatalf("got %v, want CLOSE_PEER", res)
	}
}

func TestReadTCPAgainClearsIsWriting(t *testing.T) {
	conn := &fakeConn{reads: [][]byte{nil}, readErrs: []error{ErrWouldBlock}}
	p := newTestPeer(conn)
	p.IsWriting = true
	_, res := p.ReadTCP(make([]byte, 16))
	if res != Again {
		t.Fatalf("got %v, want AGAIN", res)
	}
	if p.IsWriting {
		t.Fatalf("expected is_writing cleared after a read-side AGAIN")
	}
}

func TestWriteTCPFullWriteResetsOldWsize(t *testing.T) {
	conn := &fakeConn{writeN: []int{5}, writeErrs: []error{nil}}
	p := newTestPeer(conn)
	p.oldWsize = 0
	res := p.WriteTCP([]byte("hello"))
	if res != OK || p.oldWsize != 0 {
		t.Fatalf("got (%v, oldWsize=%d), want (OK, 0)", res, p.oldWsize)
	}
}

func TestWriteTCPPartialWriteAdvancesOldWsize(t *testing.T) {
	conn := &fakeConn{writeN: []int{3}, writeErrs: []error{nil}}
	p := newTestPeer(conn)
	res := p.WriteTCP([]byte("hello"))
	if res != Again {
		t.Fatalf("got %v, want AGAIN", res)
	}
	if p.oldWsize != 3 {
		t.Fatalf("oldWsize = %d, want 3", p.oldWsize)
	}
	if !p.IsWriting {
		t.Fatalf("expected is_writing set after a partial write")
	}

	// Retry must present the same buffer, resuming at oldWsize.
	conn.writeN = append(conn.writeN, 2)
	conn.writeErrs = append(conn.writeErrs, nil)
	res = p.WriteTCP([]byte("hello"))
	if res != OK || p.oldWsize != 0 {
		t.Fatalf("retry: got (%v, oldWsize=%d), want (OK, 0)", res, p.oldWsize)
	}
}

func TestWriteTCPAgain(t *testing.T) {
	conn := &fakeConn{writeN: []int{0}, writeErrs: []error{ErrWouldBlock}}
	p := newTestPeer(conn)
	res := p.WriteTCP([]byte("hello"))
	if res != Again || !p.IsWriting {
		t.Fatalf("got (%v, is_writing=%v), want (AGAIN, true)", res, p.IsWriting)
	}
}

func TestStepMortalityLiveSelectsLayer(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	p.IsEncrypted = true
	dead, res := p.StepMortality(nil)
	if dead || res != OK {
		t.Fatalf("got (%v, %v), want (false, OK)", dead, res)
	}
	if p.Layer != LayerTLS {
		t.Fatalf("layer = %v, want TLS", p.Layer)
	}

	p2 := newTestPeer(&fakeConn{})
	p2.StepMortality(nil)
	if p2.Layer != LayerHTTP {
		t.Fatalf("layer = %v, want HTTP for a plaintext peer", p2.Layer)
	}
}

// TestStepMortalityLiveLeavesAdvancedLayerAlone guards against
// StepMortality resetting an already-upgraded connection: it runs on
// every readiness event for the whole time a peer stays LIVE, not just
// the first.
func TestStepMortalityLiveLeavesAdvancedLayerAlone(t *testing.T) {
	p := newTestPeer(&fakeConn{})
	p.Layer = LayerWS
	dead, res := p.StepMortality(nil)
	if dead || res != OK {
		t.Fatalf("got (%v, %v), want (false, OK)", dead, res)
	}
	if p.Layer != LayerWS {
		t.Fatalf("layer = %v, want WS to remain unchanged", p.Layer)
	}
}

// TestStepMortalityFullShutdownSequence checks that a peer starting at
// SHUTDOWN_WRITE escalates through SHUTDOWN_READ to DEAD across
// successive readiness events.
func TestStepMortalityFullShutdownSequence(t *testing.T) {
	conn := &fakeConn{}
	p := newTestPeer(conn)
	p.Layer = LayerWS
	p.Mortality = ShutdownWrite

	// First event: shutdown(SHUT_WR) succeeds, then the read-drain loop
	// immediately sees EAGAIN (nothing left buffered yet).
	conn.reads = [][]byte{nil}
	conn.readErrs = []error{ErrWouldBlock}
	dead, res := p.StepMortality(make([]byte, 16))
	if dead || res != OK {
		t.Fatalf("event 1: got (%v, %v), want (false, OK)", dead, res)
	}
	if p.Mortality != ShutdownRead {
		t.Fatalf("mortality = %v, want SHUTDOWN_READ", p.Mortality)
	}
	if conn.shutdownCall != 1 {
		t.Fatalf("expected exactly one shutdown(SHUT_WR) call, got %d", conn.shutdownCall)
	}

	// Second event: the drain read returns EOF, completing the
	// bidirectional shutdown.
	conn.reads = [][]byte{nil}
	conn.readErrs = []error{nil}
	conn.readI = 0
	dead, res = p.StepMortality(make([]byte, 16))
	if !dead || res != OK {
		t.Fatalf("event 2: got (%v, %v), want (true, OK)", dead, res)
	}
	if p.Mortality != Dead {
		t.Fatalf("mortality = %v, want DEAD", p.Mortality)
	}
}

func TestWriteBidirectionalShutdownFailureIsFatal(t *testing.T) {
	conn := &fakeConn{shutdownErr: errors.New("ECONNRESET")}
	p := newTestPeer(conn)
	p.Mortality = ShutdownWrite
	dead, res := p.StepMortality(make([]byte, 16))
	if dead || res != Fatal {
		t.Fatalf("got (%v, %v), want (false, FATAL)", dead, res)
	}
}
