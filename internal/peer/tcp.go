package peer

import (
	"errors"
	"io"
)

// ErrWouldBlock is the sentinel rawConn implementations return in place
// of EAGAIN/EWOULDBLOCK. The real fdConn maps the raw syscall errno to
// this value; the fake used in tests returns it directly.
var ErrWouldBlock = errors.New("ringsocket: operation would block")

// ReadTCP reads into rbuf and classifies the outcome exactly as
// read_tcp does: a short or full read is OK with the byte count: EOF is
// an orderly peer close; EAGAIN is AGAIN with is_writing cleared
// (read_tcp only ever reports a read-side AGAIN); any other error is
// CLOSE_PEER.
func (p *Peer) ReadTCP(rbuf []byte) (n int, res Result) {
	n, err := p.Conn.Read(rbuf)
	if n > 0 {
		return n, OK
	}
	if err == nil || errors.Is(err, io.EOF) {
		return 0, CloseResult
	}
	if errors.Is(err, ErrWouldBlock) {
		p.IsWriting = false
		return 0, Again
	}
	return 0, CloseResult
}

// WriteTCP writes the suffix of wbuf starting at the peer's current
// oldWsize cursor (write_tcp). wbuf must be byte-identical across
// retries — callers must not rebuild or resize it between an AGAIN and
// the following retry, mirroring the original's documented contract for
// TLS libraries that require the same buffer on retry.
func (p *Peer) WriteTCP(wbuf []byte) Result {
	remaining := wbuf[p.oldWsize:]
	n, err := p.Conn.Write(remaining)
	if n > 0 {
		if n == len(remaining) {
			p.oldWsize = 0
			return OK
		}
		p.oldWsize += n
		p.IsWriting = true
		return Again
	}
	if errors.Is(err, ErrWouldBlock) {
		p.IsWriting = true
		return Again
	}
	return CloseResult
}

// WriteBidirectionalTCPShutdown issues shutdown(SHUT_WR) and advances
// mortality to SHUTDOWN_READ. A failure here is FATAL: it would mean
// the kernel's socket state is already corrupted.
func (p *Peer) WriteBidirectionalTCPShutdown() Result {
	if err := p.Conn.ShutdownWrite(); err != nil {
		return Fatal
	}
	p.Mortality = ShutdownRead
	return OK
}

// readBidirectionalTCPShutdown discards incoming bytes until read()
// returns EOF (the bidirectional shutdown has completed, the peer is
// DEAD) or AGAIN (more draining is needed on a later readiness event).
// Bytes are read into the start of rbuf repeatedly; their contents are
// never inspected, since the peer has already dropped below the WS
// layer by the time this runs.
func (p *Peer) readBidirectionalTCPShutdown(rbuf []byte) Result {
	for {
		n, err := p.Conn.Read(rbuf)
		if n > 0 {
			continue
		}
		if err == nil || errors.Is(err, io.EOF) {
			p.Mortality = Dead
			return CloseResult
		}
		if errors.Is(err, ErrWouldBlock) {
			p.IsWriting = false
			return Again
		}
		p.Mortality = Dead
		return CloseResult
	}
}

// StepMortality is handle_tcp_io: the fall-through mortality handler
// that drives a peer from LIVE (choosing its next layer) all the way
// through the bidirectional shutdown sequence to DEAD, at which point
// the caller must close the socket and free the slot. The boolean
// return reports whether the peer is now DEAD and its slot may be
// reused.
func (p *Peer) StepMortality(rbuf []byte) (dead bool, res Result) {
	switch p.Mortality {
	case Live:
		// Only the first call picks a layer off of fresh LayerTCP;
		// every later call while still LIVE must leave an in-progress
		// TLS/HTTP/WS layer alone.
		if p.Layer == LayerTCP {
			if p.IsEncrypted {
				p.Layer = LayerTLS
			} else {
				p.Layer = LayerHTTP
			}
		}
		return false, OK

	case ShutdownWrite:
		if r := p.WriteBidirectionalTCPShutdown(); r != OK {
			return false, r
		}
		fallthrough

	case ShutdownRead:
		switch p.readBidirectionalTCPShutdown(rbuf) {
		case Again:
			return false, OK
		case Fatal:
			return false, Fatal
		}
		fallthrough

	case Dead:
		return true, OK
	}
	return true, OK
}
