package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// tlsSession adapts crypto/tls.Conn, a blocking API, to the same
// non-blocking read/write/shutdown contract used everywhere else in
// the peer state machine: mapping its WANT_READ/WANT_WRITE-equivalent
// blocking behavior to AGAIN.
//
// arm sets an already-expired deadline before every call, but the
// worker's fdConn ignores deadlines: what keeps a call from blocking is
// that fdConn's non-blocking socket reports EAGAIN as an error whose
// Timeout() is true, which toTLSResult translates back to AGAIN. This
// keeps the worker's single-goroutine, non-blocking
// event loop intact without teaching crypto/tls anything about
// edge-triggered readiness.
type tlsSession struct {
	conn          *tls.Conn
	handshakeDone bool
}

// newTLSSession begins a server-side TLS session over nc. nc must
// already be a connected, otherwise-non-blocking net.Conn.
func newTLSSession(nc net.Conn, config *tls.Config) *tlsSession {
	return &tlsSession{conn: tls.Server(nc, config)}
}

func (t *tlsSession) arm() {
	t.conn.SetDeadline(time.Unix(0, 1))
}

func toTLSResult(err error) Result {
	if err == nil {
		return OK
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Again
	}
	if errors.Is(err, io.EOF) {
		return CloseResult
	}
	return CloseResult
}

// Handshake advances the TLS handshake by one non-blocking step.
func (t *tlsSession) Handshake() Result {
	t.arm()
	return toTLSResult(t.conn.HandshakeContext(context.Background()))
}

// ReadTLS decrypts into rbuf (read_tls's contract: same four-result
// shape as ReadTCP, one layer up).
func (t *tlsSession) ReadTLS(rbuf []byte) (int, Result) {
	t.arm()
	n, err := t.conn.Read(rbuf)
	if n > 0 {
		return n, OK
	}
	return 0, toTLSResult(err)
}

// WriteTLS encrypts and writes wbuf. Unlike WriteTCP there is no
// resumable oldWsize cursor: crypto/tls.Conn.Write either consumes
// the whole plaintext buffer or returns an error, so a caller that
// gets AGAIN retries with the identical wbuf from the start.
func (t *tlsSession) WriteTLS(wbuf []byte) Result {
	t.arm()
	_, err := t.conn.Write(wbuf)
	return toTLSResult(err)
}

// ShutdownTLS sends a close_notify alert, the TLS-layer analogue of
// shutdown(SHUT_WR): on a TLS alert or fatal error the peer jumps
// straight to SHUTDOWN_WRITE.
func (t *tlsSession) ShutdownTLS() Result {
	t.arm()
	return toTLSResult(t.conn.CloseWrite())
}

// BeginTLS installs a TLS session on a freshly-accepted encrypted
// peer. It leaves Layer unchanged; the first StepMortality on the LIVE
// peer moves it from LayerTCP to LayerTLS. The worker calls it once,
// right after New.
func (p *Peer) BeginTLS(nc net.Conn, config *tls.Config) {
	p.tls = newTLSSession(nc, config)
}

// StepTLS drives the handshake to completion, then falls through to
// the HTTP layer.
func (p *Peer) StepTLS() Result {
	if p.tls == nil {
		return Fatal
	}
	if p.tls.handshakeDone {
		return OK
	}
	r := p.tls.Handshake()
	if r != OK {
		return r
	}
	p.tls.handshakeDone = true
	p.Layer = LayerHTTP
	return OK
}
