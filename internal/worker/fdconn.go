// Package worker runs the per-CPU event loop that owns a shard of
// peers: one pinned OS thread per worker, driving every peer's
// TCP/TLS/HTTP/WS state machine via epoll edge-triggered readiness,
// with no locks and no goroutine-per-connection.
package worker

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wbudd/ringsocket-go/internal/peer"
)

// fdConn adapts a raw non-blocking socket fd to peer.rawConn, grounded
// in go-server/pkg/websocket/netpoll.go (manual socket
// creation and syscall-level option tuning) but using
// golang.org/x/sys/unix in place of the standard syscall package, the
// same substitution sakateka-yanet2 makes for its own non-blocking fd
// work. It additionally satisfies net.Conn so peer.BeginTLS can wrap
// it in crypto/tls.Server: the fd is already O_NONBLOCK, so the
// SetDeadline family are no-ops -- a read or write either has data
// ready or returns wouldBlockError immediately, it never blocks for
// SetDeadline's expiry to matter.
type fdConn struct {
	fd int
}

func newFDConn(fd int) *fdConn { return &fdConn{fd: fd} }

// wouldBlockError is both a peer.ErrWouldBlock (via Is, for ReadTCP/
// WriteTCP's errors.Is checks) and a net.Error timeout (for
// crypto/tls, which only recognizes blocking-would-occur as a
// deadline timeout).
type wouldBlockError struct{}

func (wouldBlockError) Error() string        { return "ringsocket: operation would block" }
func (wouldBlockError) Timeout() bool        { return true }
func (wouldBlockError) Temporary() bool      { return true }
func (wouldBlockError) Is(target error) bool { return target == peer.ErrWouldBlock }

func translateErrno(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return wouldBlockError{}
	}
	return err
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return 0, translateErrno(err)
	}
	return n, nil
}

func (c *fdConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return 0, translateErrno(err)
	}
	return n, nil
}

func (c *fdConn) ShutdownWrite() error {
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}

// Fd exposes the underlying descriptor for epoll registration.
func (c *fdConn) Fd() int { return c.fd }

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

func (c *fdConn) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

func (c *fdConn) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

// SetDeadline/SetReadDeadline/SetWriteDeadline are no-ops: the
// underlying fd never blocks, so there is no timeout to arm. They
// exist only so fdConn satisfies net.Conn for peer.BeginTLS.
func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }
