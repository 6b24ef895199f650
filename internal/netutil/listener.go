// Package netutil creates the raw non-blocking listening sockets each
// worker's epoll loop accepts from, shaped after CreateOptimizedListener
// but returning a bare file descriptor instead
// of a net.Listener: internal/worker.Worker.Run wants an fd it can
// epoll_wait on directly, not something wrapped back into net.Conn.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenerOptions controls the socket options applied before bind.
type ListenerOptions struct {
	Backlog int
	// ReusePort lets multiple worker threads each own a listening
	// socket on the same address, with the kernel load-balancing
	// accept() across them instead of funneling every connection
	// through a single shared listener, extending the shared-nothing
	// worker model to the accept path itself.
	ReusePort bool
}

// CreateListenerFD builds, binds, and listens on an IPv4 or IPv6
// address, returning a non-blocking, close-on-exec file descriptor
// ready to be epoll_ctl(EPOLL_CTL_ADD)'d.
func CreateListenerFD(addr string, opts ListenerOptions) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("ringsocket: resolving %q: %w", addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("ringsocket: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ringsocket: SO_REUSEADDR: %w", err)
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("ringsocket: SO_REUSEPORT: %w", err)
		}
	}
	// TCP_FASTOPEN with a moderate queue length; TCP_DEFER_ACCEPT so
	// epoll doesn't wake a worker until the client has actually sent
	// its HTTP upgrade request.
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, 256)
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)

	if err := bind(fd, domain, tcpAddr); err != nil {
		unix.Close(fd)
		return -1, err
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ringsocket: listen: %w", err)
	}

	return fd, nil
}

func bind(fd, domain int, tcpAddr *net.TCPAddr) error {
	if domain == unix.AF_INET6 {
		addr6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(addr6.Addr[:], tcpAddr.IP.To16())
		if err := unix.Bind(fd, addr6); err != nil {
			return fmt.Errorf("ringsocket: bind: %w", err)
		}
		return nil
	}
	addr4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
	ip4 := tcpAddr.IP.To4()
	if ip4 != nil {
		copy(addr4.Addr[:], ip4)
	}
	if err := unix.Bind(fd, addr4); err != nil {
		return fmt.Errorf("ringsocket: bind: %w", err)
	}
	return nil
}
