package netutil

import (
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

func TestCreateListenerFDBindsEphemeralPort(t *testing.T) {
	fd, err := CreateListenerFD("127.0.0.1:0", ListenerOptions{})
	if err != nil {
		t.Fatalf("CreateListenerFD: %v", err)
	}
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("sockname = %T, want *unix.SockaddrInet4", sa)
	}
	if addr.Port == 0 {
		t.Fatalf("expected the kernel to assign a non-zero ephemeral port")
	}
}

func TestCreateListenerFDReusePortAllowsSecondBind(t *testing.T) {
	fd1, err := CreateListenerFD("127.0.0.1:0", ListenerOptions{ReusePort: true})
	if err != nil {
		t.Fatalf("first CreateListenerFD: %v", err)
	}
	defer unix.Close(fd1)

	sa, err := unix.Getsockname(fd1)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	fd2, err := CreateListenerFD(addrWithPort(port), ListenerOptions{ReusePort: true})
	if err != nil {
		t.Fatalf("second CreateListenerFD with SO_REUSEPORT: %v", err)
	}
	unix.Close(fd2)
}

func TestCreateListenerFDRejectsUnparseableAddr(t *testing.T) {
	if _, err := CreateListenerFD("not-an-address", ListenerOptions{}); err == nil {
		t.Fatalf("expected an error for an unparseable address")
	}
}

func addrWithPort(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
