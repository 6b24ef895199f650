package peer

import "time"

// Layer identifies which protocol is currently driving a peer's bytes.
type Layer int

const (
	LayerTCP Layer = iota
	LayerTLS
	LayerHTTP
	LayerWS
)

func (l Layer) String() string {
	switch l {
	case LayerTCP:
		return "TCP"
	case LayerTLS:
		return "TLS"
	case LayerHTTP:
		return "HTTP"
	case LayerWS:
		return "WS"
	default:
		return "UNKNOWN_LAYER"
	}
}

// Mortality is the peer's closure state. It only ever advances forward:
// LIVE -> SHUTDOWN_WRITE -> SHUTDOWN_READ -> DEAD.
type Mortality int

const (
	Live Mortality = iota
	ShutdownWrite
	ShutdownRead
	Dead
)

func (m Mortality) String() string {
	switch m {
	case Live:
		return "LIVE"
	case ShutdownWrite:
		return "SHUTDOWN_WRITE"
	case ShutdownRead:
		return "SHUTDOWN_READ"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN_MORTALITY"
	}
}

// rawConn is the non-blocking TCP-level operations a Peer drives. The
// real implementation (fdConn, in internal/worker/fdconn.go) wraps a raw socket fd
// with golang.org/x/sys/unix; tests substitute a fake to exercise
// read_tcp/write_tcp's control flow without real sockets.
type rawConn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	ShutdownWrite() error
	Close() error
}

// Peer holds one connected client's state: enough to drive TCP/TLS/
// HTTP/WS through a single edge-triggered readiness loop without
// blocking.
type Peer struct {
	Conn        rawConn
	IsEncrypted bool
	Layer       Layer
	Mortality   Mortality

	// IsWriting records whether the last AGAIN was read-side or
	// write-side, for edge-triggered readiness bookkeeping.
	IsWriting bool

	// oldWsize is the write cursor into the in-flight write buffer; a
	// partial write retry must resume at exactly this offset from the
	// same underlying buffer.
	oldWsize int

	// tls is non-nil once the TLS layer has begun a handshake.
	tls *tlsSession

	WorkerI uint32
	PeerI   uint32

	LastActivity time.Time

	// rbuf accumulates bytes read off the wire that haven't yet formed
	// a complete HTTP request or WS frame.
	rbuf []byte

	http *httpUpgradeState
	ws   *wsReadState

	// URL is the request path from the HTTP upgrade, used by the
	// worker/app routing layer to pick which app owns this peer.
	URL string

	// MaxMessageSize bounds a single inbound WS message's payload; zero
	// means unlimited. Set by the worker from the owning app's config.
	MaxMessageSize int

	// OnMessage is invoked once per fully reassembled inbound WS
	// message. It returns the app-chosen Result; a non-OK result
	// propagates out of StepWS exactly like a framing error would.
	OnMessage func(p *Peer, isUTF8 bool, payload []byte) Result
}

// New creates a peer bound to conn, in its initial LIVE/TCP state.
func New(conn rawConn, isEncrypted bool, workerI, peerI uint32, now time.Time) *Peer {
	return &Peer{
		Conn:         conn,
		IsEncrypted:  isEncrypted,
		Layer:        LayerTCP,
		Mortality:    Live,
		WorkerI:      workerI,
		PeerI:        peerI,
		LastActivity: now,
	}
}

// Reset zeros a peer's state before its slot is returned to the
// worker's free list. It does not close the connection; the caller
// closes Conn before calling Reset.
func (p *Peer) Reset() {
	*p = Peer{}
}
