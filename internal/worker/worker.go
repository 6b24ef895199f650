package worker

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/wbudd/ringsocket-go/internal/fanout"
	"github.com/wbudd/ringsocket-go/internal/guard"
	"github.com/wbudd/ringsocket-go/internal/inbound"
	"github.com/wbudd/ringsocket-go/internal/metrics"
	"github.com/wbudd/ringsocket-go/internal/peer"
	"github.com/wbudd/ringsocket-go/internal/ring"
	"github.com/wbudd/ringsocket-go/internal/wsframe"
)

// Config is the subset of internal/config.Config a Worker needs,
// threaded through explicitly to avoid an import cycle.
type Config struct {
	ReadBufSize    int
	MaxWSMsgSize   int
	IdleTimeout    time.Duration
	MaxPeersPerCPU int

	// RouteURL picks which app thread owns a peer based on its upgrade
	// request path. Nil means every peer belongs to app 0.
	RouteURL func(url string) int
}

// slot is one peer's bookkeeping, owned entirely by its worker: no
// other goroutine ever touches a slot, which is what lets the worker
// run its whole event loop lock-free and shared-nothing.
type slot struct {
	peer            *peer.Peer
	conn            *fdConn
	inUse           bool
	pendingWrite    []byte
	pendingWriteOff int

	// notifiedOpen and appI track whether this peer's KindOpen inbound
	// record has been published and to which app, so a later CLOSE
	// record is addressed to the same app without re-resolving RouteURL
	// against a peer that may no longer carry its URL.
	notifiedOpen bool
	appI         int
}

// Worker is one pinned OS-thread event loop owning WorkerIndex's shard
// of peers, one worker thread per CPU. Each (worker, app) pair owns
// exactly two rings: an outbound ring the app produces into and this
// worker drains to sockets, and an inbound ring this worker produces
// into and the app drains.
type Worker struct {
	Index uint32

	epfd int

	slots    []slot
	fdToSlot map[int]uint32
	freeList []uint32

	// outboundRings holds one ring per app, each shared with that app's
	// fanout.Dispatcher; outboundSleep is this worker's own parked flag,
	// referenced by every app's Dispatcher for this worker index.
	outboundRings      []*ring.Ring
	outboundSleep      *ring.SleepState
	outboundDrainStart int

	// inboundRings holds one ring per app, this worker's producer side;
	// inboundSleep is the corresponding app's parked flag, woken when
	// this worker flushes a publication to it. inboundQueue batches
	// those publications exactly like internal/fanout does on the
	// outbound side.
	inboundRings []*ring.Ring
	inboundSleep []*ring.SleepState
	inboundQueue *ring.UpdateQueue

	guard     *guard.Guard
	logger    zerolog.Logger
	tlsConfig *tls.Config
	clock     peer.Clock

	// fatal carries the first FATAL condition this worker observes
	// (an invariant violation in the peer state machine) out to Run,
	// which returns it to the caller instead of swallowing it into a
	// per-peer close. Buffered 1 so the goroutine that hits FATAL never
	// blocks on it; a zero-value Worker (as built directly in tests)
	// leaves this nil, and sending on a nil channel inside a non-
	// blocking select is a no-op, never a panic.
	fatal chan error

	cfg     Config
	readBuf []byte
}

// New creates a Worker. outboundRings/outboundSleep are this worker's
// consumer-side view of every app's outbound ring to it; inboundRings/
// inboundSleep are this worker's producer-side view of every app's
// inbound ring from it. Both slices are indexed by app index and must
// be the same length.
func New(
	index uint32,
	outboundRings []*ring.Ring, outboundSleep *ring.SleepState,
	inboundRings []*ring.Ring, inboundSleep []*ring.SleepState, inboundQueueSize int,
	g *guard.Guard, logger zerolog.Logger, tlsConfig *tls.Config, cfg Config,
) *Worker {
	w := &Worker{
		Index:         index,
		slots:         make([]slot, cfg.MaxPeersPerCPU),
		fdToSlot:      make(map[int]uint32, cfg.MaxPeersPerCPU),
		outboundRings: outboundRings,
		outboundSleep: outboundSleep,
		inboundRings:  inboundRings,
		inboundSleep:  inboundSleep,
		inboundQueue:  ring.NewUpdateQueue(inboundQueueSize),
		guard:         g,
		logger:        logger,
		tlsConfig:     tlsConfig,
		clock:         peer.SystemClock{},
		fatal:         make(chan error, 1),
		cfg:           cfg,
		readBuf:       make([]byte, cfg.ReadBufSize),
	}
	for i := range w.slots {
		w.freeList = append(w.freeList, uint32(i))
	}
	return w
}

// pin locks the calling goroutine to its OS thread and binds that
// thread to CPU cpuIndex, raising its scheduling priority, exactly as
// sakateka-yanet2's bench workerRoutine does for its own per-core
// packet-processing threads.
func (w *Worker) pin(cpuIndex int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuIndex)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("ringsocket: pin worker %d to cpu %d: %w", w.Index, cpuIndex, err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), -5); err != nil {
		w.logger.Warn().Err(err).Msg("failed to raise worker thread priority")
	}
	return nil
}

func (w *Worker) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events, Fd: int32(fd),
	})
}

func (w *Worker) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events, Fd: int32(fd),
	})
}

// Run pins the calling goroutine to cpuIndex and drives the
// edge-triggered epoll loop until ctx is cancelled. listenerFd must
// already be bound, listening, and non-blocking.
func (w *Worker) Run(ctx context.Context, cpuIndex int, listenerFd int) error {
	if err := w.pin(cpuIndex); err != nil {
		return err
	}
	defer runtime.UnlockOSThread()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("ringsocket: epoll_create1: %w", err)
	}
	w.epfd = epfd
	defer unix.Close(epfd)

	if err := w.epollAdd(listenerFd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("ringsocket: registering listener: %w", err)
	}

	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ringsocket: epoll_wait: %w", err)
		}

		w.drainOutbound()

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == listenerFd {
				w.acceptLoop(listenerFd)
				continue
			}
			w.handleReadiness(fd, events[i].Events)
		}

		select {
		case err := <-w.fatal:
			return err
		default:
		}

		w.sweepIdle()
		w.inboundQueue.Flush()
	}
}

// reportFatal records the first FATAL condition for Run to surface,
// without blocking the caller that observed it.
func (w *Worker) reportFatal(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}

// acceptLoop drains accept4 until EAGAIN, accepting every pending
// connection on one readiness event. The listener fd is registered
// level-triggered (plain EPOLLIN).
func (w *Worker) acceptLoop(listenerFd int) {
	for {
		connFd, _, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		w.acceptOne(connFd)
	}
}

func (w *Worker) acceptOne(fd int) {
	if ok, reason := w.guard.ShouldAcceptConnection(); !ok {
		w.logger.Debug().Str("reason", reason).Msg("rejecting connection")
		unix.Close(fd)
		return
	}
	if len(w.freeList) == 0 {
		w.logger.Warn().Msg("worker at peer capacity, rejecting connection")
		unix.Close(fd)
		return
	}
	slotI := w.freeList[len(w.freeList)-1]
	w.freeList = w.freeList[:len(w.freeList)-1]

	conn := newFDConn(fd)
	isEncrypted := w.tlsConfig != nil
	p := peer.New(conn, isEncrypted, w.Index, slotI, w.clock.Now())
	p.MaxMessageSize = w.cfg.MaxWSMsgSize
	p.OnMessage = func(pr *peer.Peer, isUTF8 bool, payload []byte) peer.Result {
		w.publishMessage(slotI, pr, isUTF8, payload)
		return peer.OK
	}
	if isEncrypted {
		p.BeginTLS(conn, w.tlsConfig)
	}

	w.slots[slotI] = slot{peer: p, conn: conn, inUse: true, appI: -1}
	w.fdToSlot[fd] = slotI
	w.guard.ConnectionOpened()

	if err := w.epollAdd(fd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		w.logger.Warn().Err(err).Msg("epoll_ctl add failed, dropping connection")
		w.closeSlot(slotI)
	}
}

func (w *Worker) routeURL(url string) int {
	if w.cfg.RouteURL == nil {
		return 0
	}
	appI := w.cfg.RouteURL(url)
	if appI < 0 || appI >= len(w.inboundRings) {
		return 0
	}
	return appI
}

// publishOpen emits the OPEN inbound record the first time a peer's
// layer reaches WS, resolving which app owns it from its upgrade URL.
func (w *Worker) publishOpen(slotI uint32) {
	s := &w.slots[slotI]
	if s.notifiedOpen {
		return
	}
	s.appI = w.routeURL(s.peer.URL)
	s.notifiedOpen = true
	w.publishInbound(s.appI, func(dst []byte) []byte {
		return inbound.AppendOpen(dst, w.Index, slotI)
	}, inbound.Len(false, 0))
}

func (w *Worker) publishClose(slotI uint32) {
	s := &w.slots[slotI]
	if !s.notifiedOpen {
		return
	}
	w.publishInbound(s.appI, func(dst []byte) []byte {
		return inbound.AppendClose(dst, w.Index, slotI)
	}, inbound.Len(false, 0))
}

func (w *Worker) publishMessage(slotI uint32, pr *peer.Peer, isUTF8 bool, payload []byte) {
	s := &w.slots[slotI]
	if !s.notifiedOpen {
		// A message cannot arrive before the WS upgrade completes, but
		// guard against it rather than publish with an unresolved app.
		return
	}
	w.publishInbound(s.appI, func(dst []byte) []byte {
		return inbound.AppendMessage(dst, pr.WorkerI, slotI, isUTF8, payload)
	}, inbound.Len(true, len(payload)))
	metrics.MessagesReceivedTotal.Inc()
	metrics.BytesReceivedTotal.Add(float64(len(payload)))
}

func (w *Worker) publishInbound(appI int, encode func(dst []byte) []byte, n int) {
	r := w.inboundRings[appI]
	dst := r.Reserve(n)
	encode(dst[:0])
	w.inboundQueue.Push(r, w.inboundSleep[appI])
}

func (w *Worker) handleReadiness(fd int, events uint32) {
	slotI, ok := w.fdToSlot[fd]
	if !ok {
		return
	}
	s := &w.slots[slotI]
	if !s.inUse {
		return
	}

	if events&unix.EPOLLOUT != 0 {
		w.flushPendingWrite(slotI)
	}

	dead, res := s.peer.StepMortality(w.readBuf)
	if dead {
		w.publishClose(slotI)
		w.closeSlot(slotI)
		return
	}
	if res == peer.Fatal {
		w.logger.Error().Uint32("slot", slotI).Msg("fatal error in mortality step, closing peer")
		w.publishClose(slotI)
		w.closeSlot(slotI)
		w.reportFatal(&peer.FatalError{Op: "mortality step"})
		return
	}
	if s.peer.Mortality != peer.Live {
		return
	}

	wasWS := s.peer.Layer == peer.LayerWS
	toWrite, res := s.peer.Step(w.readBuf)
	s.peer.LastActivity = w.clock.Now()
	if !wasWS && s.peer.Layer == peer.LayerWS {
		w.publishOpen(slotI)
	}
	if len(toWrite) > 0 {
		w.queueWrite(slotI, toWrite)
	}
	switch res {
	case peer.CloseResult:
		s.peer.WriteBidirectionalTCPShutdown()
		metrics.MortalityTransitions.WithLabelValues("shutdown_write").Inc()
	case peer.Fatal:
		w.logger.Error().Uint32("slot", slotI).Msg("fatal error in peer step, closing peer")
		w.publishClose(slotI)
		w.closeSlot(slotI)
		w.reportFatal(&peer.FatalError{Op: "peer step"})
	}
}

// queueWrite queues buf for slotI. A write still in flight from an
// earlier AGAIN (s.pendingWrite non-nil) must not be discarded: its
// unsent suffix is kept at the front and buf appended after it, so two
// fan-out records landing on the same peer within one drain pass stay
// in wire order instead of corrupting the peer's WS byte stream.
func (w *Worker) queueWrite(slotI uint32, buf []byte) {
	s := &w.slots[slotI]
	metrics.BytesSentTotal.Add(float64(len(buf)))
	if s.pendingWrite != nil {
		s.pendingWrite = append(s.pendingWrite[s.pendingWriteOff:], buf...)
		s.pendingWriteOff = 0
		return
	}
	s.pendingWrite = buf
	s.pendingWriteOff = 0
	w.flushPendingWrite(slotI)
}

func (w *Worker) flushPendingWrite(slotI uint32) {
	s := &w.slots[slotI]
	if s.pendingWrite == nil {
		return
	}
	res := s.peer.Write(s.pendingWrite[s.pendingWriteOff:])
	switch res {
	case peer.OK:
		s.pendingWrite = nil
		s.pendingWriteOff = 0
		w.epollMod(s.conn.Fd(), unix.EPOLLIN|unix.EPOLLET)
	case peer.Again:
		w.epollMod(s.conn.Fd(), unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLET)
	case peer.CloseResult:
		s.pendingWrite = nil
		w.publishClose(slotI)
		w.closeSlot(slotI)
	case peer.Fatal:
		s.pendingWrite = nil
		w.publishClose(slotI)
		w.closeSlot(slotI)
		w.reportFatal(&peer.FatalError{Op: "flush pending write"})
	}
}

// sweepIdle escalates peers silent past IdleTimeout into shutdown,
// the supplemented idle-pruning behavior (SPEC_FULL.md "Idle peer
// pruning").
func (w *Worker) sweepIdle() {
	if w.cfg.IdleTimeout <= 0 {
		return
	}
	now := w.clock.Now()
	for i := range w.slots {
		s := &w.slots[i]
		if !s.inUse || s.peer.Mortality != peer.Live {
			continue
		}
		if now.Sub(s.peer.LastActivity) > w.cfg.IdleTimeout {
			s.peer.WriteBidirectionalTCPShutdown()
			metrics.MortalityTransitions.WithLabelValues("shutdown_write").Inc()
		}
	}
}

func (w *Worker) closeSlot(slotI uint32) {
	s := &w.slots[slotI]
	if !s.inUse {
		return
	}
	metrics.MortalityTransitions.WithLabelValues("dead").Inc()
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, s.conn.Fd(), nil)
	delete(w.fdToSlot, s.conn.Fd())
	s.conn.Close()
	s.peer.Reset()
	*s = slot{}
	w.freeList = append(w.freeList, slotI)
	w.guard.ConnectionClosed()
}

// drainOutbound applies every outbound fan-out record published since
// the last pass, across every app's outbound ring to this worker, in
// round-robin order so one app's backlog can't starve another's.
func (w *Worker) drainOutbound() {
	if len(w.outboundRings) == 0 {
		return
	}
	for i := 0; i < len(w.outboundRings); i++ {
		idx := (w.outboundDrainStart + i) % len(w.outboundRings)
		w.drainOutboundRing(w.outboundRings[idx])
	}
	w.outboundDrainStart = (w.outboundDrainStart + 1) % len(w.outboundRings)
}

func (w *Worker) drainOutboundRing(r *ring.Ring) {
	for {
		if sentinel, wrap := r.Peek(); sentinel {
			r.Follow(wrap)
			continue
		}
		avail := r.Available()
		if len(avail) == 0 {
			return
		}
		n := w.applyOutboundRecord(avail)
		if n == 0 {
			return
		}
		r.Advance(n)
	}
}

// applyOutboundRecord parses and applies one fanout record (the
// inverse of internal/fanout.Dispatcher.send's wire layout: kind byte,
// optional recipient-count/list of peer slot indices already scoped to
// this worker, then the WS frame itself). It returns the number of
// bytes the record occupies, or 0 if avail doesn't yet hold a complete
// record.
func (w *Worker) applyOutboundRecord(avail []byte) int {
	if len(avail) < 1 {
		return 0
	}
	kind := fanout.Kind(avail[0])
	off := 1

	var recipients []uint32
	switch kind {
	case fanout.KindSingle, fanout.KindEveryExceptSingle:
		if len(avail) < off+4 {
			return 0
		}
		recipients = []uint32{binary.NativeEndian.Uint32(avail[off:])}
		off += 4
	case fanout.KindArray, fanout.KindEveryExceptArray:
		if len(avail) < off+4 {
			return 0
		}
		count := int(binary.NativeEndian.Uint32(avail[off:]))
		off += 4
		if len(avail) < off+4*count {
			return 0
		}
		for i := 0; i < count; i++ {
			recipients = append(recipients, binary.NativeEndian.Uint32(avail[off:]))
			off += 4
		}
	case fanout.KindEvery:
		// No recipient list: every live peer on this worker.
	default:
		return 0
	}

	headerLen, payloadLen, ok := wsframe.ParseHeader(avail[off:])
	if !ok {
		return 0
	}
	frameLen := headerLen + payloadLen
	if len(avail) < off+frameLen {
		return 0
	}
	frame := avail[off : off+frameLen]
	recordLen := off + frameLen

	switch kind {
	case fanout.KindSingle, fanout.KindArray:
		for _, peerI := range recipients {
			w.writeToPeer(peerI, frame)
		}
	case fanout.KindEvery:
		w.writeToAllExcept(frame, nil)
	case fanout.KindEveryExceptSingle, fanout.KindEveryExceptArray:
		w.writeToAllExcept(frame, recipients)
	}
	return recordLen
}

func (w *Worker) writeToPeer(peerI uint32, frame []byte) {
	if int(peerI) >= len(w.slots) {
		return
	}
	s := &w.slots[peerI]
	if !s.inUse || s.peer.Mortality != peer.Live {
		return
	}
	w.queueWrite(peerI, append([]byte(nil), frame...))
}

func (w *Worker) writeToAllExcept(frame []byte, excluded []uint32) {
	skip := make(map[uint32]struct{}, len(excluded))
	for _, peerI := range excluded {
		skip[peerI] = struct{}{}
	}
	for i := range w.slots {
		peerI := uint32(i)
		if _, excludedPeer := skip[peerI]; excludedPeer {
			continue
		}
		w.writeToPeer(peerI, frame)
	}
}
