// Package ringsocket is the embedding API: construct a Server with one
// App per app thread, Run it, Shutdown it. Everything internal/*
// exposes gets wired together here — the rings between every
// (worker, app) pair, the dispatchers, the guard, the listeners.
package ringsocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/wbudd/ringsocket-go/internal/app"
	"github.com/wbudd/ringsocket-go/internal/clientid"
	"github.com/wbudd/ringsocket-go/internal/config"
	"github.com/wbudd/ringsocket-go/internal/fanout"
	"github.com/wbudd/ringsocket-go/internal/guard"
	"github.com/wbudd/ringsocket-go/internal/logging"
	"github.com/wbudd/ringsocket-go/internal/netutil"
	"github.com/wbudd/ringsocket-go/internal/ring"
	"github.com/wbudd/ringsocket-go/internal/worker"
)

// App is one app thread's business logic, invoked by its Router for
// every lifecycle event on the peers routed to it. Implementations
// reach back into the transport through the
// *Dispatcher handed to them by AppFactory, calling ToSingle/ToEvery/
// etc. from inside these callbacks or later from another goroutine.
type App interface {
	OnOpen(workerI, peerI uint32)
	OnMessage(workerI, peerI uint32, isUTF8 bool, payload []byte)
	OnClose(workerI, peerI uint32)
}

// Dispatcher is the outbound fan-out handle an AppFactory's App gets
// constructed with. It's a type alias, not a wrapper, so the exact
// internal/fanout API (ToSingle, ToMulti, ToEvery, ToEveryExceptCur,
// ...) is available to callers without this package re-declaring it.
type Dispatcher = fanout.Dispatcher

// ClientID addresses a specific peer across worker/app boundaries; it
// survives being stored in a map or passed to another app thread,
// unlike a (workerI, peerI) pair alone which says nothing about which
// ring pair to send through.
type ClientID = clientid.ID

// PackClientID builds a ClientID from the (workerI, peerI) pair every
// App callback receives.
func PackClientID(workerI, peerI uint32) ClientID { return clientid.Pack(workerI, peerI) }

// AppFactory builds the App for app thread index i, given the
// Dispatcher it will send through. Called once per app thread by New,
// on New's caller's goroutine, before Run starts that app's Router.
type AppFactory func(index uint32, dispatcher *Dispatcher) App

// RouteFunc maps an incoming WS upgrade URL to the index of the app
// thread that should own the resulting peer. Returning an index
// outside [0, AppCount) is equivalent to returning 0.
type RouteFunc func(requestURL string) int

// defaultReadBufSize is the per-epoll-readiness scratch buffer every
// worker reuses across all of its peers; 64KiB comfortably covers a
// full TCP receive window without forcing a second read syscall on
// the common case.
const defaultReadBufSize = 64 * 1024

// Server owns every worker and app thread goroutine and the rings
// between them. Zero value is not usable; construct with New.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	guard  *guard.Guard

	listenerFDs []int
	workers     []*worker.Worker
	routers     []*app.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// fatal carries the first FATAL condition reported by any worker
	// goroutine, surfaced by Run once runCtx is done so the caller can
	// exit non-zero instead of the process quietly logging and
	// continuing on a corrupted invariant.
	fatal chan error

	metricsSrv *metricsServer
}

// New constructs a Server from cfg, building AppCount app threads via
// factory and routing new peers with route (nil routes everything to
// app 0).
func New(cfg *config.Config, logger zerolog.Logger, factory AppFactory, route RouteFunc) (*Server, error) {
	if cfg.AppCount < 1 {
		return nil, fmt.Errorf("ringsocket: AppCount must be >= 1")
	}
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	appCount := cfg.AppCount

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = guard.DetectMaxConnections(10000)
		logger.Info().Int("max_connections", maxConns).Msg("auto-detected connection cap from cgroup memory limit")
	}
	maxPeersPerCPU := maxConns / workerCount
	if maxPeersPerCPU < 1 {
		maxPeersPerCPU = 1
	}

	g := guard.New(guard.Config{
		MaxConnections:     maxConns,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MaxBroadcastRate:   cfg.MaxBroadcastRate,
	}, logger)

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("ringsocket: loading TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	// outboundRings[w][a] / inboundRings[w][a]: one ring per (worker,
	// app) pair in each direction.
	outboundRings := make([][]*ring.Ring, workerCount)
	inboundRings := make([][]*ring.Ring, workerCount)
	for w := 0; w < workerCount; w++ {
		outboundRings[w] = make([]*ring.Ring, appCount)
		inboundRings[w] = make([]*ring.Ring, appCount)
		for a := 0; a < appCount; a++ {
			outboundRings[w][a] = ring.New(cfg.OutboundRingBufSize, cfg.ReallocMultiplier)
			inboundRings[w][a] = ring.New(cfg.InboundRingBufSize, cfg.ReallocMultiplier)
		}
	}

	workerSleep := make([]*ring.SleepState, workerCount)
	for w := range workerSleep {
		workerSleep[w] = ring.NewSleepState()
	}
	appSleep := make([]*ring.SleepState, appCount)
	for a := range appSleep {
		appSleep[a] = ring.NewSleepState()
	}

	routeURL := func(requestURL string) int {
		if route == nil {
			return 0
		}
		return route(requestURL)
	}

	routers := make([]*app.Router, appCount)
	for a := 0; a < appCount; a++ {
		dispatcherOutbound := make([]*ring.Ring, workerCount)
		for w := 0; w < workerCount; w++ {
			dispatcherOutbound[w] = outboundRings[w][a]
		}
		updateQueue := ring.NewUpdateQueue(cfg.UpdateQueueSize)
		dispatcher := fanout.NewDispatcher(dispatcherOutbound, workerSleep, updateQueue, cfg.MaxWSMsgSize, g)

		appLogger := logging.For(logger, "app", uint32(a))
		handler := factory(uint32(a), dispatcher)

		routerInbound := make([]*ring.Ring, workerCount)
		for w := 0; w < workerCount; w++ {
			routerInbound[w] = inboundRings[w][a]
		}
		routers[a] = app.NewRouter(uint32(a), routerInbound, appSleep[a], dispatcher, updateQueue, handler, appLogger)
	}

	workers := make([]*worker.Worker, workerCount)
	for w := 0; w < workerCount; w++ {
		workerOutbound := make([]*ring.Ring, appCount)
		workerInbound := make([]*ring.Ring, appCount)
		for a := 0; a < appCount; a++ {
			workerOutbound[a] = outboundRings[w][a]
			workerInbound[a] = inboundRings[w][a]
		}

		workerLogger := logging.For(logger, "worker", uint32(w))
		workers[w] = worker.New(
			uint32(w),
			workerOutbound, workerSleep[w],
			workerInbound, appSleep, cfg.UpdateQueueSize,
			g, workerLogger, tlsConfig,
			worker.Config{
				ReadBufSize:    defaultReadBufSize,
				MaxWSMsgSize:   cfg.MaxWSMsgSize,
				IdleTimeout:    cfg.IdleTimeout,
				MaxPeersPerCPU: maxPeersPerCPU,
				RouteURL: func(u string) int {
					if parsed, err := url.Parse(u); err == nil {
						return routeURL(parsed.Path)
					}
					return routeURL(u)
				},
			},
		)
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		guard:   g,
		workers: workers,
		routers: routers,
		fatal:   make(chan error, 1),
	}, nil
}

// reportFatal records the first FATAL condition observed by any worker
// goroutine and cancels the run context, so Run unblocks and returns it
// to the caller instead of the worker's error going no further than a
// log line.
func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Run starts every worker and app thread goroutine plus the metrics
// HTTP server, and blocks until ctx is cancelled or Shutdown is
// called. Each worker listens on its own SO_REUSEPORT socket so the
// kernel load-balances new connections across worker threads without
// any of them sharing state to do it. Run returns non-nil if a worker
// exited on a FATAL condition, distinguishing an invariant violation
// from an ordinary shutdown so the caller can exit non-zero.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.guard.StartMonitoring(runCtx, 2*time.Second)
	s.metricsSrv = startMetricsServer(s.cfg.MetricsAddr, s.logger)

	for range s.workers {
		fd, err := netutil.CreateListenerFD(s.cfg.Addr, netutil.ListenerOptions{ReusePort: true})
		if err != nil {
			cancel()
			return fmt.Errorf("ringsocket: creating listener: %w", err)
		}
		s.listenerFDs = append(s.listenerFDs, fd)
	}

	for a, r := range s.routers {
		s.wg.Add(1)
		go func(a int, r *app.Router) {
			defer s.wg.Done()
			r.Run(runCtx)
		}(a, r)
	}

	numCPU := runtime.NumCPU()
	for w, wk := range s.workers {
		s.wg.Add(1)
		go func(w int, wk *worker.Worker, listenerFd int) {
			defer s.wg.Done()
			if err := wk.Run(runCtx, w%numCPU, listenerFd); err != nil {
				s.logger.Error().Err(err).Uint32("worker", wk.Index).Msg("worker exited")
				s.reportFatal(err)
			}
		}(w, wk, s.listenerFDs[w])
	}

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("workers", len(s.workers)).
		Int("apps", len(s.routers)).
		Msg("ringsocketd listening")

	<-runCtx.Done()
	select {
	case err := <-s.fatal:
		return err
	default:
		return nil
	}
}

// Shutdown waits up to gracePeriod for in-flight peers to drain, then
// cancels every worker and app goroutine's context regardless. It does
// not stop accepting first: the listeners stay open, and workers keep
// accepting new connections, until those goroutines have exited; only
// then are the listener fds closed. A fixed grace period timer raced
// against a polling ticker on the live connection count, the same
// pattern an HTTP server's graceful shutdown uses.
func (s *Server) Shutdown(gracePeriod time.Duration) error {
	s.logger.Info().Msg("initiating graceful shutdown")

	drainTimer := time.NewTimer(gracePeriod)
	checkTicker := time.NewTicker(250 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			s.logger.Warn().Msg("grace period expired, force closing remaining connections")
			break drain
		case <-checkTicker.C:
			if s.guard.ActiveConnections() == 0 {
				s.logger.Info().Msg("all connections drained")
				break drain
			}
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, fd := range s.listenerFDs {
		unix.Close(fd)
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	return nil
}
