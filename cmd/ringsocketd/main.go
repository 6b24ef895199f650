// Command ringsocketd runs a standalone RingSocket-Go server: every
// message a peer sends is fanned out to every other connected peer
// (not echoed back to the sender), plus an optional NATS bridge that
// broadcasts externally published messages to everyone.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/wbudd/ringsocket-go/internal/bridge/nats"
	"github.com/wbudd/ringsocket-go/internal/config"
	"github.com/wbudd/ringsocket-go/internal/fanout"
	"github.com/wbudd/ringsocket-go/internal/logging"
	"github.com/wbudd/ringsocket-go/pkg/ringsocket"
)

// broadcastApp fans every message out to every connected peer except
// its sender; it exists to give the binary
// something to do out of the box, not as a reference client protocol.
type broadcastApp struct {
	dispatcher *ringsocket.Dispatcher
	logger     zerolog.Logger
}

func (a *broadcastApp) OnOpen(workerI, peerI uint32) {}

func (a *broadcastApp) OnMessage(workerI, peerI uint32, isUTF8 bool, payload []byte) {
	a.dispatcher.SetCurrent(workerI, peerI)
	scratch := fanout.NewScratch(1.5)
	if err := a.dispatcher.ToEveryExceptCur(isUTF8, scratch, payload); err != nil {
		if errors.Is(err, fanout.ErrBroadcastRateLimited) {
			a.logger.Warn().Err(err).Msg("broadcast dropped by rate limiter")
			return
		}
		// An oversize payload here means a client accepted by the WS
		// layer produced a frame the fan-out path can never deliver,
		// an invariant violation rather than a recoverable per-peer
		// error; zerolog's Fatal level logs and calls os.Exit(1).
		a.logger.Fatal().Err(err).Msg("fatal error broadcasting message")
	}
}

func (a *broadcastApp) OnClose(workerI, peerI uint32) {}

// bridgeApp is the no-op App installed on the app thread reserved for
// the NATS bridge: its Dispatcher's only producer must be the bridge's
// own forwarding goroutine, so this App never itself calls any ToX
// method (internal/bridge/nats.Bridge's doc comment explains why).
type bridgeApp struct{}

func (bridgeApp) OnOpen(workerI, peerI uint32)                                 {}
func (bridgeApp) OnMessage(workerI, peerI uint32, isUTF8 bool, payload []byte) {}
func (bridgeApp) OnClose(workerI, peerI uint32)                                {}

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides RS_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
	})
	logger.Info().
		Str("addr", cfg.Addr).
		Int("app_count", cfg.AppCount).
		Int("worker_count", cfg.WorkerCount).
		Msg("starting ringsocketd")

	// When RS_NATS_URL is set, app 0 runs the no-op bridgeApp and its
	// Dispatcher belongs to the NATS bridge. New is passed a nil
	// RouteFunc, which routes every peer to app 0, so with the bridge
	// enabled peers land on bridgeApp and their own messages are not
	// fanned out; they still receive the bridge's broadcasts.
	// bridgeDispatcher captures the
	// Dispatcher the factory is handed for that app so the bridge can be
	// started after New returns, once a run ctx exists.
	var bridgeDispatcher *ringsocket.Dispatcher
	srv, err := ringsocket.New(cfg, logger, func(index uint32, dispatcher *ringsocket.Dispatcher) ringsocket.App {
		if cfg.NATSUrl != "" && index == 0 {
			bridgeDispatcher = dispatcher
			return bridgeApp{}
		}
		return &broadcastApp{dispatcher: dispatcher, logger: logging.For(logger, "app", index)}
	}, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bridge *nats.Bridge
	if cfg.NATSUrl != "" {
		bridge, err = nats.New(nats.Config{URL: cfg.NATSUrl, Subject: cfg.NATSSubject}, bridgeDispatcher, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect nats bridge")
		}
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start nats bridge")
		}
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-runErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited with error")
			runErr = err
		}
	}

	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			logger.Warn().Err(err).Msg("nats bridge shutdown error")
		}
	}

	if err := srv.Shutdown(30 * time.Second); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}

	// A non-nil runErr is a worker FATAL surfaced through Run, not an
	// ordinary shutdown: exit non-zero after cleanup instead of letting
	// the process look like it stopped cleanly.
	if runErr != nil {
		os.Exit(1)
	}
}
