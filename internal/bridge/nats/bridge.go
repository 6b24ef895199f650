// Package nats subscribes to an external NATS subject and fans every
// message out to every connected peer, an example of the kind of
// external event source an app is expected to bridge in. The
// subscribe/reconnect option wiring (nats.MaxReconnects,
// nats.ReconnectWait, nats.DisconnectErrHandler, nats.ReconnectHandler,
// conn.Subscribe/sub.Unsubscribe) is grounded in go-server/pkg/nats's
// Client; the consume-and-forward loop shape is grounded in
// ws/kafka.Consumer's subscribe loop, substituting nats.go for
// franz-go.
package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wbudd/ringsocket-go/internal/fanout"
)

// Config configures the bridge.
type Config struct {
	URL     string
	Subject string
}

// Bridge subscribes to Config.Subject and calls ToEvery for every
// message it receives, treating every payload as a UTF-8 text frame
// (the bridge's source format is whatever the publisher chose,
// typically JSON, with no binary/text distinction of its own).
//
// A Dispatcher's outbound rings are single-producer (internal/ring's
// SPSC contract): only one goroutine may ever call ToX on it. nats.go
// invokes a subscription callback on its own internal goroutine, so
// Start funnels every message through a channel into one dedicated
// forwarding goroutine rather than calling ToEvery straight from that
// callback. Whatever App owns this Dispatcher must not itself call any
// ToX method, or the single-producer contract is broken between the
// two.
type Bridge struct {
	cfg        Config
	logger     zerolog.Logger
	dispatcher *fanout.Dispatcher

	conn *nats.Conn
	sub  *nats.Subscription

	incoming chan []byte

	messagesForwarded uint64
	messagesFailed    uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to Config.URL. The connection is established eagerly so
// a misconfigured bridge fails fast at startup rather than silently
// never delivering anything.
func New(cfg Config, dispatcher *fanout.Dispatcher, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("ringsocketd"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats bridge disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats bridge reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ringsocket: connecting to nats at %q: %w", cfg.URL, err)
	}
	return &Bridge{cfg: cfg, logger: logger, dispatcher: dispatcher, conn: conn}, nil
}

// Start subscribes and begins forwarding until ctx is cancelled or
// Stop is called. The nats.go callback only enqueues; forwardLoop is
// the sole goroutine that ever touches the dispatcher, so the
// dispatcher's outbound rings still see a single producer.
func (b *Bridge) Start(ctx context.Context) error {
	b.incoming = make(chan []byte, 1024)

	sub, err := b.conn.Subscribe(b.cfg.Subject, func(msg *nats.Msg) {
		select {
		case b.incoming <- msg.Data:
		default:
			atomic.AddUint64(&b.messagesFailed, 1)
			b.logger.Warn().Str("subject", msg.Subject).Msg("nats bridge incoming queue full, dropping message")
		}
	})
	if err != nil {
		return fmt.Errorf("ringsocket: subscribing to %q: %w", b.cfg.Subject, err)
	}
	b.sub = sub

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.forwardLoop(ctx)

	b.logger.Info().Str("subject", b.cfg.Subject).Msg("nats bridge subscribed")
	return nil
}

func (b *Bridge) forwardLoop(ctx context.Context) {
	defer b.wg.Done()
	scratch := fanout.NewScratch(1.5)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.incoming:
			if err := b.dispatcher.ToEvery(true, scratch, data); err != nil {
				atomic.AddUint64(&b.messagesFailed, 1)
				b.logger.Error().Err(err).Msg("broadcasting nats message failed")
				continue
			}
			atomic.AddUint64(&b.messagesForwarded, 1)
		}
	}
}

// Stop unsubscribes, closes the connection, and waits for forwardLoop
// to exit.
func (b *Bridge) Stop() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("nats bridge unsubscribe error")
		}
	}
	b.conn.Close()
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	forwarded, failed := atomic.LoadUint64(&b.messagesForwarded), atomic.LoadUint64(&b.messagesFailed)
	b.logger.Info().Uint64("forwarded", forwarded).Uint64("failed", failed).Msg("nats bridge stopped")
	return nil
}
