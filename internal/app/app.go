// Package app implements the app-thread side of the ring transport:
// draining every worker's inbound ring with a fairness guarantee,
// invoking user callbacks, and flushing whatever outbound sends those
// callbacks queued through internal/fanout.
package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wbudd/ringsocket-go/internal/fanout"
	"github.com/wbudd/ringsocket-go/internal/inbound"
	"github.com/wbudd/ringsocket-go/internal/ring"
)

// Handler receives the three lifecycle events an inbound ring can
// carry. workerI/peerI identify the peer; implementations that need to
// address it again call dispatcher.ToCur/ToEveryExceptCur from inside
// the callback, or pack a clientid.ID from workerI/peerI to address it
// later via ToSingle/ToMulti.
type Handler interface {
	OnOpen(workerI, peerI uint32)
	OnMessage(workerI, peerI uint32, isUTF8 bool, payload []byte)
	OnClose(workerI, peerI uint32)
}

// Router is one app thread's view of every worker's inbound ring to
// it, draining them fairly and dispatching to a Handler.
type Router struct {
	Index uint32

	inboundRings []*ring.Ring
	sleep        *ring.SleepState
	drainStart   int

	dispatcher  *fanout.Dispatcher
	updateQueue *ring.UpdateQueue
	handler     Handler
	logger      zerolog.Logger
}

// NewRouter creates a Router for app Index, consuming inboundRings (one
// per worker, in worker-index order) and parked on sleep when all of
// them are empty. updateQueue must be the same instance passed to
// dispatcher's constructor (internal/fanout.NewDispatcher) — this
// Router flushes it at the end of every drain pass, which is what
// actually publishes the writer cursors and wakes parked workers for
// every To* call a Handler made during that pass.
func NewRouter(index uint32, inboundRings []*ring.Ring, sleep *ring.SleepState, dispatcher *fanout.Dispatcher, updateQueue *ring.UpdateQueue, handler Handler, logger zerolog.Logger) *Router {
	return &Router{
		Index:        index,
		inboundRings: inboundRings,
		sleep:        sleep,
		dispatcher:   dispatcher,
		updateQueue:  updateQueue,
		handler:      handler,
		logger:       logger,
	}
}

// Run drains inbound rings until ctx is cancelled, parking between
// passes that found no work: blocking only on the wake channel, never
// spinning.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !r.drainOnce() {
			r.sleep.Park(func() bool {
				select {
				case <-ctx.Done():
					return true
				default:
				}
				return r.hasWork()
			})
		}
	}
}

func (r *Router) hasWork() bool {
	for _, rb := range r.inboundRings {
		if !rb.Empty() {
			return true
		}
	}
	return false
}

// drainOnce makes one fair pass across every inbound ring, draining
// each completely before moving to the next but rotating which ring
// goes first between passes so no single worker's backlog starves the
// others.
func (r *Router) drainOnce() (drainedAny bool) {
	if len(r.inboundRings) == 0 {
		return false
	}
	for i := 0; i < len(r.inboundRings); i++ {
		idx := (r.drainStart + i) % len(r.inboundRings)
		if r.drainRing(r.inboundRings[idx]) {
			drainedAny = true
		}
	}
	r.drainStart = (r.drainStart + 1) % len(r.inboundRings)
	r.updateQueue.Flush()
	return drainedAny
}

func (r *Router) drainRing(rb *ring.Ring) (drainedAny bool) {
	for {
		if sentinel, wrap := rb.Peek(); sentinel {
			rb.Follow(wrap)
			continue
		}
		avail := rb.Available()
		if len(avail) == 0 {
			return drainedAny
		}
		rec, n, ok := inbound.Parse(avail)
		if !ok {
			return drainedAny
		}
		r.dispatch(rec)
		rb.Advance(n)
		drainedAny = true
	}
}

func (r *Router) dispatch(rec inbound.Record) {
	r.dispatcher.SetCurrent(rec.WorkerI, rec.PeerI)
	switch rec.Kind {
	case inbound.KindOpen:
		r.handler.OnOpen(rec.WorkerI, rec.PeerI)
	case inbound.KindMessageUTF8, inbound.KindMessageBin:
		r.handler.OnMessage(rec.WorkerI, rec.PeerI, rec.IsUTF8, rec.Payload)
	case inbound.KindClose:
		r.handler.OnClose(rec.WorkerI, rec.PeerI)
	}
}
