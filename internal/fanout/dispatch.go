package fanout

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wbudd/ringsocket-go/internal/clientid"
	"github.com/wbudd/ringsocket-go/internal/guard"
	"github.com/wbudd/ringsocket-go/internal/metrics"
	"github.com/wbudd/ringsocket-go/internal/ring"
	"github.com/wbudd/ringsocket-go/internal/wsframe"
)

// Kind is the first byte of every outbound ring record, telling the
// worker how to interpret the recipient list that follows.
type Kind byte

const (
	KindSingle            Kind = 0
	KindArray             Kind = 1
	KindEvery             Kind = 2
	KindEveryExceptSingle Kind = 3
	KindEveryExceptArray  Kind = 4
)

// String names a Kind for the ringsocket_fanout_messages_total label;
// it is never parsed back, only emitted.
func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindArray:
		return "array"
	case KindEvery:
		return "every"
	case KindEveryExceptSingle:
		return "every_except_single"
	case KindEveryExceptArray:
		return "every_except_array"
	default:
		return "unknown"
	}
}

// OversizeError is returned — and treated as FATAL by callers — when a
// send's total payload would exceed the configured max_ws_msg_size.
type OversizeError struct {
	PayloadSize int
	Limit       int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("fanout: payload size %d exceeds max_ws_msg_size %d", e.PayloadSize, e.Limit)
}

// ErrBroadcastRateLimited is returned by ToEvery and its ExceptX
// variants when the guard's global broadcast limiter has no tokens
// left. Unlike OversizeError this is recoverable: the caller dropped
// one broadcast, not violated an invariant.
var ErrBroadcastRateLimited = errors.New("fanout: broadcast rate limit exceeded")

// Dispatcher holds the per-app-thread state needed to address every
// worker's outbound ring: the app's own end of each (worker, app) ring
// pair, the shared update queue those publications are batched through,
// and the sleep state of each worker so a flush knows when to pay for
// the wake syscall.
type Dispatcher struct {
	outboundRings []*ring.Ring
	workerSleep   []*ring.SleepState
	updateQueue   *ring.UpdateQueue
	maxWSMsgSize  int
	guard         *guard.Guard

	// curWorkerI/curPeerI identify the peer whose inbound event is
	// currently being handled by the app callback invoking to_cur or
	// to_every_except_cur.
	curWorkerI uint32
	curPeerI   uint32
}

// NewDispatcher creates a dispatcher addressing workerC outbound rings.
// g gates ToEvery and its ExceptX variants with its global broadcast
// rate limiter; a nil g leaves broadcasts unthrottled, which tests rely
// on.
func NewDispatcher(outboundRings []*ring.Ring, workerSleep []*ring.SleepState, updateQueue *ring.UpdateQueue, maxWSMsgSize int, g *guard.Guard) *Dispatcher {
	return &Dispatcher{
		outboundRings: outboundRings,
		workerSleep:   workerSleep,
		updateQueue:   updateQueue,
		maxWSMsgSize:  maxWSMsgSize,
		guard:         g,
	}
}

// allowBroadcast reports whether a broadcast-shaped send (one that
// reaches every peer on at least one worker) may proceed.
func (d *Dispatcher) allowBroadcast() bool {
	return d.guard == nil || d.guard.AllowBroadcast()
}

// SetCurrent records which peer's inbound event is presently being
// handled, for to_cur/to_every_except_cur. The inbound routing loop
// (internal/app) calls this immediately before invoking a user
// callback.
func (d *Dispatcher) SetCurrent(workerI, peerI uint32) {
	d.curWorkerI, d.curPeerI = workerI, peerI
}

func (d *Dispatcher) workerCount() uint32 { return uint32(len(d.outboundRings)) }

// send builds one outbound ring record (kind byte, optional recipient
// count, recipient list, WS frame header, scratch bytes, payload) and
// queues its publication. This is the Go counterpart of rs_send.
func (d *Dispatcher) send(workerI uint32, kind Kind, recipients []uint32, scratch *Scratch, isUTF8 bool, payload []byte) error {
	payloadSize := scratch.Len() + len(payload)
	if payloadSize > d.maxWSMsgSize {
		metrics.FanoutOversizeTotal.Inc()
		return &OversizeError{PayloadSize: payloadSize, Limit: d.maxWSMsgSize}
	}
	metrics.FanoutMessagesTotal.WithLabelValues(kind.String()).Inc()

	recordLen := 1 // kind byte
	if kind == KindArray || kind == KindEveryExceptArray {
		recordLen += 4 // recipient count prefix
	}
	recordLen += 4 * len(recipients)
	recordLen += wsframe.HeaderLen(payloadSize)
	recordLen += payloadSize

	r := d.outboundRings[workerI]
	dst := r.Reserve(recordLen)

	dst[0] = byte(kind)
	off := 1
	if kind == KindArray || kind == KindEveryExceptArray {
		binary.NativeEndian.PutUint32(dst[off:], uint32(len(recipients)))
		off += 4
	}
	for _, rcpt := range recipients {
		binary.NativeEndian.PutUint32(dst[off:], rcpt)
		off += 4
	}

	dst = wsframe.AppendHeader(dst[:off], payloadSize, isUTF8)
	off = len(dst)
	dst = dst[:recordLen]
	off += copy(dst[off:], scratch.Bytes())
	copy(dst[off:], payload)

	d.updateQueue.Push(r, d.workerSleep[workerI])
	return nil
}

// ToSingle frames the scratch-plus-payload message for exactly one
// recipient addressed by client ID (rs_to_single).
func (d *Dispatcher) ToSingle(cid clientid.ID, isUTF8 bool, scratch *Scratch, payload []byte) error {
	err := d.send(cid.Worker(), KindSingle, []uint32{cid.Peer()}, scratch, isUTF8, payload)
	if err != nil {
		return err
	}
	scratch.Reset()
	return nil
}

// ToMulti partitions client IDs by worker and frames one record per
// worker that owns at least one recipient, SINGLE if exactly one,
// ARRAY otherwise (rs_to_multi).
func (d *Dispatcher) ToMulti(cids []clientid.ID, isUTF8 bool, scratch *Scratch, payload []byte) error {
	for i := uint32(0); i < d.workerCount(); i++ {
		var cur []uint32
		for _, cid := range cids {
			if cid.Worker() == i {
				cur = append(cur, cid.Peer())
			}
		}
		switch len(cur) {
		case 0:
			continue
		case 1:
			if err := d.send(i, KindSingle, cur, scratch, isUTF8, payload); err != nil {
				return err
			}
		default:
			if err := d.send(i, KindArray, cur, scratch, isUTF8, payload); err != nil {
				return err
			}
		}
	}
	scratch.Reset()
	return nil
}

// ToCur addresses the peer whose inbound event is currently being
// handled (rs_to_cur).
func (d *Dispatcher) ToCur(isUTF8 bool, scratch *Scratch, payload []byte) error {
	err := d.send(d.curWorkerI, KindSingle, []uint32{d.curPeerI}, scratch, isUTF8, payload)
	if err != nil {
		return err
	}
	scratch.Reset()
	return nil
}

// ToEvery broadcasts to every worker with no recipient list; each
// worker fans the payload out to all of its live peers (rs_to_every).
func (d *Dispatcher) ToEvery(isUTF8 bool, scratch *Scratch, payload []byte) error {
	if !d.allowBroadcast() {
		metrics.FanoutBroadcastRateLimited.Inc()
		return ErrBroadcastRateLimited
	}
	for i := uint32(0); i < d.workerCount(); i++ {
		if err := d.send(i, KindEvery, nil, scratch, isUTF8, payload); err != nil {
			return err
		}
	}
	scratch.Reset()
	return nil
}

// ToEveryExceptSingle broadcasts to every peer except the one addressed
// by cid (rs_to_every_except_single).
func (d *Dispatcher) ToEveryExceptSingle(cid clientid.ID, isUTF8 bool, scratch *Scratch, payload []byte) error {
	if !d.allowBroadcast() {
		metrics.FanoutBroadcastRateLimited.Inc()
		return ErrBroadcastRateLimited
	}
	for i := uint32(0); i < d.workerCount(); i++ {
		var err error
		if i == cid.Worker() {
			err = d.send(i, KindEveryExceptSingle, []uint32{cid.Peer()}, scratch, isUTF8, payload)
		} else {
			err = d.send(i, KindEvery, nil, scratch, isUTF8, payload)
		}
		if err != nil {
			return err
		}
	}
	scratch.Reset()
	return nil
}

// ToEveryExceptMulti broadcasts to every peer except those addressed by
// cids (rs_to_every_except_multi).
func (d *Dispatcher) ToEveryExceptMulti(cids []clientid.ID, isUTF8 bool, scratch *Scratch, payload []byte) error {
	if !d.allowBroadcast() {
		metrics.FanoutBroadcastRateLimited.Inc()
		return ErrBroadcastRateLimited
	}
	for i := uint32(0); i < d.workerCount(); i++ {
		var cur []uint32
		for _, cid := range cids {
			if cid.Worker() == i {
				cur = append(cur, cid.Peer())
			}
		}
		var err error
		switch len(cur) {
		case 0:
			err = d.send(i, KindEvery, nil, scratch, isUTF8, payload)
		case 1:
			err = d.send(i, KindEveryExceptSingle, cur, scratch, isUTF8, payload)
		default:
			err = d.send(i, KindEveryExceptArray, cur, scratch, isUTF8, payload)
		}
		if err != nil {
			return err
		}
	}
	scratch.Reset()
	return nil
}

// ToEveryExceptCur broadcasts to every peer except the one whose
// inbound event is currently being handled (rs_to_every_except_cur).
func (d *Dispatcher) ToEveryExceptCur(isUTF8 bool, scratch *Scratch, payload []byte) error {
	return d.ToEveryExceptSingle(clientid.Pack(d.curWorkerI, d.curPeerI), isUTF8, scratch, payload)
}
