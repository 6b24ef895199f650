package fanout

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wbudd/ringsocket-go/internal/clientid"
	"github.com/wbudd/ringsocket-go/internal/guard"
	"github.com/wbudd/ringsocket-go/internal/ring"
)

func newTestDispatcher(workerC int, maxWSMsgSize int) (*Dispatcher, []*ring.Ring) {
	rings := make([]*ring.Ring, workerC)
	sleeps := make([]*ring.SleepState, workerC)
	for i := range rings {
		rings[i] = ring.New(256, 2.0)
		sleeps[i] = ring.NewSleepState()
	}
	q := ring.NewUpdateQueue(workerC)
	return NewDispatcher(rings, sleeps, q, maxWSMsgSize, nil), rings
}

// readRecord mirrors the ring package's own test helper: it knows how
// many bytes the next record spans and follows sentinels to get there.
func readRecord(t *testing.T, r *ring.Ring, n int) []byte {
	t.Helper()
	for {
		if sentinel, wrap := r.Peek(); sentinel {
			r.Follow(wrap)
			continue
		}
		avail := r.Available()
		if len(avail) < n {
			t.Fatalf("expected %d bytes available, got %d", n, len(avail))
		}
		out := append([]byte(nil), avail[:n]...)
		r.Advance(n)
		return out
	}
}

// Scenario 1 context: to_cur writing a 2-byte text payload produces the
// exact outbound record a worker would frame as 0x81 0x02 'y' 'o'.
func TestToCurRecordLayout(t *testing.T) {
	d, rings := newTestDispatcher(1, 1024)
	d.SetCurrent(0, 7)
	scratch := NewScratch(2.0)

	if err := d.ToCur(true, scratch, []byte("yo")); err != nil {
		t.Fatalf("ToCur: %v", err)
	}
	d.updateQueue.Flush()

	// kind(1) + recipient(4) + header(2) + payload(2)
	got := readRecord(t, rings[0], 1+4+2+2)
	if Kind(got[0]) != KindSingle {
		t.Fatalf("kind = %d, want SINGLE", got[0])
	}
	peer := binary.NativeEndian.Uint32(got[1:5])
	if peer != 7 {
		t.Fatalf("recipient = %d, want 7", peer)
	}
	if got[5] != 0x81 || got[6] != 0x02 {
		t.Fatalf("ws header = % x, want 81 02", got[5:7])
	}
	if string(got[7:9]) != "yo" {
		t.Fatalf("payload = %q, want %q", got[7:9], "yo")
	}
}

// Scenario 2: to_every with a 1-byte payload produces an EVERY record
// with no recipient list on every worker's ring.
func TestToEveryRecordLayout(t *testing.T) {
	d, rings := newTestDispatcher(2, 1024)
	scratch := NewScratch(2.0)

	if err := d.ToEvery(true, scratch, []byte("x")); err != nil {
		t.Fatalf("ToEvery: %v", err)
	}
	d.updateQueue.Flush()

	for _, r := range rings {
		got := readRecord(t, r, 1+2+1)
		if Kind(got[0]) != KindEvery {
			t.Fatalf("kind = %d, want EVERY", got[0])
		}
		if got[1] != 0x81 || got[2] != 0x01 {
			t.Fatalf("ws header = % x, want 81 01", got[1:3])
		}
		if got[3] != 'x' {
			t.Fatalf("payload = %q, want %q", got[3:4], "x")
		}
	}
}

// A guard with no broadcast budget left must reject ToEvery instead of
// letting it flood every worker's outbound ring.
func TestToEveryRejectedWhenGuardExhausted(t *testing.T) {
	d, _ := newTestDispatcher(2, 1024)
	d.guard = guard.New(guard.Config{MaxConnections: 100, MaxBroadcastRate: 1}, zerolog.Nop())
	scratch := NewScratch(2.0)

	rejected := 0
	for i := 0; i < 20; i++ {
		if err := d.ToEvery(true, scratch, []byte("x")); err != nil {
			if !errors.Is(err, ErrBroadcastRateLimited) {
				t.Fatalf("ToEvery: unexpected error %v", err)
			}
			rejected++
			scratch.Reset()
		}
	}
	if rejected == 0 {
		t.Fatalf("expected at least one ToEvery call to be rate limited")
	}
}

// Scenario 3: to_multi with client IDs on workers 0 and 1 each produces
// a SINGLE record addressed to the expected peer index.
func TestToMultiPartitionsByWorker(t *testing.T) {
	d, rings := newTestDispatcher(2, 1024)
	scratch := NewScratch(2.0)
	cidA := clientid.Pack(0, 7)
	cidB := clientid.Pack(1, 3)

	if err := d.ToMulti([]clientid.ID{cidA, cidB}, false, scratch, []byte("AB")); err != nil {
		t.Fatalf("ToMulti: %v", err)
	}
	d.updateQueue.Flush()

	got0 := readRecord(t, rings[0], 1+4+2+2)
	if Kind(got0[0]) != KindSingle || binary.NativeEndian.Uint32(got0[1:5]) != 7 {
		t.Fatalf("worker 0 record wrong: % x", got0)
	}
	if got0[5] != 0x82 || got0[6] != 0x02 || string(got0[7:9]) != "AB" {
		t.Fatalf("worker 0 payload wrong: % x", got0[5:])
	}

	got1 := readRecord(t, rings[1], 1+4+2+2)
	if Kind(got1[0]) != KindSingle || binary.NativeEndian.Uint32(got1[1:5]) != 3 {
		t.Fatalf("worker 1 record wrong: % x", got1)
	}
}

func TestToMultiArrayWhenMultipleRecipientsOnSameWorker(t *testing.T) {
	d, rings := newTestDispatcher(1, 1024)
	scratch := NewScratch(2.0)
	cids := []clientid.ID{clientid.Pack(0, 1), clientid.Pack(0, 2)}

	if err := d.ToMulti(cids, true, scratch, []byte("z")); err != nil {
		t.Fatalf("ToMulti: %v", err)
	}
	d.updateQueue.Flush()

	got := readRecord(t, rings[0], 1+4+8+2+1)
	if Kind(got[0]) != KindArray {
		t.Fatalf("kind = %d, want ARRAY", got[0])
	}
	count := binary.NativeEndian.Uint32(got[1:5])
	if count != 2 {
		t.Fatalf("recipient_c = %d, want 2", count)
	}
	p1 := binary.NativeEndian.Uint32(got[5:9])
	p2 := binary.NativeEndian.Uint32(got[9:13])
	if p1 != 1 || p2 != 2 {
		t.Fatalf("recipients = (%d,%d), want (1,2)", p1, p2)
	}
}

// Scenario 4: an oversize send returns an error and does not reset the
// scratch buffer.
func TestOversizeSendIsFatalAndScratchSurvives(t *testing.T) {
	d, _ := newTestDispatcher(1, 16)
	scratch := NewScratch(2.0)
	scratch.WriteBytes(make([]byte, 10))

	err := d.ToCur(true, scratch, make([]byte, 7))
	if err == nil {
		t.Fatalf("expected an oversize error")
	}
	var oversize *OversizeError
	if !errors.As(err, &oversize) {
		t.Fatalf("expected *OversizeError, got %T: %v", err, err)
	}
	if scratch.Len() != 10 {
		t.Fatalf("expected scratch to survive untouched at 10 bytes, got %d", scratch.Len())
	}
}

func TestToEveryExceptSingleExcludesOwningWorker(t *testing.T) {
	d, rings := newTestDispatcher(2, 1024)
	scratch := NewScratch(2.0)
	cid := clientid.Pack(1, 5)

	if err := d.ToEveryExceptSingle(cid, true, scratch, []byte("m")); err != nil {
		t.Fatalf("ToEveryExceptSingle: %v", err)
	}
	d.updateQueue.Flush()

	got0 := readRecord(t, rings[0], 1+2+1)
	if Kind(got0[0]) != KindEvery {
		t.Fatalf("worker 0 kind = %d, want EVERY", got0[0])
	}

	got1 := readRecord(t, rings[1], 1+4+2+1)
	if Kind(got1[0]) != KindEveryExceptSingle {
		t.Fatalf("worker 1 kind = %d, want EVERY_EXCEPT_SINGLE", got1[0])
	}
	if binary.NativeEndian.Uint32(got1[1:5]) != 5 {
		t.Fatalf("excluded peer = %d, want 5", binary.NativeEndian.Uint32(got1[1:5]))
	}
}
