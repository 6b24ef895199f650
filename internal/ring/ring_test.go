package ring

import "testing"

func writeAndPublish(r *Ring, data []byte) {
	dst := r.Reserve(len(data))
	copy(dst, data)
	r.Publish()
}

// readRecord reads exactly n bytes, following any sentinel encountered
// first. This mirrors how a real consumer drains the ring: it always
// knows the length of the next record (from a decoded header) and
// advances by exactly that many bytes, so it never reads past a
// sentinel the way a naive "drain everything Available" loop would.
func readRecord(t *testing.T, r *Ring, n int) []byte {
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

func TestBasicWriteRead(t *testing.T) {
	r := New(64, 2.0)
	writeAndPublish(r, []byte("hello"))
	got := readRecord(t, r, 5)
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
}

func TestConsumerNeverOvertakesPublishedWriter(t *testing.T) {
	r := New(64, 2.0)
	writeAndPublish(r, []byte("abc"))
	avail := r.Available()
	if string(avail) != "abc" {
		t.Fatalf("expected the published 3 bytes, got %q", avail)
	}
	r.Advance(len(avail))
	// Everything published has now been consumed: a second read attempt
	// must see no data, since nothing new has been published since.
	avail = r.Available()
	if len(avail) != 0 {
		t.Fatalf("expected no data after full drain, got %d bytes", len(avail))
	}
}

func TestWriteFitsRemainingTailWithoutWrap(t *testing.T) {
	r := New(16, 2.0)
	writeAndPublish(r, []byte("12345")) // writer=5
	got := readRecord(t, r, 5)          // reader=5, readerCell published
	if string(got) != "12345" {
		t.Fatalf("got %q", got)
	}
	writeAndPublish(r, []byte("WXYZ")) // fits in the remaining tail, no wrap
	got = readRecord(t, r, 4)
	if string(got) != "WXYZ" {
		t.Fatalf("got %q", got)
	}
}

func TestWrapSentinelIsFollowed(t *testing.T) {
	r := New(10, 2.0)
	writeAndPublish(r, []byte("12345")) // writer=5, 5 bytes of tail left
	_ = readRecord(t, r, 5)             // reader=5 published

	// n=5 still fits the 5-byte tail contiguously (writer(5)+5<=10).
	writeAndPublish(r, []byte("abcde"))
	got := readRecord(t, r, 5)
	if string(got) != "abcde" {
		t.Fatalf("got %q", got)
	}

	// writer=10 now (buffer exhausted), reader=10 published. A 3-byte
	// request can't fit contiguously (10+3>10) but the reader has
	// vacated far more than 3 bytes, so this wraps to offset 0.
	writeAndPublish(r, []byte("xyz"))
	got = readRecord(t, r, 3)
	if string(got) != "xyz" {
		t.Fatalf("got %q after wrap", got)
	}
}

func TestGrowWhenWrapNotPossible(t *testing.T) {
	r := New(8, 2.0)
	// Producer writes without the consumer ever reading, so wrap is never
	// eligible (readerCell.pos stays 0) and the ring must grow instead.
	writeAndPublish(r, []byte("1234567")) // writer=7, 1 byte of tail left
	writeAndPublish(r, []byte("ABCDEFGH"))

	first := readRecord(t, r, 7)
	second := readRecord(t, r, 8)
	got := string(first) + string(second)
	want := "1234567ABCDEFGH"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRingWrapEndToEndScenario(t *testing.T) {
	// 9 messages of 100 bytes into a 1024-byte ring, reader drains
	// through message 5, then a 200-byte message doesn't fit the
	// 124-byte contiguous tail and wraps.
	r := New(1024, 2.0)
	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i)
	}
	for i := 0; i < 9; i++ {
		writeAndPublish(r, msg)
	}

	for i := 0; i < 5; i++ {
		got := readRecord(t, r, 100)
		if string(got) != string(msg) {
			t.Fatalf("message %d: content mismatch", i)
		}
	}

	big := make([]byte, 200)
	for i := range big {
		big[i] = 0xAB
	}
	writeAndPublish(r, big)

	for i := 0; i < 4; i++ {
		got := readRecord(t, r, 100)
		if string(got) != string(msg) {
			t.Fatalf("post-wrap message %d: content mismatch", i)
		}
	}
	gotBig := readRecord(t, r, 200)
	if string(gotBig) != string(big) {
		t.Fatalf("wrapped 200-byte message: content mismatch")
	}
	if len(r.Available()) != 0 {
		t.Fatalf("expected ring fully drained, got %d bytes left", len(r.Available()))
	}
}
