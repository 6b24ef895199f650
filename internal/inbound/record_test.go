package inbound

import (
	"bytes"
	"testing"
)

func TestAppendParseOpenRoundTrip(t *testing.T) {
	buf := AppendOpen(nil, 3, 7)
	rec, n, ok := Parse(buf)
	if !ok || n != len(buf) {
		t.Fatalf("Parse: ok=%v n=%d, want (true, %d)", ok, n, len(buf))
	}
	if rec.Kind != KindOpen || rec.WorkerI != 3 || rec.PeerI != 7 {
		t.Fatalf("got %+v, want Kind=KindOpen WorkerI=3 PeerI=7", rec)
	}
}

func TestAppendParseCloseRoundTrip(t *testing.T) {
	buf := AppendClose(nil, 1, 2)
	rec, _, ok := Parse(buf)
	if !ok || rec.Kind != KindClose {
		t.Fatalf("got (kind=%v, ok=%v), want (KindClose, true)", rec.Kind, ok)
	}
}

func TestAppendParseMessageRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	buf := AppendMessage(nil, 9, 4, true, payload)
	if got, want := len(buf), Len(true, len(payload)); got != want {
		t.Fatalf("encoded length = %d, want Len() = %d", got, want)
	}
	rec, n, ok := Parse(buf)
	if !ok || n != len(buf) {
		t.Fatalf("Parse: ok=%v n=%d, want (true, %d)", ok, n, len(buf))
	}
	if rec.Kind != KindMessageUTF8 || !rec.IsUTF8 {
		t.Fatalf("got Kind=%v IsUTF8=%v, want KindMessageUTF8/true", rec.Kind, rec.IsUTF8)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Fatalf("payload = %q, want %q", rec.Payload, payload)
	}
}

func TestAppendParseBinaryMessageIsNotUTF8(t *testing.T) {
	buf := AppendMessage(nil, 0, 0, false, []byte{0xff, 0x00})
	rec, _, ok := Parse(buf)
	if !ok || rec.Kind != KindMessageBin || rec.IsUTF8 {
		t.Fatalf("got Kind=%v IsUTF8=%v, want KindMessageBin/false", rec.Kind, rec.IsUTF8)
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	buf := AppendOpen(nil, 1, 1)
	_, _, ok := Parse(buf[:headerLen-1])
	if ok {
		t.Fatalf("expected ok=false for a truncated header")
	}
}

func TestParseRejectsTruncatedPayload(t *testing.T) {
	buf := AppendMessage(nil, 1, 1, true, []byte("0123456789"))
	_, _, ok := Parse(buf[:len(buf)-3])
	if ok {
		t.Fatalf("expected ok=false for a truncated payload")
	}
}

func TestAppendRecordsConcatenateInOrder(t *testing.T) {
	var buf []byte
	buf = AppendOpen(buf, 1, 1)
	buf = AppendMessage(buf, 1, 1, true, []byte("hi"))
	buf = AppendClose(buf, 1, 1)

	rec1, n1, ok := Parse(buf)
	if !ok || rec1.Kind != KindOpen {
		t.Fatalf("record 1: got %+v ok=%v, want KindOpen", rec1, ok)
	}
	rec2, n2, ok := Parse(buf[n1:])
	if !ok || rec2.Kind != KindMessageUTF8 || string(rec2.Payload) != "hi" {
		t.Fatalf("record 2: got %+v ok=%v, want KindMessageUTF8 payload=hi", rec2, ok)
	}
	rec3, _, ok := Parse(buf[n1+n2:])
	if !ok || rec3.Kind != KindClose {
		t.Fatalf("record 3: got %+v ok=%v, want KindClose", rec3, ok)
	}
}
