// Package inbound encodes the worker-to-app ring record: (peer_i,
// worker_i, event_kind, payload). A worker is the producer, an app
// thread the consumer, one ring per (worker, app) pair exactly as the
// outbound direction in internal/fanout has one ring per (app, worker)
// pair.
package inbound

import "encoding/binary"

// Kind identifies what happened to a peer: the record's event_kind.
type Kind byte

const (
	KindOpen        Kind = 0
	KindMessageUTF8 Kind = 1
	KindMessageBin  Kind = 2
	KindClose       Kind = 3
)

// headerLen is the fixed portion every record carries: kind, worker
// index, peer index. Open and Close records are exactly this long;
// Message records additionally carry a length-prefixed payload.
const headerLen = 1 + 4 + 4

// AppendOpen/AppendClose append a payload-less lifecycle record.
func AppendOpen(dst []byte, workerI, peerI uint32) []byte {
	return appendHeader(dst, KindOpen, workerI, peerI)
}

func AppendClose(dst []byte, workerI, peerI uint32) []byte {
	return appendHeader(dst, KindClose, workerI, peerI)
}

// AppendMessage appends a reassembled WS message record.
func AppendMessage(dst []byte, workerI, peerI uint32, isUTF8 bool, payload []byte) []byte {
	kind := KindMessageBin
	if isUTF8 {
		kind = KindMessageUTF8
	}
	dst = appendHeader(dst, kind, workerI, peerI)
	dst = binary.NativeEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Len returns the number of bytes AppendMessage would need for a
// payload of size n, so a caller can pre-reserve the exact ring window
// (internal/ring.Reserve) before encoding into it.
func Len(isMessage bool, payloadSize int) int {
	if isMessage {
		return headerLen + 4 + payloadSize
	}
	return headerLen
}

func appendHeader(dst []byte, kind Kind, workerI, peerI uint32) []byte {
	dst = append(dst, byte(kind))
	dst = binary.NativeEndian.AppendUint32(dst, workerI)
	dst = binary.NativeEndian.AppendUint32(dst, peerI)
	return dst
}

// Record is one decoded inbound ring entry.
type Record struct {
	Kind           Kind
	WorkerI, PeerI uint32
	IsUTF8         bool
	Payload        []byte
}

// Parse decodes one record from the front of buf, returning the number
// of bytes it occupies. ok is false when buf doesn't yet hold a
// complete record, which cannot happen for a fully-published ring
// record but is checked anyway since buf is caller-supplied.
func Parse(buf []byte) (rec Record, consumed int, ok bool) {
	if len(buf) < headerLen {
		return Record{}, 0, false
	}
	kind := Kind(buf[0])
	workerI := binary.NativeEndian.Uint32(buf[1:5])
	peerI := binary.NativeEndian.Uint32(buf[5:9])
	switch kind {
	case KindOpen, KindClose:
		return Record{Kind: kind, WorkerI: workerI, PeerI: peerI}, headerLen, true
	case KindMessageUTF8, KindMessageBin:
		if len(buf) < headerLen+4 {
			return Record{}, 0, false
		}
		payloadLen := int(binary.NativeEndian.Uint32(buf[headerLen : headerLen+4]))
		total := headerLen + 4 + payloadLen
		if len(buf) < total {
			return Record{}, 0, false
		}
		return Record{
			Kind:    kind,
			WorkerI: workerI,
			PeerI:   peerI,
			IsUTF8:  kind == KindMessageUTF8,
			Payload: buf[headerLen+4 : total],
		}, total, true
	default:
		return Record{}, 0, false
	}
}
