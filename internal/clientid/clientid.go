// Package clientid packs and unpacks the 64-bit client identifier that
// routes an outbound send to the right worker and peer slot.
package clientid

// ID is the opaque 64-bit (worker_i, peer_i) routing token. The packing
// is host-endian and is never transmitted over the wire; it only ever
// travels between app and worker threads inside this process.
type ID uint64

// Pack combines a worker index and a peer slot index into a single client
// ID. workerI occupies the low 32 bits, peerI the high 32 bits, matching
// the original C union rs_peer / uint32_t[2] aliasing: the first word seen
// by rs_send is the worker index, the second the peer index.
func Pack(workerI, peerI uint32) ID {
	return ID(uint64(workerI) | uint64(peerI)<<32)
}

// Unpack splits a client ID back into its worker and peer halves.
func Unpack(id ID) (workerI, peerI uint32) {
	return uint32(id), uint32(id >> 32)
}

// Worker returns the worker half of the client ID.
func (id ID) Worker() uint32 { return uint32(id) }

// Peer returns the peer half of the client ID.
func (id ID) Peer() uint32 { return uint32(id >> 32) }
