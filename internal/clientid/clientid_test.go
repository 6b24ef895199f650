package clientid

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct{ worker, peer uint32 }{
		{0, 0},
		{0, 7},
		{1, 3},
		{1<<32 - 1, 1<<32 - 1},
		{42, 1337},
	}
	for _, c := range cases {
		id := Pack(c.worker, c.peer)
		gotWorker, gotPeer := Unpack(id)
		if gotWorker != c.worker || gotPeer != c.peer {
			t.Fatalf("Pack(%d,%d) -> Unpack = (%d,%d)", c.worker, c.peer, gotWorker, gotPeer)
		}
		if id.Worker() != c.worker || id.Peer() != c.peer {
			t.Fatalf("accessor mismatch for (%d,%d)", c.worker, c.peer)
		}
	}
}

func TestPackIsWorkerInLowHalf(t *testing.T) {
	id := Pack(1, 0)
	if uint64(id) != 1 {
		t.Fatalf("expected worker index to occupy the low 32 bits, got id=%#x", uint64(id))
	}
}
