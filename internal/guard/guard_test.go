package guard

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestGuard(maxConns int, cpuRejectThreshold float64) *Guard {
	return New(Config{
		MaxConnections:     maxConns,
		CPURejectThreshold: cpuRejectThreshold,
		MaxBroadcastRate:   1000,
	}, zerolog.Nop())
}

func TestShouldAcceptConnectionUnderCap(t *testing.T) {
	g := newTestGuard(2, 90.0)
	if accept, reason := g.ShouldAcceptConnection(); !accept {
		t.Fatalf("expected accept, got reject: %s", reason)
	}
}

func TestShouldAcceptConnectionAtCap(t *testing.T) {
	g := newTestGuard(1, 90.0)
	g.ConnectionOpened()
	if accept, _ := g.ShouldAcceptConnection(); accept {
		t.Fatalf("expected reject at max connections")
	}
}

func TestConnectionClosedDecrementsActiveConnections(t *testing.T) {
	g := newTestGuard(2, 90.0)
	g.ConnectionOpened()
	g.ConnectionOpened()
	g.ConnectionClosed()
	if got := g.ActiveConnections(); got != 1 {
		t.Fatalf("active connections = %d, want 1", got)
	}
}

func TestShouldAcceptConnectionRejectsOverCPUThreshold(t *testing.T) {
	g := newTestGuard(100, 50.0)
	g.currentCPU.Store(75.0)
	if accept, reason := g.ShouldAcceptConnection(); accept {
		t.Fatalf("expected reject, got accept")
	} else if reason == "" {
		t.Fatalf("expected a non-empty rejection reason")
	}
}

func TestAllowBroadcastExhaustsBurst(t *testing.T) {
	g := New(Config{MaxConnections: 100, MaxBroadcastRate: 1}, zerolog.Nop())
	allowed := 0
	for i := 0; i < 10; i++ {
		if g.AllowBroadcast() {
			allowed++
		}
	}
	if allowed == 0 || allowed == 10 {
		t.Fatalf("expected the burst to be limited, got %d/10 allowed", allowed)
	}
}
