package guard

import (
	"os"
	"strconv"
	"strings"
)

// detectMemoryLimit reads the container memory limit from the cgroup
// filesystem, trying cgroup v2 before falling back to v1. It returns 0
// when no limit is in effect (bare metal, VMs, or an unconstrained
// container), which callers treat as "use the configured default".
func detectMemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
				return n
			}
		}
		return 0
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// ringsocketOverheadBytes and bytesPerPeer are sized for RingSocket's
// fixed-size peer slot, not a goroutine-per-connection server: no send
// channel, no per-connection goroutine stack, just the slot struct plus
// its worst-case rbuf growth. This makes the safe-connection math far
// less conservative than a channel-and-goroutine design needs.
const (
	ringsocketOverheadBytes = 64 * 1024 * 1024
	bytesPerPeer            = 8 * 1024

	minAutoConnections = 1000
	maxAutoConnections = 1000000
)

// DetectMaxConnections derives a safe connection cap from the
// container's memory limit, the way a capacity-constrained deployment
// should size itself without an operator having to hand-tune
// RS_MAX_CONNECTIONS per environment. Returns the unconstrained default
// when no cgroup memory limit is detected.
func DetectMaxConnections(defaultValue int) int {
	limit := detectMemoryLimit()
	if limit == 0 {
		return defaultValue
	}
	available := limit - ringsocketOverheadBytes
	if available <= 0 {
		available = limit / 2
	}
	maxConns := int(available / bytesPerPeer)
	switch {
	case maxConns < minAutoConnections:
		maxConns = minAutoConnections
	case maxConns > maxAutoConnections:
		maxConns = maxAutoConnections
	}
	return maxConns
}
