package supervisor

import (
	"fmt"
	"net"
	"time"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

const portProbeTimeout = 250 * time.Millisecond

// Allocator hands out ports from a fixed range. A port is considered
// free when nothing is listening on it right now and no record claims
// it; the probe connects rather than binds, so a server that is slow
// to come up keeps its port.
type Allocator struct {
	start int
	max   int

	// probe reports whether something is already listening on the port.
	// Replaceable in tests.
	probe func(port int) bool
}

// NewAllocator creates an allocator over the inclusive range [start, max].
func NewAllocator(start, max int) *Allocator {
	return &Allocator{start: start, max: max, probe: probeListening}
}

func probeListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), portProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// AllocatePreferred honors a requested port when it lies in the range
// and is free, and falls back to the lowest free port when something
// already holds it. Zero means no preference; a request outside the
// range is invalid_input.
func (a *Allocator) AllocatePreferred(preferred int, used map[int]bool) (int, error) {
	if preferred == 0 {
		return a.Allocate(used)
	}
	if preferred < a.start || preferred > a.max {
		return 0, kberr.Newf(kberr.KindInvalidInput,
			"port %d is outside the range [%d,%d]", preferred, a.start, a.max)
	}
	if !used[preferred] && !a.probe(preferred) {
		return preferred, nil
	}
	return a.Allocate(used)
}

// Allocate returns the lowest free port in the range that is not in
// the used set. Exhaustion is a port_unavailable error.
func (a *Allocator) Allocate(used map[int]bool) (int, error) {
	for port := a.start; port <= a.max; port++ {
		if used[port] {
			continue
		}
		if a.probe(port) {
			continue
		}
		return port, nil
	}
	return 0, kberr.Newf(kberr.KindPortUnavailable,
		"no free port in range [%d,%d]", a.start, a.max)
}
