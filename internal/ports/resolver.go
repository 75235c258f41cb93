// Package ports decides which TCP port a setup cycle binds. It only probes
// the OS socket table, so independent lifecycle runs can call it
// concurrently without coordination.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"

	"ollamactl/pkg/types"
)

const (
	// Dynamic/private port range used for the random fallback.
	dynamicPortStart = 49152
	dynamicPortEnd   = 65535

	defaultMaxAttempts = 100
	dialProbeTimeout   = 250 * time.Millisecond
)

// NoPortAvailableError reports that every sequential and random candidate
// was occupied.
type NoPortAvailableError struct {
	Preferred int
	Attempts  int
}

func (e *NoPortAvailableError) Error() string {
	return fmt.Sprintf("no free port found near %d after %d sequential and %d random attempts",
		e.Preferred, e.Attempts, e.Attempts)
}

// Resolver probes and selects ports. The listen/dial fields exist so tests
// can simulate occupied-but-unresponsive ports; production code uses the
// zero-value wiring from New.
type Resolver struct {
	MaxAttempts int
	log         zerolog.Logger

	listen func(network, addr string) (net.Listener, error)
	dial   func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New returns a Resolver probing the real socket table.
func New(log zerolog.Logger) *Resolver {
	return &Resolver{
		MaxAttempts: defaultMaxAttempts,
		log:         log.With().Str("component", "ports").Logger(),
		listen:      net.Listen,
		dial:        net.DialTimeout,
	}
}

// IsPortFree reports whether port can be bound on host. A failed bind means
// "not free", never an error: the caller only cares about usability.
func (r *Resolver) IsPortFree(host string, port int) bool {
	l, err := r.listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// IsServiceRunning reports whether something accepts TCP connections on
// host:port. It does not verify the listener is our server.
func (r *Resolver) IsServiceRunning(host string, port int) bool {
	conn, err := r.dial("tcp", fmt.Sprintf("%s:%d", host, port), dialProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// FindAvailable returns a free port, trying preferred, preferred+1, ... up
// to MaxAttempts, then MaxAttempts random ports in the dynamic range.
// Sequential first keeps chosen ports predictable in logs; the random
// fallback avoids collision storms when a whole contiguous range is taken.
func (r *Resolver) FindAvailable(host string, preferred int) (int, error) {
	max := r.MaxAttempts
	if max <= 0 {
		max = defaultMaxAttempts
	}
	for p := preferred; p <= preferred+max && p <= dynamicPortEnd; p++ {
		if r.IsPortFree(host, p) {
			return p, nil
		}
	}
	for i := 0; i < max; i++ {
		p := dynamicPortStart + rand.Intn(dynamicPortEnd-dynamicPortStart)
		if r.IsPortFree(host, p) {
			return p, nil
		}
	}
	return 0, &NoPortAvailableError{Preferred: preferred, Attempts: max}
}

// Resolve applies the port decision table: free port wins as-is, a
// responsive occupant short-circuits startup, and an unresponsive occupant
// either blocks (allowChange=false) or triggers the alternative search.
func (r *Resolver) Resolve(host string, preferred int, allowChange bool) types.PortResolution {
	if r.IsPortFree(host, preferred) {
		r.log.Debug().Int("port", preferred).Msg("preferred port is free")
		return types.PortResolution{Port: preferred, Status: types.PortAvailable}
	}
	if r.IsServiceRunning(host, preferred) {
		r.log.Info().Int("port", preferred).Msg("a service already answers on the preferred port")
		return types.PortResolution{Port: preferred, Status: types.PortServiceRunning}
	}
	if !allowChange {
		r.log.Warn().Int("port", preferred).Msg("preferred port is held by an unresponsive process")
		return types.PortResolution{Port: preferred, Status: types.PortConflict}
	}
	alt, err := r.FindAvailable(host, preferred)
	if err != nil {
		r.log.Error().Int("port", preferred).Err(err).Msg("no alternative port available")
		return types.PortResolution{Port: preferred, Status: types.PortNoAlternative}
	}
	r.log.Info().Int("preferred", preferred).Int("port", alt).Msg("selected alternative port")
	return types.PortResolution{Port: alt, Status: types.PortAlternativeFound}
}
