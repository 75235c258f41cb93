package ollama

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ollamactl/internal/metrics"
)

// DefaultProbeInterval is how long the readiness loop sleeps between
// probes. Not load-bearing; callers may override per call.
const DefaultProbeInterval = 1500 * time.Millisecond

// StartupTimeoutError reports that the server never became ready within
// the overall deadline. Recoverable: callers can raise the timeout or
// investigate resource pressure.
type StartupTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("server at %s not ready after %s: raise the ready timeout or check server logs for slow startup", e.Endpoint, e.Timeout)
}

// Ping performs a single lightweight readiness probe against the model
// list endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("readiness probe: status %s", resp.Status)
	}
	return nil
}

// WaitUntilReady polls the server until a probe succeeds or timeout
// elapses. Individual probe failures are swallowed and retried; only
// exhausting the deadline is reported, as a StartupTimeoutError.
func (c *Client) WaitUntilReady(ctx context.Context, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		err := c.Ping(ctx)
		metrics.HealthProbe(err == nil)
		if err == nil {
			c.log.Info().Msg("server is ready")
			return nil
		}
		c.log.Debug().Err(err).Msg("readiness probe failed, retrying")
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return &StartupTimeoutError{Endpoint: c.base, Timeout: timeout}
		}
	}
}
