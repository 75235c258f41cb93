// Package process supervises the single server process a lifecycle run
// owns: spawn with the right environment, settle, and graceful-or-forced
// teardown.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ollamactl/internal/platform"
	"ollamactl/internal/ports"
	"ollamactl/pkg/types"
)

// State is the lifecycle state of the owned process.
type State string

const (
	NotStarted State = "not-started"
	Starting   State = "starting"
	Running    State = "running"
	Stopping   State = "stopping"
	Stopped    State = "stopped"
	Failed     State = "failed"
)

const (
	defaultSettle = 2 * time.Second
	killGrace     = 2 * time.Second
)

// Supervisor owns at most one server process at a time. Start on an
// already-running supervisor is a no-op success; both stop paths are
// idempotent.
type Supervisor struct {
	startMu sync.Mutex // serializes Start calls end to end

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error // closed after the owned process is reaped
	state  State

	plat   platform.Platform
	ops    platform.Ops
	res    *ports.Resolver
	Settle time.Duration
	log    zerolog.Logger
}

func New(plat platform.Platform, ops platform.Ops, res *ports.Resolver, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		state:  NotStarted,
		plat:   plat,
		ops:    ops,
		res:    res,
		Settle: defaultSettle,
		log:    log.With().Str("component", "process").Logger(),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the server with a serve subcommand bound to the
// instance's address. When the target port already answers, startup is
// skipped and Start reports success: that short-circuit is the only
// coordination between independent lifecycle runs sharing a port.
func (s *Supervisor) Start(ctx context.Context, exePath string, inst types.ServerInstance, extraArgs []string) (bool, error) {
	// One Start at a time: a concurrent caller blocks here and then hits
	// the already-running check, so at most one process is ever owned.
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.cmd != nil && s.state == Running {
		s.mu.Unlock()
		s.log.Debug().Msg("process already owned and running")
		return true, nil
	}
	s.mu.Unlock()

	if s.res.IsServiceRunning(inst.Host, inst.Port) {
		s.log.Info().Str("addr", inst.Addr()).Msg("service already answering, skipping start")
		return true, nil
	}

	env, err := s.serverEnv(inst)
	if err != nil {
		return false, err
	}

	args := append([]string{"serve"}, extraArgs...)
	cmd := exec.Command(exePath, args...)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		s.setState(Failed)
		return false, fmt.Errorf("start %s serve: %w", filepath.Base(exePath), err)
	}
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		close(waitCh)
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.waitCh = waitCh
	s.state = Starting
	s.mu.Unlock()
	s.log.Info().Int("pid", cmd.Process.Pid).Str("addr", inst.Addr()).Msg("server process started")

	// Short settle before probing: the server needs a moment to bind.
	settle := s.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	select {
	case <-time.After(settle):
	case werr := <-waitCh:
		s.disown(Failed)
		return false, fmt.Errorf("server exited during startup: %v; stderr tail: %s", werr, tail(stderr.String(), 2048))
	case <-ctx.Done():
		s.disown(Failed)
		_ = cmd.Process.Kill()
		return false, ctx.Err()
	}

	if !s.res.IsServiceRunning(inst.Host, inst.Port) && !s.IsRunning(ctx, inst.Port) {
		s.disown(Failed)
		_ = cmd.Process.Kill()
		// The stderr buffer is only safe to read once the child is reaped.
		detail := "stderr unavailable"
		select {
		case <-waitCh:
			detail = "stderr tail: " + tail(stderr.String(), 2048)
		case <-time.After(killGrace):
		}
		return false, fmt.Errorf("server did not come up on %s; %s", inst.Addr(), detail)
	}
	s.setState(Running)
	return true, nil
}

// Stop forcefully terminates the owned process, or matching stray
// processes when none is owned.
func (s *Supervisor) Stop() error {
	return s.stop(0)
}

// StopGracefully sends a polite terminate signal, waits up to timeout,
// then escalates to a hard kill.
func (s *Supervisor) StopGracefully(timeout time.Duration) error {
	return s.stop(timeout)
}

func (s *Supervisor) stop(grace time.Duration) error {
	s.mu.Lock()
	cmd, waitCh := s.cmd, s.waitCh
	s.cmd, s.waitCh = nil, nil
	if s.state == Running || s.state == Starting {
		s.state = Stopping
	}
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		// Nothing owned: a previous run may have left a server behind.
		// Best effort pattern kill keeps teardown idempotent either way.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.ops.KillByPattern(ctx, s.killPattern(), grace <= 0)
		s.setState(Stopped)
		return nil
	}

	if grace > 0 && s.plat.Family != platform.Windows {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitCh:
			s.log.Info().Int("pid", cmd.Process.Pid).Msg("server exited gracefully")
			s.setState(Stopped)
			return nil
		case <-time.After(grace):
			s.log.Warn().Int("pid", cmd.Process.Pid).Dur("grace", grace).Msg("graceful stop timed out, killing")
		}
	}

	_ = cmd.Process.Kill()
	select {
	case <-waitCh:
	case <-time.After(killGrace):
		s.log.Warn().Int("pid", cmd.Process.Pid).Msg("process did not reap in time")
	}
	s.setState(Stopped)
	return nil
}

// IsRunning probes for a live server via the OS socket table, falling back
// to a process-pattern scan when the primary probe errors.
func (s *Supervisor) IsRunning(ctx context.Context, port int) bool {
	listening, err := s.ops.PortListening(ctx, port)
	if err == nil {
		return listening
	}
	s.log.Debug().Err(err).Msg("socket-table probe failed, falling back to process scan")
	running, err := s.ops.ProcessRunning(ctx, s.killPattern())
	return err == nil && running
}

// serverEnv builds the child environment: listen address binding plus, for
// isolated instances, home and model-storage redirects confining all state
// to the isolated data path.
func (s *Supervisor) serverEnv(inst types.ServerInstance) ([]string, error) {
	env := append(os.Environ(), "OLLAMA_HOST="+inst.Addr())
	if !inst.IsIsolated {
		return env, nil
	}
	if inst.IsolatedDataPath == "" {
		return nil, fmt.Errorf("isolated instance without a data path")
	}
	modelsDir := filepath.Join(inst.IsolatedDataPath, "models")
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create isolated data dirs: %w", err)
	}
	homeVar := "HOME"
	if s.plat.Family == platform.Windows {
		homeVar = "USERPROFILE"
	}
	env = append(env,
		homeVar+"="+inst.IsolatedDataPath,
		"OLLAMA_MODELS="+modelsDir,
	)
	return env, nil
}

func (s *Supervisor) killPattern() string {
	if s.plat.Family == platform.Windows {
		return s.plat.ExeName()
	}
	return "ollama serve"
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) disown(st State) {
	s.mu.Lock()
	s.cmd, s.waitCh = nil, nil
	s.state = st
	s.mu.Unlock()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
