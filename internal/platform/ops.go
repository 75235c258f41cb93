package platform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Ops is the capability surface for OS-proximate operations that have no
// portable in-process equivalent. One implementation exists per OS family;
// callers obtain the right one from NewOps and never branch on the OS
// themselves.
type Ops interface {
	// LookupExecutable resolves name on the OS search path using the
	// platform's which/where equivalent. The subprocess is bounded so a
	// wedged PATH probe cannot hang a pipeline. Returns "" when not found.
	LookupExecutable(ctx context.Context, name string) (string, error)

	// PortListening reports whether a local process holds a listening
	// socket on port, via the platform's socket-table tool.
	PortListening(ctx context.Context, port int) (bool, error)

	// ProcessRunning reports whether a process whose command line matches
	// pattern exists.
	ProcessRunning(ctx context.Context, pattern string) (bool, error)

	// KillByPattern terminates processes whose command line matches
	// pattern. force escalates from a polite signal to a hard kill.
	KillByPattern(ctx context.Context, pattern string, force bool) error

	// InstallSystemWide installs the server through the platform's native
	// package manager or official install script. Bounded; non-zero exit
	// or timeout comes back as an error value.
	InstallSystemWide(ctx context.Context, version string) error
}

const (
	lookupTimeout  = 10 * time.Second
	probeTimeout   = 10 * time.Second
	installTimeout = 300 * time.Second
)

// NewOps returns the Ops implementation for the detected platform.
func NewOps(p Platform, log zerolog.Logger) Ops {
	r := runner{log: log.With().Str("component", "platform").Logger()}
	switch p.Family {
	case Darwin:
		return &darwinOps{runner: r}
	case Windows:
		return &windowsOps{runner: r}
	default:
		return &linuxOps{runner: r}
	}
}

// runner executes a subprocess with a hard deadline and captures combined
// output. Shared by all Ops implementations.
type runner struct {
	log zerolog.Logger
}

func (r runner) run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("%s timed out after %s", name, timeout)
	}
	r.log.Debug().Str("cmd", name).Strs("args", args).Err(err).Msg("subprocess finished")
	return out.String(), err
}

// lookPath tries the in-process lookup first, then falls back to the
// platform tool; the tool also finds shims and aliases LookPath misses on
// some CI images.
func (r runner) lookPath(ctx context.Context, tool, name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	out, err := r.run(ctx, lookupTimeout, tool, name)
	if err != nil {
		// Not found is the normal outcome here, not a fault.
		return "", nil
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
	}
	return "", nil
}

// portInListing scans socket-table tool output for a listener on port.
func portInListing(out string, port int, wantState string) bool {
	needle := fmt.Sprintf(":%d", port)
	for _, line := range strings.Split(out, "\n") {
		if wantState != "" && !strings.Contains(line, wantState) {
			continue
		}
		fields := strings.Fields(line)
		for _, f := range fields {
			if strings.HasSuffix(f, needle) {
				return true
			}
		}
	}
	return false
}

type darwinOps struct{ runner }

func (o *darwinOps) LookupExecutable(ctx context.Context, name string) (string, error) {
	return o.lookPath(ctx, "which", name)
}

func (o *darwinOps) PortListening(ctx context.Context, port int) (bool, error) {
	out, err := o.run(ctx, probeTimeout, "lsof", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	if err != nil {
		// lsof exits 1 when nothing matches; only propagate real faults.
		if strings.TrimSpace(out) == "" {
			return false, nil
		}
		return false, err
	}
	return strings.Contains(out, "LISTEN"), nil
}

func (o *darwinOps) ProcessRunning(ctx context.Context, pattern string) (bool, error) {
	_, err := o.run(ctx, probeTimeout, "pgrep", "-f", pattern)
	return err == nil, nil
}

func (o *darwinOps) KillByPattern(ctx context.Context, pattern string, force bool) error {
	args := []string{"-f", pattern}
	if force {
		args = append([]string{"-9"}, args...)
	}
	// pkill exits non-zero when no process matched, which is fine.
	_, _ = o.run(ctx, probeTimeout, "pkill", args...)
	return nil
}

func (o *darwinOps) InstallSystemWide(ctx context.Context, version string) error {
	o.log.Info().Msg("installing ollama via homebrew")
	out, err := o.run(ctx, installTimeout, "brew", "install", "ollama")
	if err != nil {
		return fmt.Errorf("brew install ollama failed: %w (output tail: %s)", err, tail(out, 512))
	}
	return nil
}

type linuxOps struct{ runner }

func (o *linuxOps) LookupExecutable(ctx context.Context, name string) (string, error) {
	return o.lookPath(ctx, "which", name)
}

func (o *linuxOps) PortListening(ctx context.Context, port int) (bool, error) {
	out, err := o.run(ctx, probeTimeout, "ss", "-ltn")
	if err != nil {
		// ss is part of iproute2 and present on effectively every modern
		// distro; fall back to netstat for the rest.
		out, err = o.run(ctx, probeTimeout, "netstat", "-ltn")
		if err != nil {
			return false, fmt.Errorf("no usable socket-table tool: %w", err)
		}
	}
	return portInListing(out, port, "LISTEN"), nil
}

func (o *linuxOps) ProcessRunning(ctx context.Context, pattern string) (bool, error) {
	_, err := o.run(ctx, probeTimeout, "pgrep", "-f", pattern)
	return err == nil, nil
}

func (o *linuxOps) KillByPattern(ctx context.Context, pattern string, force bool) error {
	args := []string{"-f", pattern}
	if force {
		args = append([]string{"-9"}, args...)
	}
	_, _ = o.run(ctx, probeTimeout, "pkill", args...)
	return nil
}

func (o *linuxOps) InstallSystemWide(ctx context.Context, version string) error {
	o.log.Info().Msg("installing ollama via official install script")
	out, err := o.run(ctx, installTimeout, "sh", "-c", "curl -fsSL https://ollama.com/install.sh | sh")
	if err != nil {
		return fmt.Errorf("ollama install script failed: %w (output tail: %s)", err, tail(out, 512))
	}
	return nil
}

type windowsOps struct{ runner }

func (o *windowsOps) LookupExecutable(ctx context.Context, name string) (string, error) {
	return o.lookPath(ctx, "where", name)
}

func (o *windowsOps) PortListening(ctx context.Context, port int) (bool, error) {
	out, err := o.run(ctx, probeTimeout, "netstat", "-ano", "-p", "TCP")
	if err != nil {
		return false, fmt.Errorf("netstat failed: %w", err)
	}
	return portInListing(out, port, "LISTENING"), nil
}

func (o *windowsOps) ProcessRunning(ctx context.Context, pattern string) (bool, error) {
	out, err := o.run(ctx, probeTimeout, "tasklist", "/FI", fmt.Sprintf("IMAGENAME eq %s", pattern))
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(out), strings.ToLower(pattern)), nil
}

func (o *windowsOps) KillByPattern(ctx context.Context, pattern string, force bool) error {
	args := []string{"/IM", pattern, "/T"}
	if force {
		args = append(args, "/F")
	}
	_, _ = o.run(ctx, probeTimeout, "taskkill", args...)
	return nil
}

func (o *windowsOps) InstallSystemWide(ctx context.Context, version string) error {
	o.log.Info().Msg("installing ollama via winget")
	out, err := o.run(ctx, installTimeout, "winget", "install", "--id", "Ollama.Ollama",
		"--silent", "--accept-source-agreements", "--accept-package-agreements")
	if err != nil {
		return fmt.Errorf("winget install failed: %w (output tail: %s)", err, tail(out, 512))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
