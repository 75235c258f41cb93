// Package lifecycle is the top-level coordinator: it resolves the port,
// guarantees an installed executable, starts and health-checks the server
// process, preloads models, and tears everything down afterwards.
package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ollamactl/internal/config"
	"ollamactl/internal/install"
	"ollamactl/internal/metrics"
	"ollamactl/internal/ollama"
	"ollamactl/internal/platform"
	"ollamactl/internal/ports"
	"ollamactl/internal/process"
	"ollamactl/pkg/types"
)

// Orchestrator drives one managed server through setup and teardown.
// Each setup cycle runs: resolve port → ensure install → start → wait
// ready → preload models. Ordering is strict; every step's failure is a
// value carrying which step failed and why.
type Orchestrator struct {
	cfg       config.Config
	plat      platform.Platform
	ops       platform.Ops
	res       *ports.Resolver
	installer *install.Installer
	locator   *install.Locator
	sup       *process.Supervisor
	memo      *keyedMemo
	log       zerolog.Logger

	mu   sync.Mutex
	inst *types.ServerInstance // recorded endpoint after a successful setup
	exe  string
}

// New wires an orchestrator for the given configuration. Platform
// detection failure is the one unrecoverable error here: no artifact
// exists for unknown platforms.
func New(cfg config.Config, log zerolog.Logger) (*Orchestrator, error) {
	plat, err := platform.Detect()
	if err != nil {
		return nil, err
	}
	log = log.With().Str("run_id", uuid.NewString()[:8]).Logger()
	return newOrchestrator(cfg, plat, platform.NewOps(plat, log), log), nil
}

// newOrchestrator finishes the wiring with caller-supplied platform
// operations.
func newOrchestrator(cfg config.Config, plat platform.Platform, ops platform.Ops, log zerolog.Logger) *Orchestrator {
	res := ports.New(log)
	isolatedExe := filepath.Join(cfg.BinDir(), plat.ExeName())
	locator := install.NewLocator(plat, ops, isolatedExe, log)
	installer := install.New(plat, ops, locator, install.NewDownloader(log), cfg.Version, log)
	sup := process.New(plat, ops, res, log)
	sup.Settle = cfg.SettleDelay()
	return &Orchestrator{
		cfg:       cfg,
		plat:      plat,
		ops:       ops,
		res:       res,
		installer: installer,
		locator:   locator,
		sup:       sup,
		memo:      newKeyedMemo(cfg.CacheTTL()),
		log:       log.With().Str("component", "lifecycle").Logger(),
	}
}

// Setup brings the server up per configuration and reports the bound port
// for downstream steps. Partial successes (server up, one preload failed)
// do not roll anything back; they are surfaced in the message.
func (o *Orchestrator) Setup(ctx context.Context) types.SetupOutcome {
	start := time.Now()
	defer func() { metrics.SetupObserved(time.Since(start)) }()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout())
	defer cancel()

	resolution := o.res.Resolve(o.cfg.Host, o.cfg.Port, o.cfg.AllowPortChange)
	switch resolution.Status {
	case types.PortServiceRunning:
		// Someone already serves there. Adopt it instead of starting our
		// own; this is the only coordination between independent runs.
		inst := o.makeInstance(resolution.Port, false)
		o.recordInstance(inst, "")
		msg := fmt.Sprintf("service already running on port %d, startup skipped", resolution.Port)
		if pullMsg, ok := o.preloadModels(ctx, inst); !ok {
			msg += "; " + pullMsg
		}
		return types.SetupOutcome{Success: true, BoundPort: resolution.Port, Message: msg}
	case types.PortConflict:
		return types.SetupOutcome{Success: false, Message: fmt.Sprintf(
			"port %d is held by an unresponsive process.\n"+
				"Either stop the process holding it, choose a different port, or set allow_port_change: true.",
			resolution.Port)}
	case types.PortNoAlternative:
		return types.SetupOutcome{Success: false, Message: fmt.Sprintf(
			"port %d is occupied and no free alternative could be found; free some ports and retry", resolution.Port)}
	}
	port := resolution.Port

	result := o.ensureInstalled(ctx)
	if !result.Success {
		return types.SetupOutcome{Success: false, Message: "install step failed: " + result.Message}
	}

	isolated := result.Type == types.NewIsolated || result.Type == types.ExistingIsolated
	inst := o.makeInstance(port, isolated)

	if o.cfg.AutoStart {
		if ok, err := o.sup.Start(ctx, result.ExecutablePath, inst, o.cfg.ServerArgs); !ok {
			// The memoized executable may be broken or gone; make the next
			// setup re-resolve it instead of replaying this failure.
			o.memo.invalidate(o.installKey())
			return types.SetupOutcome{Success: false, Type: result.Type, Message: fmt.Sprintf(
				"start step failed for %s on %s: %v", result.ExecutablePath, inst.Addr(), err)}
		}
	}

	client := ollama.New(inst, o.log)
	if err := client.WaitUntilReady(ctx, o.cfg.ReadyTimeout(), o.cfg.ProbeInterval()); err != nil {
		return types.SetupOutcome{Success: false, BoundPort: port, Type: result.Type,
			Message: "health step failed: " + err.Error()}
	}

	o.recordInstance(inst, result.ExecutablePath)
	msg := fmt.Sprintf("server ready on %s (%s)", inst.BaseURL(), result.Type)
	if pullMsg, ok := o.preloadModels(ctx, inst); !ok {
		msg += "; " + pullMsg
	}
	o.log.Info().Int("port", port).Str("type", string(result.Type)).Msg("setup complete")
	return types.SetupOutcome{Success: true, BoundPort: port, Type: result.Type, Message: msg}
}

// ensureInstalled resolves the executable, memoized per strategy and
// target so concurrent setups share one install.
func (o *Orchestrator) installKey() string {
	return fmt.Sprintf("install|%s|%s", o.cfg.InstallationStrategy(), o.locator.IsolatedPath())
}

func (o *Orchestrator) ensureInstalled(ctx context.Context) types.InstallationResult {
	strategy := o.cfg.InstallationStrategy()
	v, err := o.memo.do(o.installKey(), func() (any, error) {
		if !o.cfg.AutoInstall {
			// Auto-install disabled: an existing executable is the only
			// acceptable outcome.
			if path, ok := o.locator.Find(ctx); ok {
				typ := types.ExistingIsolated
				if o.plat.IsSystemPath(path) {
					typ = types.ExistingSystem
				}
				return types.InstallationResult{Success: true, ExecutablePath: path, Type: typ,
					Message: "using existing installation (auto-install disabled)"}, nil
			}
			return types.InstallationResult{Success: false, Message: "auto-install is disabled and no existing installation was found;\n" +
				"install the server manually or enable auto_install"}, nil
		}
		res := o.installer.Install(ctx, strategy)
		if !res.Success {
			return res, fmt.Errorf("%s", res.Message)
		}
		return res, nil
	})
	if err != nil {
		if r, ok := v.(types.InstallationResult); ok {
			return r
		}
		return types.InstallationResult{Success: false, Message: err.Error()}
	}
	return v.(types.InstallationResult)
}

// Install resolves the executable per the configured strategy without
// starting anything. Useful for pre-warming a build image.
func (o *Orchestrator) Install(ctx context.Context) types.InstallationResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout())
	defer cancel()
	return o.ensureInstalled(ctx)
}

// ResolvePort runs the port decision table for the configured endpoint.
func (o *Orchestrator) ResolvePort() types.PortResolution {
	return o.res.Resolve(o.cfg.Host, o.cfg.Port, o.cfg.AllowPortChange)
}

// preloadModels pulls every preload-marked model. Failures accumulate into
// the returned message and never undo prior steps.
func (o *Orchestrator) preloadModels(ctx context.Context, inst types.ServerInstance) (string, bool) {
	var failed []string
	for _, m := range o.cfg.Models {
		if !m.Preload {
			continue
		}
		if out := o.pull(ctx, inst, m.Ref()); !out.Success {
			failed = append(failed, fmt.Sprintf("%s (%s)", m.Ref(), out.Message))
		}
	}
	if len(failed) > 0 {
		return "model preload failed for: " + strings.Join(failed, ", "), false
	}
	return "", true
}

// PullModel fetches one model, idempotently: already-present models
// short-circuit to success without touching the download path.
func (o *Orchestrator) PullModel(ctx context.Context, name, tag string) types.PullOutcome {
	inst := o.currentInstance()
	return o.pull(ctx, inst, types.ModelSpec{Name: name, Tag: tag}.Ref())
}

func (o *Orchestrator) pull(ctx context.Context, inst types.ServerInstance, ref string) types.PullOutcome {
	client := ollama.New(inst, o.log)
	if ok, err := client.HasModel(ctx, ref); err == nil && ok {
		o.log.Debug().Str("model", ref).Msg("model already present")
		return types.PullOutcome{Success: true, Message: fmt.Sprintf("model %s already present", ref)}
	}
	err := client.PullWithProgress(ctx, ref, func(p types.PullProgress) {
		ev := o.log.Info().Str("model", ref).Str("status", p.Status)
		if p.Total > 0 {
			ev = ev.Int("percent", int(p.Percent()))
		}
		ev.Msg("pull progress")
	})
	if err != nil {
		return types.PullOutcome{Success: false, Message: err.Error()}
	}
	return types.PullOutcome{Success: true, Message: fmt.Sprintf("model %s pulled", ref)}
}

// Teardown stops the managed process. Stop failures are non-fatal: they
// are reported in the message while teardown still completes.
func (o *Orchestrator) Teardown(ctx context.Context) types.TeardownOutcome {
	var err error
	if o.cfg.GracefulShutdown {
		err = o.sup.StopGracefully(o.cfg.ShutdownTimeout())
	} else {
		err = o.sup.Stop()
	}
	if err != nil {
		o.log.Warn().Err(err).Msg("stop reported a failure")
		return types.TeardownOutcome{Success: true, Message: "teardown completed with warnings: " + err.Error()}
	}
	return types.TeardownOutcome{Success: true, Message: "server stopped"}
}

// Status reports process liveness and service health for the configured
// endpoint.
func (o *Orchestrator) Status(ctx context.Context) types.StatusReport {
	inst := o.currentInstance()
	report := types.StatusReport{Endpoint: inst.BaseURL()}
	report.ProcessRunning = o.sup.IsRunning(ctx, inst.Port) || o.res.IsServiceRunning(inst.Host, inst.Port)
	if err := ollama.New(inst, o.log).Ping(ctx); err == nil {
		report.ServiceHealthy = true
	}
	o.mu.Lock()
	report.Executable = o.exe
	o.mu.Unlock()
	if report.Executable == "" {
		if path, ok := o.locator.Find(ctx); ok {
			report.Executable = path
		}
	}
	return report
}

// Verify runs a one-shot generation against the first configured model to
// confirm end-to-end serving, not just API liveness.
func (o *Orchestrator) Verify(ctx context.Context, prompt string) (string, error) {
	if len(o.cfg.Models) == 0 {
		return "", fmt.Errorf("no models configured to verify against")
	}
	inst := o.currentInstance()
	return ollama.New(inst, o.log).Generate(ctx, o.cfg.Models[0].Ref(), prompt)
}

// BoundPort returns the port recorded by the last successful setup, or the
// configured port when no setup ran yet.
func (o *Orchestrator) BoundPort() int {
	return o.currentInstance().Port
}

func (o *Orchestrator) makeInstance(port int, isolated bool) types.ServerInstance {
	dataPath := ""
	if isolated {
		if abs, err := filepath.Abs(o.cfg.DataDir()); err == nil {
			dataPath = abs
		} else {
			dataPath = o.cfg.DataDir()
		}
	}
	return types.ServerInstance{
		Host:             o.cfg.Host,
		Port:             port,
		Protocol:         o.cfg.Protocol,
		Timeout:          o.cfg.Timeout(),
		IsIsolated:       isolated,
		IsolatedDataPath: dataPath,
	}
}

func (o *Orchestrator) recordInstance(inst types.ServerInstance, exe string) {
	o.mu.Lock()
	o.inst = &inst
	o.exe = exe
	o.mu.Unlock()
}

func (o *Orchestrator) currentInstance() types.ServerInstance {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inst != nil {
		return *o.inst
	}
	return o.makeInstanceLocked()
}

func (o *Orchestrator) makeInstanceLocked() types.ServerInstance {
	return types.ServerInstance{
		Host:     o.cfg.Host,
		Port:     o.cfg.Port,
		Protocol: o.cfg.Protocol,
		Timeout:  o.cfg.Timeout(),
	}
}
