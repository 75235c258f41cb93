package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"ollamactl/internal/metrics"
	"ollamactl/internal/platform"
	"ollamactl/pkg/types"
)

// Installer guarantees a server executable exists, following the caller's
// strategy. Every sub-step converts its own faults into a failed result so
// fallback chains can keep trying the next option.
type Installer struct {
	plat       platform.Platform
	ops        platform.Ops
	locator    *Locator
	downloader *Downloader
	version    string
	log        zerolog.Logger

	// DownloadURL builds the archive URL for a version. Overridable so
	// tests can serve archives from a local fake.
	DownloadURL func(version string) string
}

func New(plat platform.Platform, ops platform.Ops, locator *Locator, downloader *Downloader, version string, log zerolog.Logger) *Installer {
	return &Installer{
		plat:        plat,
		ops:         ops,
		locator:     locator,
		downloader:  downloader,
		version:     version,
		log:         log.With().Str("component", "install").Logger(),
		DownloadURL: plat.DownloadURL,
	}
}

// attempt is one step of a strategy: a named closure that either yields an
// executable path or fails, letting the next attempt run.
type attempt struct {
	name string
	run  func(ctx context.Context) (string, types.InstallationType, error)
}

// attempts maps a strategy onto its ordered attempt list. Strategies that
// skip the locate step ignore existing installations on purpose.
func (i *Installer) attempts(strategy types.InstallationStrategy) []attempt {
	locate := attempt{name: "locate-existing", run: i.locateExisting}
	isolated := attempt{name: "install-isolated", run: i.installIsolated}
	system := attempt{name: "install-system-wide", run: i.installSystemWide}

	switch strategy {
	case types.IsolatedOnly:
		return []attempt{isolated}
	case types.SystemWideOnly:
		return []attempt{system}
	case types.PreferExistingThenSystemWide:
		return []attempt{locate, system}
	case types.FullPriority:
		return []attempt{locate, isolated, system}
	default: // PreferExisting
		return []attempt{locate, isolated}
	}
}

// Install runs the strategy's attempts in order and returns the first
// success. Faults never escape; they accumulate into the failure message.
func (i *Installer) Install(ctx context.Context, strategy types.InstallationStrategy) types.InstallationResult {
	var failures []string
	for _, a := range i.attempts(strategy) {
		path, typ, err := a.run(ctx)
		metrics.InstallAttempt(a.name, err == nil)
		if err == nil {
			i.log.Info().Str("step", a.name).Str("path", path).Str("type", string(typ)).Msg("installation resolved")
			return types.InstallationResult{
				Success:        true,
				ExecutablePath: path,
				Type:           typ,
				Message:        fmt.Sprintf("%s succeeded: %s", a.name, path),
			}
		}
		i.log.Warn().Str("step", a.name).Err(err).Msg("installation step failed")
		failures = append(failures, fmt.Sprintf("%s: %v", a.name, err))
	}
	return types.InstallationResult{
		Success: false,
		Message: fmt.Sprintf("installation failed (strategy %s): %s", strategy, strings.Join(failures, "; ")),
	}
}

func (i *Installer) locateExisting(ctx context.Context) (string, types.InstallationType, error) {
	path, ok := i.locator.Find(ctx)
	if !ok {
		return "", "", fmt.Errorf("no existing installation found")
	}
	typ := types.ExistingIsolated
	if i.plat.IsSystemPath(path) {
		typ = types.ExistingSystem
	}
	return path, typ, nil
}

// installIsolated downloads the platform archive, extracts it, moves the
// executable to the isolated target path and marks it executable. Temp
// artifacts are removed on every path, including failures.
func (i *Installer) installIsolated(ctx context.Context) (string, types.InstallationType, error) {
	target := i.locator.IsolatedPath()
	if target == "" {
		return "", "", fmt.Errorf("no isolated install path configured")
	}

	tmpDir, err := os.MkdirTemp("", "ollamactl-install-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archive, err := i.downloader.Fetch(ctx, i.DownloadURL(i.version), tmpDir)
	if err != nil {
		return "", "", err
	}
	extractDir := filepath.Join(tmpDir, "unpacked")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", "", err
	}
	if err := extractArchive(archive, extractDir); err != nil {
		return "", "", fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
	}
	src, err := findExecutable(extractDir, i.plat.ExeName())
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", "", fmt.Errorf("create install dir: %w", err)
	}
	if err := moveFile(src, target); err != nil {
		return "", "", fmt.Errorf("place executable: %w", err)
	}
	if i.plat.Family != platform.Windows {
		if err := os.Chmod(target, 0o755); err != nil {
			return "", "", fmt.Errorf("mark executable: %w", err)
		}
	}
	return target, types.NewIsolated, nil
}

// installSystemWide drives the platform's package manager and then locates
// the executable it placed. A successful subprocess with no discoverable
// binary still counts as failure: downstream needs a concrete path.
func (i *Installer) installSystemWide(ctx context.Context) (string, types.InstallationType, error) {
	if err := i.ops.InstallSystemWide(ctx, i.version); err != nil {
		return "", "", err
	}
	exe := i.plat.ExeName()
	for _, dir := range i.plat.SystemDirs() {
		p := filepath.Join(dir, exe)
		if isExecutable(i.plat, p) {
			return p, types.NewSystemWide, nil
		}
	}
	if p, err := i.ops.LookupExecutable(ctx, exe); err == nil && p != "" {
		return p, types.NewSystemWide, nil
	}
	return "", "", fmt.Errorf("system-wide install reported success but %s was not found", exe)
}

// moveFile renames src to dst, falling back to copy+remove when the temp
// dir and the target live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
