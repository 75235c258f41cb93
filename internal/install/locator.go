// Package install resolves where the server executable comes from: finding
// an existing one, downloading and unpacking an isolated copy, or driving
// the platform's package manager for a system-wide install.
package install

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"ollamactl/internal/platform"
)

// Locator searches a prioritized list of filesystem locations and the OS
// search path for an existing server executable. Absence is an expected
// outcome, not an error: it is what triggers installation.
type Locator struct {
	plat         platform.Platform
	ops          platform.Ops
	isolatedPath string // full path of the project-local executable
	log          zerolog.Logger
}

func NewLocator(plat platform.Platform, ops platform.Ops, isolatedPath string, log zerolog.Logger) *Locator {
	return &Locator{
		plat:         plat,
		ops:          ops,
		isolatedPath: isolatedPath,
		log:          log.With().Str("component", "locator").Logger(),
	}
}

// Find returns the first existing, executable server binary, checking the
// isolated path, known system directories, per-user directories, then the
// OS search path.
func (l *Locator) Find(ctx context.Context) (string, bool) {
	if isExecutable(l.plat, l.isolatedPath) {
		l.log.Debug().Str("path", l.isolatedPath).Msg("found isolated executable")
		return l.isolatedPath, true
	}
	exe := l.plat.ExeName()
	for _, dir := range l.plat.SystemDirs() {
		p := filepath.Join(dir, exe)
		if isExecutable(l.plat, p) {
			l.log.Debug().Str("path", p).Msg("found system executable")
			return p, true
		}
	}
	home, _ := os.UserHomeDir()
	for _, dir := range l.plat.UserDirs(home) {
		p := filepath.Join(dir, exe)
		if isExecutable(l.plat, p) {
			l.log.Debug().Str("path", p).Msg("found user executable")
			return p, true
		}
	}
	if p, err := l.ops.LookupExecutable(ctx, exe); err == nil && p != "" {
		l.log.Debug().Str("path", p).Msg("found executable on search path")
		return p, true
	}
	l.log.Debug().Msg("no existing executable found")
	return "", false
}

// IsolatedPath returns the project-local target path the locator checks.
func (l *Locator) IsolatedPath() string { return l.isolatedPath }

func isExecutable(p platform.Platform, path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	if p.Family == platform.Windows {
		// Windows has no exec bit; existing regular file is enough.
		return true
	}
	return fi.Mode()&0o111 != 0
}
