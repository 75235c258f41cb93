// Package platform identifies the host OS family and supplies the
// OS-proximate facts and operations the rest of the system needs: download
// artifact names, well-known install directories, and subprocess-backed
// probes (which/where, listener scans, pattern kills). Business logic never
// branches on the OS directly; it goes through Platform and Ops.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Family is one of the three supported OS families.
type Family string

const (
	Darwin  Family = "darwin"
	Linux   Family = "linux"
	Windows Family = "windows"
)

// UnsupportedPlatformError is fatal: there is no download artifact for an
// unknown OS, so nothing downstream can recover from it.
type UnsupportedPlatformError struct {
	GOOS string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform %q: ollama is available for macOS, Linux and Windows only", e.GOOS)
}

// Platform describes the host for installation purposes.
type Platform struct {
	Family Family
	Arch   string
}

// Detect inspects the running OS and returns its platform description.
func Detect() (Platform, error) {
	return detectFrom(runtime.GOOS, runtime.GOARCH)
}

func detectFrom(goos, goarch string) (Platform, error) {
	switch goos {
	case "darwin":
		return Platform{Family: Darwin, Arch: goarch}, nil
	case "linux":
		return Platform{Family: Linux, Arch: goarch}, nil
	case "windows":
		return Platform{Family: Windows, Arch: goarch}, nil
	}
	return Platform{}, &UnsupportedPlatformError{GOOS: goos}
}

// ExeName is the server executable's file name on this platform.
func (p Platform) ExeName() string {
	if p.Family == Windows {
		return "ollama.exe"
	}
	return "ollama"
}

// ArchiveExt is the extension of the downloadable release archive.
func (p Platform) ArchiveExt() string {
	if p.Family == Windows {
		return ".zip"
	}
	return ".tgz"
}

// ArchiveName is the release asset name for this platform.
func (p Platform) ArchiveName() string {
	switch p.Family {
	case Darwin:
		return "ollama-darwin" + p.ArchiveExt()
	case Windows:
		return "ollama-windows-" + p.Arch + p.ArchiveExt()
	default:
		return "ollama-linux-" + p.Arch + p.ArchiveExt()
	}
}

// DownloadURL builds the archive URL. An empty version means "latest",
// served from the ollama.com redirector; a pinned version goes to the
// GitHub release asset.
func (p Platform) DownloadURL(version string) string {
	if version == "" || strings.EqualFold(version, "latest") {
		return "https://ollama.com/download/" + p.ArchiveName()
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return fmt.Sprintf("https://github.com/ollama/ollama/releases/download/%s/%s", v, p.ArchiveName())
}

// SystemDirs lists the directories a system-wide install lands in. Used
// both for locating existing installs and for classifying a found path as
// system vs isolated.
func (p Platform) SystemDirs() []string {
	switch p.Family {
	case Darwin:
		return []string{
			"/usr/local/bin",
			"/opt/homebrew/bin",
			"/Applications/Ollama.app/Contents/Resources",
		}
	case Windows:
		dirs := []string{`C:\Program Files\Ollama`}
		if lad := os.Getenv("LOCALAPPDATA"); lad != "" {
			dirs = append(dirs, filepath.Join(lad, "Programs", "Ollama"))
		}
		return dirs
	default:
		return []string{"/usr/local/bin", "/usr/bin", "/opt/ollama/bin"}
	}
}

// UserDirs lists home-relative locations where a per-user install may live.
func (p Platform) UserDirs(home string) []string {
	if home == "" {
		return nil
	}
	switch p.Family {
	case Windows:
		return []string{filepath.Join(home, "AppData", "Local", "Programs", "Ollama")}
	default:
		return []string{
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
		}
	}
}

// IsSystemPath reports whether path lives under one of the known
// system-wide install directories. Case-insensitive on Windows.
func (p Platform) IsSystemPath(path string) bool {
	clean := filepath.Clean(path)
	if p.Family == Windows {
		clean = strings.ToLower(clean)
	}
	for _, dir := range p.SystemDirs() {
		d := filepath.Clean(dir)
		if p.Family == Windows {
			d = strings.ToLower(d)
		}
		if clean == d || strings.HasPrefix(clean, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
