// Package types holds the value types exchanged between the lifecycle
// components and their callers. All of them are plain data: produced once,
// read by the next step, never mutated.
package types

import (
	"fmt"
	"strings"
	"time"
)

// InstallationStrategy selects the search/install order used by the
// installer. It is chosen by caller configuration and never changes
// afterwards.
type InstallationStrategy string

const (
	// PreferExisting uses an existing install when one is found, otherwise
	// performs an isolated install.
	PreferExisting InstallationStrategy = "prefer-existing"
	// IsolatedOnly always performs an isolated install, ignoring any
	// existing installation.
	IsolatedOnly InstallationStrategy = "isolated-only"
	// PreferExistingThenSystemWide uses an existing install when found,
	// otherwise performs a system-wide install.
	PreferExistingThenSystemWide InstallationStrategy = "prefer-existing-then-system"
	// SystemWideOnly always performs a system-wide install, ignoring any
	// existing installation.
	SystemWideOnly InstallationStrategy = "system-only"
	// FullPriority tries existing, then isolated, then system-wide.
	FullPriority InstallationStrategy = "full-priority"
)

// ParseStrategy maps a config string onto a strategy. Unknown values are an
// error so that a typo in a pipeline config fails loudly instead of silently
// picking a default.
func ParseStrategy(s string) (InstallationStrategy, error) {
	switch InstallationStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case PreferExisting:
		return PreferExisting, nil
	case IsolatedOnly:
		return IsolatedOnly, nil
	case PreferExistingThenSystemWide:
		return PreferExistingThenSystemWide, nil
	case SystemWideOnly:
		return SystemWideOnly, nil
	case FullPriority:
		return FullPriority, nil
	case "":
		return PreferExisting, nil
	}
	return "", fmt.Errorf("unknown installation strategy: %q", s)
}

// InstallationType records where the executable used by a run came from.
type InstallationType string

const (
	ExistingSystem   InstallationType = "existing-system"
	ExistingIsolated InstallationType = "existing-isolated"
	NewIsolated      InstallationType = "new-isolated"
	NewSystemWide    InstallationType = "new-system-wide"
)

// InstallationResult is the outcome of one installer invocation.
// Success implies ExecutablePath is non-empty.
type InstallationResult struct {
	Success        bool             `json:"success"`
	ExecutablePath string           `json:"executable_path,omitempty"`
	Type           InstallationType `json:"installation_type,omitempty"`
	Message        string           `json:"message"`
}

// PortStatus classifies the state of a preferred port at resolution time.
type PortStatus string

const (
	// PortAvailable: the preferred port is free and can be bound.
	PortAvailable PortStatus = "available"
	// PortServiceRunning: something already answers on the preferred port;
	// callers treat this as "server already up, skip startup".
	PortServiceRunning PortStatus = "service-running"
	// PortConflict: the preferred port is held by an unresponsive process
	// and changing ports was not allowed.
	PortConflict PortStatus = "conflict"
	// PortAlternativeFound: the preferred port was occupied and a different
	// free port was selected.
	PortAlternativeFound PortStatus = "alternative-found"
	// PortNoAlternative: the preferred port was occupied and no free
	// alternative could be found.
	PortNoAlternative PortStatus = "no-alternative"
)

// PortResolution is the outcome of resolving a preferred port. Port is
// authoritative for every subsequent step of a setup cycle; it equals the
// preferred port unless Status is PortAlternativeFound.
type PortResolution struct {
	Port   int        `json:"port"`
	Status PortStatus `json:"status"`
}

// ServerInstance describes one logical server endpoint for a setup cycle.
// Read-only after construction.
type ServerInstance struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	Protocol         string        `json:"protocol"`
	Timeout          time.Duration `json:"timeout"`
	IsIsolated       bool          `json:"is_isolated"`
	IsolatedDataPath string        `json:"isolated_data_path,omitempty"`
}

// BaseURL derives the HTTP base URL for API calls against the instance.
func (s ServerInstance) BaseURL() string {
	proto := s.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d", proto, s.Host, s.Port)
}

// Addr returns the host:port pair the server binds.
func (s ServerInstance) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PullProgress is one progress record streamed while a model downloads.
// The last record with Status == "success" marks completion.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent returns download completion in [0,100], or 0 when the total is
// not known yet.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// ModelSpec names one model the caller wants available, with an optional
// version tag and a preload marker.
type ModelSpec struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	Tag     string `json:"tag,omitempty" yaml:"tag" toml:"tag"`
	Preload bool   `json:"preload,omitempty" yaml:"preload" toml:"preload"`
}

// Ref renders the "name" or "name:tag" form used on the wire.
func (m ModelSpec) Ref() string {
	if m.Tag == "" {
		return m.Name
	}
	return m.Name + ":" + m.Tag
}

// SetupOutcome is returned by the orchestrator's setup entry point.
type SetupOutcome struct {
	Success   bool             `json:"success"`
	BoundPort int              `json:"bound_port,omitempty"`
	Type      InstallationType `json:"installation_type,omitempty"`
	Message   string           `json:"message"`
}

// TeardownOutcome is returned by the orchestrator's teardown entry point.
type TeardownOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusReport summarizes the current state of the managed server.
type StatusReport struct {
	ProcessRunning bool   `json:"process_running"`
	ServiceHealthy bool   `json:"service_healthy"`
	Endpoint       string `json:"endpoint"`
	Executable     string `json:"executable,omitempty"`
}

// PullOutcome is returned by the orchestrator's model-pull entry point.
type PullOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
