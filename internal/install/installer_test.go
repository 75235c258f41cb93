package install

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"ollamactl/internal/platform"
	"ollamactl/pkg/types"
)

// fakeOps is a platform.Ops stub: PATH lookups and system-wide installs
// are scripted instead of touching the machine.
type fakeOps struct {
	lookupResult   string
	systemErr      error
	systemInstalls int32
	onSystemOK     func() // runs after a successful system install
}

func (f *fakeOps) LookupExecutable(ctx context.Context, name string) (string, error) {
	return f.lookupResult, nil
}

func (f *fakeOps) PortListening(ctx context.Context, port int) (bool, error) { return false, nil }

func (f *fakeOps) ProcessRunning(ctx context.Context, pattern string) (bool, error) {
	return false, nil
}

func (f *fakeOps) KillByPattern(ctx context.Context, pattern string, force bool) error { return nil }

func (f *fakeOps) InstallSystemWide(ctx context.Context, version string) error {
	atomic.AddInt32(&f.systemInstalls, 1)
	if f.systemErr != nil {
		return f.systemErr
	}
	if f.onSystemOK != nil {
		f.onSystemOK()
	}
	return nil
}

type fixture struct {
	installer *Installer
	ops       *fakeOps
	isolated  string
	downloads *int32
	server    *httptest.Server
}

func newFixture(t *testing.T, serveArchive bool) *fixture {
	t.Helper()
	plat := platform.Platform{Family: platform.Linux, Arch: "amd64"}
	archive := buildTarGz(t, map[string]string{"ollama": "#!/bin/sh\necho fake ollama\n"})
	var downloads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downloads, 1)
		if !serveArchive {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	ops := &fakeOps{}
	isolated := filepath.Join(t.TempDir(), "bin", "ollama")
	locator := NewLocator(plat, ops, isolated, zerolog.Nop())
	inst := New(plat, ops, locator, NewDownloader(zerolog.Nop()), "", zerolog.Nop())
	inst.DownloadURL = func(string) string { return srv.URL + "/ollama-linux-amd64.tgz" }
	return &fixture{installer: inst, ops: ops, isolated: isolated, downloads: &downloads, server: srv}
}

func placeIsolated(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestPreferExistingInstallsIsolatedWhenAbsent(t *testing.T) {
	fx := newFixture(t, true)
	res := fx.installer.Install(context.Background(), types.PreferExisting)
	if !res.Success {
		t.Fatalf("install failed: %s", res.Message)
	}
	if res.Type != types.NewIsolated {
		t.Fatalf("type = %s, want new-isolated", res.Type)
	}
	if res.ExecutablePath != fx.isolated {
		t.Fatalf("path = %s, want configured isolated path %s", res.ExecutablePath, fx.isolated)
	}
	fi, err := os.Stat(fx.isolated)
	if err != nil {
		t.Fatalf("installed executable missing: %v", err)
	}
	if fi.Mode()&0o111 == 0 {
		t.Fatal("installed file is not executable")
	}
}

func TestPreferExistingUsesExisting(t *testing.T) {
	fx := newFixture(t, true)
	placeIsolated(t, fx.isolated)
	res := fx.installer.Install(context.Background(), types.PreferExisting)
	if !res.Success {
		t.Fatalf("install failed: %s", res.Message)
	}
	if res.Type != types.ExistingIsolated {
		t.Fatalf("type = %s, want existing-isolated", res.Type)
	}
	if n := atomic.LoadInt32(fx.downloads); n != 0 {
		t.Fatalf("download invoked %d times for an existing install", n)
	}
}

func TestIsolatedOnlyIgnoresExisting(t *testing.T) {
	fx := newFixture(t, true)
	placeIsolated(t, fx.isolated)
	res := fx.installer.Install(context.Background(), types.IsolatedOnly)
	if !res.Success {
		t.Fatalf("install failed: %s", res.Message)
	}
	if res.Type != types.NewIsolated {
		t.Fatalf("type = %s, want new-isolated even with an existing install present", res.Type)
	}
	if n := atomic.LoadInt32(fx.downloads); n != 1 {
		t.Fatalf("download count = %d, want 1", n)
	}
}

func TestSystemWideOnlyIgnoresExisting(t *testing.T) {
	fx := newFixture(t, true)
	placeIsolated(t, fx.isolated)
	systemExe := filepath.Join(t.TempDir(), "ollama")
	fx.ops.onSystemOK = func() { placeIsolated(t, systemExe) }
	fx.ops.lookupResult = systemExe
	res := fx.installer.Install(context.Background(), types.SystemWideOnly)
	if !res.Success {
		t.Fatalf("install failed: %s", res.Message)
	}
	if res.Type != types.NewSystemWide {
		t.Fatalf("type = %s, want new-system-wide", res.Type)
	}
	if n := atomic.LoadInt32(&fx.ops.systemInstalls); n != 1 {
		t.Fatalf("system installs = %d, want 1", n)
	}
	if n := atomic.LoadInt32(fx.downloads); n != 0 {
		t.Fatalf("download invoked %d times for system-wide strategy", n)
	}
}

func TestFullPriorityFallsBackToSystemWide(t *testing.T) {
	fx := newFixture(t, false) // isolated download fails
	systemExe := filepath.Join(t.TempDir(), "ollama")
	fx.ops.onSystemOK = func() { placeIsolated(t, systemExe) }
	fx.ops.lookupResult = systemExe
	res := fx.installer.Install(context.Background(), types.FullPriority)
	if !res.Success {
		t.Fatalf("install failed: %s", res.Message)
	}
	if res.Type != types.NewSystemWide {
		t.Fatalf("type = %s, want new-system-wide after isolated failure", res.Type)
	}
}

func TestAllStepsFailing(t *testing.T) {
	fx := newFixture(t, false)
	fx.ops.systemErr = errors.New("winget exploded")
	res := fx.installer.Install(context.Background(), types.FullPriority)
	if res.Success {
		t.Fatal("expected failure when every step fails")
	}
	for _, want := range []string{"locate-existing", "install-isolated", "install-system-wide"} {
		if !strings.Contains(res.Message, want) {
			t.Fatalf("message %q missing step %q", res.Message, want)
		}
	}
	if res.ExecutablePath != "" {
		t.Fatalf("failed result must not carry a path, got %s", res.ExecutablePath)
	}
}

func TestSystemWideInstallWithoutBinaryIsFailure(t *testing.T) {
	fx := newFixture(t, true)
	// Subprocess "succeeds" but nothing shows up anywhere.
	res := fx.installer.Install(context.Background(), types.SystemWideOnly)
	if res.Success {
		t.Fatal("expected failure when no binary is discoverable after system install")
	}
}
