package platform

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestDetectFrom(t *testing.T) {
	cases := []struct {
		goos   string
		family Family
		ok     bool
	}{
		{"darwin", Darwin, true},
		{"linux", Linux, true},
		{"windows", Windows, true},
		{"plan9", "", false},
		{"freebsd", "", false},
	}
	for _, c := range cases {
		p, err := detectFrom(c.goos, "amd64")
		if c.ok {
			if err != nil {
				t.Fatalf("detectFrom(%s): %v", c.goos, err)
			}
			if p.Family != c.family {
				t.Fatalf("detectFrom(%s) family = %s, want %s", c.goos, p.Family, c.family)
			}
			continue
		}
		if err == nil {
			t.Fatalf("detectFrom(%s): expected error", c.goos)
		}
		var upe *UnsupportedPlatformError
		if !errors.As(err, &upe) {
			t.Fatalf("detectFrom(%s): expected UnsupportedPlatformError, got %T", c.goos, err)
		}
	}
}

func TestDetectCurrentHost(t *testing.T) {
	p, err := Detect()
	if err != nil {
		t.Fatalf("Detect on %s: %v", runtime.GOOS, err)
	}
	if p.ExeName() == "" || p.ArchiveName() == "" {
		t.Fatalf("incomplete platform: %+v", p)
	}
}

func TestDownloadURL(t *testing.T) {
	p := Platform{Family: Linux, Arch: "amd64"}
	if got := p.DownloadURL(""); got != "https://ollama.com/download/ollama-linux-amd64.tgz" {
		t.Fatalf("latest URL = %s", got)
	}
	if got := p.DownloadURL("0.5.7"); !strings.Contains(got, "/v0.5.7/ollama-linux-amd64.tgz") {
		t.Fatalf("pinned URL = %s", got)
	}
	if got := p.DownloadURL("v0.5.7"); !strings.Contains(got, "/v0.5.7/") {
		t.Fatalf("v-prefixed URL = %s", got)
	}

	w := Platform{Family: Windows, Arch: "amd64"}
	if got := w.ArchiveName(); got != "ollama-windows-amd64.zip" {
		t.Fatalf("windows archive = %s", got)
	}
	d := Platform{Family: Darwin, Arch: "arm64"}
	if got := d.ArchiveName(); got != "ollama-darwin.tgz" {
		t.Fatalf("darwin archive = %s", got)
	}
}

func TestIsSystemPath(t *testing.T) {
	p := Platform{Family: Linux, Arch: "amd64"}
	if !p.IsSystemPath("/usr/local/bin/ollama") {
		t.Fatal("expected /usr/local/bin/ollama to be a system path")
	}
	if p.IsSystemPath("/home/ci/project/.ollama/bin/ollama") {
		t.Fatal("project-local path classified as system")
	}
	if p.IsSystemPath("/usr/local/binx/ollama") {
		t.Fatal("prefix match must respect path separators")
	}

	w := Platform{Family: Windows, Arch: "amd64"}
	if !w.IsSystemPath(`c:\program files\ollama\ollama.exe`) {
		t.Fatal("windows system path match should be case-insensitive")
	}
}

func TestPortInListing(t *testing.T) {
	ssOut := `State   Recv-Q  Send-Q  Local Address:Port  Peer Address:Port
LISTEN  0       4096    127.0.0.1:11434     0.0.0.0:*
LISTEN  0       511     0.0.0.0:80          0.0.0.0:*`
	if !portInListing(ssOut, 11434, "LISTEN") {
		t.Fatal("expected 11434 to be found")
	}
	if portInListing(ssOut, 1143, "LISTEN") {
		t.Fatal("1143 must not match 11434 (suffix rule)")
	}
	if portInListing(ssOut, 8080, "LISTEN") {
		t.Fatal("8080 should not be found")
	}

	netstatOut := `  TCP    0.0.0.0:11434   0.0.0.0:0   LISTENING   4321
  TCP    0.0.0.0:11434   1.2.3.4:999 ESTABLISHED 4321`
	if !portInListing(netstatOut, 11434, "LISTENING") {
		t.Fatal("expected LISTENING 11434 to be found")
	}
	if portInListing(netstatOut, 999, "LISTENING") {
		t.Fatal("peer port on a non-listening row should not match")
	}
}

func TestTail(t *testing.T) {
	if got := tail("hello", 10); got != "hello" {
		t.Fatalf("tail short = %q", got)
	}
	if got := tail("0123456789", 4); got != "6789" {
		t.Fatalf("tail long = %q", got)
	}
}
