package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ollamactl/internal/ollama/ollamatest"
	"ollamactl/pkg/types"
)

func TestProgressDebouncer(t *testing.T) {
	d := progressDebouncer{Step: 5}

	if !d.report(types.PullProgress{Status: "downloading", Total: 1000, Completed: 0}) {
		t.Fatal("initial record must be reported")
	}
	// 100 byte-level updates, same status, no digest, <5% total advance.
	extra := 0
	for i := 1; i <= 100; i++ {
		p := types.PullProgress{Status: "downloading", Total: 1000, Completed: int64(i) * 40 / 100}
		if d.report(p) {
			extra++
		}
	}
	if extra > 1 {
		t.Fatalf("debouncer fired %d times for <5%% progress noise, want at most 1", extra)
	}

	if !d.report(types.PullProgress{Status: "verifying sha256 digest", Total: 1000, Completed: 40}) {
		t.Fatal("status change must be reported")
	}
	if !d.report(types.PullProgress{Status: "verifying sha256 digest", Digest: "sha256:aa", Total: 1000, Completed: 40}) {
		t.Fatal("new digest must be reported")
	}
	if d.report(types.PullProgress{Status: "verifying sha256 digest", Digest: "sha256:aa", Total: 1000, Completed: 41}) {
		t.Fatal("same status/digest with tiny advance must be debounced")
	}
	if !d.report(types.PullProgress{Status: "verifying sha256 digest", Digest: "sha256:aa", Total: 1000, Completed: 100}) {
		t.Fatal("5-point advance must be reported")
	}
}

func TestPullSuccessStream(t *testing.T) {
	srv := ollamatest.NewServer()
	defer srv.Close()
	srv.ScriptPull([]types.PullProgress{
		{Status: "pulling manifest"},
		{Status: "downloading", Digest: "sha256:01", Total: 100, Completed: 50},
		{Status: "downloading", Digest: "sha256:01", Total: 100, Completed: 100},
		{Status: "success"},
	}, false)

	c := NewForBase(srv.URL(), zerolog.Nop())
	var seen []string
	err := c.PullWithProgress(context.Background(), "llama3.2:1b", func(p types.PullProgress) {
		seen = append(seen, p.Status)
	})
	if err != nil {
		t.Fatalf("PullWithProgress: %v", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != "success" {
		t.Fatalf("progress statuses = %v, want trailing success", seen)
	}
}

func TestPullDebouncesNoise(t *testing.T) {
	script := []types.PullProgress{{Status: "downloading", Digest: "sha256:01", Total: 10000, Completed: 0}}
	for i := 1; i <= 100; i++ {
		script = append(script, types.PullProgress{
			Status: "downloading", Digest: "sha256:01", Total: 10000, Completed: int64(i * 4),
		})
	}
	script = append(script, types.PullProgress{Status: "success"})

	srv := ollamatest.NewServer()
	defer srv.Close()
	srv.ScriptPull(script, false)

	c := NewForBase(srv.URL(), zerolog.Nop())
	calls := 0
	err := c.PullWithProgress(context.Background(), "llama3.2:1b", func(types.PullProgress) { calls++ })
	if err != nil {
		t.Fatalf("PullWithProgress: %v", err)
	}
	// Initial record, at most one noise report, and the success record.
	if calls > 3 {
		t.Fatalf("callback fired %d times, want at most 3", calls)
	}
}

func TestPullErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"status":"pulling manifest"}` + "\n"))
		_, _ = w.Write([]byte(`{"error":"pull model manifest: file does not exist"}` + "\n"))
	}))
	defer srv.Close()

	c := NewForBase(srv.URL, zerolog.Nop())
	err := c.Pull(context.Background(), "nosuch")
	var pe *PullError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PullError, got %v", err)
	}
	if !strings.Contains(pe.Error(), "file does not exist") {
		t.Fatalf("PullError message = %q", pe.Error())
	}
}

func TestPullCleanEndWithoutSuccessRechecks(t *testing.T) {
	restore := recheckDelay
	recheckDelay = 10 * time.Millisecond
	defer func() { recheckDelay = restore }()

	srv := ollamatest.NewServer()
	defer srv.Close()
	srv.ScriptPull([]types.PullProgress{{Status: "pulling manifest"}}, false)

	// The fake marks the model installed on clean stream end, so the
	// availability recheck resolves the missing success record.
	c := NewForBase(srv.URL(), zerolog.Nop())
	if err := c.Pull(context.Background(), "llama3.2:1b"); err != nil {
		t.Fatalf("Pull: %v", err)
	}
}

func TestPullStreamInterruptedModelLanded(t *testing.T) {
	restore := recheckDelay
	recheckDelay = 10 * time.Millisecond
	defer func() { recheckDelay = restore }()

	srv := ollamatest.NewServer()
	defer srv.Close()
	srv.ScriptPull([]types.PullProgress{
		{Status: "downloading", Digest: "sha256:01", Total: 100, Completed: 90},
	}, true) // connection dropped mid-stream
	srv.AddModel("llama3.2:1b") // the payload actually landed

	c := NewForBase(srv.URL(), zerolog.Nop())
	if err := c.Pull(context.Background(), "llama3.2:1b"); err != nil {
		t.Fatalf("expected availability recheck to succeed, got %v", err)
	}
}

func TestPullStreamInterruptedModelMissing(t *testing.T) {
	restore := recheckDelay
	recheckDelay = 10 * time.Millisecond
	defer func() { recheckDelay = restore }()

	srv := ollamatest.NewServer()
	defer srv.Close()
	srv.ScriptPull([]types.PullProgress{
		{Status: "downloading", Digest: "sha256:01", Total: 100, Completed: 10},
	}, true)

	c := NewForBase(srv.URL(), zerolog.Nop())
	err := c.Pull(context.Background(), "llama3.2:1b")
	var pe *PullError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PullError, got %v", err)
	}
	if pe.Model != "llama3.2:1b" {
		t.Fatalf("PullError.Model = %s", pe.Model)
	}
}

func TestPullAgainstDeadServer(t *testing.T) {
	srv := ollamatest.NewServer()
	url := srv.URL()
	srv.Close()

	c := NewForBase(url, zerolog.Nop())
	err := c.Pull(context.Background(), "llama3.2:1b")
	var pe *PullError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PullError, got %v", err)
	}
}

func TestPullPercent(t *testing.T) {
	cases := []struct {
		p    types.PullProgress
		want float64
	}{
		{types.PullProgress{Total: 0, Completed: 10}, 0},
		{types.PullProgress{Total: 200, Completed: 50}, 25},
		{types.PullProgress{Total: 100, Completed: 100}, 100},
	}
	for i, tc := range cases {
		if got := tc.p.Percent(); got != tc.want {
			t.Fatalf("case %d: Percent() = %v, want %v", i, got, tc.want)
		}
	}
}

func TestPullRespectsContext(t *testing.T) {
	srv := ollamatest.NewServer()
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	c := NewForBase(srv.URL(), zerolog.Nop())
	if err := c.Pull(ctx, "llama3.2:1b"); err == nil {
		t.Fatal("expected context error")
	}
}
