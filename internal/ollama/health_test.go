package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ollamactl/internal/ollama/ollamatest"
)

func TestWaitUntilReadyImmediate(t *testing.T) {
	srv := ollamatest.NewServer()
	defer srv.Close()
	c := NewForBase(srv.URL(), zerolog.Nop())
	if err := c.WaitUntilReady(context.Background(), 5*time.Second, 100*time.Millisecond); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
}

func TestWaitUntilReadyEventually(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()
	c := NewForBase(srv.URL, zerolog.Nop())
	if err := c.WaitUntilReady(context.Background(), 5*time.Second, 50*time.Millisecond); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected at least 3 probes, got %d", calls)
	}
}

func TestWaitUntilReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "never ready", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewForBase(srv.URL, zerolog.Nop())

	timeout := 1 * time.Second
	start := time.Now()
	err := c.WaitUntilReady(context.Background(), timeout, 100*time.Millisecond)
	elapsed := time.Since(start)

	var ste *StartupTimeoutError
	if !errors.As(err, &ste) {
		t.Fatalf("expected StartupTimeoutError, got %v", err)
	}
	if elapsed < timeout || elapsed > timeout+2*time.Second {
		t.Fatalf("returned after %s, want roughly the %s timeout", elapsed, timeout)
	}
}
