// Package ollamatest provides a scripted fake of the server's control API
// for tests: model listing, streaming pulls, and canned generate/chat
// replies.
package ollamatest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"ollamactl/pkg/types"
)

// Server is a fake control API. Zero value is not usable; construct with
// NewServer.
type Server struct {
	mu sync.Mutex

	models       []string // listed by /api/tags
	pullScript   []types.PullProgress
	pullTruncate bool // drop the connection mid-stream after the script
	pullCalls    int
	genReply     string

	httpSrv *httptest.Server
}

// NewServer starts a fake server with the given pre-installed models.
func NewServer(models ...string) *Server {
	s := &Server{models: models, genReply: "ok"}
	r := chi.NewRouter()
	r.Get("/api/tags", s.handleTags)
	r.Post("/api/pull", s.handlePull)
	r.Post("/api/generate", s.handleGenerate)
	r.Post("/api/chat", s.handleChat)
	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL returns the fake server's base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the fake server down.
func (s *Server) Close() { s.httpSrv.Close() }

// AddModel marks a model as installed.
func (s *Server) AddModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.Contains(name, ":") {
		name += ":latest"
	}
	s.models = append(s.models, name)
}

// ScriptPull sets the progress records the next pulls stream back. When
// truncate is true the connection is dropped after the script instead of
// ending cleanly, simulating a mid-download disconnect.
func (s *Server) ScriptPull(events []types.PullProgress, truncate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullScript = events
	s.pullTruncate = truncate
}

// PullCalls reports how many times /api/pull was invoked.
func (s *Server) PullCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullCalls
}

// SetGenerateReply sets the canned generate/chat response text.
func (s *Server) SetGenerateReply(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genReply = text
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := append([]string(nil), s.models...)
	s.mu.Unlock()
	type model struct {
		Name string `json:"name"`
	}
	out := struct {
		Models []model `json:"models"`
	}{}
	for _, n := range names {
		if !strings.Contains(n, ":") {
			n += ":latest"
		}
		out.Models = append(out.Models, model{Name: n})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.pullCalls++
	script := append([]types.PullProgress(nil), s.pullScript...)
	truncate := s.pullTruncate
	s.mu.Unlock()

	if len(script) == 0 {
		script = []types.PullProgress{
			{Status: "pulling manifest"},
			{Status: "downloading", Digest: "sha256:feed", Total: 100, Completed: 100},
			{Status: "success"},
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, ev := range script {
		_ = enc.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if truncate {
		// Abort the connection so the client sees a stream error.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}
	// Clean end of stream: mark the model installed.
	s.AddModel(req.Name)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reply := s.genReply
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"response": reply})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reply := s.genReply
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": map[string]string{"role": "assistant", "content": reply},
	})
}
