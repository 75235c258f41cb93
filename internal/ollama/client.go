// Package ollama is the HTTP client for the managed server's control
// surface: readiness probing, model listing and pulls, and minimal
// generate/chat calls used for smoke verification.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"ollamactl/pkg/types"
)

// Client talks to one server instance. The underlying http.Client carries
// no global timeout: every call takes a context with its own deadline.
type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func New(inst types.ServerInstance, log zerolog.Logger) *Client {
	return &Client{
		base: inst.BaseURL(),
		http: &http.Client{Timeout: 0},
		log:  log.With().Str("component", "ollama").Str("base", inst.BaseURL()).Logger(),
	}
}

// NewForBase builds a client from a raw base URL. Used by tests and by
// status checks that have no full ServerInstance at hand.
func NewForBase(base string, log zerolog.Logger) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 0},
		log:  log.With().Str("component", "ollama").Str("base", base).Logger(),
	}
}

// ModelInfo is one entry of the server's model list.
type ModelInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels fetches the server's installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: unexpected status %s", resp.Status)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return tags.Models, nil
}

// HasModel reports whether ref (name or name:tag) is installed. A bare
// name matches its ":latest" tag, mirroring how the server resolves refs.
func (c *Client) HasModel(ctx context.Context, ref string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := ref
	if !strings.Contains(want, ":") {
		want = want + ":latest"
	}
	for _, m := range models {
		if m.Name == ref || m.Name == want {
			return true, nil
		}
	}
	return false, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate runs a non-streaming completion and returns the response text.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	var out generateResponse
	if err := c.postJSON(ctx, "/api/generate", generateRequest{Model: model, Prompt: prompt, Stream: false}, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// ChatMessage is one turn of a chat exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message ChatMessage `json:"message"`
}

// Chat runs a non-streaming chat call and returns the reply content.
func (c *Client) Chat(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	var out chatResponse
	if err := c.postJSON(ctx, "/api/chat", chatRequest{Model: model, Messages: messages, Stream: false}, &out); err != nil {
		return "", err
	}
	return out.Message.Content, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
