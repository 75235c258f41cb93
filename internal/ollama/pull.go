package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ollamactl/internal/metrics"
	"ollamactl/pkg/types"
)

// DefaultDebouncePercent is the minimum completion advance, in percentage
// points, between two reported progress events for the same status/digest.
const DefaultDebouncePercent = 5.0

// recheckDelay is how long to wait after a dropped pull stream before
// asking the server whether the model landed anyway.
var recheckDelay = 2 * time.Second

// PullError reports a model pull that failed for good: the stream errored
// and the model is still not listed as available.
type PullError struct {
	Model string
	Err   error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s: %v", e.Model, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// pullEvent is one NDJSON record of the streaming pull response. The
// server reports either progress fields or an error message.
type pullEvent struct {
	types.PullProgress
	Error string `json:"error,omitempty"`
}

// progressDebouncer decides which progress records are meaningfully new: a
// status change, a new digest, or completion advancing by at least Step
// points. Multi-gigabyte pulls emit thousands of byte-level updates; this
// keeps build logs readable.
type progressDebouncer struct {
	Step        float64
	seeded      bool
	lastStatus  string
	lastDigest  string
	lastPercent float64
}

func (d *progressDebouncer) report(p types.PullProgress) bool {
	step := d.Step
	if step <= 0 {
		step = DefaultDebouncePercent
	}
	switch {
	case !d.seeded:
	case p.Status != d.lastStatus:
	case p.Digest != "" && p.Digest != d.lastDigest:
	case p.Percent()-d.lastPercent >= step:
	default:
		return false
	}
	d.seeded = true
	d.lastStatus = p.Status
	if p.Digest != "" {
		d.lastDigest = p.Digest
	}
	d.lastPercent = p.Percent()
	return true
}

// Pull downloads ref without progress reporting.
func (c *Client) Pull(ctx context.Context, ref string) error {
	return c.PullWithProgress(ctx, ref, nil)
}

// PullWithProgress requests a streaming pull of ref and forwards debounced
// progress records to onProgress (which may be nil). A dropped stream is
// not an immediate failure: after a short wait the model list decides,
// since long-lived download connections sometimes die after the payload
// has actually landed.
func (c *Client) PullWithProgress(ctx context.Context, ref string, onProgress func(types.PullProgress)) error {
	body, err := json.Marshal(pullRequest{Name: ref, Stream: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.log.Info().Str("model", ref).Msg("pulling model")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.PullFinished(false)
		return &PullError{Model: ref, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.PullFinished(false)
		return &PullError{Model: ref, Err: fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(b)))}
	}

	var (
		deb           = progressDebouncer{Step: DefaultDebouncePercent}
		dec           = json.NewDecoder(resp.Body)
		received      bool
		succeeded     bool
		lastCompleted int64
		lastDigest    string
	)
	for {
		var ev pullEvent
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Stream interrupted. If nothing arrived the request itself is
			// broken; otherwise the download may have finished underneath us.
			if !received {
				metrics.PullFinished(false)
				return &PullError{Model: ref, Err: fmt.Errorf("decode pull stream: %w", err)}
			}
			c.log.Warn().Str("model", ref).Err(err).Msg("pull stream interrupted, rechecking availability")
			return c.recheckAfterInterrupt(ctx, ref, err)
		}
		received = true
		if ev.Error != "" {
			metrics.PullFinished(false)
			return &PullError{Model: ref, Err: errors.New(ev.Error)}
		}
		if ev.Digest == lastDigest && ev.Completed > lastCompleted {
			metrics.PullProgressBytes(ev.Completed - lastCompleted)
		}
		lastCompleted, lastDigest = ev.Completed, ev.Digest
		if onProgress != nil && deb.report(ev.PullProgress) {
			onProgress(ev.PullProgress)
		}
		if ev.Status == "success" {
			succeeded = true
		}
	}
	if succeeded {
		c.log.Info().Str("model", ref).Msg("model pulled")
		metrics.PullFinished(true)
		return nil
	}
	// Clean EOF without a success record is the same situation as a
	// dropped connection.
	return c.recheckAfterInterrupt(ctx, ref, errors.New("stream ended without success status"))
}

func (c *Client) recheckAfterInterrupt(ctx context.Context, ref string, cause error) error {
	select {
	case <-time.After(recheckDelay):
	case <-ctx.Done():
		metrics.PullFinished(false)
		return &PullError{Model: ref, Err: ctx.Err()}
	}
	if ok, err := c.HasModel(ctx, ref); err == nil && ok {
		c.log.Info().Str("model", ref).Msg("model available despite interrupted stream")
		metrics.PullFinished(true)
		return nil
	}
	metrics.PullFinished(false)
	return &PullError{Model: ref, Err: cause}
}
