// Package fimapi talks to the fill-in-middle completion backend.
package fimapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ghosttab/logger"
	"ghosttab/types"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// ErrUnauthorized is returned when the backend rejects the API key
var ErrUnauthorized = errors.New("fim backend rejected the api key")

// Position is the cursor location sent with a request
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// CompletionRequest is the body of a FIM request
type CompletionRequest struct {
	Prompt          string           `json:"prompt"`
	Suffix          string           `json:"suffix"`
	OpenFiles       []types.OpenFile `json:"openFiles"`
	Language        string           `json:"language"`
	MaxTokens       int              `json:"max_tokens"`
	Temperature     float64          `json:"temperature"`
	Stream          bool             `json:"stream"`
	N               int              `json:"n"`
	CurrentDocument string           `json:"currentDocument,omitempty"`
	Position        *Position        `json:"position,omitempty"`
}

// Choice is one generated completion
type Choice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

// CompletionResponse is the backend reply
type CompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// EditRangeRequest asks the backend whether code around the cursor should be replaced
type EditRangeRequest struct {
	Prefix    string           `json:"prefix"`
	Suffix    string           `json:"suffix"`
	Language  string           `json:"language"`
	OpenFiles []types.OpenFile `json:"openFiles"`
}

// LineSpan is a 0-indexed inclusive line range
type LineSpan struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// EditRangeResponse describes a suggested replacement range
type EditRangeResponse struct {
	ShouldReplace bool      `json:"should_replace"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	ReplaceRange  *LineSpan `json:"replace_range"`
}

// Options configures a Client
type Options struct {
	URL                  string
	EditRangeURL         string
	APIKey               string
	Compress             bool
	Timeout              time.Duration // 0 = no timeout
	RetryMaxElapsed      time.Duration
	RetryInitialInterval time.Duration
}

// Client is the HTTP client for the FIM backend
type Client struct {
	HTTPClient *http.Client
	opts       Options

	mu     sync.RWMutex
	apiKey string
}

func NewClient(opts Options) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
		apiKey:     opts.APIKey,
	}
}

// SetAPIKey replaces the key used for subsequent requests
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// HasAPIKey reports whether a key is configured
func (c *Client) HasAPIKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

func (c *Client) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Complete sends a FIM request
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	defer logger.Trace("fimapi.Complete")()

	var resp CompletionResponse
	if err := c.post(ctx, c.opts.URL, req, &resp); err != nil {
		return nil, errors.Wrap(err, "fim completion")
	}
	return &resp, nil
}

// DetectEditRange asks the backend for a replacement range around the cursor
func (c *Client) DetectEditRange(ctx context.Context, req *EditRangeRequest) (*EditRangeResponse, error) {
	defer logger.Trace("fimapi.DetectEditRange")()

	var resp EditRangeResponse
	if err := c.post(ctx, c.opts.EditRangeURL, req, &resp); err != nil {
		return nil, errors.Wrap(err, "detect edit range")
	}
	return &resp, nil
}

// encode marshals body, compressing it with brotli (quality 1) when enabled
func (c *Client) encode(body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	if !c.opts.Compress {
		return data, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, 1)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "compress request")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close brotli writer")
	}
	return buf.Bytes(), nil
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	if c.opts.RetryMaxElapsed > 0 {
		expo.MaxElapsedTime = c.opts.RetryMaxElapsed
	}
	if c.opts.RetryInitialInterval > 0 {
		expo.InitialInterval = c.opts.RetryInitialInterval
	}
	return backoff.WithContext(expo, ctx)
}

// post sends body as JSON and decodes the reply into out. 429 and 5xx are
// retried with exponential backoff; other 4xx fail immediately.
func (c *Client) post(ctx context.Context, url string, body, out any) error {
	payload, err := c.encode(body)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "create request"))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.Compress {
			req.Header.Set("Content-Encoding", "br")
		}
		if key := c.key(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.Wrap(err, "send request")
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(errors.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests:
			logger.Warn("fimapi: rate limited (attempt %d)", attempt)
			return errors.Newf("rate limited: %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(statusError(resp))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return statusError(resp)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "parse response"))
		}
		return nil
	}

	if err := backoff.Retry(op, c.backoff(ctx)); err != nil {
		logger.Debug("fimapi: %s failed after %d attempt(s): %v", url, attempt, err)
		return err
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.Newf("request failed with status %d: %s", resp.StatusCode, string(snippet))
}

// String renders a request for debug logs without the full prompt
func (r *CompletionRequest) String() string {
	return fmt.Sprintf("lang=%s n=%d prompt=%d chars suffix=%d chars openFiles=%d",
		r.Language, r.N, len(r.Prompt), len(r.Suffix), len(r.OpenFiles))
}
