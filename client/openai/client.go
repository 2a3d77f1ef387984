package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"ghosttab/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// DefaultPath is the completions endpoint relative to the base URL
const DefaultPath = "/v1/completions"

// CompletionRequest matches the OpenAI Completion API format
type CompletionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop,omitempty"`
	N           int      `json:"n"`
	Stream      bool     `json:"stream"`
}

// Choice is one completion in a response or stream chunk
type Choice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// CompletionResponse matches the OpenAI Completion API response format
type CompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamResult contains the result of a streaming completion
type StreamResult struct {
	Text         string
	FinishReason string
	StoppedEarly bool
}

// Client is an OpenAI-compatible completions client
type Client struct {
	HTTPClient  *http.Client
	URL         string
	Path        string
	APIKey      string
	RetryWindow time.Duration // 0 disables retries
}

func NewClient(url, path, apiKey string) *Client {
	if path == "" {
		path = DefaultPath
	}
	return &Client{
		HTTPClient:  &http.Client{},
		URL:         strings.TrimSuffix(url, "/"),
		Path:        path,
		APIKey:      apiKey,
		RetryWindow: 2 * time.Second,
	}
}

// DoCompletion sends a non-streaming completion request. 429 and 5xx
// responses are retried until RetryWindow elapses.
func (c *Client) DoCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	defer logger.Trace("openai.DoCompletion")()
	req.Stream = false

	var out CompletionResponse
	op := func() error {
		resp, err := c.send(ctx, req, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decode response"))
		}
		return nil
	}

	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}
	return &out, nil
}

// DoStreamingCompletion streams a completion and stops after maxLines
// newlines (0 = no limit). Only the initial request is retried.
func (c *Client) DoStreamingCompletion(ctx context.Context, req *CompletionRequest, maxLines int) (*StreamResult, error) {
	defer logger.Trace("openai.DoStreamingCompletion")()
	req.Stream = true

	var resp *http.Response
	op := func() error {
		r, err := c.send(ctx, req, true)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readStream(resp.Body, maxLines), nil
}

func (c *Client) retry(ctx context.Context, op backoff.Operation) error {
	if c.RetryWindow <= 0 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxElapsedTime = c.RetryWindow
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

// send posts req and returns a 2xx response; the caller closes the body
func (c *Client) send(ctx context.Context, req *CompletionRequest, stream bool) (*http.Response, error) {
	// encode without HTML escaping so code survives verbatim
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "marshal request"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+c.Path, &buf)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "create request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, errors.Wrap(err, "send request")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := errors.Newf("request failed with status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, statusErr
	}
	return nil, backoff.Permanent(statusErr)
}

// readStream reads an SSE stream and stops after maxLines newlines
func readStream(body io.Reader, maxLines int) *StreamResult {
	var text strings.Builder
	var finishReason string
	lines := 0
	stoppedEarly := false

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == "data: [DONE]" {
			break
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var chunk CompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("openai stream: failed to parse chunk: %v", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		piece := chunk.Choices[0].Text
		text.WriteString(piece)
		lines += strings.Count(piece, "\n")
		if maxLines > 0 && lines >= maxLines {
			stoppedEarly = true
			logger.Debug("openai stream: stopping early at %d lines (max: %d)", lines, maxLines)
			break
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("openai stream: scanner error: %v", err)
	}

	return &StreamResult{
		Text:         text.String(),
		FinishReason: finishReason,
		StoppedEarly: stoppedEarly,
	}
}
