package fimapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ghosttab/types"

	"github.com/andybalholm/brotli"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(url string) Options {
	return Options{
		URL:                  url,
		EditRangeURL:         url,
		APIKey:               "secret",
		RetryMaxElapsed:      2 * time.Second,
		RetryInitialInterval: time.Millisecond,
	}
}

func TestCompleteSendsRequestBody(t *testing.T) {
	var got CompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"text":"return nil","index":0,"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	c := NewClient(testOptions(server.URL))
	resp, err := c.Complete(context.Background(), &CompletionRequest{
		Prompt:          "func f() error {\n\t",
		Suffix:          "\n}",
		OpenFiles:       []types.OpenFile{{FilePath: "b.go", Content: "package b"}},
		Language:        "go",
		MaxTokens:       500,
		Temperature:     0.1,
		N:               1,
		CurrentDocument: "file:///a.go",
		Position:        &Position{Line: 1, Column: 1},
	})
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "return nil", resp.Choices[0].Text)
	assert.Equal(t, "cmpl-1", resp.ID)

	assert.Equal(t, "go", got.Language)
	assert.Equal(t, 500, got.MaxTokens)
	assert.Equal(t, "b.go", got.OpenFiles[0].FilePath)
	assert.Equal(t, &Position{Line: 1, Column: 1}, got.Position)
	assert.False(t, got.Stream)
}

func TestCompleteCompressesWithBrotli(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br", r.Header.Get("Content-Encoding"))

		compressed, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
		require.NoError(t, err)

		var req CompletionRequest
		require.NoError(t, json.Unmarshal(plain, &req))
		assert.Equal(t, "x := ", req.Prompt)

		_, _ = w.Write([]byte(`{"choices":[{"text":"1"}]}`))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.Compress = true
	resp, err := NewClient(opts).Complete(context.Background(), &CompletionRequest{Prompt: "x := "})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Choices[0].Text)
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewClient(testOptions(server.URL)).Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad prompt"))
	}))
	defer server.Close()

	_, err := NewClient(testOptions(server.URL)).Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad prompt")
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
		}
	}))
	defer server.Close()

	resp, err := NewClient(testOptions(server.URL)).Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCancelledContextStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(testOptions(server.URL)).Complete(ctx, &CompletionRequest{})
	require.Error(t, err)
}

func TestDetectEditRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EditRangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "python", req.Language)
		_, _ = w.Write([]byte(`{"should_replace":true,"confidence":0.9,"reason":"loop","replace_range":{"start_line":2,"end_line":4}}`))
	}))
	defer server.Close()

	resp, err := NewClient(testOptions(server.URL)).DetectEditRange(context.Background(), &EditRangeRequest{Language: "python"})
	require.NoError(t, err)
	assert.True(t, resp.ShouldReplace)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, &LineSpan{StartLine: 2, EndLine: 4}, resp.ReplaceRange)
}

func TestSetAPIKey(t *testing.T) {
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.APIKey = ""
	c := NewClient(opts)
	assert.False(t, c.HasAPIKey())

	c.SetAPIKey("fresh")
	assert.True(t, c.HasAPIKey())
	_, err := c.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh", auth.Load())
}
