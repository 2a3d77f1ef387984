package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ghosttab/clock"
	"ghosttab/logger"
	"ghosttab/types"

	"github.com/google/uuid"
)

const (
	EventShown    = "suggestion_shown"
	EventAccepted = "suggestion_accepted"
	EventRejected = "suggestion_rejected"
	EventIgnored  = "suggestion_ignored"
)

type MetricsRequest struct {
	EventType      string `json:"event_type"`
	SuggestionKind string `json:"suggestion_kind"`
	SuggestionID   string `json:"suggestion_id"`
	SupersededBy   string `json:"superseded_by,omitempty"`
	Additions      int    `json:"additions"`
	Lifespan       *int64 `json:"lifespan"`
	DebugInfo      string `json:"debug_info"`
	DeviceID       string `json:"device_id"`
	SessionID      string `json:"session_id"`
}

type Config struct {
	URL        string
	APIKey     string
	EditorInfo string
	DataDir    string // where the device id is kept; "" uses a fresh id
}

// Tracker reports suggestion lifecycle events. Requests are posted in the
// background and failures are only logged.
type Tracker struct {
	config     Config
	deviceID   string
	sessionID  string
	clock      clock.Clock
	httpClient *http.Client

	mu      sync.Mutex
	shownAt map[string]time.Time

	inflight sync.WaitGroup
}

func NewTracker(config Config, clk clock.Clock) *Tracker {
	return &Tracker{
		config:     config,
		deviceID:   loadOrCreateDeviceID(config.DataDir),
		sessionID:  uuid.NewString(),
		clock:      clk,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		shownAt:    make(map[string]time.Time),
	}
}

// DeviceID returns the persistent id of this machine
func (t *Tracker) DeviceID() string {
	return t.deviceID
}

func (t *Tracker) Shown(s *types.Suggestion) {
	id := suggestionID(s)
	t.mu.Lock()
	t.shownAt[id] = t.clock.Now()
	t.mu.Unlock()
	t.sendRequest(t.request(EventShown, s, nil))
}

func (t *Tracker) Accepted(s *types.Suggestion) {
	t.sendRequest(t.request(EventAccepted, s, t.lifespan(s)))
}

func (t *Tracker) Rejected(s *types.Suggestion) {
	t.sendRequest(t.request(EventRejected, s, t.lifespan(s)))
}

func (t *Tracker) Ignored(loser, winner *types.Suggestion) {
	req := t.request(EventIgnored, loser, nil)
	if winner != nil {
		req.SupersededBy = suggestionID(winner)
	}
	t.sendRequest(req)
}

// Flush waits for requests still being sent
func (t *Tracker) Flush() {
	t.inflight.Wait()
}

func (t *Tracker) lifespan(s *types.Suggestion) *int64 {
	id := suggestionID(s)
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.shownAt[id]
	if !ok {
		return nil
	}
	delete(t.shownAt, id)
	ms := t.clock.Now().Sub(at).Milliseconds()
	return &ms
}

func (t *Tracker) request(event string, s *types.Suggestion, lifespan *int64) *MetricsRequest {
	additions := 0
	if c := s.First(); c != nil {
		additions = strings.Count(c.Text, "\n") + 1
	}
	return &MetricsRequest{
		EventType:      event,
		SuggestionKind: s.Kind.String(),
		SuggestionID:   suggestionID(s),
		Additions:      additions,
		Lifespan:       lifespan,
		DebugInfo:      t.config.EditorInfo,
		DeviceID:       t.deviceID,
		SessionID:      t.sessionID,
	}
}

func suggestionID(s *types.Suggestion) string {
	return fmt.Sprintf("%s-%d", s.Kind, s.RequestID)
}

func (t *Tracker) sendRequest(req *MetricsRequest) {
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		body, err := json.Marshal(req)
		if err != nil {
			logger.Debug("metrics: marshal error: %v", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
		if err != nil {
			logger.Debug("metrics: create request error: %v", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if t.config.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
		}

		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			logger.Debug("metrics: send error: %v", err)
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			logger.Debug("metrics: server returned %d for %s", resp.StatusCode, req.EventType)
		} else {
			logger.Debug("metrics: sent %s (id=%s)", req.EventType, req.SuggestionID)
		}
	}()
}

func loadOrCreateDeviceID(dataDir string) string {
	if dataDir == "" {
		return uuid.NewString()
	}

	idPath := filepath.Join(dataDir, "device_id")
	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Warn("metrics: could not create data dir %s: %v", dataDir, err)
		return id
	}
	if err := os.WriteFile(idPath, []byte(id), 0o644); err != nil {
		logger.Warn("metrics: could not write device_id: %v", err)
	}
	return id
}
