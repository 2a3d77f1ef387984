package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ghosttab/clock"
	"ghosttab/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	requests []MetricsRequest
	auth     []string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var m MetricsRequest
	if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.requests = append(r.requests, m)
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *recorder) byEvent(event string) *MetricsRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.requests {
		if r.requests[i].EventType == event {
			return &r.requests[i]
		}
	}
	return nil
}

func newTestTracker(t *testing.T, clk clock.Clock) (*Tracker, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return NewTracker(Config{URL: srv.URL, APIKey: "secret", EditorInfo: "nvim 0.10"}, clk), rec
}

func fimSuggestion(id int64, text string) *types.Suggestion {
	return &types.Suggestion{
		Kind:        types.KindFIM,
		RequestID:   id,
		Completions: []*types.Completion{{Text: text}},
	}
}

func TestShownThenAcceptedReportsLifespan(t *testing.T) {
	clk := clock.NewMock()
	tr, rec := newTestTracker(t, clk)
	s := fimSuggestion(7, "a\nb")

	tr.Shown(s)
	clk.Advance(1500 * time.Millisecond)
	tr.Accepted(s)
	tr.Flush()

	shown := rec.byEvent(EventShown)
	require.NotNil(t, shown)
	assert.Equal(t, "fim", shown.SuggestionKind)
	assert.Equal(t, "fim-7", shown.SuggestionID)
	assert.Equal(t, 2, shown.Additions)
	assert.Nil(t, shown.Lifespan)
	assert.Equal(t, "nvim 0.10", shown.DebugInfo)
	assert.Equal(t, tr.DeviceID(), shown.DeviceID)

	accepted := rec.byEvent(EventAccepted)
	require.NotNil(t, accepted)
	require.NotNil(t, accepted.Lifespan)
	assert.Equal(t, int64(1500), *accepted.Lifespan)
	assert.Equal(t, shown.SessionID, accepted.SessionID)
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, rec.auth)
}

func TestRejectedWithoutShownHasNoLifespan(t *testing.T) {
	tr, rec := newTestTracker(t, clock.NewMock())
	tr.Rejected(fimSuggestion(1, "x"))
	tr.Flush()

	rejected := rec.byEvent(EventRejected)
	require.NotNil(t, rejected)
	assert.Nil(t, rejected.Lifespan)
}

func TestIgnoredNamesWinner(t *testing.T) {
	tr, rec := newTestTracker(t, clock.NewMock())
	loser := &types.Suggestion{Kind: types.KindDiagnostics, RequestID: 3}
	tr.Ignored(loser, fimSuggestion(9, "x"))
	tr.Ignored(loser, nil)
	tr.Flush()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.requests, 2)
	var superseded []string
	for _, r := range rec.requests {
		assert.Equal(t, "diagnostics-3", r.SuggestionID)
		assert.Equal(t, 0, r.Additions)
		superseded = append(superseded, r.SupersededBy)
	}
	assert.ElementsMatch(t, []string{"fim-9", ""}, superseded)
}

func TestServerErrorsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTracker(Config{URL: srv.URL}, clock.NewMock())
	tr.Shown(fimSuggestion(1, "x"))
	tr.Flush()
}

func TestDeviceIDPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first := loadOrCreateDeviceID(dir)
	_, err := uuid.Parse(first)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "device_id"))
	require.NoError(t, err)
	assert.Equal(t, first, string(data))
	assert.Equal(t, first, loadOrCreateDeviceID(dir))

	assert.NotEqual(t, loadOrCreateDeviceID(""), loadOrCreateDeviceID(""))
}
