package main

import (
	"testing"

	"ghosttab/config"
	"ghosttab/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateEvent(t *testing.T) {
	tests := []struct {
		name    string
		want    engine.EventType
		cycling bool
		changes int
	}{
		{"text_changed", engine.EventTextChanged, false, 1},
		{"trigger", engine.EventTrigger, false, 0},
		{"cycle", engine.EventTrigger, true, 0},
		{"accept", engine.EventAccept, false, 0},
		{"reject", engine.EventReject, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := translateEvent(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, tt.cycling, ev.Cycling)
			assert.Len(t, ev.Changes, tt.changes)
			if tt.changes > 0 {
				assert.Nil(t, ev.Changes[0].Range, "plugin changes are unranged")
			}
		})
	}
}

func TestTranslateEventRejectsInternalEvents(t *testing.T) {
	for _, name := range []string{"race_done", "buf_close", "", "bogus"} {
		_, ok := translateEvent(name)
		assert.False(t, ok, name)
	}
}

func TestRedactedHidesAPIKey(t *testing.T) {
	cfg, err := config.Parse(`{"provider": {"api_key": "sk-123"}}`)
	require.NoError(t, err)

	safe := redacted(cfg)
	assert.Equal(t, "***", safe.Provider.APIKey)
	assert.Equal(t, "sk-123", cfg.Provider.APIKey)
}

func TestNewDaemonWiresProviders(t *testing.T) {
	cfg, err := config.Parse(`{"metrics": {"enabled": true, "url": "http://localhost:1/metrics"}}`)
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()

	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	defer d.cancel()

	assert.NotNil(t, d.metrics)
	assert.Len(t, d.registry.Kinds(), 2)
}
