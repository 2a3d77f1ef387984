package config

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 200*time.Millisecond, cfg.Debounce.Interval())
	assert.True(t, cfg.Debounce.TrivialAppendEnabled)
	assert.Equal(t, 1, cfg.Debounce.TrivialAppendMaxChars)
	assert.Equal(t, 50*time.Millisecond, cfg.Race.DiagnosticsDelay())
	assert.Equal(t, time.Second, cfg.Race.ExtendedWait())
	assert.Equal(t, 100, cfg.Cache.SpeculativeCapacity)
	assert.Equal(t, 20, cfg.Edits.MaxEntries)
	assert.Equal(t, 10, cfg.Edits.MinLength)
	assert.Equal(t, 200, cfg.Edits.MaxLength)
	assert.Equal(t, 500, cfg.Provider.MaxTokens)
	assert.InDelta(t, 0.1, cfg.Provider.Temperature, 1e-9)
	assert.InDelta(t, 0.75, cfg.Refactor.MinConfidence, 1e-9)
}

func TestParseOverridesNestedKeys(t *testing.T) {
	cfg, err := Parse(`{
		"log_level": "debug",
		"debounce": {"interval_ms": 500, "trivial_append_enabled": false},
		"race": {"extended_wait_ms": 250},
		"provider": {"api_key": "secret"}
	}`)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce.Interval())
	assert.False(t, cfg.Debounce.TrivialAppendEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Race.ExtendedWait())
	assert.Equal(t, "secret", cfg.Provider.APIKey)
	// untouched nested keys keep their defaults
	assert.Equal(t, 1, cfg.Debounce.TrivialAppendMaxChars)
}

func TestParseEnvOverride(t *testing.T) {
	t.Setenv("GHOSTTAB_PROVIDER_API_KEY", "from-env")
	cfg, err := Parse(`{}`)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Provider.APIKey)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse(`{not json`)
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad log level", `{"log_level": "chatty"}`},
		{"zero cache", `{"cache": {"speculative_capacity": 0}}`},
		{"negative debounce", `{"debounce": {"interval_ms": -1}}`},
		{"confidence above one", `{"refactor": {"min_confidence": 1.5}}`},
		{"metrics without url", `{"metrics": {"enabled": true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
