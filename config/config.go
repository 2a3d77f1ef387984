package config

import (
	"os"
	"strings"
	"time"

	"ghosttab/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvVar holds the JSON configuration passed by the editor plugin
const EnvVar = "GHOSTTAB_CONFIG"

// ErrInvalidConfig is returned when a loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	NsID                   int    `mapstructure:"ns_id"`
	LogLevel               string `mapstructure:"log_level"`
	DebugImmediateShutdown bool   `mapstructure:"debug_immediate_shutdown"`
	DataDir                string `mapstructure:"data_dir"`

	Provider ProviderConfig `mapstructure:"provider"`
	Debounce DebounceConfig `mapstructure:"debounce"`
	Race     RaceConfig     `mapstructure:"race"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Edits    EditsConfig    `mapstructure:"edits"`
	Refactor RefactorConfig `mapstructure:"refactor"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type ProviderConfig struct {
	FimURL           string  `mapstructure:"fim_url"`
	EditRangeURL     string  `mapstructure:"edit_range_url"`
	APIKey           string  `mapstructure:"api_key"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	Temperature      float64 `mapstructure:"temperature"`
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	Compress         bool    `mapstructure:"compress"`
	DiagnosticsURL   string  `mapstructure:"diagnostics_url"`
	DiagnosticsPath  string  `mapstructure:"diagnostics_path"`
	DiagnosticsModel string  `mapstructure:"diagnostics_model"`
}

type DebounceConfig struct {
	IntervalMs            int  `mapstructure:"interval_ms"`
	TrivialAppendEnabled  bool `mapstructure:"trivial_append_enabled"`
	TrivialAppendMaxChars int  `mapstructure:"trivial_append_max_chars"`
	MaxRequestsPerMinute  int  `mapstructure:"max_requests_per_minute"` // 0 = unlimited
}

type RaceConfig struct {
	DiagnosticsDelayMs int `mapstructure:"diagnostics_delay_ms"`
	ExtendedWaitMs     int `mapstructure:"extended_wait_ms"`
	FimTimeoutMs       int `mapstructure:"fim_timeout_ms"`
}

type CacheConfig struct {
	SpeculativeCapacity int `mapstructure:"speculative_capacity"`
	CompletionsPerFile  int `mapstructure:"completions_per_file"`
}

type EditsConfig struct {
	MaxEntries   int `mapstructure:"max_entries"`
	MinLength    int `mapstructure:"min_length"`
	MaxLength    int `mapstructure:"max_length"`
	ContextLines int `mapstructure:"context_lines"`
}

type RefactorConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MinConfidence float64 `mapstructure:"min_confidence"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type HTTPConfig struct {
	RetryMaxElapsedMs      int `mapstructure:"retry_max_elapsed_ms"`
	RetryInitialIntervalMs int `mapstructure:"retry_initial_interval_ms"`
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ns_id", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("debug_immediate_shutdown", false)
	v.SetDefault("data_dir", "")

	v.SetDefault("provider.fim_url", "http://localhost:8000/v1/fim/context")
	v.SetDefault("provider.edit_range_url", "http://localhost:8000/v1/detect-edit-range")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.max_tokens", 500)
	v.SetDefault("provider.temperature", 0.1)
	v.SetDefault("provider.max_context_tokens", 4096)
	v.SetDefault("provider.compress", false)
	v.SetDefault("provider.diagnostics_url", "http://localhost:8000")
	v.SetDefault("provider.diagnostics_path", "/v1/completions")
	v.SetDefault("provider.diagnostics_model", "")

	v.SetDefault("debounce.interval_ms", 200)
	v.SetDefault("debounce.trivial_append_enabled", true)
	v.SetDefault("debounce.trivial_append_max_chars", 1)
	v.SetDefault("debounce.max_requests_per_minute", 0)

	v.SetDefault("race.diagnostics_delay_ms", 50)
	v.SetDefault("race.extended_wait_ms", 1000)
	v.SetDefault("race.fim_timeout_ms", 10000)

	v.SetDefault("cache.speculative_capacity", 100)
	v.SetDefault("cache.completions_per_file", 50)

	v.SetDefault("edits.max_entries", 20)
	v.SetDefault("edits.min_length", 10)
	v.SetDefault("edits.max_length", 200)
	v.SetDefault("edits.context_lines", 2)

	v.SetDefault("refactor.enabled", true)
	v.SetDefault("refactor.min_confidence", 0.75)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.url", "")

	v.SetDefault("http.retry_max_elapsed_ms", 2000)
	v.SetDefault("http.retry_initial_interval_ms", 100)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GHOSTTAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from GHOSTTAB_CONFIG, applying env overrides and defaults
func Load() (*Config, error) {
	return Parse(os.Getenv(EnvVar))
}

// Parse decodes a JSON document (possibly empty) into a validated Config
func Parse(raw string) (*Config, error) {
	v := newViper()
	v.SetConfigType("json")

	if strings.TrimSpace(raw) != "" {
		if err := v.ReadConfig(strings.NewReader(raw)); err != nil {
			return nil, errors.WithHint(
				errors.Wrap(err, "failed to read config"),
				"check the JSON passed in "+EnvVar,
			)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var problems []string
	if !logger.ValidLogLevel(c.LogLevel) {
		problems = append(problems, "log_level must be one of trace, debug, info, warn, error")
	}
	if c.Debounce.IntervalMs < 0 {
		problems = append(problems, "debounce.interval_ms must not be negative")
	}
	if c.Debounce.TrivialAppendMaxChars < 0 {
		problems = append(problems, "debounce.trivial_append_max_chars must not be negative")
	}
	if c.Debounce.MaxRequestsPerMinute < 0 {
		problems = append(problems, "debounce.max_requests_per_minute must not be negative")
	}
	if c.Race.DiagnosticsDelayMs < 0 || c.Race.ExtendedWaitMs < 0 {
		problems = append(problems, "race delays must not be negative")
	}
	if c.Race.FimTimeoutMs <= 0 {
		problems = append(problems, "race.fim_timeout_ms must be positive")
	}
	if c.Cache.SpeculativeCapacity < 1 {
		problems = append(problems, "cache.speculative_capacity must be at least 1")
	}
	if c.Cache.CompletionsPerFile < 1 {
		problems = append(problems, "cache.completions_per_file must be at least 1")
	}
	if c.Edits.MaxEntries < 1 || c.Edits.MaxLength < 1 {
		problems = append(problems, "edits.max_entries and edits.max_length must be positive")
	}
	if c.Edits.MinLength < 0 || c.Edits.ContextLines < 0 {
		problems = append(problems, "edits.min_length and edits.context_lines must not be negative")
	}
	if c.Refactor.MinConfidence < 0 || c.Refactor.MinConfidence > 1 {
		problems = append(problems, "refactor.min_confidence must be within [0, 1]")
	}
	if c.Metrics.Enabled && c.Metrics.URL == "" {
		problems = append(problems, "metrics.url is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (d DebounceConfig) Interval() time.Duration { return ms(d.IntervalMs) }
func (r RaceConfig) DiagnosticsDelay() time.Duration { return ms(r.DiagnosticsDelayMs) }
func (r RaceConfig) ExtendedWait() time.Duration { return ms(r.ExtendedWaitMs) }
func (r RaceConfig) FimTimeout() time.Duration { return ms(r.FimTimeoutMs) }
func (h HTTPConfig) RetryMaxElapsed() time.Duration { return ms(h.RetryMaxElapsedMs) }
func (h HTTPConfig) RetryInitialInterval() time.Duration { return ms(h.RetryInitialIntervalMs) }
