// Package config loads service configuration from a config file, the
// environment and defaults, in that order of increasing precedence for the
// environment over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full knob surface of the service. Durations are expressed
// in the unit their name carries so the file and environment stay plain
// integers.
type Config struct {
	HTTPAddr       string `mapstructure:"http_addr"`
	DatabaseURL    string `mapstructure:"database_url"`
	AnthropicModel string `mapstructure:"anthropic_model"`
	SandboxURL     string `mapstructure:"sandbox_url"`
	ScriptDir      string `mapstructure:"script_dir"`
	LogLevel       string `mapstructure:"log_level"`

	QueuePollIntervalSeconds   int     `mapstructure:"queue_poll_interval_seconds"`
	MaxConcurrentAnalyses      int     `mapstructure:"max_concurrent_analyses"`
	MaxConcurrentExecutions    int     `mapstructure:"max_concurrent_executions"`
	AnalysisMaxRetries         int     `mapstructure:"analysis_max_retries"`
	AnalysisRetryDelaySeconds  int     `mapstructure:"analysis_retry_delay_seconds"`
	AnalysisVisibilitySeconds  int     `mapstructure:"analysis_visibility_seconds"`
	ExecutionVisibilitySeconds int     `mapstructure:"execution_visibility_seconds"`
	ExecutionTimeoutSeconds    int     `mapstructure:"execution_timeout_seconds"`
	ExecutionMaxAttempts       int     `mapstructure:"execution_max_attempts"`
	SessionTTLSeconds          int     `mapstructure:"session_ttl_seconds"`
	ProgressPollMillis         int     `mapstructure:"progress_poll_interval_ms"`
	CacheTTLSeconds            int     `mapstructure:"cache_ttl_seconds"`
	ReuseSimilarityThreshold   float64 `mapstructure:"reuse_similarity_threshold"`
	RouterConfidenceLow        float64 `mapstructure:"router_confidence_low"`
	SSEHeartbeatSeconds        int     `mapstructure:"sse_heartbeat_seconds"`
	HeartbeatIntervalSeconds   int     `mapstructure:"heartbeat_interval_seconds"`
	CleanupIntervalSeconds     int     `mapstructure:"cleanup_interval_seconds"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("anthropic_model", "")
	v.SetDefault("sandbox_url", "http://localhost:8090")
	v.SetDefault("script_dir", "./scripts")
	v.SetDefault("log_level", "info")

	v.SetDefault("queue_poll_interval_seconds", 5)
	v.SetDefault("max_concurrent_analyses", 3)
	v.SetDefault("max_concurrent_executions", 3)
	v.SetDefault("analysis_max_retries", 3)
	v.SetDefault("analysis_retry_delay_seconds", 60)
	v.SetDefault("analysis_visibility_seconds", 120)
	v.SetDefault("execution_visibility_seconds", 600)
	v.SetDefault("execution_timeout_seconds", 300)
	v.SetDefault("execution_max_attempts", 1)
	v.SetDefault("session_ttl_seconds", 900)
	v.SetDefault("progress_poll_interval_ms", 500)
	v.SetDefault("cache_ttl_seconds", 86400)
	v.SetDefault("reuse_similarity_threshold", 0.7)
	v.SetDefault("router_confidence_low", 0.5)
	v.SetDefault("sse_heartbeat_seconds", 15)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("cleanup_interval_seconds", 60)
}

// Load reads configuration. With an explicit path the file must exist;
// otherwise a finsight.yaml is searched in the working directory and
// /etc/finsight, and its absence is fine. Environment variables use the
// FINSIGHT_ prefix (FINSIGHT_DATABASE_URL, FINSIGHT_HTTP_ADDR, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("FINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("finsight")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/finsight")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ReuseSimilarityThreshold < 0 || c.ReuseSimilarityThreshold > 1 {
		return fmt.Errorf("reuse_similarity_threshold must be in [0,1], got %v", c.ReuseSimilarityThreshold)
	}
	if c.RouterConfidenceLow < 0 || c.RouterConfidenceLow > 1 {
		return fmt.Errorf("router_confidence_low must be in [0,1], got %v", c.RouterConfidenceLow)
	}
	if c.ExecutionMaxAttempts < 1 {
		return fmt.Errorf("execution_max_attempts must be at least 1, got %d", c.ExecutionMaxAttempts)
	}
	return nil
}

// Duration accessors for the second- and millisecond-denominated knobs.

func (c *Config) QueuePollInterval() time.Duration   { return seconds(c.QueuePollIntervalSeconds) }
func (c *Config) AnalysisRetryDelay() time.Duration  { return seconds(c.AnalysisRetryDelaySeconds) }
func (c *Config) AnalysisVisibility() time.Duration  { return seconds(c.AnalysisVisibilitySeconds) }
func (c *Config) ExecutionVisibility() time.Duration { return seconds(c.ExecutionVisibilitySeconds) }
func (c *Config) ExecutionTimeout() time.Duration    { return seconds(c.ExecutionTimeoutSeconds) }
func (c *Config) SessionTTL() time.Duration          { return seconds(c.SessionTTLSeconds) }
func (c *Config) CacheTTL() time.Duration            { return seconds(c.CacheTTLSeconds) }
func (c *Config) SSEHeartbeat() time.Duration        { return seconds(c.SSEHeartbeatSeconds) }
func (c *Config) HeartbeatInterval() time.Duration   { return seconds(c.HeartbeatIntervalSeconds) }
func (c *Config) CleanupInterval() time.Duration     { return seconds(c.CleanupIntervalSeconds) }

func (c *Config) ProgressPollInterval() time.Duration {
	return time.Duration(c.ProgressPollMillis) * time.Millisecond
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
