package config

import (
	"fmt"
	"time"

	"github.com/vietddude/pollwatch/internal/core/domain"
	"github.com/vietddude/pollwatch/internal/polling"
	"github.com/vietddude/pollwatch/internal/resilience/circuit"
	"github.com/vietddude/pollwatch/internal/resilience/retry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	API      APIConfig          `yaml:"api"`
	Profiles map[string]Profile `yaml:"profiles"`
	Jobs     []JobConfig        `yaml:"jobs"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// APIConfig holds settings for the workflow engine API.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// JobConfig binds one execution to a named profile.
type JobConfig struct {
	ID      domain.JobID `yaml:"id"`
	Profile string       `yaml:"profile"`
}

// Profile is one named bundle of engine settings. The built-in
// profiles (aggressive, balanced, relaxed) can be overridden or
// extended in the config file.
type Profile struct {
	Polling  PollingConfig  `yaml:"polling"`
	Retry    RetryConfig    `yaml:"retry"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// PollingConfig holds adaptive interval settings.
type PollingConfig struct {
	MinInterval         time.Duration `yaml:"min_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	InactivityThreshold int           `yaml:"inactivity_threshold"`
	GrowthFactor        float64       `yaml:"growth_factor"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
}

// RetryConfig holds retry and circuit breaker settings.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
}

// RecoveryConfig holds recovery wrapper settings. Strategy-specific
// fields are ignored by the other strategies.
type RecoveryConfig struct {
	Strategy           string        `yaml:"strategy"`
	MaxReestablish     int           `yaml:"max_reestablish"`
	ReestablishDelay   time.Duration `yaml:"reestablish_delay"`
	UseLastKnownGood   bool          `yaml:"use_last_known_good"`
	BufferCapacity     int           `yaml:"buffer_capacity"`
	ErrorThreshold     int           `yaml:"error_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
}

// PollingSettings converts the profile into the scheduler's config.
func (p Profile) PollingSettings() polling.Config {
	return polling.Config{
		MinInterval:         p.Polling.MinInterval,
		MaxInterval:         p.Polling.MaxInterval,
		InactivityThreshold: p.Polling.InactivityThreshold,
		GrowthFactor:        p.Polling.GrowthFactor,
		FetchTimeout:        p.Polling.FetchTimeout,
		SessionTimeout:      p.Polling.SessionTimeout,
	}
}

// RetrySettings converts the profile into the executor's config.
func (p Profile) RetrySettings() retry.Config {
	return retry.Config{
		MaxRetries:        p.Retry.MaxRetries,
		InitialDelay:      p.Retry.InitialDelay,
		MaxDelay:          p.Retry.MaxDelay,
		BackoffMultiplier: p.Retry.BackoffMultiplier,
		Jitter:            p.Retry.Jitter,
		Breaker: circuit.Config{
			FailureThreshold: p.Retry.FailureThreshold,
			ResetTimeout:     p.Retry.ResetTimeout,
		},
	}
}

// ProfileFor resolves the profile a job references.
func (c *AppConfig) ProfileFor(job JobConfig) (Profile, error) {
	p, ok := c.Profiles[job.Profile]
	if !ok {
		return Profile{}, fmt.Errorf("job %s references unknown profile %q", job.ID, job.Profile)
	}
	return p, nil
}
