package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// BuiltinProfiles returns the named presets available without any
// configuration file: aggressive (fast detection, expensive),
// balanced, and relaxed (cheap, slow detection).
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		"aggressive": {
			Polling: PollingConfig{
				MinInterval:         500 * time.Millisecond,
				MaxInterval:         5 * time.Second,
				InactivityThreshold: 5,
				GrowthFactor:        1.5,
				FetchTimeout:        5 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries:        5,
				InitialDelay:      250 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
				FailureThreshold:  10,
				ResetTimeout:      15 * time.Second,
			},
			Recovery: RecoveryConfig{
				Strategy:           "retry",
				MaxReestablish:     5,
				ReestablishDelay:   time.Second,
				UnhealthyThreshold: 3,
			},
		},
		"balanced": {
			Polling: PollingConfig{
				MinInterval:         time.Second,
				MaxInterval:         30 * time.Second,
				InactivityThreshold: 3,
				GrowthFactor:        2.0,
				FetchTimeout:        10 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries:        3,
				InitialDelay:      time.Second,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
				FailureThreshold:  5,
				ResetTimeout:      30 * time.Second,
			},
			Recovery: RecoveryConfig{
				Strategy:           "retry",
				MaxReestablish:     3,
				ReestablishDelay:   2 * time.Second,
				UnhealthyThreshold: 3,
			},
		},
		"relaxed": {
			Polling: PollingConfig{
				MinInterval:         5 * time.Second,
				MaxInterval:         2 * time.Minute,
				InactivityThreshold: 2,
				GrowthFactor:        2.0,
				FetchTimeout:        15 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries:        2,
				InitialDelay:      2 * time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 3.0,
				Jitter:            true,
				FailureThreshold:  3,
				ResetTimeout:      time.Minute,
			},
			Recovery: RecoveryConfig{
				Strategy:           "degrade",
				UnhealthyThreshold: 5,
			},
		},
	}
}

// Load reads configuration from a YAML file. File-defined profiles
// override built-ins of the same name; jobs referencing a profile that
// exists in neither set fail the load.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	for _, job := range cfg.Jobs {
		if job.ID == "" {
			return nil, fmt.Errorf("job entry missing id")
		}
		if _, ok := cfg.Profiles[job.Profile]; !ok {
			return nil, fmt.Errorf("job %s references unknown profile %q", job.ID, job.Profile)
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}

	profiles := BuiltinProfiles()
	for name, p := range cfg.Profiles {
		profiles[name] = p
	}
	cfg.Profiles = profiles

	for i := range cfg.Jobs {
		if cfg.Jobs[i].Profile == "" {
			cfg.Jobs[i].Profile = "balanced"
		}
	}
}
