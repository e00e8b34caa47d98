// Package configs loads the service's YAML configuration and converts it
// into the immutable per-component config snapshots each collaborator is
// constructed from (LoadConfig(path), ToXConfig() conversion methods).
package configs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"liqsentinel/pkg/cache"
	"liqsentinel/pkg/fetcher"
)

// Config is the entire configuration structure loaded from config.yml.
// Secrets (bot token, database DSN) are not part of this file — they load
// separately from the environment via godotenv, per the ambient-stack
// convention of never putting credentials in a checked-in YAML file.
type Config struct {
	Tiers      TierYAMLData      `yaml:"tiers"`
	Fetcher    FetcherYAMLData   `yaml:"fetcher"`
	Discovery  DiscoveryYAMLData `yaml:"discovery"`
	Summary    SummaryYAMLData   `yaml:"summary"`
	Log        LogYAMLData       `yaml:"log"`
}

// TierYAMLData configures the tier thresholds and refresh cadences from
// §4.3. All fields are optional; zero values fall back to the package-level
// defaults. The hysteresis margins are not configured here: ToCacheThresholds
// derives them as 1.2x the critical and high thresholds.
type TierYAMLData struct {
	CriticalMaxDistancePct float64 `yaml:"critical_max_distance_pct"`
	HighMaxDistancePct     float64 `yaml:"high_max_distance_pct"`
	MaxWatchDistancePct    float64 `yaml:"max_watch_distance_pct"`

	CriticalRefreshMillis int `yaml:"critical_refresh_ms"`
	HighRefreshMillis     int `yaml:"high_refresh_ms"`
	NormalRefreshSeconds  int `yaml:"normal_refresh_sec"`
}

// FetcherYAMLData configures the rate-limited fetcher from §4.1.
type FetcherYAMLData struct {
	Concurrency         int     `yaml:"concurrency"`
	RequestDelayMillis  int     `yaml:"request_delay_ms"`
	BatchSize           int     `yaml:"batch_size"`
	BatchPauseSeconds   float64 `yaml:"batch_pause_sec"`
	DexDelayMillis      int     `yaml:"dex_delay_ms"`
	MaxAttempts         int     `yaml:"max_attempts"`
	BackoffBaseSeconds  float64 `yaml:"backoff_base_sec"`
	BackoffCapSeconds   float64 `yaml:"backoff_cap_sec"`
	PositionAPIBaseURL  string  `yaml:"position_api_base_url"`
	DiscoveryAPIBaseURL string  `yaml:"discovery_api_base_url"`
}

// DiscoveryYAMLData configures the discovery loop (§4.5): which cohorts to
// walk and the per-token notional threshold overrides (§6).
type DiscoveryYAMLData struct {
	CohortIDs          []string           `yaml:"cohort_ids"`
	NotionalThresholds map[string]float64 `yaml:"notional_thresholds"`
}

// SummaryYAMLData configures the daily summary scheduler (§4.8).
type SummaryYAMLData struct {
	CronSpec string `yaml:"cron_spec"`
	Timezone string `yaml:"timezone"`
	LogPath  string `yaml:"log_path"`
}

// LogYAMLData configures the zerolog logger.
type LogYAMLData struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// ToCacheThresholds converts the YAML tier section into cache.Thresholds,
// falling back to spec defaults for any unset (zero) field.
func (c *Config) ToCacheThresholds() cache.Thresholds {
	defaults := cache.DefaultThresholds()
	t := c.Tiers

	thresholds := defaults
	if t.CriticalMaxDistancePct != 0 {
		thresholds.CriticalMaxDistancePct = t.CriticalMaxDistancePct
	}
	if t.HighMaxDistancePct != 0 {
		thresholds.HighMaxDistancePct = t.HighMaxDistancePct
	}
	if t.MaxWatchDistancePct != 0 {
		thresholds.MaxWatchDistancePct = t.MaxWatchDistancePct
	}
	if t.CriticalRefreshMillis != 0 {
		thresholds.CriticalRefreshPeriod = time.Duration(t.CriticalRefreshMillis) * time.Millisecond
	}
	if t.HighRefreshMillis != 0 {
		thresholds.HighRefreshPeriod = time.Duration(t.HighRefreshMillis) * time.Millisecond
	}
	if t.NormalRefreshSeconds != 0 {
		thresholds.NormalRefreshPeriod = time.Duration(t.NormalRefreshSeconds) * time.Second
	}
	thresholds.HysteresisApproachingPct = thresholds.HighMaxDistancePct * 1.2
	thresholds.HysteresisCriticalPct = thresholds.CriticalMaxDistancePct * 1.2

	return thresholds
}

// ToFetcherOptions converts the YAML fetcher section into fetcher.Option
// values, falling back to the fetcher package's own defaults for anything
// unset.
func (c *Config) ToFetcherOptions() []fetcher.Option {
	f := c.Fetcher
	var opts []fetcher.Option

	if f.Concurrency != 0 {
		opts = append(opts, fetcher.WithConcurrency(f.Concurrency))
	}
	if f.RequestDelayMillis != 0 {
		opts = append(opts, fetcher.WithRequestDelay(time.Duration(f.RequestDelayMillis)*time.Millisecond))
	}
	if f.BatchSize != 0 || f.BatchPauseSeconds != 0 {
		batchSize := f.BatchSize
		if batchSize == 0 {
			batchSize = 50
		}
		pause := f.BatchPauseSeconds
		if pause == 0 {
			pause = 2.0
		}
		opts = append(opts, fetcher.WithBatchPause(batchSize, time.Duration(pause*float64(time.Second))))
	}
	if f.DexDelayMillis != 0 {
		opts = append(opts, fetcher.WithDexDelay(time.Duration(f.DexDelayMillis)*time.Millisecond))
	}
	if f.MaxAttempts != 0 {
		opts = append(opts, fetcher.WithMaxAttempts(f.MaxAttempts))
	}
	if f.BackoffBaseSeconds != 0 || f.BackoffCapSeconds != 0 {
		base := f.BackoffBaseSeconds
		if base == 0 {
			base = 1.0
		}
		cap := f.BackoffCapSeconds
		if cap == 0 {
			cap = 60.0
		}
		opts = append(opts, fetcher.WithBackoff(time.Duration(base*float64(time.Second)), time.Duration(cap*float64(time.Second))))
	}

	return opts
}

// SummaryLocation resolves the configured timezone name, falling back to
// America/New_York (the default wall-clock zone for the daily digest) when
// unset; a name that cannot be loaded yields UTC.
func (c *Config) SummaryLocation() *time.Location {
	name := c.Summary.Timezone
	if name == "" {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
