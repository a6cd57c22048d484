package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with optional fields so unset keys keep their
// defaults. Durations are strings ("20s" or bare seconds).
type fileConfig struct {
	DataDir        *string `yaml:"data_dir"`
	Backend        *string `yaml:"backend"`
	DatabaseURL    *string `yaml:"database_url"`
	SQLitePath     *string `yaml:"sqlite_path"`
	RedisURL       *string `yaml:"redis_url"`
	PushgatewayURL *string `yaml:"pushgateway_url"`
	ServerAddr     *string `yaml:"server_addr"`

	UserAgent      *string `yaml:"user_agent"`
	FetchTimeout   *string `yaml:"fetch_timeout"`
	MaxConcurrent  *int    `yaml:"max_concurrent"`
	InitialTimeout *string `yaml:"check_initial_timeout"`
	MaxTimeout     *string `yaml:"check_max_timeout"`
	Retries        *int    `yaml:"check_retries"`
	RetryDelay     *string `yaml:"check_retry_delay"`
	InsecureTLS    *bool   `yaml:"check_insecure_tls"`

	BatchSize        *int    `yaml:"batch_size"`
	CleanupBatchSize *int    `yaml:"cleanup_batch_size"`
	ShardSize        *int    `yaml:"shard_size"`
	FuzzyThreshold   *int    `yaml:"fuzzy_threshold"`
	MatchPolicy      *string `yaml:"match_policy"`

	ChannelsURL        *string  `yaml:"channels_url"`
	StreamsURL         *string  `yaml:"streams_url"`
	LogosURL           *string  `yaml:"logos_url"`
	AlternatePlaylists []string `yaml:"alternate_playlists"`
	ExportPlaylists    *bool    `yaml:"export_playlists"`
}

// LoadFromFile loads config from a YAML file on top of Default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	c := Default()
	set(&c.DataDir, f.DataDir)
	set(&c.Backend, f.Backend)
	set(&c.DatabaseURL, f.DatabaseURL)
	set(&c.SQLitePath, f.SQLitePath)
	set(&c.RedisURL, f.RedisURL)
	set(&c.PushgatewayURL, f.PushgatewayURL)
	set(&c.ServerAddr, f.ServerAddr)
	set(&c.UserAgent, f.UserAgent)
	set(&c.MaxConcurrent, f.MaxConcurrent)
	set(&c.Retries, f.Retries)
	set(&c.InsecureTLS, f.InsecureTLS)
	set(&c.BatchSize, f.BatchSize)
	set(&c.CleanupBatchSize, f.CleanupBatchSize)
	set(&c.ShardSize, f.ShardSize)
	set(&c.FuzzyThreshold, f.FuzzyThreshold)
	set(&c.MatchPolicy, f.MatchPolicy)
	set(&c.ChannelsURL, f.ChannelsURL)
	set(&c.StreamsURL, f.StreamsURL)
	set(&c.LogosURL, f.LogosURL)
	set(&c.ExportPlaylists, f.ExportPlaylists)
	if len(f.AlternatePlaylists) > 0 {
		c.AlternatePlaylists = f.AlternatePlaylists
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"fetch_timeout", f.FetchTimeout, &c.FetchTimeout},
		{"check_initial_timeout", f.InitialTimeout, &c.InitialTimeout},
		{"check_max_timeout", f.MaxTimeout, &c.MaxTimeout},
		{"check_retry_delay", f.RetryDelay, &c.RetryDelay},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := parseDuration(*d.src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
