package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingDatabaseURL is returned when the postgres backend is selected without DATABASE_URL.
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for the postgres backend")
	// ErrInvalidMatchPolicy is returned for a MATCH_POLICY other than first or best.
	ErrInvalidMatchPolicy = errors.New("match policy must be first or best")
)

// Backend names accepted by STREAMSWEEP_BACKEND.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const (
	DefaultUserAgent   = "StreamSweep/1.0"
	DefaultChannelsURL = "https://iptv-org.github.io/api/channels.json"
	DefaultStreamsURL  = "https://iptv-org.github.io/api/streams.json"
	DefaultLogosURL    = "https://iptv-org.github.io/api/logos.json"
)

// Config holds application configuration.
type Config struct {
	DataDir        string `yaml:"data_dir" env:"STREAMSWEEP_DATA_DIR"`
	Backend        string `yaml:"backend" env:"STREAMSWEEP_BACKEND"`
	DatabaseURL    string `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath     string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	PushgatewayURL string `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL"`
	ServerAddr     string `yaml:"server_addr" env:"SERVER_ADDR"`

	UserAgent      string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"FETCHER_TIMEOUT"`
	MaxConcurrent  int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	InitialTimeout time.Duration `yaml:"check_initial_timeout" env:"CHECK_INITIAL_TIMEOUT"`
	MaxTimeout     time.Duration `yaml:"check_max_timeout" env:"CHECK_MAX_TIMEOUT"`
	Retries        int           `yaml:"check_retries" env:"CHECK_RETRIES"`
	RetryDelay     time.Duration `yaml:"check_retry_delay" env:"CHECK_RETRY_DELAY"`
	InsecureTLS    bool          `yaml:"check_insecure_tls" env:"CHECK_INSECURE_TLS"`

	BatchSize        int    `yaml:"batch_size" env:"BATCH_SIZE"`
	CleanupBatchSize int    `yaml:"cleanup_batch_size" env:"CLEANUP_BATCH_SIZE"`
	ShardSize        int    `yaml:"shard_size" env:"SHARD_SIZE"`
	FuzzyThreshold   int    `yaml:"fuzzy_threshold" env:"FUZZY_THRESHOLD"`
	MatchPolicy      string `yaml:"match_policy" env:"MATCH_POLICY"`

	ChannelsURL        string   `yaml:"channels_url" env:"CHANNELS_URL"`
	StreamsURL         string   `yaml:"streams_url" env:"STREAMS_URL"`
	LogosURL           string   `yaml:"logos_url" env:"LOGOS_URL"`
	AlternatePlaylists []string `yaml:"alternate_playlists" env:"ALTERNATE_PLAYLISTS"`
	ExportPlaylists    bool     `yaml:"export_playlists" env:"EXPORT_PLAYLISTS"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DataDir:          "data",
		Backend:          BackendFile,
		ServerAddr:       ":8080",
		UserAgent:        DefaultUserAgent,
		FetchTimeout:     60 * time.Second,
		MaxConcurrent:    100,
		InitialTimeout:   20 * time.Second,
		MaxTimeout:       30 * time.Second,
		Retries:          2,
		RetryDelay:       time.Second,
		InsecureTLS:      true,
		BatchSize:        500,
		CleanupBatchSize: 300,
		ShardSize:        4000,
		FuzzyThreshold:   80,
		MatchPolicy:      "first",
		ChannelsURL:      DefaultChannelsURL,
		StreamsURL:       DefaultStreamsURL,
		LogosURL:         DefaultLogosURL,
		ExportPlaylists:  true,
	}
}

// Load builds config from environment variables on top of Default.
// Variables missing from the environment are first looked up in .env.local
// and .env (current directory, then the executable's directory).
func Load() (*Config, error) {
	loadEnvFiles()
	c := Default()
	e := envReader{}

	e.str("STREAMSWEEP_DATA_DIR", &c.DataDir)
	e.str("STREAMSWEEP_BACKEND", &c.Backend)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("SQLITE_PATH", &c.SQLitePath)
	e.str("REDIS_URL", &c.RedisURL)
	e.str("PUSHGATEWAY_URL", &c.PushgatewayURL)
	e.str("SERVER_ADDR", &c.ServerAddr)

	e.str("FETCHER_USER_AGENT", &c.UserAgent)
	e.duration("FETCHER_TIMEOUT", &c.FetchTimeout)
	e.integer("MAX_CONCURRENT", &c.MaxConcurrent)
	e.duration("CHECK_INITIAL_TIMEOUT", &c.InitialTimeout)
	e.duration("CHECK_MAX_TIMEOUT", &c.MaxTimeout)
	e.integer("CHECK_RETRIES", &c.Retries)
	e.duration("CHECK_RETRY_DELAY", &c.RetryDelay)
	e.boolean("CHECK_INSECURE_TLS", &c.InsecureTLS)

	e.integer("BATCH_SIZE", &c.BatchSize)
	e.integer("CLEANUP_BATCH_SIZE", &c.CleanupBatchSize)
	e.integer("SHARD_SIZE", &c.ShardSize)
	e.integer("FUZZY_THRESHOLD", &c.FuzzyThreshold)
	e.str("MATCH_POLICY", &c.MatchPolicy)

	e.str("CHANNELS_URL", &c.ChannelsURL)
	e.str("STREAMS_URL", &c.StreamsURL)
	e.str("LOGOS_URL", &c.LogosURL)
	if s := os.Getenv("ALTERNATE_PLAYLISTS"); s != "" {
		c.AlternatePlaylists = splitList(s)
	}
	e.boolean("EXPORT_PLAYLISTS", &c.ExportPlaylists)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field requirements and normalizes enumerations.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if c.Backend == BackendPostgres && c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	c.MatchPolicy = strings.ToLower(strings.TrimSpace(c.MatchPolicy))
	if c.MatchPolicy == "" {
		c.MatchPolicy = "first"
	}
	if c.MatchPolicy != "first" && c.MatchPolicy != "best" {
		return fmt.Errorf("%w: %q", ErrInvalidMatchPolicy, c.MatchPolicy)
	}
	if c.Retries < 0 {
		return fmt.Errorf("CHECK_RETRIES must not be negative, got %d", c.Retries)
	}
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(c.DataDir, "streamsweep.db")
	}
	return nil
}

// envReader overlays environment variables onto config fields, collecting
// parse errors instead of stopping at the first.
type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) boolean(key string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

// parseDuration accepts Go durations ("1500ms") and bare seconds ("20").
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
