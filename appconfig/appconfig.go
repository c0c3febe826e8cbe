// Package appconfig loads the service's JSON configuration file, overlays
// CRYMATCH_-prefixed environment variables on top of it, and validates the
// result into the typed Config the roles consume.
package appconfig

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"crymatch/filer"
)

// Mode selects which roles this process runs.
type Mode string

const (
	ModeStandalone Mode = "Standalone"
	ModeMatchmaker Mode = "Matchmaker"
	ModeDirector   Mode = "Director"
)

// Config is the validated runtime configuration. Durations are expressed
// in seconds in the JSON file and environment.
type Config struct {
	ListenEndpoint  string
	CertificatePath string
	PrivateKeyPath  string

	Mode                      Mode
	MatchmakerThreads         int
	UseRedis                  bool
	RedisConfigurationOptions string

	MaxDowntimeBeforeOffline time.Duration
	MatchmakerUpdateDelay    time.Duration
	DirectorUpdateDelay      time.Duration
	MatchmakerMinGatherTime  time.Duration

	MatchmakerPoolCapacity int
	MaxMatchFailures       int

	StateCompression string // "none", "lz4", "zstd"
	StateAESKey      string
	StateAESIV       string
	MySQLDSN         string
}

// TLSEnabled reports whether both halves of the certificate pair were
// configured.
func (c *Config) TLSEnabled() bool {
	return c.CertificatePath != "" && c.PrivateKeyPath != ""
}

// fileConfig is the raw JSON shape. Duration fields are float seconds, the
// way the configuration file has always expressed them.
type fileConfig struct {
	ListenEndpoint            string  `json:"listen_endpoint"`
	CertificatePath           string  `json:"certificate_path"`
	PrivateKeyPath            string  `json:"private_key_path"`
	Mode                      string  `json:"mode"`
	MatchmakerThreads         int     `json:"matchmaker_threads"`
	UseRedis                  bool    `json:"use_redis"`
	RedisConfigurationOptions string  `json:"redis_configuration_options"`
	MaxDowntimeBeforeOffline  float64 `json:"max_downtime_before_offline"`
	MatchmakerUpdateDelay     float64 `json:"matchmaker_update_delay"`
	DirectorUpdateDelay       float64 `json:"director_update_delay"`
	MatchmakerMinGatherTime   float64 `json:"matchmaker_min_gather_time"`
	MatchmakerPoolCapacity    int     `json:"matchmaker_pool_capacity"`
	MaxMatchFailures          int     `json:"max_match_failures"`
	StateCompression          string  `json:"state_compression"`
	StateAESKey               string  `json:"state_aes_key"`
	StateAESIV                string  `json:"state_aes_iv"`
	MySQLDSN                  string  `json:"mysql_dsn"`
}

func defaults() fileConfig {
	return fileConfig{
		ListenEndpoint:           "0.0.0.0:5000",
		Mode:                     string(ModeStandalone),
		MaxDowntimeBeforeOffline: 5,
		MatchmakerUpdateDelay:    1,
		DirectorUpdateDelay:      1,
		MatchmakerMinGatherTime:  2,
		MatchmakerPoolCapacity:   100,
		MaxMatchFailures:         3,
		StateCompression:         "none",
	}
}

const envPrefix = "CRYMATCH"

// Load reads path (optional; empty means defaults only), overlays
// environment variables, and validates. Every violated constraint is
// reported in the returned error, not just the first.
func Load(path string) (*Config, error) {
	raw := defaults()
	if path != "" {
		if err := filer.NewJsonLoader().Load(path, &raw); err != nil {
			return nil, errors.Errorf("appconfig: %w", err)
		}
	}
	overlayEnv(&raw)

	cfg := &Config{
		ListenEndpoint:            raw.ListenEndpoint,
		CertificatePath:           raw.CertificatePath,
		PrivateKeyPath:            raw.PrivateKeyPath,
		Mode:                      Mode(raw.Mode),
		MatchmakerThreads:         raw.MatchmakerThreads,
		UseRedis:                  raw.UseRedis,
		RedisConfigurationOptions: raw.RedisConfigurationOptions,
		MaxDowntimeBeforeOffline:  seconds(raw.MaxDowntimeBeforeOffline),
		MatchmakerUpdateDelay:     seconds(raw.MatchmakerUpdateDelay),
		DirectorUpdateDelay:       seconds(raw.DirectorUpdateDelay),
		MatchmakerMinGatherTime:   seconds(raw.MatchmakerMinGatherTime),
		MatchmakerPoolCapacity:    raw.MatchmakerPoolCapacity,
		MaxMatchFailures:          raw.MaxMatchFailures,
		StateCompression:          raw.StateCompression,
		StateAESKey:               raw.StateAESKey,
		StateAESIV:                raw.StateAESIV,
		MySQLDSN:                  raw.MySQLDSN,
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// overlayEnv applies CRYMATCH_<FIELD> environment variables over the file
// values, field by field; the environment always wins over the file.
func overlayEnv(raw *fileConfig) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flt := func(key string, dst *float64) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	boolean := func(key string, dst *bool) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("listen_endpoint", &raw.ListenEndpoint)
	str("certificate_path", &raw.CertificatePath)
	str("private_key_path", &raw.PrivateKeyPath)
	str("mode", &raw.Mode)
	num("matchmaker_threads", &raw.MatchmakerThreads)
	boolean("use_redis", &raw.UseRedis)
	str("redis_configuration_options", &raw.RedisConfigurationOptions)
	flt("max_downtime_before_offline", &raw.MaxDowntimeBeforeOffline)
	flt("matchmaker_update_delay", &raw.MatchmakerUpdateDelay)
	flt("director_update_delay", &raw.DirectorUpdateDelay)
	flt("matchmaker_min_gather_time", &raw.MatchmakerMinGatherTime)
	num("matchmaker_pool_capacity", &raw.MatchmakerPoolCapacity)
	num("max_match_failures", &raw.MaxMatchFailures)
	str("state_compression", &raw.StateCompression)
	str("state_aes_key", &raw.StateAESKey)
	str("state_aes_iv", &raw.StateAESIV)
	str("mysql_dsn", &raw.MySQLDSN)
}

// normalize applies the coercions the option list defines rather than
// treating them as errors: an out-of-range thread count falls back to 1,
// and a non-Standalone mode forces the Redis backend.
func (c *Config) normalize() {
	if c.MatchmakerThreads == 0 {
		n := runtime.NumCPU()
		if n > 2 {
			n = 2
		}
		c.MatchmakerThreads = n
	}
	if c.MatchmakerThreads < 1 || c.MatchmakerThreads > 128 {
		c.MatchmakerThreads = 1
	}
	if c.Mode != ModeStandalone {
		c.UseRedis = true
	}
	if c.StateCompression == "" {
		c.StateCompression = "none"
	}
}

func (c *Config) validate() error {
	var violations []string

	switch c.Mode {
	case ModeStandalone, ModeMatchmaker, ModeDirector:
	default:
		violations = append(violations, fmt.Sprintf("mode: unknown %q", c.Mode))
	}

	if c.MaxDowntimeBeforeOffline < 100*time.Millisecond {
		violations = append(violations, "max_downtime_before_offline: must be at least 0.1s")
	}
	if c.MatchmakerUpdateDelay < 10*time.Millisecond {
		violations = append(violations, "matchmaker_update_delay: must be at least 0.01s")
	}
	if c.DirectorUpdateDelay < 10*time.Millisecond {
		violations = append(violations, "director_update_delay: must be at least 0.01s")
	}
	if c.MaxDowntimeBeforeOffline <= c.MatchmakerUpdateDelay || c.MaxDowntimeBeforeOffline <= c.DirectorUpdateDelay {
		violations = append(violations, "max_downtime_before_offline: must exceed both update delays")
	}
	if c.MatchmakerMinGatherTime < 0 {
		violations = append(violations, "matchmaker_min_gather_time: must not be negative")
	}
	if c.MatchmakerPoolCapacity < 10 {
		violations = append(violations, "matchmaker_pool_capacity: must be at least 10")
	}
	if c.MaxMatchFailures <= 0 {
		violations = append(violations, "max_match_failures: must be positive")
	}

	switch c.StateCompression {
	case "none", "lz4", "zstd":
	default:
		violations = append(violations, fmt.Sprintf("state_compression: unknown %q", c.StateCompression))
	}
	if (c.StateAESKey == "") != (c.StateAESIV == "") {
		violations = append(violations, "state_aes_key/state_aes_iv: must be set together")
	}
	if (c.CertificatePath == "") != (c.PrivateKeyPath == "") {
		violations = append(violations, "certificate_path/private_key_path: must be set together")
	}
	if c.UseRedis && c.RedisConfigurationOptions == "" {
		violations = append(violations, "redis_configuration_options: required when use_redis is set")
	}

	if len(violations) == 0 {
		return nil
	}
	return errors.Newf("appconfig: invalid configuration: %s", strings.Join(violations, "; "))
}
