// Package config loads the knobs enumerated in spec §6 from a YAML file,
// environment variables, and CLI flags, with viper handling precedence
// between the three: SetConfigType("yaml")/AddConfigPath/AutomaticEnv
// establish the file and environment sources, and BindPFlag layers the
// command's flags on top as the highest-precedence override.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every externally tunable knob named in spec §6.
type Config struct {
	// StoreDir is the root directory persisted state lives under.
	StoreDir string

	// ShardCount is the fixed partitioning factor, clamped to [4, 16]
	// (spec §4.7).
	ShardCount int

	// Dimension is the store-wide embedding dimension. Zero infers from
	// an existing snapshot.
	Dimension int

	NamespaceDefault string

	// ReconcileIntervalMin/Max/Base bound the adaptive reconciler (§4.5).
	ReconcileIntervalMin  time.Duration
	ReconcileIntervalMax  time.Duration
	ReconcileIntervalBase time.Duration

	WriteLogHighWaterMark int
	SnapshotThreshold     int

	// EmbeddingServiceURL, EmbeddingModel, EmbeddingTimeout configure the
	// external embedding generator client (§6).
	EmbeddingServiceURL string
	EmbeddingModel      string
	EmbeddingTimeout    time.Duration

	// AutonomyEnabled gates the goal evaluator and subscription fanout
	// jobs (§4.9, §12).
	AutonomyEnabled bool

	// SecureMode, when set, requires every frame to carry an 8-byte
	// timestamp and an HMAC-SHA256 over its payload keyed by AuthToken;
	// replayed frames are rejected (§6).
	SecureMode   bool
	AuthToken    string

	// BindAddr/ControlAddr are the binary protocol and NL control-surface
	// listen addresses (§6, §4.8).
	BindAddr    string
	ControlAddr string

	// JobsEnabled is a kill switch for every background job at once,
	// for benchmarking (§4.9).
	JobsEnabled bool
}

// Defaults returns the configuration spec.md's examples assume absent
// any file, environment, or flag overrides.
func Defaults() Config {
	return Config{
		StoreDir:              "./data",
		ShardCount:            4,
		NamespaceDefault:      "default",
		ReconcileIntervalMin:  time.Millisecond,
		ReconcileIntervalMax:  100 * time.Millisecond,
		ReconcileIntervalBase: 10 * time.Millisecond,
		WriteLogHighWaterMark: 200_000,
		SnapshotThreshold:     50_000,
		EmbeddingTimeout:      5 * time.Second,
		AutonomyEnabled:       true,
		BindAddr:              ":50051",
		ControlAddr:           ":9000",
		JobsEnabled:           true,
	}
}

// Load reads configuration from (in ascending precedence) a YAML file
// discovered per the search path below, environment variables prefixed
// CORTEX_, and flags already registered on fs. Call after fs.Parse.
func Load(fs *pflag.FlagSet) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("cortex")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return cfg, fmt.Errorf("config: binding flags: %w", err)
	}

	if cfgFile, _ := fs.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".cortex")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	applyViper(&cfg, v)
	return cfg, nil
}

func applyViper(cfg *Config, v *viper.Viper) {
	setString(v, "store_dir", &cfg.StoreDir)
	setInt(v, "shard_count", &cfg.ShardCount)
	setInt(v, "dimension", &cfg.Dimension)
	setString(v, "namespace_default", &cfg.NamespaceDefault)
	setDuration(v, "reconcile_interval_min", &cfg.ReconcileIntervalMin)
	setDuration(v, "reconcile_interval_max", &cfg.ReconcileIntervalMax)
	setDuration(v, "reconcile_interval_base", &cfg.ReconcileIntervalBase)
	setInt(v, "write_log_high_water_mark", &cfg.WriteLogHighWaterMark)
	setInt(v, "snapshot_threshold", &cfg.SnapshotThreshold)
	setString(v, "embedding_service_url", &cfg.EmbeddingServiceURL)
	setString(v, "embedding_model", &cfg.EmbeddingModel)
	setDuration(v, "embedding_timeout", &cfg.EmbeddingTimeout)
	setBool(v, "autonomy_enabled", &cfg.AutonomyEnabled)
	setBool(v, "secure_mode", &cfg.SecureMode)
	setString(v, "auth_token", &cfg.AuthToken)
	setString(v, "bind_addr", &cfg.BindAddr)
	setString(v, "control_addr", &cfg.ControlAddr)
	setBool(v, "jobs_enabled", &cfg.JobsEnabled)

	if cfg.ShardCount < 4 {
		cfg.ShardCount = 4
	}
	if cfg.ShardCount > 16 {
		cfg.ShardCount = 16
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}
