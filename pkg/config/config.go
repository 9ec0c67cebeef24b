// Package config loads and validates the backup/restore orchestrator's
// configuration from a YAML file, environment variables, and built-in
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ValXp/btrfs-to-s3/internal/bytesize"
)

// Config is the root configuration document.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority, bound by the command layer)
//  2. Environment variables (BTRFS_TO_S3_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	Global     GlobalConfig     `mapstructure:"global" yaml:"global" validate:"required"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" yaml:"schedule" validate:"required"`
	Snapshots  SnapshotsConfig  `mapstructure:"snapshots" yaml:"snapshots" validate:"required"`
	Subvolumes SubvolumesConfig `mapstructure:"subvolumes" yaml:"subvolumes" validate:"required"`
	S3         S3Config         `mapstructure:"s3" yaml:"s3" validate:"required"`
	Restore    RestoreConfig    `mapstructure:"restore" yaml:"restore" validate:"required"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// GlobalConfig holds paths shared across every invocation.
type GlobalConfig struct {
	StatePath      string             `mapstructure:"state_path" yaml:"state_path" validate:"required"`
	LockPath       string             `mapstructure:"lock_path" yaml:"lock_path" validate:"required"`
	SpoolDir       string             `mapstructure:"spool_dir" yaml:"spool_dir"`
	SpoolSizeBytes bytesize.ByteSize `mapstructure:"spool_size_bytes" yaml:"spool_size_bytes"`
}

// ScheduleConfig controls backup cadence. The orchestrator itself never
// schedules runs; these values only inform the Planner's due/not-due
// decisions.
type ScheduleConfig struct {
	FullEveryDays        int `mapstructure:"full_every_days" yaml:"full_every_days" validate:"required,gt=0"`
	IncrementalEveryDays int `mapstructure:"incremental_every_days" yaml:"incremental_every_days" validate:"required,gt=0"`
}

// SnapshotsConfig controls where and how many local snapshots are retained.
type SnapshotsConfig struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir" validate:"required"`
	Retain  int    `mapstructure:"retain" yaml:"retain" validate:"required,gte=1"`
}

// SubvolumesConfig lists the subvolumes under management.
type SubvolumesConfig struct {
	Paths []string `mapstructure:"paths" yaml:"paths" validate:"required,min=1,dive,required"`
}

// S3Config controls object-store placement and the upload pipeline.
type S3Config struct {
	Bucket                string             `mapstructure:"bucket" yaml:"bucket" validate:"required"`
	Region                string             `mapstructure:"region" yaml:"region" validate:"required"`
	Prefix                string             `mapstructure:"prefix" yaml:"prefix"`
	ChunkSizeBytes        bytesize.ByteSize `mapstructure:"chunk_size_bytes" yaml:"chunk_size_bytes" validate:"required,gt=0"`
	StorageClassChunks    string             `mapstructure:"storage_class_chunks" yaml:"storage_class_chunks" validate:"required"`
	StorageClassManifest  string             `mapstructure:"storage_class_manifest" yaml:"storage_class_manifest" validate:"required"`
	Concurrency           int                `mapstructure:"concurrency" yaml:"concurrency" validate:"required,gte=1"`
	SSE                   string             `mapstructure:"sse" yaml:"sse" validate:"required"`
	PartSizeBytes         bytesize.ByteSize `mapstructure:"part_size_bytes" yaml:"part_size_bytes" validate:"required,gt=0"`
	MultipartThreshold    bytesize.ByteSize `mapstructure:"multipart_threshold_bytes" yaml:"multipart_threshold_bytes" validate:"required,gt=0"`
	SpoolEnabled          bool               `mapstructure:"spool_enabled" yaml:"spool_enabled"`
}

// RestoreConfig controls default restore behavior; individual invocations
// may override most of these via CLI flags.
type RestoreConfig struct {
	TargetBaseDir         string        `mapstructure:"target_base_dir" yaml:"target_base_dir" validate:"required"`
	VerifyMode            string        `mapstructure:"verify_mode" yaml:"verify_mode" validate:"required,oneof=full sample none"`
	SampleMaxFiles        int           `mapstructure:"sample_max_files" yaml:"sample_max_files" validate:"required,gt=0"`
	WaitForRestore        bool          `mapstructure:"wait_for_restore" yaml:"wait_for_restore"`
	RestoreTimeoutSeconds time.Duration `mapstructure:"restore_timeout_seconds" yaml:"restore_timeout_seconds" validate:"required,gt=0"`
	RestoreTier           string        `mapstructure:"restore_tier" yaml:"restore_tier" validate:"required,oneof=Standard Bulk Expedited"`
}

// LoggingConfig controls logger output, following the same shape the
// server-side logger package expects.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// TelemetryConfig controls OpenTelemetry trace export for backup/restore
// spans. Endpoint and sampling only matter when Enabled is true; otherwise
// every span is recorded by a no-op tracer.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint       string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
	Insecure       bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration, producing an actionable error when no
// config file exists at all.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"create one, or pass --config /path/to/config.yaml", GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML to path.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate applies struct-tag validation plus the cross-field checks tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.S3.PartSizeBytes < uploaderMinPartSize || cfg.S3.PartSizeBytes > uploaderMaxPartSize {
		return fmt.Errorf("s3.part_size_bytes must be between %d and %d bytes", uploaderMinPartSize, uploaderMaxPartSize)
	}
	if cfg.S3.SpoolEnabled && cfg.Global.SpoolSizeBytes < uploaderMinPartSize {
		return fmt.Errorf("global.spool_size_bytes must be >= %d bytes when s3.spool_enabled is set", uploaderMinPartSize)
	}
	return nil
}

// These mirror internal/uploader's bounds without importing it, keeping
// config free of a dependency on the upload pipeline's package.
const (
	uploaderMinPartSize = 5 * 1024 * 1024
	uploaderMaxPartSize = 5 * 1024 * 1024 * 1024
)

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BTRFS_TO_S3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v) * time.Second, nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "btrfs-to-s3")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "btrfs-to-s3")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the configuration directory for the CLI's init
// command.
func GetConfigDir() string {
	return getConfigDir()
}
