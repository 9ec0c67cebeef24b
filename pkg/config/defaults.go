package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/bytesize"
)

// Default values, carried over from the historical implementation's
// constants so existing deployments' expectations hold.
const (
	DefaultLockPath              = "/var/lock/btrfs-to-s3.lock"
	DefaultSpoolDir              = "/mnt/ssd/btrfs-to-s3-spool"
	DefaultSpoolSizeBytes        = bytesize.ByteSize(200 * 1024 * 1024 * 1024)
	DefaultFullEveryDays         = 180
	DefaultIncrementalEveryDays  = 7
	DefaultSnapshotBaseDir       = "/srv/snapshots"
	DefaultSnapshotRetain        = 2
	DefaultChunkSizeBytes        = bytesize.ByteSize(200 * 1024 * 1024 * 1024)
	DefaultStorageClassChunks    = "DEEP_ARCHIVE"
	DefaultStorageClassManifest  = "STANDARD"
	DefaultS3Concurrency         = 4
	DefaultS3SSE                 = "AES256"
	DefaultPartSizeBytes         = bytesize.ByteSize(128 * 1024 * 1024)
	DefaultMultipartThreshold    = bytesize.ByteSize(5 * 1024 * 1024)
	DefaultRestoreTargetBaseDir  = "/srv/restore"
	DefaultRestoreVerifyMode     = "full"
	DefaultRestoreSampleMaxFiles = 1000
	DefaultRestoreWaitForRestore = true
	DefaultRestoreTimeoutSeconds = 72 * 60 * 60 // seconds
	DefaultRestoreTier           = "Standard"
	DefaultLogLevel              = "INFO"
	DefaultLogFormat             = "text"
)

// DefaultConfig returns a Config populated entirely with default values,
// suitable as a starting point before a config file is layered on top.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Global: GlobalConfig{
			StatePath:      filepath.Join(home, ".local", "state", "btrfs-to-s3", "state.json"),
			LockPath:       DefaultLockPath,
			SpoolDir:       DefaultSpoolDir,
			SpoolSizeBytes: DefaultSpoolSizeBytes,
		},
		Schedule: ScheduleConfig{
			FullEveryDays:        DefaultFullEveryDays,
			IncrementalEveryDays: DefaultIncrementalEveryDays,
		},
		Snapshots: SnapshotsConfig{
			BaseDir: DefaultSnapshotBaseDir,
			Retain:  DefaultSnapshotRetain,
		},
		Subvolumes: SubvolumesConfig{},
		S3: S3Config{
			ChunkSizeBytes:       DefaultChunkSizeBytes,
			StorageClassChunks:   DefaultStorageClassChunks,
			StorageClassManifest: DefaultStorageClassManifest,
			Concurrency:          DefaultS3Concurrency,
			SSE:                  DefaultS3SSE,
			PartSizeBytes:        DefaultPartSizeBytes,
			MultipartThreshold:   DefaultMultipartThreshold,
		},
		Restore: RestoreConfig{
			TargetBaseDir:         DefaultRestoreTargetBaseDir,
			VerifyMode:            DefaultRestoreVerifyMode,
			SampleMaxFiles:        DefaultRestoreSampleMaxFiles,
			WaitForRestore:        DefaultRestoreWaitForRestore,
			RestoreTimeoutSeconds: DefaultRestoreTimeoutSeconds * time.Second,
			RestoreTier:           DefaultRestoreTier,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceVersion: "dev",
			Insecure:       true,
			SampleRate:     1.0,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}
