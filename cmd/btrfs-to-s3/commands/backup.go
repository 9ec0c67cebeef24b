package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/cobra"

	"github.com/ValXp/btrfs-to-s3/internal/backup"
	"github.com/ValXp/btrfs-to-s3/internal/btrfscli"
	"github.com/ValXp/btrfs-to-s3/internal/lock"
	"github.com/ValXp/btrfs-to-s3/internal/s3store"
	"github.com/ValXp/btrfs-to-s3/internal/sendproc"
	"github.com/ValXp/btrfs-to-s3/internal/snapshot"
	"github.com/ValXp/btrfs-to-s3/internal/uploader"
	"github.com/ValXp/btrfs-to-s3/pkg/metrics"
)

var (
	backupSelect []string
	backupOnce   bool
	backupDryRun bool
	backupNoS3   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run or inspect scheduled backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one backup invocation across configured subvolumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(cmd.Context(), false)
	},
}

var backupPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print what a backup run would do without touching snapshots or S3",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(cmd.Context(), true)
	},
}

func init() {
	for _, c := range []*cobra.Command{backupRunCmd, backupPlanCmd} {
		c.Flags().StringSliceVar(&backupSelect, "select", nil, "restrict to these subvolume names (default: all configured)")
		c.Flags().BoolVar(&backupOnce, "once", false, "force every selected subvolume due regardless of schedule")
		c.Flags().BoolVar(&backupNoS3, "no-s3", false, "plan only; never contact the object store")
	}
	backupCmd.AddCommand(backupRunCmd)
	backupCmd.AddCommand(backupPlanCmd)
}

func runBackup(ctx context.Context, dryRun bool) error {
	orch, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}

	subvolumes := make([]backup.Subvolume, len(cfg.Subvolumes.Paths))
	for i, path := range cfg.Subvolumes.Paths {
		subvolumes[i] = backup.Subvolume{Name: filepath.Base(path), Path: path}
	}

	result, exitCode, err := orch.Run(ctx, subvolumes, backupConfig(), backup.Options{
		Select: backupSelect,
		Once:   backupOnce,
		DryRun: dryRun || backupDryRun,
		NoS3:   backupNoS3,
	})
	if err != nil {
		return newExitError(exitCode, err)
	}

	for _, item := range result.Items {
		if item.Err != nil {
			fmt.Printf("%-20s %-12s FAILED: %v\n", item.Subvolume, item.Action, item.Err)
			continue
		}
		if item.Skipped {
			fmt.Printf("%-20s %-12s skipped (%s)\n", item.Subvolume, item.Action, item.Reason)
			continue
		}
		fmt.Printf("%-20s %-12s %s\n", item.Subvolume, item.Action, item.ManifestKey)
	}

	if exitCode != backup.ExitSuccess {
		return newExitError(exitCode, fmt.Errorf("backup: one or more subvolumes failed"))
	}
	return nil
}

func backupConfig() backup.Config {
	return backup.Config{
		Bucket:               cfg.S3.Bucket,
		Prefix:               cfg.S3.Prefix,
		StorageClassChunks:   cfg.S3.StorageClassChunks,
		StorageClassManifest: cfg.S3.StorageClassManifest,
		SSE:                  cfg.S3.SSE,
		ChunkSize:            int64(cfg.S3.ChunkSizeBytes),
		FullEveryDays:        cfg.Schedule.FullEveryDays,
		IncrementalEveryDays: cfg.Schedule.IncrementalEveryDays,
		Retain:               cfg.Snapshots.Retain,
	}
}

// buildOrchestrator wires an *backup.Orchestrator from the loaded config:
// an S3 client via the default AWS credential chain, the btrfs CLI snapshot
// manager, a path-scoped lock, and optional Prometheus metrics.
func buildOrchestrator(ctx context.Context) (*backup.Orchestrator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	store := s3store.New(client, cfg.S3.Bucket)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		m = metrics.New()
	}

	up, err := uploader.New(store, uploader.Config{
		Bucket:             cfg.S3.Bucket,
		StorageClass:       s3StorageClass(cfg.S3.StorageClassChunks),
		SSE:                s3ServerSideEncryption(cfg.S3.SSE),
		PartSize:           int64(cfg.S3.PartSizeBytes),
		MultipartThreshold: int64(cfg.S3.MultipartThreshold),
		Concurrency:        cfg.S3.Concurrency,
		SpoolDir:           spoolDir(),
		SpoolSizeBytes:     int64(cfg.Global.SpoolSizeBytes),
		Metrics:            m,
	})
	if err != nil {
		return nil, fmt.Errorf("configure uploader: %w", err)
	}

	return &backup.Orchestrator{
		Lock:           lock.New(cfg.Global.LockPath),
		StatePath:      cfg.Global.StatePath,
		SnapshotMgr:    snapshot.NewManager(cfg.Snapshots.BaseDir, btrfscli.Runner{}),
		Uploader:       up,
		ManifestClient: store,
		Metrics:        m,
		HasCredentials: func() bool { return credentialsConfigured(ctx, awsCfg) },

		OpenSend: func(snapshotPath, parentSnapshotPath string) (backup.SendStream, error) {
			return sendproc.OpenSend(snapshotPath, parentSnapshotPath)
		},
	}, nil
}

func spoolDir() string {
	if !cfg.S3.SpoolEnabled {
		return ""
	}
	return cfg.Global.SpoolDir
}

// s3StorageClass converts a config string (e.g. "STANDARD", "GLACIER") to
// the typed constant the AWS SDK expects, passing unrecognized values
// through so new storage classes don't require a code change.
func s3StorageClass(s string) types.StorageClass {
	return types.StorageClass(s)
}

// s3ServerSideEncryption converts a config string (e.g. "AES256",
// "aws:kms") to the typed constant the AWS SDK expects. An empty string
// disables SSE.
func s3ServerSideEncryption(s string) types.ServerSideEncryption {
	if s == "" {
		return ""
	}
	return types.ServerSideEncryption(s)
}

// credentialsConfigured reports whether the AWS config chain resolved
// usable credentials, so a missing-credentials environment degrades to a
// plan-only run (event backup_no_s3) instead of failing loudly per item.
func credentialsConfigured(ctx context.Context, awsCfg aws.Config) bool {
	if awsCfg.Credentials == nil {
		return false
	}
	_, err := awsCfg.Credentials.Retrieve(ctx)
	return err == nil
}
