package check

import (
	"context"
	"fmt"
	"io"
	"os"

	"dmb/internal/config"
	"dmb/internal/ledger"
	"dmb/internal/lock"
	"dmb/internal/remote"
	"dmb/internal/volume"
)

// Querier runs read-only commands such as `lsblk -l`.
type Querier interface {
	Query(ctx context.Context, command string) (string, error)
}

type Verifier interface {
	VerifyCredentials(ctx context.Context) error
}

type Deps struct {
	Querier    Querier
	Out        io.Writer
	MountCheck func(path string) (bool, error)
	Remote     func(ctx context.Context, cfg *config.Config) (Verifier, error)
}

func newS3Verifier(ctx context.Context, cfg *config.Config) (Verifier, error) {
	return remote.FromConfig(ctx, cfg)
}

// Run evaluates everything a backup run needs without mounting, copying or
// writing any log.
func Run(ctx context.Context, cfg *config.Config, deps Deps) error {
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	if deps.MountCheck == nil {
		deps.MountCheck = volume.IsMountPoint
	}
	if deps.Remote == nil {
		deps.Remote = newS3Verifier
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintln(out, "config: OK")

	if err := ledger.CheckPreconditions(ctx, cfg, deps.Querier); err != nil {
		return err
	}
	fmt.Fprintf(out, "data directory %s: OK\n", cfg.SourceDir)
	fmt.Fprintf(out, "backup mount point %s: OK\n", cfg.MirrorDir)
	fmt.Fprintf(out, "backup partition %s: OK\n", cfg.Device)

	mounted, err := deps.MountCheck(cfg.MirrorDir)
	if err != nil {
		return fmt.Errorf("mount point %s: %w", cfg.MirrorDir, err)
	}
	if mounted {
		fmt.Fprintf(out, "backup mount point %s: currently mounted, will be unmounted first\n", cfg.MirrorDir)
	}
	mounts, err := deps.Querier.Query(ctx, "mount -l")
	if err != nil {
		return err
	}
	if volume.DeviceMounted(mounts, cfg.Device) {
		fmt.Fprintf(out, "backup partition %s: currently mounted, will be unmounted first\n", cfg.Device)
	}

	holder, err := lock.Read(cfg.LockFile)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if holder != nil && holder.Alive() {
		return fmt.Errorf("lock: backup already running as pid %d (started %s)", holder.Pid, holder.StartedAt)
	}
	if holder != nil {
		fmt.Fprintf(out, "lock %s: stale (pid %d), will be reclaimed\n", cfg.LockFile, holder.Pid)
	}

	if cfg.Report.S3.Enabled {
		if err := remote.ValidateStorageClass(string(cfg.Report.S3.StorageClass)); err != nil {
			return fmt.Errorf("S3: %w", err)
		}
		verifier, err := deps.Remote(ctx, cfg)
		if err != nil {
			return fmt.Errorf("S3 init: %w", err)
		}
		if err := verifier.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(out, "S3 bucket %s: OK\n", cfg.Report.S3.Bucket)
	}

	fmt.Fprintln(out, "all checks passed")
	return nil
}
