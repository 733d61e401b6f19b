package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dmb/internal/config"
	"dmb/internal/engine"
	"dmb/internal/manifest"
	"dmb/internal/remote"
)

// Uploader is the part of remote.S3 used to ship run reports.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath, checksumHash, kind string) error
	Head(ctx context.Context, remotePath string) (*remote.ObjectInfo, error)
}

func newS3Uploader(ctx context.Context, cfg *config.Config) (Uploader, error) {
	if err := remote.ValidateStorageClass(string(cfg.Report.S3.StorageClass)); err != nil {
		return nil, err
	}
	backend, err := remote.FromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	return backend, nil
}

// publishReport writes the run report and ships it with the error log.
// Dry runs leave no report. Failures here are logged only; the mirror and
// the ledger are already settled.
func (s *Session) publishReport(ctx context.Context) {
	if s.opts.DryRun || s.cfg.Report.Path == "" {
		return
	}

	if err := manifest.Write(s.cfg.Report.Path, &s.report); err != nil {
		slog.Error("Failed to write run report", "path", s.cfg.Report.Path, "error", err)
		return
	}
	slog.Info("Run report written", "path", s.cfg.Report.Path)

	if !s.cfg.Report.S3.Enabled {
		return
	}
	if err := s.shipReport(ctx); err != nil {
		slog.Error("Failed to ship run report", "error", err)
	}
}

func (s *Session) shipReport(ctx context.Context) error {
	up, err := s.deps.Remote(ctx, s.cfg)
	if err != nil {
		return err
	}

	host := s.report.System.Hostname
	started := time.Unix(s.report.StartedAt, 0)

	uploads := []struct {
		local, remote, kind string
	}{
		{s.cfg.Report.Path, remote.ArchivedReportPath(host, started), remote.KindReport},
		{s.cfg.Report.Path, remote.LatestReportPath(host), remote.KindReport},
		{s.cfg.Logs.Error, remote.ErrorLogPath(host), remote.KindErrorLog},
	}
	for _, u := range uploads {
		if _, err := os.Stat(u.local); err != nil {
			slog.Warn("Skipping upload of missing file", "path", u.local)
			continue
		}
		sum, err := engine.HashFile(u.local)
		if err != nil {
			return fmt.Errorf("failed to calculate BLAKE3 of %s: %w", u.local, err)
		}
		if err := up.Upload(ctx, u.local, u.remote, sum, u.kind); err != nil {
			return err
		}
		if err := verifyUpload(ctx, up, u.remote, sum); err != nil {
			return err
		}
	}
	return nil
}

// verifyUpload checks the checksum the bucket stored against the local one.
func verifyUpload(ctx context.Context, up Uploader, remotePath, sum string) error {
	info, err := up.Head(ctx, remotePath)
	if err != nil {
		return err
	}
	if info.Blake3 != sum {
		return fmt.Errorf("uploaded %s has BLAKE3 %q, expected %q", remotePath, info.Blake3, sum)
	}
	slog.Debug("Upload verified", "remote", remotePath, "bytes", info.Size)
	return nil
}
