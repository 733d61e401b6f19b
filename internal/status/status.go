package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dmb/internal/config"
	"dmb/internal/ledger"
	"dmb/internal/lock"
	"dmb/internal/manifest"
	"dmb/internal/remote"
)

const (
	SourceLocal = "local"
	SourceS3    = "s3"
)

type Downloader interface {
	Download(ctx context.Context, remotePath, localPath string) error
}

type Deps struct {
	Out      io.Writer
	Hostname string
	Remote   func(ctx context.Context, cfg *config.Config) (Downloader, error)
}

type Output struct {
	Source     string        `json:"source"`
	LastRun    string        `json:"last_run"`
	Runs       int           `json:"runs"`
	Pending    []string      `json:"pending"`
	Errors     int           `json:"errors"`
	LastError  string        `json:"last_error,omitempty"`
	Lock       *lock.Entry   `json:"lock,omitempty"`
	LockActive bool          `json:"lock_active"`
	Report     *manifest.Run `json:"report,omitempty"`
}

func newS3Downloader(ctx context.Context, cfg *config.Config) (Downloader, error) {
	if err := remote.ValidateStorageClass(string(cfg.Report.S3.StorageClass)); err != nil {
		return nil, fmt.Errorf("cannot read report from S3: %w", err)
	}
	return remote.FromConfig(ctx, cfg)
}

// Run prints the state a backup run left behind. It only reads the logs.
func Run(ctx context.Context, cfg *config.Config, source string, asJSON bool, deps Deps) error {
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	output, err := Collect(ctx, cfg, source, deps)
	if err != nil {
		return err
	}

	if asJSON {
		encoder := json.NewEncoder(deps.Out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	}

	writeText(deps.Out, output)
	return nil
}

func Collect(ctx context.Context, cfg *config.Config, source string, deps Deps) (*Output, error) {
	output := &Output{Source: source, LastRun: "never", Pending: []string{}}

	runs, err := readLines(cfg.Logs.Run)
	if err != nil {
		return nil, fmt.Errorf("failed to read run log: %w", err)
	}
	if len(runs) > 0 && runs[0] == ledger.Sentinel {
		runs = runs[1:]
	}
	output.Runs = len(runs)
	if len(runs) > 0 {
		output.LastRun = runs[len(runs)-1]
	}

	pending, err := readLines(cfg.Logs.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending-retry log: %w", err)
	}
	if pending != nil {
		output.Pending = pending
	}

	errs, err := readLines(cfg.Logs.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to read error log: %w", err)
	}
	output.Errors = len(errs)
	if len(errs) > 0 {
		output.LastError = errs[len(errs)-1]
	}

	holder, err := lock.Read(cfg.LockFile)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		output.Lock = holder
		output.LockActive = holder.Alive()
	}

	switch source {
	case SourceLocal, "":
		output.Source = SourceLocal
		output.Report, err = readLocalReport(cfg.Report.Path)
	case SourceS3:
		output.Report, err = readRemoteReport(ctx, cfg, deps)
	default:
		return nil, fmt.Errorf("unknown report source %q", source)
	}
	if err != nil {
		return nil, err
	}

	return output, nil
}

func readLocalReport(path string) (*manifest.Run, error) {
	if path == "" {
		return nil, nil
	}
	report, err := manifest.Read(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run report from %s: %w", path, err)
	}
	return report, nil
}

func readRemoteReport(ctx context.Context, cfg *config.Config, deps Deps) (*manifest.Run, error) {
	if !cfg.Report.S3.Enabled {
		return nil, fmt.Errorf("S3 is not enabled in config")
	}
	if deps.Remote == nil {
		deps.Remote = newS3Downloader
	}
	host := deps.Hostname
	if host == "" {
		host = manifest.GetSystemInfo().Hostname
	}

	backend, err := deps.Remote(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}

	tmp, err := os.MkdirTemp("", "dmb-status-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	localPath := filepath.Join(tmp, "last_run.yaml")
	if err := backend.Download(ctx, remote.LatestReportPath(host), localPath); err != nil {
		return nil, fmt.Errorf("failed to download run report from S3: %w", err)
	}
	return manifest.Read(localPath)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return ledger.ReadLines(f)
}

func writeText(w io.Writer, o *Output) {
	fmt.Fprintf(w, "last successful run: %s (%d recorded)\n", o.LastRun, o.Runs)
	fmt.Fprintf(w, "pending retries: %d\n", len(o.Pending))
	for _, p := range o.Pending {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintf(w, "error records: %d\n", o.Errors)
	if o.LastError != "" {
		fmt.Fprintf(w, "  last: %s\n", o.LastError)
	}
	if o.Lock != nil {
		state := "stale"
		if o.LockActive {
			state = "running"
		}
		fmt.Fprintf(w, "lock: pid %d on %s since %s (%s)\n", o.Lock.Pid, o.Lock.Device, o.Lock.StartedAt, state)
	}

	r := o.Report
	if r == nil {
		fmt.Fprintf(w, "run report (%s): none\n", o.Source)
		return
	}
	started := time.Unix(r.StartedAt, 0)
	took := time.Unix(r.FinishedAt, 0).Sub(started)
	fmt.Fprintf(w, "run report (%s): %s on %s, took %s\n", o.Source, started.Format(time.RFC3339), r.System.Hostname, took)
	fmt.Fprintf(w, "  change set %d, copied %d, ignored %d, failed %d, requeued %d, %d bytes\n",
		r.Copy.ChangeSet, r.Copy.Copied, r.Copy.Ignored, r.Copy.Failed, r.Copy.Requeued, r.Copy.Bytes)
	fmt.Fprintf(w, "  committed: %t\n", r.Committed)
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}
