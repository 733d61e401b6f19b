package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dmb/internal/config"
	"dmb/internal/util"
)

// Sentinel is seeded into an empty run log so the first run copies the
// whole tree.
const Sentinel = "Tue Jan 29 19:37:23 2000"

// PreconditionError is a missing source tree, mount point or device.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

func preconditionf(format string, args ...any) error {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

// Prober runs read-only device queries.
type Prober interface {
	Query(ctx context.Context, command string) (string, error)
}

// Ledger owns the run log, the error log and the pending-retry log.
type Ledger struct {
	runLog     *os.File
	errorLog   *os.File
	pendingLog *os.File
	dryRun     bool
	pending    []string
}

// CheckPreconditions verifies that the source tree, the mirror mount point
// and the backup device exist.
func CheckPreconditions(ctx context.Context, cfg *config.Config, prober Prober) error {
	if _, err := os.Stat(cfg.SourceDir); err != nil {
		return preconditionf("data directory '%s' does not exist", cfg.SourceDir)
	}
	if _, err := os.Stat(cfg.MirrorDir); err != nil {
		return preconditionf("backup mount point '%s' does not exist", cfg.MirrorDir)
	}

	devices, err := prober.Query(ctx, "lsblk -l")
	if err != nil {
		return err
	}
	if !deviceListed(devices, filepath.Base(cfg.Device)) {
		return preconditionf("backup partition '%s' does not exist", cfg.Device)
	}

	return nil
}

func deviceListed(lsblk, name string) bool {
	for _, line := range strings.Split(lsblk, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

// Open checks preconditions, opens the three logs, seeds the run log if it
// is empty and loads the pending-retry list. Outside a dry run the
// pending-retry log is cleared as soon as it has been read; entries are
// lost if the process dies before they are re-queued.
func Open(ctx context.Context, cfg *config.Config, dryRun bool, prober Prober) (*Ledger, error) {
	if err := CheckPreconditions(ctx, cfg, prober); err != nil {
		return nil, err
	}

	if err := util.SetupDirectories(
		filepath.Dir(cfg.Logs.Run),
		filepath.Dir(cfg.Logs.Error),
		filepath.Dir(cfg.Logs.Pending),
	); err != nil {
		return nil, err
	}

	l := &Ledger{dryRun: dryRun}

	var err error
	if l.runLog, err = openLog(cfg.Logs.Run); err != nil {
		return nil, err
	}
	if l.errorLog, err = openLog(cfg.Logs.Error); err != nil {
		l.Close()
		return nil, err
	}
	if l.pendingLog, err = openLog(cfg.Logs.Pending); err != nil {
		l.Close()
		return nil, err
	}

	if err := l.seedRunLog(); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.loadPending(); err != nil {
		l.Close()
		return nil, err
	}

	slog.Info("Ledger opened", "pending", len(l.pending), "dryRun", dryRun)
	return l, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	return f, nil
}

func (l *Ledger) seedRunLog() error {
	info, err := l.runLog.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat run log: %w", err)
	}
	if info.Size() > 0 {
		return nil
	}
	slog.Info("Run log empty, seeding sentinel", "sentinel", Sentinel)
	if _, err := l.runLog.WriteString(Sentinel + "\n"); err != nil {
		return fmt.Errorf("failed to seed run log: %w", err)
	}
	return nil
}

func (l *Ledger) loadPending() error {
	lines, err := readLines(l.pendingLog)
	if err != nil {
		return fmt.Errorf("failed to read pending-retry log: %w", err)
	}
	l.pending = lines
	if len(lines) == 0 || l.dryRun {
		return nil
	}
	if err := l.pendingLog.Truncate(0); err != nil {
		return fmt.Errorf("failed to clear pending-retry log: %w", err)
	}
	return nil
}

func readLines(f *os.File) ([]string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return ReadLines(f)
}

// ReadLines returns the non-blank lines of a ledger log.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// Pending returns the paths that failed in earlier runs.
func (l *Ledger) Pending() []string {
	return append([]string(nil), l.pending...)
}

// LastRunTime parses the final line of the run log.
func (l *Ledger) LastRunTime() (time.Time, error) {
	lines, err := readLines(l.runLog)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read run log: %w", err)
	}
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("run log is empty")
	}
	last := lines[len(lines)-1]
	t, err := util.ParseStamp(last)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed run log entry %q: %w", last, err)
	}
	return t, nil
}

func (l *Ledger) RecordError(message string) error {
	_, err := l.errorLog.WriteString(message + "\n")
	return err
}

// ErrorLog appends error records to the error log at its path. It serves
// commands that fail before a Ledger is open.
type ErrorLog string

func (p ErrorLog) RecordError(message string) error {
	if err := util.SetupDirectories(filepath.Dir(string(p))); err != nil {
		return err
	}
	f, err := os.OpenFile(string(p), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", p, err)
	}
	if _, err := f.WriteString(message + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RecordPendingRetry queues path for the next run. A dry run keeps the
// log it read untouched, so nothing is appended.
func (l *Ledger) RecordPendingRetry(path string) error {
	if l.dryRun {
		return nil
	}
	_, err := l.pendingLog.WriteString(path + "\n")
	return err
}

// CommitRunTime appends now to the run log. Dry runs never move the
// checkpoint.
func (l *Ledger) CommitRunTime(now time.Time) error {
	if l.dryRun {
		slog.Info("Dry run, run time not committed")
		return nil
	}
	if _, err := l.runLog.WriteString(util.Stamp(now) + "\n"); err != nil {
		return fmt.Errorf("failed to commit run time: %w", err)
	}
	slog.Info("Run time committed", "time", util.Stamp(now))
	return nil
}

// Close flushes and releases the three logs. It is safe to call twice.
func (l *Ledger) Close() error {
	var errs []error
	for _, f := range []**os.File{&l.runLog, &l.errorLog, &l.pendingLog} {
		if *f == nil {
			continue
		}
		if err := (*f).Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := (*f).Close(); err != nil {
			errs = append(errs, err)
		}
		*f = nil
	}
	return errors.Join(errs...)
}
