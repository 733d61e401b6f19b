package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"dmb/internal/command"
	"dmb/internal/config"
	"dmb/internal/engine"
	"dmb/internal/ledger"
	"dmb/internal/lock"
	"dmb/internal/manifest"
	"dmb/internal/volume"
)

// Deps are the OS collaborators of a session. Zero fields get the real
// implementations.
type Deps struct {
	Executor   command.Executor
	Copier     engine.Copier
	Stdout     io.Writer
	Stderr     io.Writer
	Now        func() time.Time
	MountCheck func(path string) (bool, error)
	Remote     func(ctx context.Context, cfg *config.Config) (Uploader, error)
}

func (d Deps) withDefaults() Deps {
	if d.Executor == nil {
		d.Executor = command.ShellExecutor{}
	}
	if d.Copier == nil {
		d.Copier = engine.FileCopier{}
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Remote == nil {
		d.Remote = newS3Uploader
	}
	return d
}

// Session holds the mounted backup device and the open ledger for one run.
// At most one session is live per process.
type Session struct {
	cfg    *config.Config
	opts   config.RunOptions
	deps   Deps
	runner *command.Runner
	ledger *ledger.Ledger
	volume *volume.Manager

	releaseLock func() error
	refs        int
	closed      bool

	startedAt time.Time
	report    manifest.Run
	passOK    bool
}

var (
	mu     sync.Mutex
	active *Session
)

// Open validates cfg, takes the pid lock, opens the ledger and mounts the
// backup device. While a session is live, Open returns it instead and every
// returned handle must be closed; the last Close tears down.
func Open(ctx context.Context, cfg *config.Config, opts config.RunOptions, deps Deps) (*Session, error) {
	mu.Lock()
	defer mu.Unlock()

	if active != nil {
		active.refs++
		slog.Info("Backup session already open, sharing it", "refs", active.refs)
		return active, nil
	}

	deps = deps.withDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		opts:      opts,
		deps:      deps,
		startedAt: deps.Now(),
	}

	// Acquire lock for the device
	releaseLock, err := lock.Acquire(cfg.LockFile, cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	s.releaseLock = releaseLock

	s.runner = command.NewRunner(deps.Executor, opts.DryRun, deps.Stderr)
	s.runner.SetClock(deps.Now)
	s.runner.SetRecorder(ledger.ErrorLog(cfg.Logs.Error))

	// Preconditions and logs
	s.ledger, err = ledger.Open(ctx, cfg, opts.DryRun, s.runner)
	if err != nil {
		s.unlock()
		return nil, err
	}
	s.runner.SetRecorder(s.ledger)

	// Mount the backup device
	s.volume = volume.New(s.runner, cfg.Device, cfg.MirrorDir)
	if deps.MountCheck != nil {
		s.volume.SetMountCheck(deps.MountCheck)
	}
	if err := s.volume.Mount(ctx); err != nil {
		if cerr := s.ledger.Close(); cerr != nil {
			slog.Warn("Failed to close ledger", "error", cerr)
		}
		s.unlock()
		return nil, err
	}

	s.report = manifest.Run{
		StartedAt: s.startedAt.Unix(),
		System:    manifest.GetSystemInfo(),
		Source:    cfg.SourceDir,
		Mirror:    cfg.MirrorDir,
		Device:    cfg.Device,
		DryRun:    opts.DryRun,
	}
	s.refs = 1
	active = s

	slog.Info("Backup session opened", "source", cfg.SourceDir, "mirror", cfg.MirrorDir, "device", cfg.Device, "dryRun", opts.DryRun)
	return s, nil
}

// Close releases one handle. The last one unmounts and spins down the
// device, commits the run time if the backup pass succeeded, writes the run
// report and closes the logs. Teardown runs even if ctx is already
// cancelled.
func (s *Session) Close(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if s.closed {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	s.closed = true
	if active == s {
		active = nil
	}

	ctx = context.WithoutCancel(ctx)
	var errs []error

	teardownErr := s.volume.Teardown(ctx)
	if teardownErr != nil {
		errs = append(errs, teardownErr)
	}

	if teardownErr == nil && s.passOK {
		if err := s.ledger.CommitRunTime(s.deps.Now()); err != nil {
			errs = append(errs, err)
		} else {
			s.report.Committed = !s.opts.DryRun
		}
	} else if !s.passOK {
		slog.Warn("Backup pass did not complete, run time not committed")
	}

	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close logs: %w", err))
	}

	s.report.FinishedAt = s.deps.Now().Unix()
	if err := errors.Join(errs...); err != nil && s.report.Error == "" {
		s.report.Error = err.Error()
	}
	s.publishReport(ctx)

	s.unlock()

	slog.Info("Backup session closed", "committed", s.report.Committed)
	return errors.Join(errs...)
}

func (s *Session) unlock() {
	if s.releaseLock == nil {
		return
	}
	if err := s.releaseLock(); err != nil {
		slog.Warn("Failed to release lock", "error", err)
	}
	s.releaseLock = nil
}

// DryRun reports whether the session suppresses mutating operations.
func (s *Session) DryRun() bool {
	return s.opts.DryRun
}
