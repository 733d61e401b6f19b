package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"dmb/internal/backup"
	"dmb/internal/check"
	"dmb/internal/command"
	"dmb/internal/config"
	"dmb/internal/ledger"
	"dmb/internal/status"
	"dmb/internal/util"
)

func runBackup(ctx context.Context, configPath string, verbose, dryRun, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	closeLog, err := setupLogging(cfg, debug, true)
	if err != nil {
		return err
	}
	defer closeLog()

	opts := config.NewRunOptions(verbose, dryRun)
	slog.Info("Backup started", "config", configPath, "verbose", opts.Verbose, "dryRun", opts.DryRun)

	rep, err := backup.Run(ctx, cfg, opts, backup.Deps{})
	if err != nil {
		slog.Error("Backup failed", "error", err)
		return err
	}

	slog.Info("Backup completed successfully!", "copied", rep.Copied, "failed", rep.Failed)
	return nil
}

func runCheck(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	closeLog, err := setupLogging(cfg, debug, false)
	if err != nil {
		return err
	}
	defer closeLog()

	runner := command.NewRunner(command.ShellExecutor{}, false, os.Stderr)
	return check.Run(ctx, cfg, check.Deps{Querier: runner})
}

func runStatus(ctx context.Context, configPath, source string, asJSON, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	closeLog, err := setupLogging(cfg, debug, false)
	if err != nil {
		return err
	}
	defer closeLog()

	return status.Run(ctx, cfg, source, asJSON, status.Deps{})
}

// setupLogging installs the default slog logger. Only a backup run writes
// the diagnostic log file; check and status log to stderr with --debug.
func setupLogging(cfg *config.Config, debug, toFile bool) (func(), error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	var console io.Writer
	if debug {
		console = os.Stderr
	}

	if !toFile || cfg.Logs.Diagnostic == "" {
		out := io.Discard
		if console != nil {
			out = console
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
		return func() {}, nil
	}

	logger, logFile, err := util.SetupLogging(cfg.Logs.Diagnostic, level, console)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	return func() { logFile.Close() }, nil
}

// exitStatus maps a command error to the process exit code and the line
// to print on stderr. Failed external commands have already been reported
// by the runner.
func exitStatus(ctx context.Context, err error) (int, string) {
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), ""
	}

	var precondition *ledger.PreconditionError
	if errors.As(err, &precondition) {
		return 1, "Error: " + precondition.Error()
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return 130, "Backup interrupted by user"
	}

	return 1, "Error: " + err.Error()
}
