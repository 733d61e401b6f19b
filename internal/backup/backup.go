package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dmb/internal/config"
	"dmb/internal/engine"
	"dmb/internal/util"
)

// Run opens a session, performs one backup pass and closes the session,
// whatever the pass returned.
func Run(ctx context.Context, cfg *config.Config, opts config.RunOptions, deps Deps) (rep engine.Report, err error) {
	if ctx.Err() != nil {
		return rep, fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	s, err := Open(ctx, cfg, opts, deps)
	if err != nil {
		return rep, err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	return s.Backup(ctx)
}

// Backup copies the pending-retry paths and everything changed since the
// last committed run onto the mirror.
func (s *Session) Backup(ctx context.Context) (engine.Report, error) {
	lastRun, err := s.ledger.LastRunTime()
	if err != nil {
		s.report.Error = err.Error()
		return engine.Report{}, err
	}
	s.report.LastRun = util.Stamp(lastRun)

	eng := engine.New(engine.Config{
		SourceRoot:        s.cfg.SourceDir,
		MirrorRoot:        s.cfg.MirrorDir,
		IgnoredExtensions: s.cfg.IgnoredExtensions,
		Verbose:           s.opts.Verbose,
		DryRun:            s.opts.DryRun,
		Verify:            s.cfg.Verify,
	}, s.ledger, s.deps.Copier, s.deps.Stdout, s.deps.Stderr)
	eng.SetClock(s.deps.Now)

	changeSet := s.ledger.Pending()
	s.report.Retried = len(changeSet)
	slog.Info("Backup pass started", "lastRun", util.Stamp(lastRun), "retries", len(changeSet))

	walked, err := eng.ComputeChangeSet(ctx, lastRun)
	if err != nil {
		s.report.Error = err.Error()
		return engine.Report{}, err
	}
	changeSet = append(changeSet, walked...)

	rep, err := eng.CopyAll(ctx, changeSet)
	s.report.Copy = rep
	if err != nil {
		s.report.Error = err.Error()
		return rep, err
	}

	s.passOK = true
	return rep, nil
}
