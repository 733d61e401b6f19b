package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dmb/internal/util"
)

// Config controls one engine pass.
type Config struct {
	SourceRoot        string
	MirrorRoot        string
	IgnoredExtensions []string
	Verbose           bool
	DryRun            bool
	Verify            bool
}

// Ledger receives per-file failures.
type Ledger interface {
	RecordError(message string) error
	RecordPendingRetry(path string) error
}

// Copier copies src to dst, preserving mode and modification time, and
// returns the number of bytes written.
type Copier interface {
	Copy(src, dst string) (int64, error)
}

// Report summarises one copy pass.
type Report struct {
	ChangeSet   int   `yaml:"change_set" json:"change_set"`
	Copied      int   `yaml:"copied" json:"copied"`
	Ignored     int   `yaml:"ignored" json:"ignored"`
	Failed      int   `yaml:"failed" json:"failed"`
	Requeued    int   `yaml:"requeued" json:"requeued"`
	DirsCreated int   `yaml:"dirs_created" json:"dirs_created"`
	Bytes       int64 `yaml:"bytes" json:"bytes"`
}

type Engine struct {
	cfg    Config
	ledger Ledger
	copier Copier
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	swept  map[string]bool
}

func New(cfg Config, ledger Ledger, copier Copier, stdout, stderr io.Writer) *Engine {
	if copier == nil {
		copier = FileCopier{}
	}
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		copier: copier,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		swept:  make(map[string]bool),
	}
}

// SetClock replaces time.Now for error record timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ComputeChangeSet walks the source tree and returns every regular file
// modified after lastRun or missing from the mirror, in walk order.
func (e *Engine) ComputeChangeSet(ctx context.Context, lastRun time.Time) ([]string, error) {
	var changed []string

	// WalkDir does not descend into a symlinked root
	root, err := filepath.EvalSymlinks(e.cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", e.cfg.SourceRoot, err)
	}

	err = filepath.WalkDir(root, func(walked string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil && walked == root {
			return err
		}

		// report and map paths under the configured root, not the resolved one
		rel, relErr := filepath.Rel(root, walked)
		if relErr != nil {
			return relErr
		}
		path := filepath.Join(e.cfg.SourceRoot, rel)

		if err != nil {
			e.report(fmt.Sprintf("%s: caught error '%v' while scanning '%s'", util.Stamp(e.now()), err, path))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// vanished between readdir and stat
			slog.Debug("Skipping vanished file", "path", path, "error", err)
			return nil
		}

		if info.ModTime().After(lastRun) {
			changed = append(changed, path)
			return nil
		}

		dst, err := util.MirrorPath(path, e.cfg.SourceRoot, e.cfg.MirrorRoot)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
			changed = append(changed, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", e.cfg.SourceRoot, err)
	}

	slog.Info("Change set computed", "files", len(changed), "lastRun", util.Stamp(lastRun))
	return changed, nil
}

// CopyAll mirrors every path of changeSet in order. Per-file failures are
// recorded in the ledger and never stop the pass; only cancellation of ctx
// does.
func (e *Engine) CopyAll(ctx context.Context, changeSet []string) (Report, error) {
	rep := Report{ChangeSet: len(changeSet)}

	for i, src := range changeSet {
		if err := ctx.Err(); err != nil {
			slog.Warn("Copy pass interrupted", "remaining", len(changeSet)-i)
			return rep, err
		}
		e.copyOne(src, &rep)
	}

	slog.Info("Copy pass finished",
		"changeSet", rep.ChangeSet, "copied", rep.Copied, "ignored", rep.Ignored,
		"failed", rep.Failed, "requeued", rep.Requeued, "bytes", rep.Bytes)
	return rep, nil
}

func (e *Engine) copyOne(src string, rep *Report) {
	if util.HasIgnoredExtension(src, e.cfg.IgnoredExtensions) {
		slog.Debug("Skipping ignored file", "path", src)
		rep.Ignored++
		return
	}

	dst, err := util.MirrorPath(src, e.cfg.SourceRoot, e.cfg.MirrorRoot)
	if err != nil {
		// retrying cannot help a path outside the source tree
		e.report(fmt.Sprintf("%s: caught error '%v' while attempting to copy '%s'", util.Stamp(e.now()), err, src))
		rep.Failed++
		return
	}

	if err := e.ensureParent(dst, rep); err != nil {
		e.fail(src, dst, err, rep)
		return
	}

	if e.cfg.Verbose {
		fmt.Fprintf(e.stdout, "'%s' --> '%s'\n", src, dst)
	}
	if e.cfg.DryRun {
		rep.Copied++
		return
	}
	e.sweep(filepath.Dir(dst))

	n, err := e.copier.Copy(src, dst)
	if err == nil && e.cfg.Verify {
		err = verifyCopy(src, dst)
	}
	if err != nil {
		e.fail(src, dst, err, rep)
		return
	}

	slog.Debug("Copied file", "src", src, "dst", dst, "bytes", n)
	rep.Copied++
	rep.Bytes += n
}

func (e *Engine) ensureParent(dst string, rep *Report) error {
	dir := filepath.Dir(dst)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if e.cfg.Verbose {
		fmt.Fprintf(e.stdout, "creating '%s'\n", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rep.DirsCreated++
	return nil
}

// sweep clears temp files of an earlier crashed copy, once per directory.
func (e *Engine) sweep(dir string) {
	if e.swept[dir] {
		return
	}
	e.swept[dir] = true
	n, err := SweepTempFiles(dir)
	if err != nil {
		slog.Warn("Failed to remove stale temp files", "dir", dir, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Removed stale temp files", "dir", dir, "count", n)
	}
}

func (e *Engine) fail(src, dst string, cause error, rep *Report) {
	rep.Failed++
	e.report(fmt.Sprintf("%s: caught error '%v' while attempting to copy '%s'", util.Stamp(e.now()), cause, dst))

	if _, err := os.Stat(src); err != nil {
		slog.Info("Failed file no longer exists, not requeued", "path", src)
		return
	}
	if err := e.ledger.RecordPendingRetry(src); err != nil {
		slog.Error("Failed to queue file for retry", "path", src, "error", err)
		return
	}
	rep.Requeued++
}

func (e *Engine) report(msg string) {
	if err := e.ledger.RecordError(msg); err != nil {
		slog.Error("Failed to write error record", "error", err)
	}
	fmt.Fprintln(e.stderr, msg)
	slog.Warn("File error", "message", msg)
}
