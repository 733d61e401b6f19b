package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dmb/internal/command"
	"dmb/internal/config"
	"dmb/internal/engine"
	"dmb/internal/ledger"
	"dmb/internal/manifest"
	"dmb/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "/dev/sdz1"

type fakeExecutor struct {
	commands []string
	results  map[string]command.Result
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: map[string]command.Result{
			"lsblk -l": {Stdout: "NAME MAJ:MIN RM SIZE RO TYPE MOUNTPOINT\nsda 8:0 0 64G 0 disk\nsdz1 8:33 0 1T 0 part"},
			"mount -l": {Stdout: "/dev/sda1 on / type ext4 (rw,relatime)"},
		},
	}
}

func (f *fakeExecutor) Execute(_ context.Context, cmd string) (command.Result, error) {
	f.commands = append(f.commands, cmd)
	return f.results[cmd], nil
}

func (f *fakeExecutor) ran(prefix string) bool {
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type countingCopier struct {
	calls []string
	err   error
}

func (c *countingCopier) Copy(src, dst string) (int64, error) {
	c.calls = append(c.calls, src)
	if c.err != nil {
		return 0, c.err
	}
	return engine.FileCopier{}.Copy(src, dst)
}

type upload struct {
	local, remote, sum, kind string
}

type fakeUploader struct {
	uploads []upload
	stored  map[string]string
	heads   []string
	// corrupt replaces the checksum the bucket reports back
	corrupt string
}

func (f *fakeUploader) Upload(_ context.Context, localPath, remotePath, checksumHash, kind string) error {
	f.uploads = append(f.uploads, upload{localPath, remotePath, checksumHash, kind})
	if f.stored == nil {
		f.stored = make(map[string]string)
	}
	f.stored[remotePath] = checksumHash
	return nil
}

func (f *fakeUploader) Head(_ context.Context, remotePath string) (*remote.ObjectInfo, error) {
	f.heads = append(f.heads, remotePath)
	sum, ok := f.stored[remotePath]
	if !ok {
		return nil, errors.New("NotFound")
	}
	if f.corrupt != "" {
		sum = f.corrupt
	}
	return &remote.ObjectInfo{Blake3: sum}, nil
}

type harness struct {
	cfg    *config.Config
	exec   *fakeExecutor
	copier *countingCopier
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.SourceDir = filepath.Join(root, "data")
	cfg.MirrorDir = filepath.Join(root, "mirror")
	cfg.Device = testDevice
	cfg.Logs = config.Logs{
		Run:        filepath.Join(root, "logs", "backups.log"),
		Error:      filepath.Join(root, "logs", "error.log"),
		Pending:    filepath.Join(root, "logs", "errored_files.log"),
		Diagnostic: filepath.Join(root, "logs", "dmb.log"),
	}
	cfg.LockFile = filepath.Join(root, "dmb.lock")
	cfg.Report.Path = filepath.Join(root, "logs", "last_run.yaml")

	require.NoError(t, os.MkdirAll(cfg.SourceDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.MirrorDir, 0o755))

	return &harness{
		cfg:    cfg,
		exec:   newFakeExecutor(),
		copier: &countingCopier{},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Executor:   h.exec,
		Copier:     h.copier,
		Stdout:     h.stdout,
		Stderr:     h.stderr,
		MountCheck: func(string) (bool, error) { return false, nil },
	}
}

func (h *harness) source(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.cfg.SourceDir, rel)
	mtime := time.Now().Add(-time.Hour)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	content := strings.TrimSuffix(mustRead(t, path), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func TestRunMirrorsAndCommits(t *testing.T) {
	h := newHarness(t)
	h.source(t, "alice/file1.txt", "hello")
	h.source(t, "alice/file2.part", "partial")

	rep, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.ChangeSet)
	assert.Equal(t, 1, rep.Copied)
	assert.Equal(t, 1, rep.Ignored)

	assert.FileExists(t, filepath.Join(h.cfg.MirrorDir, "alice", "file1.txt"))
	assert.NoFileExists(t, filepath.Join(h.cfg.MirrorDir, "alice", "file2.part"))

	assert.Equal(t, []string{
		"lsblk -l",
		"mount -l",
		"mount " + testDevice + " " + h.cfg.MirrorDir,
		"umount " + testDevice,
		"hdparm -y " + testDevice,
	}, h.exec.commands)

	runLog := readLines(t, h.cfg.Logs.Run)
	require.Len(t, runLog, 2)
	assert.Equal(t, ledger.Sentinel, runLog[0])

	report, err := manifest.Read(h.cfg.Report.Path)
	require.NoError(t, err)
	assert.True(t, report.Committed)
	assert.Equal(t, 1, report.Copy.Copied)
	assert.Equal(t, "Sat Jan 29 19:37:23 2000", report.LastRun)

	assert.NoFileExists(t, h.cfg.LockFile)
}

func TestSecondRunHasEmptyChangeSet(t *testing.T) {
	h := newHarness(t)
	h.source(t, "a.txt", "a")
	h.source(t, "dir/b.txt", "b")

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)
	require.Len(t, h.copier.calls, 2)

	h.copier.calls = nil
	rep, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)
	assert.Zero(t, rep.ChangeSet)
	assert.Empty(t, h.copier.calls)
}

func TestOpenSharesLiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := Open(ctx, h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)

	second, err := Open(ctx, h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)
	assert.Same(t, first, second)

	mounts := 0
	for _, c := range h.exec.commands {
		if strings.HasPrefix(c, "mount /dev") {
			mounts++
		}
	}
	assert.Equal(t, 1, mounts)

	require.NoError(t, second.Close(ctx))
	assert.False(t, h.exec.ran("umount"), "inner close must not tear down")

	require.NoError(t, first.Close(ctx))
	assert.True(t, h.exec.ran("umount "+testDevice))
	assert.True(t, h.exec.ran("hdparm -y "+testDevice))

	require.NoError(t, first.Close(ctx))

	third, err := Open(ctx, h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	require.NoError(t, third.Close(ctx))
}

func TestTeardownRunsWhenBackupFails(t *testing.T) {
	h := newHarness(t)
	h.source(t, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Open(ctx, h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)

	cancel()
	_, err = s.Backup(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Close(ctx))
	assert.True(t, h.exec.ran("umount "+testDevice))
	assert.True(t, h.exec.ran("hdparm -y "+testDevice))

	assert.Len(t, readLines(t, h.cfg.Logs.Run), 1, "run time must not be committed")

	report, err := manifest.Read(h.cfg.Report.Path)
	require.NoError(t, err)
	assert.False(t, report.Committed)
	assert.NotEmpty(t, report.Error)
}

func TestDryRun(t *testing.T) {
	h := newHarness(t)
	src := h.source(t, "alice/file1.txt", "hello")

	rep, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, true), h.deps())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Copied)

	assert.Equal(t, []string{"lsblk -l", "mount -l"}, h.exec.commands)
	assert.Empty(t, h.copier.calls)
	assert.NoFileExists(t, filepath.Join(h.cfg.MirrorDir, "alice", "file1.txt"))
	assert.Len(t, readLines(t, h.cfg.Logs.Run), 1)
	assert.NoFileExists(t, h.cfg.Report.Path)

	dst := filepath.Join(h.cfg.MirrorDir, "alice", "file1.txt")
	assert.Contains(t, h.stdout.String(), "'"+src+"' --> '"+dst+"'")
}

func TestPendingRetriesAreConsumed(t *testing.T) {
	h := newHarness(t)
	src := h.source(t, "retry.txt", "again")

	require.NoError(t, os.MkdirAll(filepath.Dir(h.cfg.Logs.Run), 0o755))
	require.NoError(t, os.WriteFile(h.cfg.Logs.Pending, []byte(src+"\n"), 0o644))

	rep, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)

	// seeded from the retry list, then found again by the sentinel walk
	assert.Equal(t, 2, rep.ChangeSet)
	assert.Equal(t, []string{src, src}, h.copier.calls)

	data, err := os.ReadFile(h.cfg.Logs.Pending)
	require.NoError(t, err)
	assert.Empty(t, data)

	report, err := manifest.Read(h.cfg.Report.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
}

func TestFailedCopyIsRequeuedAndRunCommits(t *testing.T) {
	h := newHarness(t)
	src := h.source(t, "file1.txt", "hello")
	h.copier.err = errors.New("Input/output error")

	rep, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	assert.Equal(t, []string{src}, readLines(t, h.cfg.Logs.Pending))

	errLog := mustRead(t, h.cfg.Logs.Error)
	assert.Contains(t, errLog, "caught error 'Input/output error' while attempting to copy '"+filepath.Join(h.cfg.MirrorDir, "file1.txt")+"'")
	assert.Equal(t, 1, strings.Count(errLog, "\n"))

	assert.Len(t, readLines(t, h.cfg.Logs.Run), 2)
}

func TestPreconditionFailureReleasesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.RemoveAll(h.cfg.SourceDir))

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	var pe *ledger.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "data directory '"+h.cfg.SourceDir+"' does not exist", pe.Error())

	assert.NoFileExists(t, h.cfg.LockFile)
	assert.False(t, h.exec.ran("mount /dev"))

	mu.Lock()
	assert.Nil(t, active)
	mu.Unlock()
}

func TestUnknownDeviceIsPrecondition(t *testing.T) {
	h := newHarness(t)
	h.cfg.Device = "/dev/sdq9"

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	var pe *ledger.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "backup partition '/dev/sdq9' does not exist")
}

func TestDeviceQueryFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.exec.results["lsblk -l"] = command.Result{Stderr: "lsblk: failed", ExitCode: 2}

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	var ee *command.ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 2, ee.ExitCode())

	assert.Contains(t, mustRead(t, h.cfg.Logs.Error), "'lsblk -l' returned the following error: 'lsblk: failed'")
	assert.NoFileExists(t, h.cfg.Logs.Run)
	assert.False(t, h.exec.ran("mount /dev"))
	assert.NoFileExists(t, h.cfg.LockFile)
}

func TestMountFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	mountCmd := "mount " + testDevice + " " + h.cfg.MirrorDir
	h.exec.results[mountCmd] = command.Result{Stderr: "mount: wrong fs type", ExitCode: 32}

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	var ee *command.ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 32, ee.ExitCode())

	assert.Contains(t, mustRead(t, h.cfg.Logs.Error), "'"+mountCmd+"' returned the following error: 'mount: wrong fs type'")
	assert.Contains(t, h.stderr.String(), "returned the following error")
	assert.False(t, h.exec.ran("hdparm"))
	assert.NoFileExists(t, h.cfg.LockFile)
}

func TestStaleMountIsCleared(t *testing.T) {
	h := newHarness(t)
	h.exec.results["mount -l"] = command.Result{Stdout: testDevice + " on /media/usb type ext4 (rw)"}
	deps := h.deps()
	deps.MountCheck = func(string) (bool, error) { return true, nil }

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), deps)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lsblk -l",
		"umount " + h.cfg.MirrorDir,
		"mount -l",
		"umount " + testDevice,
		"mount " + testDevice + " " + h.cfg.MirrorDir,
		"umount " + testDevice,
		"hdparm -y " + testDevice,
	}, h.exec.commands)
}

func TestInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Device = "sdz1"

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), h.deps())
	assert.ErrorContains(t, err, "invalid configuration")
	assert.Empty(t, h.exec.commands)
}

func TestReportShippedToS3(t *testing.T) {
	h := newHarness(t)
	h.source(t, "a.txt", "a")
	h.cfg.Report.S3.Enabled = true
	h.cfg.Report.S3.Bucket = "backups"
	h.cfg.Report.S3.Region = "eu-west-1"

	up := &fakeUploader{}
	deps := h.deps()
	deps.Remote = func(context.Context, *config.Config) (Uploader, error) { return up, nil }

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, false), deps)
	require.NoError(t, err)

	host := manifest.GetSystemInfo().Hostname
	require.Len(t, up.uploads, 3)
	assert.Equal(t, remote.KindReport, up.uploads[0].kind)
	assert.True(t, strings.HasPrefix(up.uploads[0].remote, "reports/"+host+"/runs/"))
	assert.Equal(t, remote.LatestReportPath(host), up.uploads[1].remote)
	assert.Equal(t, remote.ErrorLogPath(host), up.uploads[2].remote)
	assert.Equal(t, remote.KindErrorLog, up.uploads[2].kind)

	want, err := engine.HashFile(h.cfg.Report.Path)
	require.NoError(t, err)
	assert.Equal(t, want, up.uploads[1].sum)

	assert.Equal(t, []string{up.uploads[0].remote, up.uploads[1].remote, up.uploads[2].remote}, up.heads)
}

func TestShipReportDetectsChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.cfg.Report.Path), 0o755))
	require.NoError(t, manifest.Write(h.cfg.Report.Path, &manifest.Run{StartedAt: 1700000000}))

	up := &fakeUploader{corrupt: "0000"}
	s := &Session{
		cfg: h.cfg,
		deps: Deps{
			Remote: func(context.Context, *config.Config) (Uploader, error) { return up, nil },
		},
		report: manifest.Run{StartedAt: 1700000000, System: manifest.SystemInfo{Hostname: "cloud"}},
	}

	err := s.shipReport(context.Background())
	assert.ErrorContains(t, err, "has BLAKE3 \"0000\"")
	assert.Len(t, up.uploads, 1, "shipping stops at the first bad upload")
}

func TestDryRunShipsNothing(t *testing.T) {
	h := newHarness(t)
	h.cfg.Report.S3.Enabled = true
	h.cfg.Report.S3.Bucket = "backups"
	h.cfg.Report.S3.Region = "eu-west-1"

	up := &fakeUploader{}
	deps := h.deps()
	deps.Remote = func(context.Context, *config.Config) (Uploader, error) { return up, nil }

	_, err := Run(context.Background(), h.cfg, config.NewRunOptions(false, true), deps)
	require.NoError(t, err)
	assert.Empty(t, up.uploads)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, h.cfg, config.NewRunOptions(false, false), h.deps())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.exec.commands)
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
