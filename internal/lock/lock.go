package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is the content of the lock file while a backup holds the device.
type Entry struct {
	Pid       int    `yaml:"pid" json:"pid"`
	Device    string `yaml:"device" json:"device"`
	StartedAt string `yaml:"started_at" json:"started_at"`
}

// Read returns the current holder of lockPath, or nil when nobody holds it.
func Read(lockPath string) (*Entry, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("malformed lock file %s: %w", lockPath, err)
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Alive reports whether the entry's process still exists.
func (e *Entry) Alive() bool {
	return isProcessAlive(e.Pid)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// Acquire claims lockPath for device on behalf of this process. A lock left
// by a dead process is taken over. Returns a release function which should
// be called (deferred) when work is done.
func Acquire(lockPath, device string) (func() error, error) {
	existing, err := Read(lockPath)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.Alive() {
		return nil, fmt.Errorf("already locked by pid %d for %s (started %s)", existing.Pid, existing.Device, existing.StartedAt)
	}
	if existing != nil {
		slog.Warn("Reclaiming stale lock", "path", lockPath, "pid", existing.Pid, "startedAt", existing.StartedAt)
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	entry := &Entry{
		Pid:       os.Getpid(),
		Device:    device,
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(lockPath, entry); err != nil {
		return nil, err
	}

	release := func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return release, nil
}
