package volume

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Commander is the part of command.Runner the manager needs.
type Commander interface {
	Run(ctx context.Context, command string) (string, error)
	Query(ctx context.Context, command string) (string, error)
}

// Manager owns the mount lifecycle of the backup device.
type Manager struct {
	runner     Commander
	device     string
	mountPoint string
	mounted    func(path string) (bool, error)
}

func New(runner Commander, device, mountPoint string) *Manager {
	return &Manager{
		runner:     runner,
		device:     device,
		mountPoint: mountPoint,
		mounted:    IsMountPoint,
	}
}

// SetMountCheck replaces IsMountPoint, mainly for tests.
func (m *Manager) SetMountCheck(fn func(path string) (bool, error)) {
	m.mounted = fn
}

// Mount clears whatever occupies the mount point, detaches the device from
// any other location, and mounts the device at the mount point.
func (m *Manager) Mount(ctx context.Context) error {
	busy, err := m.mounted(m.mountPoint)
	if err != nil {
		return fmt.Errorf("failed to inspect mount point %s: %w", m.mountPoint, err)
	}
	if busy {
		slog.Info("Unmounting stale mount", "mountPoint", m.mountPoint)
		if _, err := m.runner.Run(ctx, "umount "+m.mountPoint); err != nil {
			return err
		}
	}

	mounts, err := m.runner.Query(ctx, "mount -l")
	if err != nil {
		return err
	}
	if DeviceMounted(mounts, m.device) {
		slog.Info("Unmounting backup device from foreign location", "device", m.device)
		if _, err := m.runner.Run(ctx, "umount "+m.device); err != nil {
			return err
		}
	}

	if _, err := m.runner.Run(ctx, fmt.Sprintf("mount %s %s", m.device, m.mountPoint)); err != nil {
		return err
	}
	slog.Info("Backup device mounted", "device", m.device, "mountPoint", m.mountPoint)

	return nil
}

// Teardown unmounts the device and spins the disk down.
func (m *Manager) Teardown(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "umount "+m.device); err != nil {
		return err
	}
	if _, err := m.runner.Run(ctx, "hdparm -y "+m.device); err != nil {
		return err
	}
	slog.Info("Backup device unmounted and spun down", "device", m.device)
	return nil
}

// DeviceMounted reports whether device is the source of any line of
// `mount -l` output.
func DeviceMounted(mounts, device string) bool {
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == device {
			return true
		}
	}
	return false
}

// IsMountPoint reports whether path is the root of a mounted filesystem.
func IsMountPoint(path string) (bool, error) {
	path = filepath.Clean(path)

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return false, nil
	}

	var parent unix.Stat_t
	if err := unix.Lstat(filepath.Join(path, ".."), &parent); err != nil {
		return false, err
	}

	if st.Dev != parent.Dev {
		return true, nil
	}
	// "/" is its own parent
	return st.Ino == parent.Ino, nil
}
