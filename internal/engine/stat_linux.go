//go:build linux

package engine

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"
)

// setTimes copies the access and modification times of info onto path.
func setTimes(path string, info fs.FileInfo) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(info.ModTime().UnixNano()),
		unix.NsecToTimespec(info.ModTime().UnixNano()),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		times[0] = unix.NsecToTimespec(syscall.TimespecToNsec(st.Atim))
	}
	return unix.UtimesNano(path, times)
}
