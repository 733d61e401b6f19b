package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const tmpSuffix = ".dmb-tmp"

// FileCopier copies through a hidden temp file in the destination
// directory and renames it into place once mode and times are set, so a
// crash never leaves a truncated file under the final name.
type FileCopier struct{}

func (FileCopier) Copy(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}

	tmpPath := filepath.Join(filepath.Dir(dst),
		fmt.Sprintf(".%s.%s%s", filepath.Base(dst), uuid.New().String()[:8], tmpSuffix))

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create tmp %s: %w", tmpPath, err)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copy data %s: %w", src, err)
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		out.Close()
		return n, fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close tmp %s: %w", tmpPath, err)
	}

	if err := setTimes(tmpPath, info); err != nil {
		return n, fmt.Errorf("set times %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return n, fmt.Errorf("rename %s -> %s: %w", tmpPath, dst, err)
	}
	renamed = true

	return n, nil
}

// SweepTempFiles removes copy temp files left in dir by an interrupted run.
func SweepTempFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
