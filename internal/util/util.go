package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dmb/internal/logging"
)

// StampLayout is the C-locale %c layout used by every ledger log line.
const StampLayout = time.ANSIC

// Stamp renders t in local time with StampLayout.
func Stamp(t time.Time) string {
	return t.Local().Format(StampLayout)
}

// ParseStamp is the inverse of Stamp.
func ParseStamp(s string) (time.Time, error) {
	return time.ParseInLocation(StampLayout, strings.TrimSpace(s), time.Local)
}

// MirrorPath maps src under srcRoot to the same relative location under
// mirrorRoot. Paths outside srcRoot are rejected.
func MirrorPath(src, srcRoot, mirrorRoot string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(srcRoot), filepath.Clean(src))
	if err != nil {
		return "", fmt.Errorf("map %s into mirror: %w", src, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside %s", src, srcRoot)
	}
	return filepath.Join(mirrorRoot, rel), nil
}

// HasIgnoredExtension reports whether the suffix after the last dot of path
// is one of exts.
func HasIgnoredExtension(path string, exts []string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath string, level slog.Level, console io.Writer) (*slog.Logger, *os.File, error) {
	if err := SetupDirectories(filepath.Dir(logPath)); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, level, console)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}
