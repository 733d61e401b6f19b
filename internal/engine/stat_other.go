//go:build !linux

package engine

import (
	"io/fs"
	"os"
)

func setTimes(path string, info fs.FileInfo) error {
	return os.Chtimes(path, info.ModTime(), info.ModTime())
}
