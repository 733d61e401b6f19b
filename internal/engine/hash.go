package engine

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile computes the BLAKE3 hash of the file at path, returning the hex-encoded digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyCopy(src, dst string) error {
	want, err := HashFile(src)
	if err != nil {
		return err
	}
	got, err := HashFile(dst)
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("BLAKE3 mismatch: expected %s, got %s", want, got)
	}
	return nil
}
