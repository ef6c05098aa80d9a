package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrTimeout is returned by RunWithTimeout when the deadline expires first.
var ErrTimeout = fmt.Errorf("operation timed out")

// RunWithTimeout runs fn in its own goroutine and waits at most d for it to
// finish. On timeout the goroutine keeps running to completion in the
// background; only the wait is abandoned.
func RunWithTimeout(d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return ErrTimeout
	}
}

// CopyFile copies src to dst, creating the destination directory if needed.
// The copy is written to a temp file and renamed so readers never observe a
// partial file.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying data: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing destination: %w", err)
	}
	return os.Rename(tmp, dst)
}

// FileSize returns the size in bytes, or 0 when the file is missing.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
