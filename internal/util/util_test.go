package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithTimeoutReturnsResult(t *testing.T) {
	err := RunWithTimeout(time.Second, func() error { return nil })
	assert.NoError(t, err)

	wantErr := errors.New("boom")
	err = RunWithTimeout(time.Second, func() error { return wantErr })
	assert.Equal(t, wantErr, err)
}

func TestRunWithTimeoutExpires(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	err := RunWithTimeout(10*time.Millisecond, func() error {
		<-block
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCopyFileCreatesNestedDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(dir, "a", "b", "dst.bin")
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.NoFileExists(t, dst+".tmp", "no temp file left behind")
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := CopyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "out"))
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, make([]byte, 123), 0o644))

	assert.Equal(t, int64(123), FileSize(path))
	assert.Equal(t, int64(0), FileSize(filepath.Join(dir, "nope")))
}
