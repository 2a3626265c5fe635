package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// RotatingFile is an io.WriteCloser that rotates by size. When a write
// would push the file past its limit, the file is renamed to <path>.1,
// older backups shift up by one, and backups beyond maxFiles are removed.
// A single write is never split across files.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxFiles int
	size     int64
	file     *os.File
}

var _ io.WriteCloser = (*RotatingFile)(nil)

// OpenRotatingFile opens (appending) or creates path. maxSizeMB is clamped
// to at least 1; maxFiles of 0 keeps no backups.
func OpenRotatingFile(path string, maxSizeMB, maxFiles int) (*RotatingFile, error) {
	if maxSizeMB < 1 {
		maxSizeMB = 1
	}
	if maxFiles < 0 {
		maxFiles = 0
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
		}
	}
	w := &RotatingFile{
		path:     path,
		maxBytes: int64(maxSizeMB) << 20,
		maxFiles: maxFiles,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFile) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("logging: stat %s: %w", w.path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("logging: rotate: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close implements io.Closer.
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingFile) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	backups := w.backups()
	slices.Reverse(backups)
	for _, n := range backups {
		if n+1 > w.maxFiles {
			_ = os.Remove(w.backupPath(n))
		} else {
			_ = os.Rename(w.backupPath(n), w.backupPath(n+1))
		}
	}
	if w.maxFiles > 0 {
		_ = os.Rename(w.path, w.backupPath(1))
	} else {
		_ = os.Remove(w.path)
	}

	return w.open()
}

func (w *RotatingFile) backupPath(n int) string {
	return w.path + "." + strconv.Itoa(n)
}

// backups returns the existing backup numbers in ascending order.
func (w *RotatingFile) backups() []int {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	prefix := w.path + "."
	var nums []int
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, prefix))
		if err == nil && n >= 1 {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	return nums
}
