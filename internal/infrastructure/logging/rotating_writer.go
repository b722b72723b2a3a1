package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const megabyte = 1 << 20

// RotatingWriter appends to a file and rolls it over to path.1 … path.N once
// the next write would cross the size limit. With no backups the file is
// truncated instead.
type RotatingWriter struct {
	path       string
	limit      int64
	maxBackups int

	mu      sync.Mutex
	file    *os.File
	written int64
}

func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if path == "" {
		return nil, errors.New("log file path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	w := &RotatingWriter{
		path:       path,
		limit:      int64(maxSizeMB) * megabyte,
		maxBackups: max(maxBackups, 0),
	}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(os.O_APPEND); err != nil {
			return 0, err
		}
	}
	if w.written > 0 && w.written+int64(len(p)) > w.limit {
		if err := w.rollover(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.written = 0
	return err
}

func (w *RotatingWriter) open(mode int) error {
	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.written = info.Size()
	return nil
}

func (w *RotatingWriter) rollover() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	if w.maxBackups > 0 {
		for i := w.maxBackups - 1; i >= 1; i-- {
			if err := renameIfExists(w.backupName(i), w.backupName(i+1)); err != nil {
				return err
			}
		}
		if err := renameIfExists(w.path, w.backupName(1)); err != nil {
			return err
		}
	}
	return w.open(os.O_TRUNC)
}

func (w *RotatingWriter) backupName(index int) string {
	return fmt.Sprintf("%s.%d", w.path, index)
}

func renameIfExists(from, to string) error {
	err := os.Rename(from, to)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
