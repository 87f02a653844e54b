package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultAuditMaxSizeMB  = 50
	defaultAuditMaxBackups = 5
	defaultAuditMaxAgeDays = 14
)

// rotatingWriter 按大小切分审计日志，并清理过期或超量的备份文件。
type rotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	limit   int64
	backups int
	maxAge  time.Duration
	written int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:    path,
		limit:   int64(maxSizeMB) << 20,
		backups: maxBackups,
		maxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.limit > 0 && w.written+int64(len(p)) > w.limit && w.written > 0 {
		w.rotate()
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
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

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.written = info.Size()
	return nil
}

// rotate 将 path -> path.1 -> path.2 ... 依次后移，超出 backups 的文件被覆盖。
func (w *rotatingWriter) rotate() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.written = 0

	for i := w.backups - 1; i >= 1; i-- {
		src := backupName(w.path, i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, backupName(w.path, i+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, backupName(w.path, 1))
	}

	if w.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.maxAge)
	for i := 1; i <= w.backups; i++ {
		name := backupName(w.path, i)
		if info, err := os.Stat(name); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}

func backupName(path string, index int) string {
	return fmt.Sprintf("%s.%d", path, index)
}
