package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/sitelicense/license-server/internal/config"
)

// FileShipper appends audit entries as JSON lines. When MaxSizeMB is set the file is
// rotated to path.1 .. path.N before it grows past the limit.
type FileShipper struct {
	cfg  *config.AuditFileConfig
	file *os.File
	size int64
	mu   sync.Mutex
}

// NewFileShipper opens (or creates) the audit file for appending
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	fs := &FileShipper{cfg: cfg}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileShipper) open() error {
	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	fs.file = file
	fs.size = info.Size()
	return nil
}

// Name implements Shipper
func (fs *FileShipper) Name() string { return "file" }

// Ship appends entry as one line
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if limit := int64(fs.cfg.MaxSizeMB) * 1024 * 1024; limit > 0 && fs.size+int64(len(line)) > limit {
		if err := fs.rotate(); err != nil {
			slog.Error("failed to rotate audit log", "path", fs.cfg.Path, "error", err)
		}
	}

	n, err := fs.file.Write(line)
	fs.size += int64(n)
	if err != nil {
		err = fmt.Errorf("failed to write audit entry: %w", err)
	}
	countShipped(fs.Name(), err)
	return err
}

// rotate shifts path.i to path.i+1, drops anything past MaxBackups (at least one is kept)
// and reopens path
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	backups := fs.cfg.MaxBackups
	if backups < 1 {
		backups = 1
	}
	_ = os.Remove(backupName(fs.cfg.Path, backups))
	for i := backups - 1; i >= 1; i-- {
		_ = os.Rename(backupName(fs.cfg.Path, i), backupName(fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, backupName(fs.cfg.Path, 1))

	return fs.open()
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
