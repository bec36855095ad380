package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupLayout sorts lexically in time order
const backupLayout = "20060102T150405.000000000"

// RotatingFileConfig configures a RotatingFile
type RotatingFileConfig struct {
	// Path is the live log file
	Path string

	// MaxBytes triggers a rotation before a write would reach it
	MaxBytes int64

	// MaxBackups is the number of rotated files kept; 0 keeps all
	MaxBackups int

	// Compress gzips rotated files
	Compress bool

	Now func() time.Time
}

// RotatingFile is an io.WriteCloser that moves the live log file aside once
// it reaches MaxBytes and prunes old backups.
type RotatingFile struct {
	config RotatingFileConfig

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingFile opens (or creates) the live log file
func NewRotatingFile(config RotatingFileConfig) (*RotatingFile, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	rf := &RotatingFile{config: config}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write implements io.Writer. A single write larger than MaxBytes goes to a
// fresh file rather than being split.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.size > 0 && rf.size+int64(len(p)) > rf.config.MaxBytes {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the live file
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// Rotate moves the live file aside now
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return os.ErrClosed
	}
	return rf.rotate()
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.config.Path), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(rf.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}
	rf.file = nil

	backup := rf.backupName(rf.config.Now().UTC())
	if err := os.Rename(rf.config.Path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}

	if rf.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to compress log backup %s: %v\n", backup, err)
		}
	}
	if err := rf.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prune log backups: %v\n", err)
	}

	return rf.open()
}

// split returns the live file's directory, name stem and extension
func (rf *RotatingFile) split() (dir, stem, ext string) {
	dir = filepath.Dir(rf.config.Path)
	base := filepath.Base(rf.config.Path)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (rf *RotatingFile) backupName(t time.Time) string {
	dir, stem, ext := rf.split()
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, t.Format(backupLayout), ext))
}

// Backups returns the rotated files, oldest first
func (rf *RotatingFile) Backups() ([]string, error) {
	dir, stem, ext := rf.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, stem+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (rf *RotatingFile) prune() error {
	if rf.config.MaxBackups <= 0 {
		return nil
	}
	backups, err := rf.Backups()
	if err != nil {
		return err
	}
	for len(backups) > rf.config.MaxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func compressFile(path string) error {
	src, err := os.Open(path) // #nosec G304 -- path is a backup this process created
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
