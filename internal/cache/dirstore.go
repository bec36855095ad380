package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempRecordPrefix = ".tmp-"

// DirStore is a RecordStore keeping one file per record in a directory. File
// modification times carry the record write times.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed and returns a store over it
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the directory backing the store
func (s *DirStore) Dir() string {
	return s.dir
}

// Put writes the record through a temporary file and renames it into place
func (s *DirStore) Put(_ context.Context, name string, data []byte, modTime time.Time) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempRecordPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Chtimes(tmpName, modTime, modTime); err != nil {
		return fmt.Errorf("failed to set record time: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Get reads a record and its modification time
func (s *DirStore) Get(_ context.Context, name string) ([]byte, time.Time, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, time.Time{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, ErrRecordNotFound
		}
		return nil, time.Time{}, err
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to the store directory
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, ErrRecordNotFound
		}
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// Delete removes a record
func (s *DirStore) Delete(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

// List returns every committed record; in-flight temporary files are skipped
func (s *DirStore) List(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isRecordFile(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		records = append(records, Record{
			Name:    entry.Name(),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return records, nil
}

// Clear removes every record
func (s *DirStore) Clear(ctx context.Context) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := os.Remove(filepath.Join(s.dir, r.Name)); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", r.Name, err)
		}
	}
	return nil
}

func (s *DirStore) path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, tempRecordPrefix) {
		return "", fmt.Errorf("invalid record name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

func isRecordFile(entry fs.DirEntry) bool {
	if !entry.Type().IsRegular() {
		return false
	}
	name := entry.Name()
	if strings.HasPrefix(name, tempRecordPrefix) {
		return false
	}
	return strings.HasSuffix(name, recordSuffix) || strings.HasSuffix(name, compressedRecordSuffix)
}
