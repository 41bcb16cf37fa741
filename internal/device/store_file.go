package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	storeDirPermissions  = 0750
	storeFilePermissions = 0600

	// BackupSuffix is appended to the store path for the pre-write copy.
	BackupSuffix = ".backup"
)

// FileStore persists the registry as one JSON object keyed by device ID.
//
// Every write first copies the live file to <path>.backup, then writes the
// complete map to a temp file in the same directory, fsyncs it and renames
// it over the live file. A crash mid-write leaves either the old or the new
// file in place, never a torn one. The backup step is best-effort.
type FileStore struct {
	path   string
	mu     sync.Mutex
	cache  map[string]*Device
	loaded bool
	logger Logger
}

// NewFileStore creates a store backed by the JSON file at path. The file
// and its directory are created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used for backup failures.
func (s *FileStore) SetLogger(logger Logger) {
	s.logger = logger
}

// Path returns the live file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the file. A missing or empty file is an empty registry.
func (s *FileStore) Load(_ context.Context) (map[string]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	return copyDevices(s.cache), nil
}

// load replaces the cache with the file contents. Caller holds s.mu.
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cache = make(map[string]*Device)
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}

	devices := make(map[string]*Device)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &devices); err != nil {
			return fmt.Errorf("%w: decoding %s: %w", ErrCorruptStore, s.path, err)
		}
	}

	for id, d := range devices {
		if d == nil {
			return fmt.Errorf("%w: %s: null record for %q", ErrCorruptStore, s.path, id)
		}
		if d.ID == "" {
			d.ID = id
		}
		if d.ID != id {
			return fmt.Errorf("%w: %s: record key %q holds device %q", ErrCorruptStore, s.path, id, d.ID)
		}
	}

	s.cache = devices
	s.loaded = true
	return nil
}

// Save replaces the file contents with devices.
func (s *FileStore) Save(_ context.Context, devices map[string]*Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := copyDevices(devices)
	if err := s.flush(next); err != nil {
		return err
	}
	s.cache = next
	s.loaded = true
	return nil
}

// Upsert writes one record. The whole file is rewritten.
func (s *FileStore) Upsert(_ context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.load(); err != nil {
			return err
		}
	}

	prev, had := s.cache[d.ID]
	s.cache[d.ID] = d.DeepCopy()
	if err := s.flush(s.cache); err != nil {
		if had {
			s.cache[d.ID] = prev
		} else {
			delete(s.cache, d.ID)
		}
		return err
	}
	return nil
}

// Delete removes one record. The whole file is rewritten.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.load(); err != nil {
			return err
		}
	}

	prev, had := s.cache[id]
	if !had {
		return nil
	}
	delete(s.cache, id)
	if err := s.flush(s.cache); err != nil {
		s.cache[id] = prev
		return err
	}
	return nil
}

// flush writes devices to disk. Caller holds s.mu.
func (s *FileStore) flush(devices map[string]*Device) error {
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding devices: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), storeDirPermissions); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	if err := s.backup(); err != nil {
		s.logger.Warn("device store backup failed", "path", s.path+BackupSuffix, "error", err)
	}

	if err := writeFileAtomic(s.path, data, storeFilePermissions); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

// backup copies the live file to the backup path. No live file, no backup.
func (s *FileStore) backup() error {
	current, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path+BackupSuffix, current, storeFilePermissions)
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()        //nolint:errcheck // already failing
			os.Remove(tmpName) //nolint:errcheck // best effort cleanup
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	// Make the rename durable. Not every platform can fsync a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()  //nolint:errcheck // best effort
		_ = d.Close() //nolint:errcheck // read-only handle
	}
	return nil
}
