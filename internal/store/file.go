package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// DefaultFilePermissions is the mode used for the snapshot file
const DefaultFilePermissions = 0o600

// ErrNotFound is returned when the snapshot file does not exist yet
var ErrNotFound = errors.New("snapshot not found")

// PersistenceError reports a failed read or write of the snapshot
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s snapshot %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store defines persistence operations for the snapshot
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// FileStore persists the snapshot as a JSON file
type FileStore struct {
	// fs is the filesystem holding the file, the OS filesystem in production
	fs afero.Fs
	// path is the location of the JSON snapshot
	path string
	// mu serializes access to the file
	mu sync.Mutex
}

// NewFileStore creates a store that reads/writes JSON at path on the OS filesystem
func NewFileStore(path string) *FileStore {
	return NewFileStoreFs(afero.NewOsFs(), path)
}

// NewFileStoreFs creates a store on an arbitrary afero filesystem
func NewFileStoreFs(fs afero.Fs, path string) *FileStore {
	return &FileStore{
		fs:   fs,
		path: filepath.Clean(path),
	}
}

// Path returns the snapshot location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields ErrNotFound.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "load", Path: s.path, Err: fmt.Errorf("read file: %w", err)}
	}

	var snapshot Snapshot
	if err := json.Unmarshal(contents, &snapshot); err != nil {
		return nil, &PersistenceError{Op: "load", Path: s.path, Err: fmt.Errorf("decode: %w", err)}
	}

	return &snapshot, nil
}

// Save writes the snapshot, replacing any previous file. The data goes to a
// temporary file in the same directory first and is then renamed over the
// target.
func (s *FileStore) Save(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: fmt.Errorf("encode: %w", err)}
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: fmt.Errorf("create directory: %w", err)}
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, DefaultFilePermissions); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: fmt.Errorf("write file: %w", err)}
	}

	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return &PersistenceError{Op: "save", Path: s.path, Err: fmt.Errorf("replace file: %w", err)}
	}

	return nil
}
