package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/lifeline/pkg/session"
	"github.com/spf13/afero"
)

// FileStore keeps one JSON file per session under a root directory.
type FileStore struct {
	fs   afero.Fs
	root string
}

// NewFileStore creates a FileStore rooted at dir on fs, creating dir.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileStore{fs: fs, root: dir}, nil
}

// Root returns the token directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.root, name+FileSuffix)
}

func (s *FileStore) Get(ctx context.Context, name string) (*Record, error) {
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	return Decode(data)
}

// Set writes the record atomically through a temp file and rename.
func (s *FileStore) Set(ctx context.Context, name string, rec *Record) error {
	if err := session.ValidateName(name); err != nil {
		return err
	}
	data, err := Encode(rec)
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, s.root, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.path(name)); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := session.ValidateName(name); err != nil {
		return err
	}
	if err := s.fs.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if name, ok := NameFromFile(info.Name()); ok {
			names = append(names, name)
		}
	}
	return sortedNames(names), nil
}

func (s *FileStore) Close() error {
	return nil
}
