// Package pathstore provides the filesystem primitives used by the session
// backup engine: existence checks, recursive copy, delete with retry and
// cleanup of browser single-instance lock files.
package pathstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	DefaultRemoveRetries = 4
	DefaultRetryDelay    = 100 * time.Millisecond
)

// LockFiles are the single-instance files Chromium leaves in a profile
// directory. A crashed browser leaves them behind and the next launch refuses
// to start while they exist.
var LockFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

// Store wraps an afero filesystem with retrying, best-effort tree operations.
type Store struct {
	fs         afero.Fs
	retries    int
	retryDelay time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithRemoveRetries sets how many extra attempts RemoveAll makes.
func WithRemoveRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithRetryDelay sets the pause between RemoveAll attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// New creates a Store on top of fs.
func New(fs afero.Fs, opts ...Option) *Store {
	s := &Store{
		fs:         fs,
		retries:    DefaultRemoveRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOS creates a Store backed by the operating system filesystem.
func NewOS(opts ...Option) *Store {
	return New(afero.NewOsFs(), opts...)
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Exists reports whether path exists. Dangling symlinks count as existing.
func (s *Store) Exists(path string) bool {
	if _, err := s.lstat(path); err == nil {
		return true
	}
	return false
}

// IsDir reports whether path is an existing directory.
func (s *Store) IsDir(path string) bool {
	ok, err := afero.DirExists(s.fs, path)
	return err == nil && ok
}

// MkdirAll creates path and any missing parents.
func (s *Store) MkdirAll(path string) error {
	if err := s.fs.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// List returns the entry names directly under dir.
func (s *Store) List(dir string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

// RemoveAll deletes path recursively. A browser that is still shutting down
// can hold files open, so failures are retried a bounded number of times.
// A missing path is not an error.
func (s *Store) RemoveAll(path string) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err = s.fs.RemoveAll(path); err == nil {
			return nil
		}
		if attempt < s.retries && s.retryDelay > 0 {
			time.Sleep(s.retryDelay)
		}
	}
	return fmt.Errorf("failed to remove %s after %d attempts: %w", path, s.retries+1, err)
}

// RemoveLockFiles deletes the single-instance lock files from dir and returns
// how many were removed.
func (s *Store) RemoveLockFiles(dir string) int {
	removed := 0
	for _, name := range LockFiles {
		target := filepath.Join(dir, name)
		if !s.Exists(target) {
			continue
		}
		if err := s.fs.Remove(target); err == nil {
			removed++
		}
	}
	return removed
}

// CopyOptions controls Copy
type CopyOptions struct {
	// Overwrite replaces files that already exist at the destination.
	// When false existing files are left untouched.
	Overwrite bool
	// SkipSymlinks drops symlinks instead of recreating them.
	SkipSymlinks bool
}

// Copy recursively copies src onto dst. It keeps going after per-entry
// failures and returns them joined, so callers can treat a partial copy as
// best effort.
func (s *Store) Copy(src, dst string, opts CopyOptions) error {
	info, err := s.lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	return s.copyEntry(src, dst, info, opts)
}

func (s *Store) copyEntry(src, dst string, info os.FileInfo, opts CopyOptions) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if opts.SkipSymlinks {
			return nil
		}
		return s.copySymlink(src, dst, opts)
	case info.IsDir():
		return s.copyDir(src, dst, info, opts)
	default:
		return s.copyFile(src, dst, info, opts)
	}
}

func (s *Store) copyDir(src, dst string, info os.FileInfo, opts CopyOptions) error {
	if err := s.fs.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dst, err)
	}

	entries, err := afero.ReadDir(s.fs, src)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", src, err)
	}

	var errs []error
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		// ReadDir follows symlinks on some filesystems
		child, err := s.lstat(from)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.copyEntry(from, to, child, opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) copyFile(src, dst string, info os.FileInfo, opts CopyOptions) error {
	if !opts.Overwrite && s.Exists(dst) {
		return nil
	}

	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return nil
}

func (s *Store) copySymlink(src, dst string, opts CopyOptions) error {
	reader, okRead := s.fs.(afero.LinkReader)
	linker, okLink := s.fs.(afero.Linker)
	if !okRead || !okLink {
		return nil
	}

	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", src, err)
	}

	if s.Exists(dst) {
		if !opts.Overwrite {
			return nil
		}
		if err := s.fs.Remove(dst); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dst, err)
		}
	}

	if err := linker.SymlinkIfPossible(target, dst); err != nil {
		return fmt.Errorf("failed to link %s: %w", dst, err)
	}
	return nil
}

func (s *Store) lstat(path string) (os.FileInfo, error) {
	if l, ok := s.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return s.fs.Stat(path)
}
