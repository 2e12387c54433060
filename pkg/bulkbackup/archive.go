package bulkbackup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
)

const (
	// TokensDir and ProfileDir are the top-level bundle directories.
	TokensDir  = "tokens"
	ProfileDir = "userDataDir"
)

var zipMagic = []byte("PK\x03\x04")

// ErrNotArchive is returned by Import for uploads that are not a readable zip.
var ErrNotArchive = errors.New("upload is not a zip archive")

// ErrUnsafeEntry is returned when an archive entry escapes its target.
var ErrUnsafeEntry = errors.New("archive entry escapes target directory")

func newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return zw
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", name, err)
	}
	return nil
}

// addTree writes every regular file under root into zw below prefix.
// Symlinks and entries for which skip returns true are left out.
func addTree(fs afero.Fs, zw *zip.Writer, root, prefix string, skip func(rel string) bool) (int, error) {
	files := 0
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		if skip != nil && skip(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		name := path.Join(prefix, filepath.ToSlash(rel))
		if info.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Method: zip.Store})
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("failed to archive %s: %w", root, err)
	}
	return files, nil
}

// openArchive checks data is a zip with a readable central directory and
// only safe entry names. Nothing is written.
func openArchive(data []byte) (*zip.Reader, error) {
	if !bytes.HasPrefix(data, zipMagic) {
		return nil, ErrNotArchive
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	for _, f := range zr.File {
		if _, err := safeJoin("/", f.Name); err != nil {
			return nil, err
		}
	}
	return zr, nil
}

// safeJoin resolves an archive entry name below dir.
func safeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(name)), nil
}

// extract writes every entry of zr below dir.
func extract(fs afero.Fs, zr *zip.Reader, dir string) (int, error) {
	files := 0
	for _, f := range zr.File {
		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return files, err
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("failed to create %s: %w", target, err)
			}
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			continue
		}

		if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return files, fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := extractFile(fs, f, target); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func extractFile(fs afero.Fs, f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
