package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore keeps objects as files below a root directory. Download
// locations are file:// URLs pointing at the object itself.
//
//	<root>/
//	  <object key>    (slashes in the key become directories)
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at root, creating the
// directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, errors.New("filesystem object store requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving object store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &FilesystemStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FilesystemStore) Root() string {
	return s.root
}

// ResolveDownloadLocation returns the file:// URL of an existing object.
func (s *FilesystemStore) ResolveDownloadLocation(ctx context.Context, objectKey string) (string, error) {
	p, err := s.objectPath(objectKey)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, objectKey)
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, objectKey)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String(), nil
}

// Fetch opens the file behind a file:// location. Locations outside the
// root are refused.
func (s *FilesystemStore) Fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("not a file location: %s", location)
	}
	p := filepath.FromSlash(u.Path)
	if !s.contains(p) {
		return nil, fmt.Errorf("location %s is outside the object store", location)
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("opening object: %w", err)
	}
	return f, nil
}

// PutObject writes the object atomically: a temp file in the destination
// directory is renamed into place once all size bytes have arrived.
func (s *FilesystemStore) PutObject(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	destPath, err := s.objectPath(objectKey)
	if err != nil {
		return err
	}
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// ValidateSetup checks that the root exists and is a directory.
func (s *FilesystemStore) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("object store root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("object store root is not a directory: %s", s.root)
	}
	return nil
}

func (s *FilesystemStore) objectPath(objectKey string) (string, error) {
	key, err := cleanKey(objectKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FilesystemStore) contains(p string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
