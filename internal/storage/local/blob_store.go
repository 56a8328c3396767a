// Package local keeps cover images and diagnostic page dumps on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const dirPerm = 0o750

// Config points the store at its root directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes files beneath a single root.
type BlobStore struct {
	root string
}

// New prepares cfg.BaseDir, creating it when missing, and fails if it
// cannot be written.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("local store: base directory is empty")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("local store: prepare %s: %w", root, err)
	}
	if err := checkWritable(root); err != nil {
		return nil, err
	}
	return &BlobStore{root: root}, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("local store: %s not writable: %w", dir, err)
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}

// PutObject atomically replaces root/p with the contents of r and returns its
// file:// URI. contentType is ignored.
func (s *BlobStore) PutObject(_ context.Context, p, _ string, r io.Reader) (string, error) {
	target, err := s.locate(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", p, err)
	}
	if err := writeAtomic(target, r); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return "file://" + target, nil
}

// writeAtomic stages data next to target and renames it into place.
func writeAtomic(target string, r io.Reader) (err error) {
	staged, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(staged.Name())
		}
	}()
	if _, err = io.Copy(staged, r); err != nil {
		_ = staged.Close()
		return err
	}
	if err = staged.Close(); err != nil {
		return err
	}
	return os.Rename(staged.Name(), target)
}

// Exists reports whether p holds a non-empty regular file.
func (s *BlobStore) Exists(_ context.Context, p string) (bool, error) {
	target, err := s.locate(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

// locate maps p into the root, rejecting paths that would leave it.
func (s *BlobStore) locate(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("local store: empty path")
	}
	rel := filepath.Clean(filepath.FromSlash(p))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("local store: %q escapes base directory", p)
	}
	return filepath.Join(s.root, rel), nil
}
