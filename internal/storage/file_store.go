package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	tempMarker      = ".tmp-"
)

// FileStore keeps each key as a file under a private directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve credential dir %s", root)
	}
	if err := os.MkdirAll(abs, privateDirPerm); err != nil {
		return nil, failure("init", abs, err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FileStore) Read(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, failure("read", key, err)
	}
	return data, nil
}

// Write replaces the file atomically so a crash never leaves a torn key.
func (s *FileStore) Write(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return failure("write", key, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p)+tempMarker+"*")
	if err != nil {
		return failure("write", key, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return failure("write", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return failure("write", key, err)
	}
	if err := tmp.Chmod(privateFilePerm); err != nil {
		return failure("write", key, err)
	}
	if err := tmp.Close(); err != nil {
		return failure("write", key, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return failure("write", key, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failure("delete", key, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), tempMarker) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, failure("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
