package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"civiclake/pkg/errors"
)

// LocalStore implements ObjectStore on the local filesystem, mapping object
// keys to paths under a root directory. It serves local development and
// tests; the key layout matches the MinIO backend exactly.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageUnavailable, "Failed to create storage root").
			WithContext("root", root)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Location returns the filesystem path the analytic engine reads key from.
func (s *LocalStore) Location(key string) string {
	return s.path(key)
}

func (s *LocalStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.StorageError("Failed to create object directory", key, err)
	}

	// Write-then-rename so a concurrent reader never sees a partial table.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return errors.StorageError("Failed to write object", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.StorageError("Failed to commit object", key, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFound(key)
		}
		return nil, errors.StorageError("Failed to read object", key, err)
	}
	return data, nil
}

func (s *LocalStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, NewNotFound(key)
		}
		return ObjectInfo{}, errors.StorageError("Failed to stat object", key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.StorageError("Failed to list objects", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.StorageError("Failed to delete object", key, err)
	}
	return nil
}
