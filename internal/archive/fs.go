package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore implements Store using a local directory tree. Keys map to
// relative file paths.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed archive rooted at the given directory
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Driver() string { return "fs" }

// Root returns the archive directory
func (s *FSStore) Root() string { return s.root }

// Put stores an object. Existing keys are not overwritten.
func (s *FSStore) Put(_ context.Context, key string, r io.Reader) (Info, error) {
	if err := validateKey(key); err != nil {
		return Info{}, err
	}
	dst := s.objectPath(key)
	if _, err := os.Stat(dst); err == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, key)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Info{}, fmt.Errorf("create archive dir: %w", err)
	}

	// Write to temp file, then rename into place
	tmpFile, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return Info{}, fmt.Errorf("write archive data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return Info{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return Info{}, fmt.Errorf("rename archive object: %w", err)
	}

	st, err := os.Stat(dst)
	if err != nil {
		return Info{}, fmt.Errorf("stat archive object: %w", err)
	}
	return Info{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

// Get opens an object for reading. Returns ErrNotFound if it does not exist.
func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open archive object %s: %w", key, err)
	}
	return f, nil
}

// List returns every object whose key starts with prefix, sorted by key
func (s *FSStore) List(_ context.Context, prefix string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, Info{Key: key, Size: st.Size(), LastModified: st.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
