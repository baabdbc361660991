// Package archive uploads store backups to a filesystem directory or an
// S3-compatible bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/stepstore/internal/config"
)

var (
	ErrNotFound   = errors.New("archive object not found")
	ErrExists     = errors.New("archive object already exists")
	ErrInvalidKey = errors.New("invalid archive key")
)

// BackupPrefix is the key prefix under which UploadFile places backups
const BackupPrefix = "backups/"

// Info describes one archived object
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a flat key/value object store. Keys are slash-separated.
type Store interface {
	Driver() string
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
}

// Open creates the store selected by the configuration
func Open(ctx context.Context, cfg config.Archive) (Store, error) {
	switch cfg.Driver {
	case "", "fs":
		root := cfg.Root
		if root == "" {
			root = "backups"
		}
		return NewFSStore(root)
	case "s3":
		return NewS3(ctx, S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			PathStyle:       cfg.PathStyle,
			AccessKeyID:     os.Getenv("STEPSTORE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("STEPSTORE_S3_SECRET_ACCESS_KEY"),
		})
	}
	return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
}

// UploadFile archives a local file under backups/<uuid>/<basename>
func UploadFile(ctx context.Context, st Store, file string) (Info, error) {
	f, err := os.Open(file)
	if err != nil {
		return Info{}, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	key := BackupPrefix + uuid.NewString() + "/" + filepath.Base(file)
	info, err := st.Put(ctx, key, f)
	if err != nil {
		return Info{}, fmt.Errorf("upload %s: %w", file, err)
	}
	return info, nil
}

// validateKey rejects keys that are empty, absolute, or escape the root
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
