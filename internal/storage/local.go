package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalClient implements Client on a local directory tree. Useful when
// no object store is available.
type LocalClient struct {
	root string
}

// NewLocalClient creates an archive client rooted at dir, creating it if
// needed.
func NewLocalClient(dir string) (*LocalClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}
	return &LocalClient{root: dir}, nil
}

func (c *LocalClient) dest(key string) string {
	return filepath.Join(c.root, filepath.FromSlash(key))
}

func (c *LocalClient) PutFile(ctx context.Context, key, path string) error {
	dst := c.dest(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(path, dst)
}

func (c *LocalClient) GetFile(ctx context.Context, key, path string) error {
	return copyFile(c.dest(key), path)
}

func (c *LocalClient) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := os.Stat(c.dest(key))
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (c *LocalClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
