package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"rqtree/internal/common"
	"rqtree/internal/remote"
)

// Disk is a Backend rooted at a directory on the local filesystem. It
// mirrors the teacher's direct os.* file access in source_resolver.go's
// tryLocalRead/tryLocalStat helpers, generalized behind the Backend
// interface.
type Disk struct {
	root string

	// mu serializes Rename calls against each other. The other Disk
	// operations take no lock; per-path locking is the Work-File Store's
	// responsibility.
	mu sync.Mutex
}

// NewDisk creates a Disk backend rooted at root. root is created if it does
// not already exist.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating local root %q: %w", root, err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) abs(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(common.NormalizePath(path)))
}

func (d *Disk) Exists(path string) bool {
	_, err := os.Stat(d.abs(path))
	return err == nil
}

func (d *Disk) Stat(path string) (Info, error) {
	fi, err := os.Stat(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, common.ErrNotFound
		}
		return Info{}, fmt.Errorf("%w: stat %q: %v", common.ErrIO, path, err)
	}
	return Info{
		Path:         common.NormalizePath(path),
		IsDirectory:  fi.IsDir(),
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}, nil
}

func (d *Disk) List(path string) ([]Info, error) {
	entries, err := os.ReadDir(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: list %q: %v", common.ErrIO, path, err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:         common.JoinPath(path, e.Name()),
			IsDirectory:  fi.IsDir(),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (d *Disk) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: open %q: %v", common.ErrIO, path, err)
	}
	return f, nil
}

func (d *Disk) Create(path string, content io.Reader) (Info, error) {
	abs := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return Info{}, fmt.Errorf("%w: creating parent of %q: %v", common.ErrIO, path, err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return Info{}, fmt.Errorf("%w: creating %q: %v", common.ErrIO, path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return Info{}, fmt.Errorf("%w: writing %q: %v", common.ErrIO, path, err)
	}
	return d.Stat(path)
}

func (d *Disk) Mkdir(path string) error {
	if err := os.MkdirAll(d.abs(path), 0755); err != nil {
		return fmt.Errorf("%w: mkdir %q: %v", common.ErrIO, path, err)
	}
	return nil
}

func (d *Disk) Delete(path string) error {
	if err := os.Remove(d.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return common.ErrNotFound
		}
		return fmt.Errorf("%w: delete %q: %v", common.ErrIO, path, err)
	}
	return nil
}

func (d *Disk) DeleteDirectory(path string) error {
	if err := os.RemoveAll(d.abs(path)); err != nil {
		return fmt.Errorf("%w: delete directory %q: %v", common.ErrIO, path, err)
	}
	return nil
}

func (d *Disk) Rename(oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	absOld, absNew := d.abs(oldPath), d.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(absNew), 0755); err != nil {
		return fmt.Errorf("%w: preparing rename destination %q: %v", common.ErrIO, newPath, err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		if os.IsNotExist(err) {
			return common.ErrNotFound
		}
		return fmt.Errorf("%w: rename %q -> %q: %v", common.ErrIO, oldPath, newPath, err)
	}
	return nil
}

// Download fetches path from rem and stores it locally, the leaf operation
// the Download Coordinator invokes on a cache miss.
func (d *Disk) Download(ctx context.Context, rem remote.Backend, path string) (Info, error) {
	h, err := rem.Open(ctx, path)
	if err != nil {
		return Info{}, err
	}
	defer h.Close()

	info, err := d.Create(path, h)
	if err != nil {
		return Info{}, err
	}
	// The remote's LastModified is the authoritative value the Work-File
	// Store baselines against, not the local write's own mtime.
	info.LastModified = h.LastModified
	return info, nil
}
