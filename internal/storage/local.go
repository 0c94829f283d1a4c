package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/backydb/backydb/internal/errs"
)

const partialSuffix = ".partial"

// Local stores blobs under a base directory. Writes land in a .partial file
// first and are renamed into place, so readers never observe a torn object;
// cancellation unlinks the partial.
type Local struct {
	BasePath string
}

func NewLocal(path string) *Local {
	return &Local{BasePath: path}
}

func (l *Local) target(key string) string {
	return filepath.Join(l.BasePath, filepath.FromSlash(key))
}

func (l *Local) Put(ctx context.Context, key string, reader io.Reader, _ int64) error {
	target := l.target(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "storage.local.put", err)
	}

	partial := target + partialSuffix
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "storage.local.put", err)
	}

	if err := copyChunks(ctx, file, reader); err != nil {
		file.Close()
		os.Remove(partial)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(partial)
		return errs.Wrap(errs.StorageUnavailable, "storage.local.put", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(partial)
		return errs.Wrap(errs.StorageUnavailable, "storage.local.put", err)
	}
	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return errs.Wrap(errs.StorageUnavailable, "storage.local.put", err)
	}
	return nil
}

// copyChunks copies in 64 KiB pieces, checking cancellation between chunks
// so a cancelled stage finishes its current chunk and stops.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, "storage.local.put", ctx.Err())
		default:
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errs.Wrap(errs.StorageUnavailable, "storage.local.put", werr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Internal, "storage.local.put", err)
		}
	}
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "storage.local.get", ctx.Err())
	default:
	}
	file, err := os.Open(l.target(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.StorageNotFound, "storage.local.get", err)
		}
		return nil, errs.Wrap(errs.StorageUnavailable, "storage.local.get", err)
	}
	return file, nil
}

func (l *Local) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return ObjectInfo{}, errs.Wrap(errs.Cancelled, "storage.local.stat", ctx.Err())
	default:
	}
	info, err := os.Stat(l.target(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, errs.Wrap(errs.StorageNotFound, "storage.local.stat", err)
		}
		return ObjectInfo{}, errs.Wrap(errs.StorageUnavailable, "storage.local.stat", err)
	}
	return ObjectInfo{Key: key, Size: info.Size(), Modified: info.ModTime()}, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "storage.local.list", ctx.Err())
	default:
	}

	root := filepath.Join(l.BasePath, filepath.FromSlash(prefix))
	infos := []ObjectInfo{}
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(l.BasePath, path)
		if relErr != nil {
			return nil
		}
		stat, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		infos = append(infos, ObjectInfo{Key: filepath.ToSlash(rel), Size: stat.Size(), Modified: stat.ModTime()})
		return nil
	})
	return infos, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, "storage.local.delete", ctx.Err())
	default:
	}
	err := os.Remove(l.target(key))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.StorageUnavailable, "storage.local.delete", err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := l.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errs.IsKind(err, errs.StorageNotFound) {
		return false, nil
	}
	return false, err
}
