package archive

import (
	"archive/tar"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/backydb/backydb/internal/errs"
)

type tarWriter struct {
	gz      *gzip.Writer
	tw      *tar.Writer
	modTime time.Time
}

func newTarWriter(dst io.Writer, modTime time.Time) *tarWriter {
	gz := gzip.NewWriter(dst)
	return &tarWriter{gz: gz, tw: tar.NewWriter(gz), modTime: modTime.UTC()}
}

func (w *tarWriter) Add(name string, body io.Reader) error {
	// tar headers carry the member size up front, so the body is spooled to
	// a temp file; resident memory stays one copy buffer regardless of
	// member size.
	spool, err := os.CreateTemp("", "backy-tar-*")
	if err != nil {
		return errs.Wrap(errs.Internal, "archive.tar.add", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, body)
	if err != nil {
		return errs.Wrap(errs.Internal, "archive.tar.add", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.Internal, "archive.tar.add", err)
	}

	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    size,
		ModTime: w.modTime,
	}
	if err := w.tw.WriteHeader(header); err != nil {
		return errs.Wrap(errs.Internal, "archive.tar.add", err)
	}
	if _, err := io.Copy(w.tw, spool); err != nil {
		return errs.Wrap(errs.Internal, "archive.tar.add", err)
	}
	return nil
}

func (w *tarWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		return errs.Wrap(errs.Internal, "archive.tar.close", err)
	}
	return errs.Wrap(errs.Internal, "archive.tar.close", w.gz.Close())
}

type tarReader struct {
	tr *tar.Reader
}

func newTarReader(src io.Reader) (*tarReader, error) {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptArchive, "archive.tar.open", err)
	}
	return &tarReader{tr: tar.NewReader(gz)}, nil
}

func (r *tarReader) Next() (string, io.Reader, error) {
	header, err := r.tr.Next()
	if err == io.EOF {
		return "", nil, io.EOF
	}
	if err != nil {
		return "", nil, errs.Wrap(errs.CorruptArchive, "archive.tar.next", err)
	}
	return header.Name, r.tr, nil
}
