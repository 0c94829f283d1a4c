package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/backydb/backydb/internal/errs"
)

type zipWriter struct {
	zw      *zip.Writer
	modTime time.Time
}

func newZipWriter(dst io.Writer, modTime time.Time) *zipWriter {
	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return &zipWriter{zw: zw, modTime: modTime.UTC()}
}

func (w *zipWriter) Add(name string, body io.Reader) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: w.modTime,
	}
	entry, err := w.zw.CreateHeader(header)
	if err != nil {
		return errs.Wrap(errs.Internal, "archive.zip.add", err)
	}
	if _, err := io.Copy(entry, body); err != nil {
		return errs.Wrap(errs.Internal, "archive.zip.add", err)
	}
	return nil
}

func (w *zipWriter) Close() error {
	return errs.Wrap(errs.Internal, "archive.zip.close", w.zw.Close())
}

// zip needs random access, so the reader buffers the stream.
type zipReader struct {
	files []*zip.File
	next  int
}

func newZipReader(src io.Reader) (*zipReader, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptArchive, "archive.zip.open", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.Wrap(errs.CorruptArchive, "archive.zip.open", err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return &zipReader{files: zr.File}, nil
}

func (r *zipReader) Next() (string, io.Reader, error) {
	if r.next >= len(r.files) {
		return "", nil, io.EOF
	}
	file := r.files[r.next]
	r.next++
	rc, err := file.Open()
	if err != nil {
		return "", nil, errs.Wrap(errs.CorruptArchive, "archive.zip.next", err)
	}
	return file.Name, rc, nil
}
