package archive

import (
	"io"
	"time"

	"github.com/backydb/backydb/internal/errs"
)

const (
	TypeZip = "zip"
	TypeTar = "tar"
)

// Writer collects artifact members into a single archive stream. Members are
// written in Add order, which the pipeline keeps equal to dependency rank.
type Writer interface {
	// Add appends one member. The body is drained before Add returns.
	Add(name string, body io.Reader) error
	io.Closer
}

// Reader walks the members of an archive in stored order.
type Reader interface {
	// Next returns the next member, or io.EOF after the last one.
	Next() (string, io.Reader, error)
}

// NewWriter returns an archive writer of the given kind. modTime stamps every
// member so identical inputs produce identical archives.
func NewWriter(kind string, dst io.Writer, modTime time.Time) (Writer, error) {
	switch kind {
	case TypeZip:
		return newZipWriter(dst, modTime), nil
	case TypeTar:
		return newTarWriter(dst, modTime), nil
	default:
		return nil, errs.New(errs.CompressionFormatUnsupported, "archive.write",
			"unsupported compression type %q", kind)
	}
}

// NewReader opens an archive of the given kind for member iteration.
func NewReader(kind string, src io.Reader) (Reader, error) {
	switch kind {
	case TypeZip:
		return newZipReader(src)
	case TypeTar:
		return newTarReader(src)
	default:
		return nil, errs.New(errs.CompressionFormatUnsupported, "archive.read",
			"unsupported compression type %q", kind)
	}
}
