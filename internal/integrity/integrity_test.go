package integrity

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/backydb/backydb/internal/errs"
)

func readers(contents ...string) []io.Reader {
	out := make([]io.Reader, len(contents))
	for i, c := range contents {
		out[i] = strings.NewReader(c)
	}
	return out
}

func TestHMACTagRoundTrip(t *testing.T) {
	calc, err := New(TypeHMAC, "s3cret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	manifest := []byte(`{"backup_id":"x"}`)
	tag, err := calc.Tag(manifest, readers("output-one", "output-two"))
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if err := calc.Verify(manifest, readers("output-one", "output-two"), tag); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestHMACDetectsOutputTamper(t *testing.T) {
	calc, _ := New(TypeHMAC, "s3cret")
	manifest := []byte(`{"backup_id":"x"}`)
	tag, _ := calc.Tag(manifest, readers("output"))
	err := calc.Verify(manifest, readers("outpuT"), tag)
	if !errs.IsKind(err, errs.IntegrityFailure) {
		t.Fatalf("expected IntegrityFailure, got %v", err)
	}
}

func TestHMACDetectsManifestTamper(t *testing.T) {
	calc, _ := New(TypeHMAC, "s3cret")
	tag, _ := calc.Tag([]byte(`{"a":1}`), readers("output"))
	err := calc.Verify([]byte(`{"a":2}`), readers("output"), tag)
	if !errs.IsKind(err, errs.IntegrityFailure) {
		t.Fatalf("expected IntegrityFailure, got %v", err)
	}
}

func TestHMACKeyChangesTag(t *testing.T) {
	a, _ := New(TypeHMAC, "key-a")
	b, _ := New(TypeHMAC, "key-b")
	manifest := []byte(`{}`)
	tagA, _ := a.Tag(manifest, readers("x"))
	tagB, _ := b.Tag(manifest, readers("x"))
	if tagA == tagB {
		t.Fatalf("different keys must produce different tags")
	}
}

func TestChecksumNeedsNoSecret(t *testing.T) {
	calc, err := New(TypeChecksum, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tag, err := calc.Tag([]byte(`{}`), readers("abc"))
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if len(tag) != 64 {
		t.Fatalf("expected hex sha256, got %q", tag)
	}
}

func TestHMACRequiresSecret(t *testing.T) {
	if _, err := New(TypeHMAC, ""); !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := New("crc32", ""); !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestTagIsDeterministic(t *testing.T) {
	calc, _ := New(TypeChecksum, "")
	manifest := bytes.Repeat([]byte("m"), 100)
	a, _ := calc.Tag(manifest, readers("one", "two"))
	b, _ := calc.Tag(manifest, readers("one", "two"))
	if a != b {
		t.Fatalf("tag not deterministic")
	}
}
