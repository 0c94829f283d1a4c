package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"

	"github.com/backydb/backydb/internal/errs"
)

const (
	TypeHMAC     = "hmac"
	TypeChecksum = "checksum"
)

// Calculator produces and verifies the integrity tag of a backup: a digest
// over the canonical manifest form (tag field empty) followed by the byte
// streams of every stored output, in manifest order.
type Calculator struct {
	typ    string
	secret []byte
}

// New builds a calculator. The secret is only consulted for hmac.
func New(typ, secret string) (*Calculator, error) {
	switch typ {
	case TypeHMAC:
		if secret == "" {
			return nil, errs.New(errs.ConfigInvalid, "integrity.new", "hmac integrity requires a secret")
		}
		return &Calculator{typ: typ, secret: []byte(secret)}, nil
	case TypeChecksum:
		return &Calculator{typ: typ}, nil
	default:
		return nil, errs.New(errs.ConfigInvalid, "integrity.new", "unsupported integrity type %q", typ)
	}
}

// Type reports the tag algorithm for the manifest.
func (c *Calculator) Type() string { return c.typ }

func (c *Calculator) newHash() hash.Hash {
	if c.typ == TypeHMAC {
		return hmac.New(sha256.New, c.secret)
	}
	return sha256.New()
}

// Tag digests the canonical manifest followed by each output stream.
func (c *Calculator) Tag(manifestCanonical []byte, outputs []io.Reader) (string, error) {
	h := c.newHash()
	h.Write(manifestCanonical)
	for _, out := range outputs {
		if _, err := io.Copy(h, out); err != nil {
			return "", errs.Wrap(errs.Internal, "integrity.tag", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the tag and fails with IntegrityFailure on mismatch.
// It runs before any decryption or decompression touches the outputs.
func (c *Calculator) Verify(manifestCanonical []byte, outputs []io.Reader, expected string) error {
	computed, err := c.Tag(manifestCanonical, outputs)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) != 1 {
		return errs.New(errs.IntegrityFailure, "integrity.verify", "tag mismatch")
	}
	return nil
}
