package envelope

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/backydb/backydb/internal/cryptoutil"
	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/keyprov"
)

// Wire format:
//
//	offset 0   4 bytes   magic "BKY1"
//	offset 4   1 byte    version (currently 1)
//	offset 5   1 byte    alg_id (1 = AES-256-GCM + RSA-OAEP-SHA256)
//	offset 6   12 bytes  nonce
//	offset 18  4 bytes   wrapped_len (big-endian u32)
//	offset 22  wrapped_len bytes wrapped data key
//	offset ... ciphertext || 16-byte GCM tag
const (
	Magic   = "BKY1"
	Version = 1

	// AlgAESGCM is the only algorithm id currently assigned.
	AlgAESGCM = 1

	nonceSize  = 12
	keySize    = 32
	chunkSize  = 64 * 1024
	headerSize = 4 + 1 + 1 + nonceSize + 4

	// maxWrappedLen bounds the wrapped-key field; even a 4096-bit RSA
	// wrap is 512 bytes, so anything larger marks a mangled header.
	maxWrappedLen = 8 * 1024
)

// Encrypt seals src into dst: a fresh 32-byte data key and 12-byte nonce per
// call, AES-256-GCM over the whole stream, the data key wrapped by the
// provider. Input is consumed in 64 KiB chunks. Returns the number of
// envelope bytes written.
func Encrypt(ctx context.Context, dst io.Writer, src io.Reader, prov keyprov.Provider) (int64, error) {
	dataKey := make([]byte, keySize)
	if _, err := rand.Read(dataKey); err != nil {
		return 0, errs.Wrap(errs.Internal, "envelope.encrypt", err)
	}
	defer cryptoutil.Wipe(dataKey)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return 0, errs.Wrap(errs.Internal, "envelope.encrypt", err)
	}

	wrapped, err := prov.Wrap(ctx, dataKey)
	if err != nil {
		return 0, err
	}

	aead, err := newAEAD(dataKey)
	if err != nil {
		return 0, err
	}

	plaintext, err := readChunked(src)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "envelope.encrypt", err)
	}

	header := make([]byte, 0, headerSize+len(wrapped))
	header = append(header, Magic...)
	header = append(header, Version, AlgAESGCM)
	header = append(header, nonce...)
	header = binary.BigEndian.AppendUint32(header, uint32(len(wrapped)))
	header = append(header, wrapped...)

	n, err := dst.Write(header)
	written := int64(n)
	if err != nil {
		return written, errs.Wrap(errs.Internal, "envelope.encrypt", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	n, err = dst.Write(ciphertext)
	written += int64(n)
	if err != nil {
		return written, errs.Wrap(errs.Internal, "envelope.encrypt", err)
	}
	return written, nil
}

// Decrypt opens an envelope from src into dst. On any header or tag problem
// it fails with IntegrityFailure and writes nothing to dst.
func Decrypt(ctx context.Context, dst io.Writer, src io.Reader, prov keyprov.Provider) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "truncated envelope header")
	}
	if string(header[:4]) != Magic {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "bad envelope magic")
	}
	if header[4] != Version {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "unsupported envelope version %d", header[4])
	}
	if header[5] != AlgAESGCM {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "unknown algorithm id %d", header[5])
	}
	nonce := header[6 : 6+nonceSize]
	wrappedLen := binary.BigEndian.Uint32(header[6+nonceSize:])
	if wrappedLen == 0 || wrappedLen > maxWrappedLen {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "implausible wrapped key length %d", wrappedLen)
	}

	wrapped := make([]byte, wrappedLen)
	if _, err := io.ReadFull(src, wrapped); err != nil {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "truncated wrapped key")
	}

	dataKey, err := prov.Unwrap(ctx, wrapped)
	if err != nil {
		return err
	}
	defer cryptoutil.Wipe(dataKey)
	if len(dataKey) != keySize {
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "unwrapped key has %d bytes", len(dataKey))
	}

	aead, err := newAEAD(dataKey)
	if err != nil {
		return err
	}

	ciphertext, err := readChunked(src)
	if err != nil {
		return errs.Wrap(errs.Internal, "envelope.decrypt", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// No plaintext bytes may leave this function on tag mismatch.
		return errs.New(errs.IntegrityFailure, "envelope.decrypt", "authentication tag mismatch")
	}
	if _, err := dst.Write(plaintext); err != nil {
		return errs.Wrap(errs.Internal, "envelope.decrypt", err)
	}
	return nil
}

func newAEAD(dataKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "envelope.aead", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "envelope.aead", err)
	}
	return aead, nil
}

// readChunked drains r in 64 KiB chunks.
func readChunked(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
