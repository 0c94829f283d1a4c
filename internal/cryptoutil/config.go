package cryptoutil

import (
	"bytes"
	"io"

	"github.com/minio/sio"
)

// EncryptConfig seals a config payload using DARE (sio) so credentials can
// live encrypted at rest.
func EncryptConfig(plain, key []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := sio.EncryptWriter(&buf, sio.Config{Key: key})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptConfig opens a payload produced by EncryptConfig.
func DecryptConfig(ciphertext, key []byte) ([]byte, error) {
	r, err := sio.DecryptReader(bytes.NewReader(ciphertext), sio.Config{Key: key})
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
