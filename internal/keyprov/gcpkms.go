package keyprov

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/api/cloudkms/v1"
	"google.golang.org/api/googleapi"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
)

// gcpKMS delegates wrap/unwrap to Google Cloud KMS. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS, resolved by the client library.
type gcpKMS struct {
	svc     *cloudkms.Service
	keyName string
	keySize int
}

func newGCPKMS(ctx context.Context, cfg config.SecurityConfig) (*gcpKMS, error) {
	if cfg.KeyID == "" {
		return nil, errs.New(errs.ConfigInvalid, "keyprov.gcpkms", "security.key_id is required for gcp kms")
	}
	svc, err := cloudkms.NewService(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, "keyprov.gcpkms", err)
	}
	name := fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		cfg.GCPProjectID, cfg.GCPLocation, cfg.GCPKeyRing, cfg.KeyID)
	return &gcpKMS{svc: svc, keyName: name, keySize: cfg.KeySize}, nil
}

func (k *gcpKMS) ID() string { return "gcp" }

func (k *gcpKMS) Params() Params {
	return Params{Algorithm: "RSA-OAEP-SHA256", KeySize: k.keySize}
}

func (k *gcpKMS) Wrap(ctx context.Context, dataKey []byte) ([]byte, error) {
	req := &cloudkms.EncryptRequest{Plaintext: base64.StdEncoding.EncodeToString(dataKey)}
	resp, err := k.svc.Projects.Locations.KeyRings.CryptoKeys.
		Encrypt(k.keyName, req).Context(ctx).Do()
	if err != nil {
		return nil, mapGCPError("keyprov.gcpkms.wrap", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.gcpkms.wrap", err)
	}
	return wrapped, nil
}

func (k *gcpKMS) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	req := &cloudkms.DecryptRequest{Ciphertext: base64.StdEncoding.EncodeToString(wrapped)}
	resp, err := k.svc.Projects.Locations.KeyRings.CryptoKeys.
		Decrypt(k.keyName, req).Context(ctx).Do()
	if err != nil {
		return nil, mapGCPError("keyprov.gcpkms.unwrap", err)
	}
	dataKey, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.gcpkms.unwrap", err)
	}
	return dataKey, nil
}

// mapGCPError folds googleapi status codes into the pipeline's kinds.
func mapGCPError(op string, err error) error {
	if gerr, ok := err.(*googleapi.Error); ok {
		switch {
		case gerr.Code == 404:
			return errs.Wrap(errs.KeyNotFound, op, err)
		case gerr.Code == 403 || gerr.Code == 401:
			return errs.Wrap(errs.KeyAccessDenied, op, err)
		case gerr.Code == 400:
			return errs.Wrap(errs.KeyAlgorithmUnsupported, op, err)
		case gerr.Code >= 500 || gerr.Code == 429:
			return errs.Wrap(errs.ProviderUnavailable, op, err)
		}
	}
	return errs.Wrap(errs.ProviderUnavailable, op, err)
}
