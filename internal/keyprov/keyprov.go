package keyprov

import (
	"context"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
)

// Params describes the asymmetric side of the envelope for the manifest.
type Params struct {
	Algorithm string
	KeySize   int
}

// Provider wraps and unwraps the per-artifact symmetric data key. KMS-backed
// providers never hold the asymmetric key material locally. Implementations
// are safe for concurrent use.
type Provider interface {
	// Wrap encrypts a freshly generated data key for storage in the envelope.
	Wrap(ctx context.Context, dataKey []byte) ([]byte, error)
	// Unwrap recovers a data key from its wrapped form.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
	// Params reports the wrapping algorithm and key size.
	Params() Params
	// ID names the provider for the manifest transform chain.
	ID() string
}

// New builds the provider selected by the security configuration.
func New(ctx context.Context, cfg config.SecurityConfig) (Provider, error) {
	switch cfg.Type {
	case "keystore":
		switch cfg.Provider {
		case "local", "":
			return NewLocalVault(cfg)
		case "aws":
			return newAWSKeystore(cfg)
		case "gcp":
			return newGCPKeystore(ctx, cfg)
		}
	case "kms":
		switch cfg.Provider {
		case "aws":
			return newAWSKMS(cfg)
		case "gcp":
			return newGCPKMS(ctx, cfg)
		}
	}
	return nil, errs.New(errs.ConfigInvalid, "keyprov.new",
		"no key provider for type=%q provider=%q", cfg.Type, cfg.Provider)
}
