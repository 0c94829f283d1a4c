package keyprov

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	secretmanager "google.golang.org/api/secretmanager/v1"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
)

// A cloud keystore holds PEM key material in a secret store; OAEP runs
// locally. Wrap fetches only the public half, Unwrap only the private half,
// and neither is cached beyond the call.
type cloudKeystore struct {
	fetch   func(ctx context.Context, name string) ([]byte, error)
	id      string
	keyID   string
	keySize int
}

func (s *cloudKeystore) ID() string { return s.id }

func (s *cloudKeystore) Params() Params {
	return Params{Algorithm: "RSA-OAEP-SHA256", KeySize: s.keySize}
}

func (s *cloudKeystore) Wrap(ctx context.Context, dataKey []byte) ([]byte, error) {
	material, err := s.fetch(ctx, s.keyID+"-public")
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKeyPEM(material)
	if err != nil {
		return nil, errs.Wrap(errs.KeyAlgorithmUnsupported, "keyprov.keystore", err)
	}
	return rsaWrap(pub, dataKey)
}

func (s *cloudKeystore) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	material, err := s.fetch(ctx, s.keyID+"-private")
	if err != nil {
		return nil, err
	}
	priv, err := parsePrivateKeyPEM(material)
	if err != nil {
		return nil, errs.Wrap(errs.KeyAlgorithmUnsupported, "keyprov.keystore", err)
	}
	return rsaUnwrap(priv, wrapped)
}

func newAWSKeystore(cfg config.SecurityConfig) (*cloudKeystore, error) {
	if cfg.KeyID == "" {
		return nil, errs.New(errs.ConfigInvalid, "keyprov.keystore", "security.key_id is required for the aws keystore")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, "keyprov.keystore", err)
	}
	client := secretsmanager.New(sess)
	return &cloudKeystore{
		id:      "aws",
		keyID:   cfg.KeyID,
		keySize: cfg.KeySize,
		fetch:   awsSecretFetcher(client),
	}, nil
}

func awsSecretFetcher(client secretsmanageriface.SecretsManagerAPI) func(context.Context, string) ([]byte, error) {
	return func(ctx context.Context, name string) ([]byte, error) {
		out, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(name),
		})
		if err != nil {
			return nil, mapAWSError("keyprov.keystore.fetch", err)
		}
		if out.SecretBinary != nil {
			return out.SecretBinary, nil
		}
		if out.SecretString != nil {
			return []byte(*out.SecretString), nil
		}
		return nil, errs.New(errs.KeyNotFound, "keyprov.keystore.fetch", "secret %s holds no value", name)
	}
}

func newGCPKeystore(ctx context.Context, cfg config.SecurityConfig) (*cloudKeystore, error) {
	if cfg.KeyID == "" {
		return nil, errs.New(errs.ConfigInvalid, "keyprov.keystore", "security.key_id is required for the gcp keystore")
	}
	svc, err := secretmanager.NewService(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, "keyprov.keystore", err)
	}
	project := cfg.GCPProjectID
	return &cloudKeystore{
		id:      "gcp",
		keyID:   cfg.KeyID,
		keySize: cfg.KeySize,
		fetch: func(ctx context.Context, name string) ([]byte, error) {
			resource := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, name)
			resp, err := svc.Projects.Secrets.Versions.Access(resource).Context(ctx).Do()
			if err != nil {
				return nil, mapGCPError("keyprov.keystore.fetch", err)
			}
			data, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
			if err != nil {
				return nil, errs.Wrap(errs.Internal, "keyprov.keystore.fetch", err)
			}
			return data, nil
		},
	}, nil
}
