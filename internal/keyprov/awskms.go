package keyprov

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
)

// awsKMS delegates wrap/unwrap to AWS KMS; the asymmetric key never leaves
// the service.
type awsKMS struct {
	client  kmsiface.KMSAPI
	keyID   string
	keySize int
}

func newAWSKMS(cfg config.SecurityConfig) (*awsKMS, error) {
	if cfg.KeyID == "" {
		return nil, errs.New(errs.ConfigInvalid, "keyprov.awskms", "security.key_id is required for aws kms")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, "keyprov.awskms", err)
	}
	return &awsKMS{client: kms.New(sess), keyID: cfg.KeyID, keySize: cfg.KeySize}, nil
}

func (k *awsKMS) ID() string { return "aws" }

func (k *awsKMS) Params() Params {
	return Params{Algorithm: "RSA-OAEP-SHA256", KeySize: k.keySize}
}

func (k *awsKMS) Wrap(ctx context.Context, dataKey []byte) ([]byte, error) {
	out, err := k.client.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:               aws.String(k.keyID),
		Plaintext:           dataKey,
		EncryptionAlgorithm: aws.String(kms.EncryptionAlgorithmSpecRsaesOaepSha256),
	})
	if err != nil {
		return nil, mapAWSError("keyprov.awskms.wrap", err)
	}
	return out.CiphertextBlob, nil
}

func (k *awsKMS) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := k.client.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:               aws.String(k.keyID),
		CiphertextBlob:      wrapped,
		EncryptionAlgorithm: aws.String(kms.EncryptionAlgorithmSpecRsaesOaepSha256),
	})
	if err != nil {
		return nil, mapAWSError("keyprov.awskms.unwrap", err)
	}
	return out.Plaintext, nil
}

// mapAWSError folds AWS SDK error codes into the pipeline's kinds.
func mapAWSError(op string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case kms.ErrCodeNotFoundException:
			return errs.Wrap(errs.KeyNotFound, op, err)
		case "AccessDeniedException", kms.ErrCodeDisabledException:
			return errs.Wrap(errs.KeyAccessDenied, op, err)
		case kms.ErrCodeInvalidKeyUsageException:
			return errs.Wrap(errs.KeyAlgorithmUnsupported, op, err)
		case kms.ErrCodeInvalidCiphertextException:
			return errs.Wrap(errs.IntegrityFailure, op, err)
		case kms.ErrCodeKeyUnavailableException, kms.ErrCodeInternalException,
			kms.ErrCodeDependencyTimeoutException, "ThrottlingException":
			return errs.Wrap(errs.ProviderUnavailable, op, err)
		}
	}
	return errs.Wrap(errs.ProviderUnavailable, op, err)
}
