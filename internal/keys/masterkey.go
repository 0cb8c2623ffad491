package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// MasterKeySize is the size of the process-held symmetric master key.
const MasterKeySize = 32

// ParseMasterKey decodes a base64 (standard or URL alphabet) master key.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("master key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return nil, fmt.Errorf("master key is not base64: %w", err)
		}
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must decode to %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}

// GenerateMasterKey returns a fresh random master key. Key pairs sealed under
// it cannot be opened after a restart unless it is persisted out of band.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// KMSDecrypter is the subset of *kms.Client used to unwrap the master key.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// MasterKeyFromKMS unwraps a base64 KMS ciphertext blob into the master key.
// keyID may be empty for symmetric keys, where KMS reads it from the blob.
func MasterKeyFromKMS(ctx context.Context, client KMSDecrypter, keyID, ciphertextB64 string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return nil, fmt.Errorf("kms ciphertext is not base64: %w", err)
	}
	in := &kms.DecryptInput{CiphertextBlob: blob}
	if keyID != "" {
		in.KeyId = aws.String(keyID)
	}
	out, err := client.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt failed: %w", err)
	}
	if len(out.Plaintext) != MasterKeySize {
		return nil, fmt.Errorf("kms plaintext must be %d bytes, got %d", MasterKeySize, len(out.Plaintext))
	}
	return out.Plaintext, nil
}
