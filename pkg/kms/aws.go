package kms

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
)

// awsProvider wraps shares with an AWS KMS customer key. Credentials come
// from the standard AWS chain (env, shared config, instance role).
type awsProvider struct {
	client *awskms.Client
	keyID  string
}

func init() {
	Register("aws", newAWSProvider)
}

func newAWSProvider(ctx context.Context, opts Options) (Provider, error) {
	if opts.KeyID == "" {
		return nil, fmt.Errorf("aws kms provider requires a key id")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &awsProvider{
		client: awskms.NewFromConfig(cfg),
		keyID:  opts.KeyID,
	}, nil
}

func (p *awsProvider) Tag() string { return "aws" }

func (p *awsProvider) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := p.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     &p.keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (p *awsProvider) Unwrap(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          &p.keyID,
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}
