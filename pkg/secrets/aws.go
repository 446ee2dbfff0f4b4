package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

//go:generate moq -out mocks/secretsmanager.go -pkg mocks -skip-ensure -fmt goimports . secretsManagerClient:SecretsManagerClient

// AWSProvider reads secrets from AWS Secrets Manager, each credential input is a separate secret
type AWSProvider struct {
	client secretsManagerClient
	prefix string
}

type secretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSProvider makes AWSProvider with static credentials. Secret ids are prefixed with prefix, i.e. "prod/".
func NewAWSProvider(accessKeyID, secretAccessKey, region, prefix string) (*AWSProvider, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	if err != nil {
		return nil, fmt.Errorf("can't make aws config: %w", err)
	}
	return &AWSProvider{client: secretsmanager.NewFromConfig(cfg), prefix: prefix}, nil
}

// Get returns string value of the secret
func (p *AWSProvider) Get(key string) (string, error) {
	id := p.prefix + key
	res, err := p.client.GetSecretValue(context.Background(), &secretsmanager.GetSecretValueInput{SecretId: &id})
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("can't read aws secret %q: %w", id, err)
	}
	if res.SecretString == nil {
		return "", fmt.Errorf("aws secret %q has no string value", id)
	}
	return *res.SecretString, nil
}
