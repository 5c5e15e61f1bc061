// Package secrets loads sensitive configuration from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// BootSecrets is the JSON document keyfleet reads at startup when
// SECRET_NAME is set. Values present here override their env counterparts.
type BootSecrets struct {
	DatabaseURL      string `json:"database_url"`
	EncryptionKey    string `json:"encryption_key"`
	AdminTokenBcrypt string `json:"admin_token_bcrypt"`
}

type Store struct {
	client *secretsmanager.Client
}

func NewWithConfig(cfg aws.Config) *Store {
	return &Store{client: secretsmanager.NewFromConfig(cfg)}
}

func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	if result.SecretString == nil {
		return "", nil
	}
	return *result.SecretString, nil
}

func (s *Store) GetBootSecrets(ctx context.Context, name string) (*BootSecrets, error) {
	raw, err := s.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	var boot BootSecrets
	if err := json.Unmarshal([]byte(raw), &boot); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return &boot, nil
}
