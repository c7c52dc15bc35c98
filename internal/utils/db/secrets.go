package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Credentials is the JSON document stored in the database secret.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SecretsClient is the part of the Secrets Manager client used here.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func newSecretsClient(ctx context.Context) (SecretsClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func retrieveCredentials(ctx context.Context, client SecretsClient, secretID string) (Credentials, error) {
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("get secret %s: %w", secretID, err)
	}
	if result.SecretString == nil {
		return Credentials{}, errors.New("secret has no string value")
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(*result.SecretString), &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode secret: %w", err)
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, errors.New("secret is missing username or password")
	}
	return creds, nil
}
