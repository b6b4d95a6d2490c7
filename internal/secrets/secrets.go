// Package secrets resolves signer keys and connection strings from AWS Secrets
// Manager or the process environment.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client SecretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client SecretsManagerAPI) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

// Get fetches a secret by id. "id#field" selects one field of a JSON secret.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	var raw string
	switch {
	case strings.TrimSpace(aws.ToString(out.SecretString)) != "":
		raw = strings.TrimSpace(aws.ToString(out.SecretString))
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}
	return jsonField(raw, id, field)
}

func jsonField(raw, id, field string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secrets: secret %q is not a json object: %w", id, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: secret %q field %q is not a non-empty string", ErrNotFound, id, field)
	}
	return strings.TrimSpace(s), nil
}

type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver dispatches references of the form "env:NAME" or "aws:secret-id".
// A reference without a scheme is returned unchanged.
type Resolver struct {
	Env Provider
	AWS Provider
}

func (r Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	var p Provider
	switch scheme {
	case "env":
		p = r.Env
		if p == nil {
			p = NewEnv()
		}
	case "aws":
		p = r.AWS
		if p == nil {
			return "", fmt.Errorf("%w: aws reference %q without aws provider", ErrInvalidConfig, rest)
		}
	default:
		return ref, nil
	}
	return p.Get(ctx, rest)
}
