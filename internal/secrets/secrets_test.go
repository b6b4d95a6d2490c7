package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecretsManager struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	err    error
	gotIDs []string
}

func (c *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.gotIDs = append(c.gotIDs, aws.ToString(in.SecretId))
	if c.err != nil {
		return nil, c.err
	}
	out, ok := c.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "STAKE_ENGINE_TEST_SIGNER"
	t.Setenv(key, "  0xabc  ")

	got, err := NewEnv().Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "0xabc" {
		t.Fatalf("value: got %q", got)
	}
	if _, err := NewEnv().Get(context.Background(), "STAKE_ENGINE_TEST_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := NewEnv().Get(context.Background(), " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAWSProvider_PlainAndJSONField(t *testing.T) {
	t.Parallel()

	sm := &fakeSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"stake/dsn":     {SecretString: aws.String(" postgres://x ")},
		"stake/signers": {SecretString: aws.String(`{"keys":"0x01,0x02","n":3}`)},
		"stake/binary":  {SecretBinary: []byte("raw")},
		"stake/empty":   {},
	}}
	p, err := NewAWSWithClient(sm)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	ctx := context.Background()

	if got, err := p.Get(ctx, "stake/dsn"); err != nil || got != "postgres://x" {
		t.Fatalf("plain: %q %v", got, err)
	}
	if got, err := p.Get(ctx, "stake/binary"); err != nil || got != "raw" {
		t.Fatalf("binary: %q %v", got, err)
	}
	if got, err := p.Get(ctx, "stake/signers#keys"); err != nil || got != "0x01,0x02" {
		t.Fatalf("field: %q %v", got, err)
	}
	if _, err := p.Get(ctx, "stake/signers#n"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-string field: expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(ctx, "stake/signers#missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing field: expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(ctx, "stake/empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty: expected ErrNotFound, got %v", err)
	}
	if sm.gotIDs[2] != "stake/signers" {
		t.Fatalf("field suffix leaked into secret id: %q", sm.gotIDs[2])
	}
}

func TestResolver(t *testing.T) {
	t.Setenv("STAKE_ENGINE_TEST_DSN", "postgres://env")

	sm := &fakeSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"stake/dsn": {SecretString: aws.String("postgres://aws")},
	}}
	awsp, _ := NewAWSWithClient(sm)
	r := Resolver{AWS: awsp}
	ctx := context.Background()

	cases := map[string]string{
		"env:STAKE_ENGINE_TEST_DSN": "postgres://env",
		"aws:stake/dsn":             "postgres://aws",
		"literal-token":             "literal-token",
		"postgres://inline":         "postgres://inline",
	}
	for ref, want := range cases {
		got, err := r.Resolve(ctx, ref)
		if err != nil || got != want {
			t.Fatalf("Resolve(%q) = %q, %v; want %q", ref, got, err, want)
		}
	}

	if _, err := (Resolver{}).Resolve(ctx, "aws:stake/dsn"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without aws provider, got %v", err)
	}
}
