// Package keysource resolves the service's secret material (deletion-token
// signing secret, content encryption key) from an external secret store when
// one is configured, falling back to plain environment variables. Vault takes
// precedence over AWS; the environment is always the fallback so local and
// test runs need no infrastructure.
package keysource

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var ErrSecretNotFound = errors.New("secret not found")

// Source answers lookups of named secrets.
type Source interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type Resolver struct {
	store Source
}

// NewResolver picks the secret store from the environment: Vault when
// VAULT_ADDR is set, AWS Secrets Manager when AWS_REGION is set, otherwise
// no external store at all.
func NewResolver(ctx context.Context) (*Resolver, error) {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vs, err := newVaultSource(ctx, addr)
		if err != nil {
			return nil, errors.Wrap(err, "init vault source")
		}
		return &Resolver{store: vs}, nil
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		as, err := newAWSSource(ctx, region)
		if err != nil {
			return nil, errors.Wrap(err, "init aws source")
		}
		return &Resolver{store: as}, nil
	}
	return &Resolver{}, nil
}

// Resolve returns the value for a secret: the environment variable wins when
// set, otherwise the configured store is consulted under storeName. An empty
// result with no store configured yields ErrSecretNotFound.
func (r *Resolver) Resolve(ctx context.Context, envVar, storeName string) (string, error) {
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	if r.store == nil {
		return "", errors.Wrapf(ErrSecretNotFound, "%s not set and no secret store configured", envVar)
	}
	v, err := r.store.GetSecret(ctx, storeName)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", storeName)
	}
	return v, nil
}

type vaultSource struct {
	client     *vault.Client
	secretPath string
}

func newVaultSource(ctx context.Context, addr string) (*vaultSource, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	path := os.Getenv("VAULT_SECRET_PATH")
	if path == "" {
		path = "secret/data/wastebin"
	}
	return &vaultSource{client: client, secretPath: path}, nil
}

func (v *vaultSource) GetSecret(ctx context.Context, name string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, name))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, name)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: unexpected secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsSource struct {
	sm  *secretsmanager.Client
	kms *awskms.Client
}

func newAWSSource(ctx context.Context, region string) (*awsSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsSource{
		sm:  secretsmanager.NewFromConfig(cfg),
		kms: awskms.NewFromConfig(cfg),
	}, nil
}

func (a *awsSource) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := a.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", name)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}

// ResolveContentKey returns the at-rest content key bytes, or nil when
// encryption is not configured. WASTEBIN_WRAPPED_CONTENT_KEY (a base64 AWS
// KMS ciphertext blob) takes precedence over the plain base64 key so the raw
// key never has to appear in the environment.
func (r *Resolver) ResolveContentKey(ctx context.Context) ([]byte, error) {
	if wrapped := os.Getenv("WASTEBIN_WRAPPED_CONTENT_KEY"); wrapped != "" {
		aws, ok := r.store.(*awsSource)
		if !ok {
			return nil, errors.New("WASTEBIN_WRAPPED_CONTENT_KEY requires AWS_REGION to be configured")
		}
		blob, err := base64.StdEncoding.DecodeString(wrapped)
		if err != nil {
			return nil, errors.Wrap(err, "decode wrapped content key")
		}
		out, err := aws.kms.Decrypt(ctx, &awskms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, errors.Wrap(err, "unwrap content key")
		}
		return out.Plaintext, nil
	}
	raw, err := r.Resolve(ctx, "WASTEBIN_CONTENT_KEY", "content-key")
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) || errors.Cause(err) == ErrSecretNotFound {
			return nil, nil
		}
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode content key")
	}
	return key, nil
}
