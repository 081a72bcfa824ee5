package config

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretProvider resolves secret paths to plaintext values.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// EnvVarProvider treats each key as an environment variable name. Local only.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider { return &EnvVarProvider{} }

func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// NewSecretProvider picks SSM when a region is configured and the local
// environment otherwise.
func NewSecretProvider() SecretProvider {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return NewSSMProvider(region)
	}
	return NewEnvVarProvider()
}

// ssmMaxBatchSize is the GetParameters API limit.
const ssmMaxBatchSize = 10

type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves SecureString parameters from AWS SSM Parameter Store.
type SSMProvider struct {
	region string
	client ssmClient
}

func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch fetches keys in groups of ten with decryption and fails
// if SSM reports any of them as invalid.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ssm resolution cancelled: %w", err)
		}
		end := min(start+ssmMaxBatchSize, len(keys))

		resp, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          keys[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("ssm GetParameters (batch %d-%d of %d): %w", start, end-1, len(keys), err)
		}
		if len(resp.InvalidParameters) > 0 {
			return nil, fmt.Errorf("ssm parameters not found: %v", resp.InvalidParameters)
		}
		for _, param := range resp.Parameters {
			if param.Name != nil && param.Value != nil {
				out[*param.Name] = *param.Value
			}
		}
	}
	return out, nil
}

// Linker-injected build metadata:
//
//	go build -ldflags "-X tollgate/internal/config.version=1.2.3 -X tollgate/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
