package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and carries the failing stage.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: STRIPE_SECRET_KEY_SSM_PARAM holds
// the SSM path whose value becomes STRIPE_SECRET_KEY.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// envSource abstracts the process environment so tests do not mutate globals.
type envSource struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func osEnv() envSource {
	return envSource{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// LoadConfig loads, resolves and validates the configuration. provider may be
// nil when APP_ENV is local.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return load(provider, osEnv())
}

func load(provider SecretProvider, env envSource) (*Config, error) {
	time.Local = time.UTC

	// Missing .env is fine; it never overrides real env vars.
	_ = godotenv.Load()

	if appEnv, _ := env.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return &cfg, nil
}

// ResolveSecrets runs only the SSM step. The sweeper Lambda calls it before
// LoadConfig so cold starts fail on the secret that is missing, not on
// validation of the value it would have produced.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, osEnv())
}

func resolveSSMParams(provider SecretProvider, env envSource) error {
	targets := make(map[string]string) // ssm path -> env var
	for _, entry := range env.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := env.lookup(target); set {
			continue
		}
		targets[path] = target
	}
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, targets[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("secret provider required to resolve: %s", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, targets[p])
			continue
		}
		if err := env.set(targets[p], value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to set " + targets[p], Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
