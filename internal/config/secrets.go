package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretEnvPrefix prefixes secret names looked up in the environment.
const secretEnvPrefix = "PIPETRIGGER_SECRET_"

// ErrSecretNotFound is returned when no source holds the requested secret.
var ErrSecretNotFound = errors.New("secret not found")

// SecretSource resolves a named secret such as a storage account key.
type SecretSource interface {
	Secret(name string) (string, error)
}

// EnvSecrets reads secrets from PIPETRIGGER_SECRET_<NAME> variables. The
// name is upper-cased and dashes and dots become underscores.
type EnvSecrets struct{}

// Secret implements SecretSource.
func (EnvSecrets) Secret(name string) (string, error) {
	key := secretEnvPrefix + envSecretKey(name)
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

func envSecretKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// DirSecrets reads secrets from files named after the secret inside Dir,
// the layout produced by mounted key vault volumes.
type DirSecrets struct {
	Dir string
}

// Secret implements SecretSource.
func (d DirSecrets) Secret(name string) (string, error) {
	if d.Dir == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	raw, err := os.ReadFile(filepath.Join(d.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrSecretNotFound, name)
	}
	return v, nil
}

// ChainSecrets tries each source in order and returns the first hit.
type ChainSecrets []SecretSource

// Secret implements SecretSource.
func (c ChainSecrets) Secret(name string) (string, error) {
	for _, src := range c {
		v, err := src.Secret(name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// NewSecretSource returns the default chain: the mounted directory when
// configured, then the environment.
func NewSecretSource(dir string) SecretSource {
	if dir == "" {
		return EnvSecrets{}
	}
	return ChainSecrets{DirSecrets{Dir: dir}, EnvSecrets{}}
}
