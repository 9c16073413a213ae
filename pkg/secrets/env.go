package secrets

import (
	"context"
	"os"
	"strings"

	"github.com/blockflow/blockflow/pkg/errors"
)

// EnvBackend resolves secrets from environment variables. Secret names are
// upper-cased with dots and dashes folded to underscores, then prefixed:
// "openai.key" resolves from BLOCKFLOW_SECRET_OPENAI_KEY.
type EnvBackend struct {
	prefix string
}

// NewEnvBackend creates an environment backend. An empty prefix uses
// "BLOCKFLOW_SECRET_".
func NewEnvBackend(prefix string) *EnvBackend {
	if prefix == "" {
		prefix = "BLOCKFLOW_SECRET_"
	}
	return &EnvBackend{prefix: prefix}
}

// Name implements Backend.
func (e *EnvBackend) Name() string { return "env" }

// Get implements Backend.
func (e *EnvBackend) Get(_ context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(e.varName(key))
	if !ok {
		return "", errors.Wrap(ErrNotFound, key)
	}
	return value, nil
}

// Available implements Backend; the environment is always reachable.
func (e *EnvBackend) Available() bool { return true }

// Priority implements Backend.
func (e *EnvBackend) Priority() int { return EnvBackendPriority }

func (e *EnvBackend) varName(key string) string {
	folded := strings.ToUpper(key)
	folded = strings.NewReplacer(".", "_", "-", "_").Replace(folded)
	return e.prefix + folded
}

var _ Backend = (*EnvBackend)(nil)
