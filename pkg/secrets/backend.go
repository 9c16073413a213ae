// Package secrets resolves named secrets for workflow runs. Backends are
// consulted in priority order; the resolver backs the $keys scope and the
// run-level secrets map. The package also provides the sealed-box crypto
// used to encrypt paused-run state at rest.
package secrets

import (
	"context"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Backend priorities; lower resolves first.
const (
	EnvBackendPriority     = 10
	KeyringBackendPriority = 20
	StaticBackendPriority  = 30
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound    = errors.New("secret not found")
	ErrUnavailable = errors.New("secret backend unavailable")
)

// Backend is a single secret source.
type Backend interface {
	// Name identifies the backend ("env", "keyring", "static").
	Name() string

	// Get returns the secret value. A miss is ErrNotFound; a backend that
	// cannot operate at all returns ErrUnavailable.
	Get(ctx context.Context, key string) (string, error)

	// Available reports whether the backend can serve lookups.
	Available() bool

	// Priority orders backends; lower wins.
	Priority() int
}
