package blocks

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/blockflow/blockflow/pkg/workflow"
)

// Deps carries the external services handlers need. Zero values are usable:
// nil clients disable fetch and agent blocks with a clear runtime error
// instead of a registration failure.
type Deps struct {
	// HTTPClient backs fetch blocks and sandbox fetch. It should carry the
	// logging transport but not retries; handlers layer their own policy.
	HTTPClient *http.Client

	// FetchLimit throttles sandbox fetch calls across all code blocks.
	FetchLimit *rate.Limiter

	// Messages backs agent blocks. Nil means agent blocks fail at runtime.
	Messages MessagesClient

	// Location is the coordinate stub for location blocks.
	Location Location

	// AllowPrivateFetch disables the private-address guard on fetch blocks.
	AllowPrivateFetch bool
}

// RegisterAll installs every built-in handler into the registry.
func RegisterAll(registry *workflow.Registry, deps Deps) {
	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	fetch := NewFetchHandler(client)
	if deps.AllowPrivateFetch {
		fetch = fetch.WithGuardDisabled()
	}

	registry.Register("fetch", fetch.Handle)
	registry.Register("code", NewCodeHandler(client, deps.FetchLimit).Handle)
	registry.Register("math", MathHandler{}.Handle)
	registry.Register("string", StringHandler{}.Handle)
	registry.Register("array", ArrayHandler{}.Handle)
	registry.Register("object", ObjectHandler{}.Handle)
	registry.Register("date", DateHandler{}.Handle)
	registry.Register("normalize", NormalizeHandler{}.Handle)
	registry.Register("sleep", SleepHandler{}.Handle)
	registry.Register("agent", NewAgentHandler(deps.Messages).Handle)
	registry.Register("location", NewLocationHandler(deps.Location).Handle)
}
