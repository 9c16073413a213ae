// Package ref evaluates $-prefixed reference expressions and {{...}}
// templates against a run context. The resolver dispatches on the scope
// prefix ($state, $cache, $artifacts, ...) and walks dot/bracket paths into
// JSON-like values.
//
// The failure model is deliberate: a missing scope, key, or index resolves
// to nil, never an error. Callers decide whether an undefined value is
// fatal.
package ref

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Env is the resolver's view of a run context. The workflow package builds
// one from its Context; keeping the resolver decoupled from that type lets
// handlers and tests evaluate expressions against plain maps.
type Env struct {
	// State backs $state.
	State map[string]any

	// CacheGet backs $cache. The first remaining path segment is the
	// cache key; further segments walk into the cached value.
	CacheGet func(key string) (any, bool)

	// Artifacts backs $artifacts as a JSON-like sequence.
	Artifacts []any

	// Secrets backs $secrets (read-only).
	Secrets map[string]any

	// Paths backs $paths (read-only).
	Paths map[string]any

	// Event backs $event: the trigger payload.
	Event map[string]any

	// Run backs $run: run metadata including the current block position.
	Run map[string]any

	// Error backs $error: the most recent step failure, possibly empty.
	Error map[string]any

	// Keys backs $keys.<name>. Nil or a miss resolves to undefined.
	Keys func(name string) (any, bool)

	// Loop backs $loop.<id>, returning the loop's {index, artifact} view.
	Loop func(id string) (map[string]any, bool)

	// Current returns the most recently opened loop for $row/$item/$index.
	Current func() (map[string]any, bool)

	// Now returns the $now timestamp. Defaults to the current UTC time in
	// ISO-8601; tests override it for determinism.
	Now func() string
}

// Resolve evaluates a $-prefixed expression against the environment.
// Returns nil for anything that does not resolve.
func Resolve(expr string, env Env) any {
	if !strings.HasPrefix(expr, "$") {
		return nil
	}
	segments := ParsePath(expr[1:])
	if len(segments) == 0 {
		return nil
	}
	scope, rest := segments[0], segments[1:]

	switch scope {
	case "state":
		return Walk(asAny(env.State), rest)
	case "cache":
		if env.CacheGet == nil || len(rest) == 0 {
			return nil
		}
		value, ok := env.CacheGet(rest[0])
		if !ok {
			return nil
		}
		return Walk(value, rest[1:])
	case "artifacts":
		return Walk(any(env.Artifacts), rest)
	case "secrets":
		return Walk(asAny(env.Secrets), rest)
	case "paths":
		return Walk(asAny(env.Paths), rest)
	case "event":
		return Walk(asAny(env.Event), rest)
	case "run":
		return Walk(asAny(env.Run), rest)
	case "error":
		return Walk(asAny(env.Error), rest)
	case "now":
		// Fresh on each access; trailing segments are meaningless.
		if len(rest) > 0 {
			return nil
		}
		if env.Now != nil {
			return env.Now()
		}
		return time.Now().UTC().Format(time.RFC3339)
	case "keys":
		if env.Keys == nil || len(rest) == 0 {
			return nil
		}
		value, ok := env.Keys(strings.Join(rest, "."))
		if !ok {
			return nil
		}
		return value
	case "loop":
		if env.Loop == nil || len(rest) == 0 {
			return nil
		}
		state, ok := env.Loop(rest[0])
		if !ok {
			return nil
		}
		return Walk(asAny(state), rest[1:])
	case "row", "item":
		if env.Current == nil {
			return nil
		}
		state, ok := env.Current()
		if !ok {
			return nil
		}
		return Walk(state["artifact"], rest)
	case "index":
		if env.Current == nil {
			return nil
		}
		state, ok := env.Current()
		if !ok {
			return nil
		}
		return Walk(state["index"], rest)
	default:
		return nil
	}
}

// templatePattern matches {{...}} expressions.
var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Interpolate replaces every {{expr}} segment with the stringified
// resolution of expr. Surrounding text is preserved verbatim; nil resolves
// to the empty string.
func Interpolate(template string, env Env) string {
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		return Stringify(Resolve(expr, env))
	})
}

// ResolveValue dispatches on the shape of a logic value: strings starting
// with $ are resolved, strings containing {{ are interpolated, maps and
// slices are resolved element-wise, and everything else passes through.
func ResolveValue(value any, env Env) any {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "$") {
			return Resolve(v, env)
		}
		if strings.Contains(v, "{{") {
			return Interpolate(v, env)
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ResolveValue(item, env)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ResolveValue(item, env)
		}
		return out
	default:
		return value
	}
}

// Stringify renders a resolved value for interpolation. nil becomes the
// empty string; composites are JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// asAny widens a typed map so Walk can treat every scope uniformly.
func asAny(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
