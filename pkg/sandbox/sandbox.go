package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/time/rate"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Timeout bounds.
const (
	MinTimeout     = 10 * time.Millisecond
	MaxTimeout     = 30 * time.Second
	DefaultTimeout = 10 * time.Second

	fetchTimeout    = 10 * time.Second
	maxTimeoutDelay = 5 * time.Second

	// The async wrapper adds two lines before the user source.
	wrapperLineOffset = 2
)

// CacheFacade is the parent-cache view exposed to user code. Mutations made
// through it are visible to the parent run after the sandbox returns.
type CacheFacade interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Has(key string) bool
}

// Options configures one sandbox execution.
type Options struct {
	Source   string
	Language string

	// Timeout is clamped to [MinTimeout, MaxTimeout]; zero selects the
	// default.
	Timeout time.Duration

	// State is deep-copied before execution; the sandbox never holds a
	// reference into the parent state.
	State map[string]any

	Cache     CacheFacade
	Artifacts []any
	Secrets   map[string]string

	// HTTPClient backs the sandbox fetch binding. Nil disables fetch.
	HTTPClient *http.Client

	// FetchLimit throttles sandbox fetch calls. Nil means no throttle.
	FetchLimit *rate.Limiter
}

// Result is the outcome of a successful execution.
type Result struct {
	// Value is the script's return value, exported to the JSON-like space.
	Value any

	// StateDelta holds top-level additions and changes to state.
	StateDelta map[string]any

	// Deletions lists top-level state keys the script removed. This diff is
	// the only place deletions are tracked.
	Deletions []string

	Console []ConsoleEntry
}

// ClampTimeout applies the [MinTimeout, MaxTimeout] bounds.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// bootstrap runs before user code. It builds the secrets proxy, deep-freezes
// the artifacts, and removes the escape hatches the runtime would otherwise
// expose. Dynamic code synthesis is disabled here in addition to the static
// denylist.
const bootstrap = `
(function () {
	'use strict';
	var lookup = __secretLookup;
	delete globalThis.__secretLookup;
	globalThis.secrets = new Proxy({}, {
		get: function (t, p) { return typeof p === 'string' ? lookup(p) : undefined; },
		set: function () { return false; },
		deleteProperty: function () { return false; },
		has: function () { return false; },
		ownKeys: function () { return []; },
		getOwnPropertyDescriptor: function () { return undefined; }
	});

	function deepFreeze(v) {
		if (v && typeof v === 'object') {
			Object.getOwnPropertyNames(v).forEach(function (k) { deepFreeze(v[k]); });
			Object.freeze(v);
		}
		return v;
	}
	globalThis.artifacts = deepFreeze(JSON.parse(__artifactsJson));
	delete globalThis.__artifactsJson;

	delete globalThis.eval;
	delete globalThis.Reflect;
	delete globalThis.Proxy;
	globalThis.Function = undefined;
})();
`

// Execute runs user source in an isolated runtime. Two deadlines run in
// parallel: a runtime interrupt that kills CPU-bound loops, and the context
// deadline that kills pending I/O. Either trips into the normalized timeout
// error.
func Execute(ctx context.Context, opts Options) (*Result, error) {
	source := opts.Source
	if isTypedScript(opts.Language) {
		source = StripTypes(source)
	}
	if err := CheckSource(source); err != nil {
		return nil, err
	}

	timeout := ClampTimeout(opts.Timeout)
	wrapped := fmt.Sprintf("(async function () {\n'use strict';\n%s\n})();", source)

	program, err := goja.Compile("user_code", wrapped, true)
	if err != nil {
		return nil, normalizeCompileError(err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	stateCopy := deepCopyMap(opts.State)
	original := deepCopyMap(opts.State)
	if err := vm.Set("state", stateCopy); err != nil {
		return nil, errors.Wrap(err, "binding state")
	}

	console := &consoleCapture{}
	if err := console.install(vm); err != nil {
		return nil, errors.Wrap(err, "binding console")
	}
	if err := installCache(vm, opts.Cache); err != nil {
		return nil, errors.Wrap(err, "binding cache")
	}
	if err := installSecrets(vm, opts.Secrets); err != nil {
		return nil, errors.Wrap(err, "binding secrets")
	}
	if err := installArtifacts(vm, opts.Artifacts); err != nil {
		return nil, errors.Wrap(err, "binding artifacts")
	}
	if err := installFetch(execCtx, vm, opts.HTTPClient, opts.FetchLimit); err != nil {
		return nil, errors.Wrap(err, "binding fetch")
	}
	if err := installTimers(execCtx, vm); err != nil {
		return nil, errors.Wrap(err, "binding timers")
	}
	if _, err := vm.RunString(bootstrap); err != nil {
		return nil, errors.Wrap(err, "sandbox bootstrap")
	}

	// The interrupt fires on the wall clock to stop busy loops that never
	// yield to the context.
	watchdog := time.AfterFunc(timeout, func() {
		vm.Interrupt("timeout")
	})
	defer watchdog.Stop()

	value, runErr := vm.RunProgram(program)
	if runErr != nil {
		return nil, normalizeRunError(runErr, timeout)
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return nil, errors.New("sandbox wrapper did not produce a promise")
	}
	switch promise.State() {
	case goja.PromiseStateRejected:
		return nil, normalizeRejection(vm, promise.Result(), timeout)
	case goja.PromiseStatePending:
		// Pending work past the deadline means async work never settled.
		return nil, timeoutError(timeout)
	}

	returned := exportValue(promise.Result())
	delta, deletions := diffState(original, stateCopy)
	for k, v := range delta {
		delta[k] = normalizeExported(v)
	}

	return &Result{
		Value:      returned,
		StateDelta: delta,
		Deletions:  deletions,
		Console:    console.entries,
	}, nil
}

func installCache(vm *goja.Runtime, cache CacheFacade) error {
	obj := vm.NewObject()
	if cache == nil {
		cache = noopCache{}
	}
	if err := obj.Set("get", func(key string) goja.Value {
		v, ok := cache.Get(key)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	}); err != nil {
		return err
	}
	if err := obj.Set("set", func(key string, value goja.Value) {
		cache.Set(key, exportValue(value))
	}); err != nil {
		return err
	}
	if err := obj.Set("delete", cache.Delete); err != nil {
		return err
	}
	if err := obj.Set("has", cache.Has); err != nil {
		return err
	}
	return vm.Set("cache", obj)
}

type noopCache struct{}

func (noopCache) Get(string) (any, bool) { return nil, false }
func (noopCache) Set(string, any)        {}
func (noopCache) Delete(string)          {}
func (noopCache) Has(string) bool        { return false }

// installSecrets exposes the lookup the bootstrap wraps in an opaque proxy.
func installSecrets(vm *goja.Runtime, secrets map[string]string) error {
	return vm.Set("__secretLookup", func(name string) goja.Value {
		v, ok := secrets[name]
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
}

// installArtifacts passes the artifacts as JSON; the bootstrap parses and
// deep-freezes them so user code gets a read-only copy.
func installArtifacts(vm *goja.Runtime, artifacts []any) error {
	if artifacts == nil {
		artifacts = []any{}
	}
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return err
	}
	return vm.Set("__artifactsJson", string(encoded))
}

// installFetch binds a synchronous SSRF-guarded fetch that returns a settled
// promise, so `await fetch(...)` works without an event loop.
func installFetch(ctx context.Context, vm *goja.Runtime, client *http.Client, limiter *rate.Limiter) error {
	return vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		url := call.Argument(0).String()

		resp, err := sandboxFetch(ctx, client, limiter, url, call.Argument(1))
		if err != nil {
			reject(vm.ToValue(err.Error()))
		} else {
			resolve(vm.ToValue(resp))
		}
		return vm.ToValue(promise)
	})
}

func sandboxFetch(ctx context.Context, client *http.Client, limiter *rate.Limiter, url string, optsVal goja.Value) (map[string]any, error) {
	if client == nil {
		return nil, errors.New("fetch is not available in this sandbox")
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	method := http.MethodGet
	var body io.Reader
	headers := map[string]string{}
	if optsVal != nil && !goja.IsUndefined(optsVal) && !goja.IsNull(optsVal) {
		if opts, ok := exportValue(optsVal).(map[string]any); ok {
			if m, ok := opts["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}
			if h, ok := opts["headers"].(map[string]any); ok {
				for k, v := range h {
					headers[k] = fmt.Sprint(v)
				}
			}
			if b, ok := opts["body"]; ok && b != nil {
				switch bv := b.(type) {
				case string:
					body = strings.NewReader(bv)
				default:
					encoded, err := json.Marshal(bv)
					if err != nil {
						return nil, err
					}
					body = strings.NewReader(string(encoded))
				}
			}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			decoded = parsed
		}
	}

	return map[string]any{
		"status":     resp.StatusCode,
		"statusText": resp.Status,
		"headers":    respHeaders,
		"body":       decoded,
		"ok":         resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}

// installTimers binds setTimeout/clearTimeout. Delays are clamped and served
// inline: the callback runs after a blocking sleep, which preserves ordering
// without an event loop. Other timer APIs stay unavailable.
func installTimers(ctx context.Context, vm *goja.Runtime) error {
	if err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return vm.ToValue(0)
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		if delay > maxTimeoutDelay {
			delay = maxTimeoutDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			panic(vm.ToValue("timeout"))
		}
		if _, err := fn(goja.Undefined()); err != nil {
			panic(err)
		}
		return vm.ToValue(1)
	}); err != nil {
		return err
	}
	return vm.Set("clearTimeout", func(goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
}

// diffState computes the top-level delta between the original copy and the
// post-run state: additions, changes, and deletions.
func diffState(original, final map[string]any) (map[string]any, []string) {
	delta := make(map[string]any)
	var deletions []string
	for k, v := range final {
		prev, existed := original[k]
		if !existed || !jsonEqual(prev, v) {
			delta[k] = v
		}
	}
	for k := range original {
		if _, present := final[k]; !present {
			deletions = append(deletions, k)
		}
	}
	return delta, deletions
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// exportValue lowers a goja value into the JSON-like Go value space.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	return normalizeExported(exported)
}

// normalizeExported rewrites goja export artifacts (int64, []any of them)
// into the float64-based space the rest of the engine uses.
func normalizeExported(v any) any {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeExported(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeExported(item)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
