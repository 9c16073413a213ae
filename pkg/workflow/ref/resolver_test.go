package ref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEnv() Env {
	cache := map[string]any{
		"seen":   true,
		"record": map[string]any{"id": "r1"},
	}
	loops := map[string]map[string]any{
		"loop1": {"index": 2, "artifact": map[string]any{"name": "row2"}},
	}
	return Env{
		State: map[string]any{
			"count": float64(3),
			"user":  map[string]any{"name": "ada", "balance": float64(50)},
			"items": []any{"a", "b", "c"},
		},
		CacheGet: func(key string) (any, bool) {
			v, ok := cache[key]
			return v, ok
		},
		Artifacts: []any{map[string]any{"name": "report.csv"}},
		Secrets:   map[string]any{"api_token": "tok-123"},
		Paths:     map[string]any{"workspace": "/data/ws"},
		Event:     map[string]any{"source": "webhook"},
		Run:       map[string]any{"id": "run-1", "stepIndex": 4},
		Error:     map[string]any{"message": "boom"},
		Keys: func(name string) (any, bool) {
			if name == "openai.key" {
				return "sk-1", true
			}
			return nil, false
		},
		Loop: func(id string) (map[string]any, bool) {
			v, ok := loops[id]
			return v, ok
		},
		Current: func() (map[string]any, bool) {
			return loops["loop1"], true
		},
		Now: func() string { return "2026-08-26T00:00:00Z" },
	}
}

func TestResolve(t *testing.T) {
	env := testEnv()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{name: "state scalar", expr: "$state.count", want: float64(3)},
		{name: "state nested", expr: "$state.user.name", want: "ada"},
		{name: "state array index", expr: "$state.items[1]", want: "b"},
		{name: "state missing", expr: "$state.nope", want: nil},
		{name: "cache key", expr: "$cache.seen", want: true},
		{name: "cache walk into value", expr: "$cache.record.id", want: "r1"},
		{name: "cache miss", expr: "$cache.other", want: nil},
		{name: "cache bare scope", expr: "$cache", want: nil},
		{name: "artifacts index", expr: "$artifacts[0].name", want: "report.csv"},
		{name: "secrets", expr: "$secrets.api_token", want: "tok-123"},
		{name: "paths", expr: "$paths.workspace", want: "/data/ws"},
		{name: "event", expr: "$event.source", want: "webhook"},
		{name: "run", expr: "$run.stepIndex", want: 4},
		{name: "error", expr: "$error.message", want: "boom"},
		{name: "now", expr: "$now", want: "2026-08-26T00:00:00Z"},
		{name: "now with trailing path", expr: "$now.year", want: nil},
		{name: "keys dotted name", expr: "$keys.openai.key", want: "sk-1"},
		{name: "keys miss", expr: "$keys.missing", want: nil},
		{name: "loop by id", expr: "$loop.loop1.index", want: 2},
		{name: "loop artifact", expr: "$loop.loop1.artifact.name", want: "row2"},
		{name: "loop unknown id", expr: "$loop.other.index", want: nil},
		{name: "row", expr: "$row.name", want: "row2"},
		{name: "item aliases row", expr: "$item.name", want: "row2"},
		{name: "index", expr: "$index", want: 2},
		{name: "unknown scope", expr: "$bogus.x", want: nil},
		{name: "not an expression", expr: "state.count", want: nil},
		{name: "bare dollar", expr: "$", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.expr, env))
		})
	}
}

func TestResolveEmptyEnv(t *testing.T) {
	env := Env{}
	assert.Nil(t, Resolve("$state.x", env))
	assert.Nil(t, Resolve("$cache.x", env))
	assert.Nil(t, Resolve("$keys.x", env))
	assert.Nil(t, Resolve("$row.x", env))
	assert.Nil(t, Resolve("$index", env))
	assert.NotEmpty(t, Resolve("$now", env), "default $now uses wall clock")
}

func TestInterpolate(t *testing.T) {
	env := testEnv()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "single expression", template: "hello {{$state.user.name}}", want: "hello ada"},
		{name: "multiple expressions", template: "{{$state.user.name}}: {{$state.count}}", want: "ada: 3"},
		{name: "whitespace inside braces", template: "{{ $state.count }}", want: "3"},
		{name: "undefined renders empty", template: "x{{$state.nope}}y", want: "xy"},
		{name: "composite renders json", template: "{{$state.items}}", want: `["a","b","c"]`},
		{name: "no expressions", template: "plain text", want: "plain text"},
		{name: "boolean", template: "{{$cache.seen}}", want: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.template, env))
		})
	}
}

func TestResolveValue(t *testing.T) {
	env := testEnv()

	t.Run("dollar string resolves", func(t *testing.T) {
		assert.Equal(t, float64(3), ResolveValue("$state.count", env))
	})
	t.Run("template string interpolates", func(t *testing.T) {
		assert.Equal(t, "count=3", ResolveValue("count={{$state.count}}", env))
	})
	t.Run("plain string passes through", func(t *testing.T) {
		assert.Equal(t, "hello", ResolveValue("hello", env))
	})
	t.Run("map resolves element-wise", func(t *testing.T) {
		got := ResolveValue(map[string]any{"n": "$state.user.name", "lit": float64(7)}, env)
		assert.Equal(t, map[string]any{"n": "ada", "lit": float64(7)}, got)
	})
	t.Run("slice resolves element-wise", func(t *testing.T) {
		got := ResolveValue([]any{"$state.count", "x"}, env)
		assert.Equal(t, []any{float64(3), "x"}, got)
	})
	t.Run("non-string scalar passes through", func(t *testing.T) {
		assert.Equal(t, true, ResolveValue(true, env))
	})
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "s", Stringify("s"))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": float64(1)}))
}
