package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeRejectsEachPattern(t *testing.T) {
	// One minimal source per denylist rule; each must trip its rule.
	samples := map[string]string{
		"dynamic-require":    `const fs = require("fs");`,
		"dynamic-import":     `const m = import("module");`,
		"module-import":      "import fs from 'fs';",
		"process-access":     `process.env.SECRET`,
		"global-object":      `globalThis.escape = 1;`,
		"host-runtime":       `Deno.readTextFile("/etc/passwd")`,
		"filesystem":         `readFileSync("/etc/passwd")`,
		"subprocess":         `execSync("ls")`,
		"proto-escape":       `obj.__proto__.polluted = true;`,
		"dynamic-code":       `eval("1+1")`,
		"byte-buffer":        `new Uint8Array(8)`,
		"base64-codec":       `atob("c2VjcmV0")`,
		"charcode-stringify": `String.fromCharCode(101, 118)`,
	}

	for rule, source := range samples {
		t.Run(rule, func(t *testing.T) {
			violations := Analyze(source)
			require.NotEmpty(t, violations, "source %q must be rejected", source)
			found := false
			for _, v := range violations {
				if v.Rule == rule {
					found = true
				}
			}
			assert.True(t, found, "expected rule %s among %v", rule, violations)
		})
	}
}

func TestAnalyzeReportsAllMatches(t *testing.T) {
	source := `
		eval("x");
		obj.__proto__.y = 1;
		process.env.TOKEN;
	`
	violations := Analyze(source)
	require.GreaterOrEqual(t, len(violations), 3, "no short-circuit: all hits reported")

	err := CheckSource(source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamic-code")
	assert.Contains(t, err.Error(), "proto-escape")
	assert.Contains(t, err.Error(), "process-access")
}

func TestAnalyzeAllowsCleanSource(t *testing.T) {
	clean := `
		const total = state.items.reduce((acc, it) => acc + it.price, 0);
		state.total = total;
		console.log("total", total);
		return total;
	`
	assert.Empty(t, Analyze(clean))
	assert.NoError(t, CheckSource(clean))
}

func TestStripTypes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "variable annotation", in: `const n: number = 1;`, want: `const n = 1;`},
		{name: "param and return annotations", in: `function add(a: number, b: number): number { return a + b; }`, want: `function add(a, b) { return a + b; }`},
		{name: "as cast", in: `const s = x as string;`, want: `const s = x;`},
		{name: "non-null assertion", in: `const v = maybe!.value;`, want: `const v = maybe.value;`},
		{name: "inequality untouched", in: `if (a !== b) { c = a != b; }`, want: `if (a !== b) { c = a != b; }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripTypes(tt.in))
		})
	}

	t.Run("interface blocks removed", func(t *testing.T) {
		src := "interface User {\n  name: string;\n  nested: { deep: number };\n}\nconst u = {};"
		out := StripTypes(src)
		assert.NotContains(t, out, "interface")
		assert.Contains(t, out, "const u = {};")
	})

	t.Run("type alias removed", func(t *testing.T) {
		out := StripTypes("type Pair = [string, number];\nconst p = 1;")
		assert.NotContains(t, out, "type Pair")
		assert.Contains(t, out, "const p = 1;")
	})
}
