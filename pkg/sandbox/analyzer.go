// Package sandbox executes untrusted user scripts with layered isolation:
// a static denylist pass, a restricted JavaScript runtime with dynamic code
// synthesis disabled, scoped globals, and dual timeouts for CPU-bound and
// async work.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blockflow/blockflow/pkg/errors"
)

// denyRule is one static-analysis pattern. The analyzer reports every rule
// that matches, not just the first, so operators see the full inventory.
type denyRule struct {
	Name    string
	Pattern *regexp.Regexp
}

var denyRules = []denyRule{
	{Name: "dynamic-require", Pattern: regexp.MustCompile(`\brequire\s*\(`)},
	{Name: "dynamic-import", Pattern: regexp.MustCompile(`\bimport\s*\(`)},
	{Name: "module-import", Pattern: regexp.MustCompile(`(?m)^\s*import\s+`)},
	{Name: "process-access", Pattern: regexp.MustCompile(`\bprocess\s*[.\[]`)},
	{Name: "global-object", Pattern: regexp.MustCompile(`\b(?:globalThis|window)\b`)},
	{Name: "host-runtime", Pattern: regexp.MustCompile(`\b(?:Deno|Bun)\s*[.\[]`)},
	{Name: "filesystem", Pattern: regexp.MustCompile(`\b(?:readFileSync|writeFileSync|createReadStream|createWriteStream|openSync)\b`)},
	{Name: "subprocess", Pattern: regexp.MustCompile(`\b(?:child_process|execSync|spawnSync|execFile)\b`)},
	{Name: "proto-escape", Pattern: regexp.MustCompile(`__proto__|\bconstructor\s*\[`)},
	{Name: "dynamic-code", Pattern: regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\b|\bFunction\s*\(`)},
	{Name: "byte-buffer", Pattern: regexp.MustCompile(`\b(?:ArrayBuffer|SharedArrayBuffer|Uint8Array|Buffer)\b`)},
	{Name: "base64-codec", Pattern: regexp.MustCompile(`\b(?:atob|btoa)\s*\(`)},
	{Name: "charcode-stringify", Pattern: regexp.MustCompile(`String\s*\.\s*fromCharCode`)},
}

// Violation is one denylist hit.
type Violation struct {
	Rule  string
	Match string
}

// Analyze runs the full denylist over the source and returns every hit.
// The scan never short-circuits.
func Analyze(source string) []Violation {
	var violations []Violation
	for _, rule := range denyRules {
		for _, match := range rule.Pattern.FindAllString(source, -1) {
			violations = append(violations, Violation{Rule: rule.Name, Match: strings.TrimSpace(match)})
		}
	}
	return violations
}

// CheckSource rejects source that trips the denylist. The error lists all
// violations.
func CheckSource(source string) error {
	violations := Analyze(source)
	if len(violations) == 0 {
		return nil
	}
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = fmt.Sprintf("%s (%q)", v.Rule, v.Match)
	}
	return &errors.PolicyError{
		Rule:   "code-denylist",
		Detail: "source rejected by static analysis: " + strings.Join(parts, ", "),
	}
}
