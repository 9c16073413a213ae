package sandbox

import (
	"regexp"
	"strings"
)

// Type stripping is intentionally best-effort: annotations carry no runtime
// semantics, so imperfect stripping surfaces as an ordinary syntax error in
// the script pass rather than a security gap. The static denylist runs on
// the stripped output.
var (
	typeAliasLine    = regexp.MustCompile(`(?m)^\s*(?:export\s+)?type\s+\w+[^=]*=.*?;\s*$`)
	interfaceHeader  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?interface\s+\w+[^{]*\{`)
	returnAnnotation = regexp.MustCompile(`\)\s*:\s*[\w$.\[\]<>,|&\s]+?\s*(=>|\{)`)
	paramAnnotation  = regexp.MustCompile(`([(,]\s*\w+\??)\s*:\s*[\w$.\[\]<>|&]+(\[\])?`)
	varAnnotation    = regexp.MustCompile(`\b(let|const|var)\s+(\w+)\s*:\s*[\w$.\[\]<>|&]+(\[\])?`)
	asCast           = regexp.MustCompile(`\s+as\s+[\w$.\[\]<>|&]+`)
	nonNullAssertion = regexp.MustCompile(`(\w|\)|\])!([.)\];,\s])`)
	accessModifier   = regexp.MustCompile(`\b(public|private|protected|readonly)\s+`)
)

// StripTypes lowers typed-script source into plain script form.
func StripTypes(source string) string {
	out := typeAliasLine.ReplaceAllString(source, "")
	out = stripInterfaces(out)
	out = returnAnnotation.ReplaceAllString(out, ") $1")
	out = paramAnnotation.ReplaceAllString(out, "$1")
	out = varAnnotation.ReplaceAllString(out, "$1 $2")
	out = asCast.ReplaceAllString(out, "")
	out = nonNullAssertion.ReplaceAllString(out, "$1$2")
	out = accessModifier.ReplaceAllString(out, "")
	return out
}

// stripInterfaces removes interface declarations including their brace-
// balanced bodies.
func stripInterfaces(source string) string {
	for {
		loc := interfaceHeader.FindStringIndex(source)
		if loc == nil {
			return source
		}
		depth := 1
		end := loc[1]
		for end < len(source) && depth > 0 {
			switch source[end] {
			case '{':
				depth++
			case '}':
				depth--
			}
			end++
		}
		source = source[:loc[0]] + source[end:]
	}
}

// isTypedScript reports whether the language tag selects the typed path.
func isTypedScript(language string) bool {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "typed-script", "typescript", "ts":
		return true
	default:
		return false
	}
}
