package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ExecError is the normalized failure surface of a sandbox run. The stack,
// when present, contains only user-code frames with line numbers rebased to
// the original source.
type ExecError struct {
	Message string
	Stack   string
}

func (e *ExecError) Error() string { return e.Message }

func timeoutError(timeout time.Duration) error {
	return &ExecError{Message: fmt.Sprintf("Code execution timed out after %dms", timeout.Milliseconds())}
}

// scriptPosition matches user_code:<line>:<column> in goja messages and
// stack frames.
var scriptPosition = regexp.MustCompile(`user_code:(\d+)(?::(\d+))?`)

// compileLine matches the "Line N" form goja uses for syntax errors.
var compileLine = regexp.MustCompile(`Line (\d+)`)

func normalizeCompileError(err error) error {
	msg := err.Error()
	if m := compileLine.FindStringSubmatch(msg); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &ExecError{Message: fmt.Sprintf("Syntax error at line %d", rebaseLine(line))}
		}
	}
	if m := scriptPosition.FindStringSubmatch(msg); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &ExecError{Message: fmt.Sprintf("Syntax error at line %d", rebaseLine(line))}
		}
	}
	return &ExecError{Message: "Syntax error: " + firstLine(msg)}
}

func normalizeRunError(err error, timeout time.Duration) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		return timeoutError(timeout)
	}
	if ex, ok := err.(*goja.Exception); ok {
		return normalizeException(ex, timeout)
	}
	return &ExecError{Message: "Runtime error: " + firstLine(err.Error())}
}

func normalizeException(ex *goja.Exception, timeout time.Duration) error {
	full := ex.String()
	if strings.Contains(full, "timeout") && strings.Contains(full, "Interrupt") {
		return timeoutError(timeout)
	}

	message := firstLine(full)
	if strings.TrimSpace(message) == "timeout" {
		return timeoutError(timeout)
	}
	stack := sanitizeStack(full)

	if m := scriptPosition.FindStringSubmatch(full); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &ExecError{
				Message: fmt.Sprintf("Runtime error at line %d: %s", rebaseLine(line), message),
				Stack:   stack,
			}
		}
	}
	return &ExecError{Message: "Runtime error: " + message, Stack: stack}
}

func normalizeRejection(vm *goja.Runtime, result goja.Value, timeout time.Duration) error {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return &ExecError{Message: "Runtime error: promise rejected"}
	}

	raw := result.String()
	if raw == "timeout" || strings.Contains(raw, "context deadline exceeded") {
		return timeoutError(timeout)
	}

	// Error objects carry message and stack properties.
	if obj, ok := result.(*goja.Object); ok {
		message := raw
		if msgVal := obj.Get("message"); msgVal != nil && !goja.IsUndefined(msgVal) {
			message = msgVal.String()
		}
		stack := ""
		if stackVal := obj.Get("stack"); stackVal != nil && !goja.IsUndefined(stackVal) {
			stack = sanitizeStack(stackVal.String())
		}
		if m := scriptPosition.FindStringSubmatch(stack); m != nil {
			if line, convErr := strconv.Atoi(m[1]); convErr == nil {
				return &ExecError{
					Message: fmt.Sprintf("Runtime error at line %d: %s", rebaseLine(line), message),
					Stack:   stack,
				}
			}
		}
		return &ExecError{Message: "Runtime error: " + message, Stack: stack}
	}
	return &ExecError{Message: "Runtime error: " + raw}
}

// sanitizeStack keeps only user-code frames and rebases their line numbers.
// Host and runtime-internal frames never reach the step error.
func sanitizeStack(full string) string {
	var frames []string
	for _, line := range strings.Split(full, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "at ") {
			continue
		}
		if !strings.Contains(trimmed, "user_code:") {
			continue
		}
		frames = append(frames, scriptPosition.ReplaceAllStringFunc(trimmed, func(match string) string {
			m := scriptPosition.FindStringSubmatch(match)
			line, err := strconv.Atoi(m[1])
			if err != nil {
				return match
			}
			rebased := fmt.Sprintf("line %d", rebaseLine(line))
			if m[2] != "" {
				rebased += ":" + m[2]
			}
			return rebased
		}))
	}
	return strings.Join(frames, "\n")
}

// rebaseLine subtracts the wrapper prologue from a reported line number.
func rebaseLine(line int) int {
	rebased := line - wrapperLineOffset
	if rebased < 1 {
		return 1
	}
	return rebased
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
