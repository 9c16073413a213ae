package sandbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// Console capture caps.
const (
	maxConsoleEntries  = 100
	maxConsoleBytes    = 10240
	maxSerializedValue = 1024
)

// ConsoleEntry is one captured console call.
type ConsoleEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// consoleCapture records console output within the entry and byte caps.
// Past either cap, further entries are dropped silently.
type consoleCapture struct {
	entries []ConsoleEntry
	bytes   int
}

func (c *consoleCapture) record(level string, args []goja.Value) {
	if len(c.entries) >= maxConsoleEntries || c.bytes >= maxConsoleBytes {
		return
	}
	message := ""
	for i, arg := range args {
		if i > 0 {
			message += " "
		}
		message += serializeValue(arg)
	}
	if c.bytes+len(message) > maxConsoleBytes {
		return
	}
	c.bytes += len(message)
	c.entries = append(c.entries, ConsoleEntry{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// serializeValue renders a console argument safely: functions and symbols
// never reach the JSON encoder, and composite values are truncated.
func serializeValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	exported := v.Export()
	switch val := exported.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case func(goja.FunctionCall) goja.Value:
		return "[Function]"
	}

	if _, ok := goja.AssertFunction(v); ok {
		return "[Function]"
	}

	encoded, err := json.Marshal(exported)
	if err != nil {
		// Symbols, bigints, cycles: fall back to the string form.
		return truncate(fmt.Sprintf("%v", exported))
	}
	return truncate(string(encoded))
}

func truncate(s string) string {
	if len(s) <= maxSerializedValue {
		return s
	}
	return s[:maxSerializedValue] + "...[truncated]"
}

// install binds the console facade into the runtime.
func (c *consoleCapture) install(vm *goja.Runtime) error {
	console := vm.NewObject()
	for _, level := range []string{"log", "warn", "error"} {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			c.record(level, call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
