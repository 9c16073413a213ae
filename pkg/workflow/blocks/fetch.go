package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/httpclient"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// Fetch defaults.
const (
	defaultFetchTimeout    = 30 * time.Second
	defaultFetchRetries    = 1
	defaultFetchRetryDelay = time.Second
	defaultFetchMultiplier = 2.0
)

// FetchHandler performs SSRF-guarded HTTP requests with block-level retry
// policy. The handler owns the retry loop instead of the transport so
// accepted-status patterns participate in the retry decision.
type FetchHandler struct {
	client *http.Client
	guard  bool
}

// NewFetchHandler creates the handler over a shared client. The client
// should be built without transport-level retries; the handler layers its
// own policy.
func NewFetchHandler(client *http.Client) *FetchHandler {
	return &FetchHandler{client: client, guard: true}
}

// WithGuardDisabled turns off the private-address check, for deployments
// that intentionally fetch from services on the local network.
func (h *FetchHandler) WithGuardDisabled() *FetchHandler {
	h.guard = false
	return h
}

// Handle executes a fetch block.
func (h *FetchHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	url, err := requiredString(block, wctx, "fetch_url")
	if err != nil {
		return nil, err
	}

	// The guard runs before any network traffic; a rejection is final and
	// never retried.
	if h.guard {
		if err := httpclient.CheckURL(url); err != nil {
			return nil, err
		}
	}

	method := strings.ToUpper(stringField(block, wctx, "fetch_method", http.MethodGet))
	timeout := time.Duration(numberField(block, wctx, "fetch_timeout_ms", float64(defaultFetchTimeout.Milliseconds()))) * time.Millisecond
	maxRetries := int(numberField(block, wctx, "fetch_max_retries", defaultFetchRetries))
	retryDelay := time.Duration(numberField(block, wctx, "fetch_retry_delay_ms", float64(defaultFetchRetryDelay.Milliseconds()))) * time.Millisecond
	multiplier := numberField(block, wctx, "fetch_backoff_multiplier", defaultFetchMultiplier)
	if multiplier < 1 {
		multiplier = 1
	}

	accepted := acceptedPatterns(block, wctx)
	headers := headerMap(field(block, wctx, "fetch_headers"))
	bodyOf, err := bodyFactory(field(block, wctx, "fetch_body"))
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := retryDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = time.Duration(float64(delay) * multiplier)
		}

		response, err := h.dispatch(ctx, method, url, headers, bodyOf, timeout)
		if err == nil {
			if matchesAnyStatus(response.status, accepted) {
				return bindDelta(block, wctx, "fetch_bind_value", response.asMap()), nil
			}
			lastErr = &errors.ProviderError{
				Provider:   "fetch",
				StatusCode: response.status,
				Message:    fmt.Sprintf("status %d not in accepted set %v", response.status, accepted),
			}
			continue
		}

		var policyErr *errors.PolicyError
		if errors.As(err, &policyErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

type fetchResponse struct {
	status     int
	statusText string
	headers    map[string]any
	body       any
}

func (r *fetchResponse) asMap() map[string]any {
	return map[string]any{
		"status":     r.status,
		"statusText": r.statusText,
		"headers":    r.headers,
		"body":       r.body,
	}
}

func (h *FetchHandler) dispatch(ctx context.Context, method, url string, headers map[string]string, bodyOf func() io.Reader, timeout time.Duration) (*fetchResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyOf())
	if err != nil {
		return nil, &errors.ValidationError{Field: "fetch_url", Message: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
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

	var body any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			body = decoded
		}
	}

	return &fetchResponse{
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		headers:    respHeaders,
		body:       body,
	}, nil
}

func acceptedPatterns(block *workflow.Block, wctx *workflow.Context) []string {
	v := field(block, wctx, "fetch_accepted_status_codes")
	seq, ok := v.([]any)
	if !ok || len(seq) == 0 {
		return []string{"2xx"}
	}
	patterns := make([]string, 0, len(seq))
	for _, item := range seq {
		patterns = append(patterns, fmt.Sprint(item))
	}
	return patterns
}

// matchStatus compares a status code against a pattern digit by digit,
// with x matching any digit ("2xx", "20x", "404").
func matchStatus(status int, pattern string) bool {
	code := fmt.Sprintf("%d", status)
	if len(code) != len(pattern) {
		return false
	}
	pattern = strings.ToLower(pattern)
	for i := range code {
		if pattern[i] == 'x' {
			continue
		}
		if pattern[i] != code[i] {
			return false
		}
	}
	return true
}

func matchesAnyStatus(status int, patterns []string) bool {
	for _, p := range patterns {
		if matchStatus(status, p) {
			return true
		}
	}
	return false
}

func headerMap(v any) map[string]string {
	out := make(map[string]string)
	if m, ok := v.(map[string]any); ok {
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// bodyFactory returns a fresh reader per attempt so retries resend the full
// body. Non-string bodies are serialized to JSON once.
func bodyFactory(v any) (func() io.Reader, error) {
	if v == nil {
		return func() io.Reader { return nil }, nil
	}
	var payload string
	switch body := v.(type) {
	case string:
		payload = body
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &errors.ValidationError{Field: "fetch_body", Message: err.Error()}
		}
		payload = string(encoded)
	}
	return func() io.Reader { return strings.NewReader(payload) }, nil
}
