package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/pkg/errors"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: "timeout"},
		{name: "negative retries", mutate: func(c *Config) { c.RetryAttempts = -1 }, wantErr: "retry_attempts"},
		{name: "zero backoff with retries", mutate: func(c *Config) { c.RetryBackoff = 0 }, wantErr: "retry_backoff"},
		{name: "max below base", mutate: func(c *Config) { c.MaxBackoff = time.Millisecond }, wantErr: "max_backoff"},
		{name: "empty user agent", mutate: func(c *Config) { c.UserAgent = "" }, wantErr: "user_agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetryTransport(t *testing.T) {
	t.Run("retries transient status then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 2
		cfg.RetryBackoff = time.Millisecond
		cfg.GuardPrivateAddresses = false
		client, err := New(cfg)
		require.NoError(t, err)

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("non-idempotent methods are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3
		cfg.RetryBackoff = time.Millisecond
		cfg.GuardPrivateAddresses = false
		client, err := New(cfg)
		require.NoError(t, err)

		resp, err := client.Post(srv.URL, "text/plain", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3
		cfg.RetryBackoff = time.Millisecond
		cfg.GuardPrivateAddresses = false
		client, err := New(cfg)
		require.NoError(t, err)

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestBackoffGrowth(t *testing.T) {
	rt := newRetryTransport(nil, Config{
		RetryAttempts:     3,
		RetryBackoff:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Second,
	})

	first := rt.backoff(1)
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 121*time.Millisecond, "jitter is at most 20%")

	second := rt.backoff(2)
	assert.GreaterOrEqual(t, second, 200*time.Millisecond)

	// The cap wins over growth.
	capped := rt.backoff(10)
	assert.LessOrEqual(t, capped, 1200*time.Millisecond)
}

func TestCheckURL(t *testing.T) {
	blocked := []string{
		"http://localhost/admin",
		"http://LOCALHOST:8080/",
		"http://foo.localhost/x",
		"http://printer.local/",
		"http://127.0.0.1/",
		"http://127.250.1.2/",
		"http://10.0.0.5/admin",
		"http://172.16.0.1/",
		"http://172.31.255.255/",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/",
		"http://[::1]/",
		"http://[fc00::1]/",
		"http://[fd12::1]/",
		"http://[fe80::1]/",
	}
	for _, raw := range blocked {
		t.Run("blocks "+raw, func(t *testing.T) {
			err := CheckURL(raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "SSRF")
		})
	}

	allowed := []string{
		"https://api.example.com/v1/items",
		"http://93.184.216.34/",
		"http://172.32.0.1/",
		"http://[2001:db8::1]/",
		"https://internal-api.example.com/",
	}
	for _, raw := range allowed {
		t.Run("allows "+raw, func(t *testing.T) {
			assert.NoError(t, CheckURL(raw))
		})
	}

	t.Run("every blocked prefix rejects an address inside it", func(t *testing.T) {
		for _, prefix := range BlockedPrefixes() {
			err := checkHost(prefix.Addr().String())
			require.Error(t, err, "prefix %s", prefix)
			assert.Contains(t, err.Error(), "SSRF")
		}
	})
}

func TestGuardTransportRejectsWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	// httptest binds to 127.0.0.1, which the guard refuses.
	_, err = client.Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF")

	var policyErr *errors.PolicyError
	assert.True(t, errors.As(err, &policyErr))
	assert.Equal(t, int32(0), calls.Load(), "no network attempt, no retries")
}

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "api key redacted", in: "https://h/p?api_key=s3cret&page=2", want: "api_key=%5BREDACTED%5D"},
		{name: "token redacted case-insensitively", in: "https://h/p?TOKEN=abc", want: "TOKEN=%5BREDACTED%5D"},
		{name: "substring match", in: "https://h/p?access_token=abc", want: "%5BREDACTED%5D"},
		{name: "plain params untouched", in: "https://h/p?page=2&limit=10", want: "page=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			assert.Contains(t, SanitizeURL(u), tt.want)
		})
	}
	assert.Equal(t, "", SanitizeURL(nil))
}
