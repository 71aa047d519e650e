package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// rewriteTransport redirects requests to a test server.
type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		req.URL.Host = host
	}
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(serverURL string) *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: serverURL}}
}

func tokenHandler(callCount *int32, token string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(callCount, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

func TestTokenSource_GetCached(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(tokenHandler(&callCount, "test-token-123", 3600))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", HTTPClient: testClient(server.URL)}
	ctx := context.Background()

	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-123" {
		t.Errorf("Get() = %s, want test-token-123", token1)
	}
	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if n := atomic.LoadInt32(&callCount); n != 1 {
		t.Errorf("expected 1 API call, got %d", n)
	}
}

func TestTokenSource_SafetyMargin(t *testing.T) {
	// A token expiring within the 60s margin must never be returned from cache.
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&callCount, 1)
		token := "short-lived"
		expires := 30 // inside margin; forces a refresh on next Get
		if n > 1 {
			token = "long-lived"
			expires = 3600
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": token, "expires_in": expires, "token_type": "bearer"})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(server.URL)}
	ctx := context.Background()

	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	tok, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if tok != "long-lived" {
		t.Errorf("Get() = %s, want long-lived (cached token inside safety margin must be refreshed)", tok)
	}
	if remaining := time.Until(ts.expiresAt); remaining < expiryMargin {
		t.Errorf("returned token expires in %v, below safety margin", remaining)
	}
}

func TestTokenSource_SingleFlight(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		time.Sleep(100 * time.Millisecond) // slow exchange so callers overlap
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 3600, "token_type": "bearer"})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(server.URL)}
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	toks := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = ts.Get(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Get() error = %v", errs[i])
		}
		if toks[i] != "test-token" {
			t.Errorf("Get() = %s, want test-token", toks[i])
		}
	}
	if got := atomic.LoadInt32(&callCount); got != 1 {
		t.Errorf("expected exactly 1 acquisition call under %d concurrent Gets, got %d", n, got)
	}
}

func TestTokenSource_CredentialErrorNotRetried(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "bad", ClientSecret: "bad", HTTPClient: testClient(server.URL), MaxRetries: 3}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with 401 should return error")
	}
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T, want *AuthError", err)
	}
	if !ae.Permanent {
		t.Error("401 should be a permanent AuthError")
	}
	if got := atomic.LoadInt32(&callCount); got != 1 {
		t.Errorf("credential error should not be retried; got %d calls", got)
	}
	if ok, _ := ts.Healthy(); ok {
		t.Error("Healthy() should report false after failed acquisition")
	}
}

func TestTokenSource_TransientErrorRetried(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&callCount, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "recovered", "expires_in": 3600, "token_type": "bearer"})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(server.URL), MaxRetries: 3}
	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v (transient 502s should be retried)", err)
	}
	if tok != "recovered" {
		t.Errorf("Get() = %s, want recovered", tok)
	}
	if got := atomic.LoadInt32(&callCount); got != 3 {
		t.Errorf("expected 3 acquisition calls (2 failures + success), got %d", got)
	}
	if ok, _ := ts.Healthy(); !ok {
		t.Error("Healthy() should report true after successful acquisition")
	}
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with missing credentials should return error")
	}
	if !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Get() error = %v, want error about missing credentials", err)
	}
}

func TestTokenSource_EmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "", "expires_in": 3600, "token_type": "bearer"})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(server.URL)}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with empty access_token should return error")
	}
	if !strings.Contains(err.Error(), "empty access_token") {
		t.Errorf("Get() error = %v, want error about empty access_token", err)
	}
}

func TestTokenSource_FailureNotCached(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&callCount, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "second-try", "expires_in": 3600, "token_type": "bearer"})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(server.URL), MaxRetries: 1}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("first Get() should fail")
	}
	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get() error = %v (failure must not be cached)", err)
	}
	if tok != "second-try" {
		t.Errorf("Get() = %s, want second-try", tok)
	}
}
