package twitchapi

import (
	"strings"
	"testing"
	"time"
)

func TestOAuthConfig(t *testing.T) {
	cfg, err := OAuthConfig("id", "secret", "http://localhost/cb", "chat:read, chat:edit")
	if err != nil {
		t.Fatalf("OAuthConfig() error = %v", err)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[0] != "chat:read" || cfg.Scopes[1] != "chat:edit" {
		t.Errorf("scopes = %v", cfg.Scopes)
	}
	u := cfg.AuthCodeURL("state123")
	if !strings.HasPrefix(u, Endpoint.AuthURL) {
		t.Errorf("authorize URL = %s", u)
	}
	if !strings.Contains(u, "state=state123") {
		t.Errorf("authorize URL missing state: %s", u)
	}
}

func TestOAuthConfigMissingParams(t *testing.T) {
	if _, err := OAuthConfig("", "", "", ""); err == nil {
		t.Error("OAuthConfig() with empty params should fail")
	}
}

func TestComputeExpiry(t *testing.T) {
	exp := ComputeExpiry(3600)
	if d := time.Until(exp); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("ComputeExpiry(3600) = %v from now", d)
	}
	exp = ComputeExpiry(0)
	if d := time.Until(exp); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("ComputeExpiry(0) should default to +60m, got %v", d)
	}
}
