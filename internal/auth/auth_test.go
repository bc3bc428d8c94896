package auth

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := Open(filepath.Join(t.TempDir(), "auth.json"), "", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return g
}

func TestOpenGeneratesAndPersistsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	g, err := Open(path, "", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if g.Token() == "" {
		t.Fatal("expected a generated token")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected auth.json to be persisted: %v", err)
	}

	g2, err := Open(path, "", nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if g2.Token() != g.Token() {
		t.Error("expected token to survive reopen")
	}
}

func TestOpenPrefersEnvToken(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	g := newTestGate(t)
	if g.Token() != "from-env" {
		t.Errorf("expected env token to win, got %q", g.Token())
	}
}

func TestAuthenticateLoopbackBypass(t *testing.T) {
	g := newTestGate(t)
	r := &http.Request{RemoteAddr: "127.0.0.1:5000", Header: http.Header{}, URL: mustURL(t, "/")}
	if !g.Authenticate(r) {
		t.Error("expected loopback to bypass token check")
	}
}

func TestAuthenticateRequiresValidBearerForRemote(t *testing.T) {
	g := newTestGate(t)

	r := &http.Request{RemoteAddr: "10.0.0.5:5000", Header: http.Header{}, URL: mustURL(t, "/")}
	if g.Authenticate(r) {
		t.Error("expected remote request without token to be rejected")
	}

	r.Header.Set("Authorization", "Bearer "+g.Token())
	if !g.Authenticate(r) {
		t.Error("expected remote request with correct bearer token to pass")
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if g.Authenticate(r) {
		t.Error("expected remote request with wrong bearer token to fail")
	}
}

func TestAuthenticateAcceptsQueryToken(t *testing.T) {
	g := newTestGate(t)
	r := &http.Request{RemoteAddr: "10.0.0.5:5000", Header: http.Header{}, URL: mustURL(t, "/ws/browser/sess-1?token="+g.Token())}
	if !g.Authenticate(r) {
		t.Error("expected query-string token to authenticate")
	}
}

func TestAutoAllowedRestrictedToLoopback(t *testing.T) {
	g := newTestGate(t)
	local := &http.Request{RemoteAddr: "127.0.0.1:1"}
	remote := &http.Request{RemoteAddr: "8.8.8.8:1"}
	if !g.AutoAllowed(local) {
		t.Error("expected loopback to be allowed")
	}
	if g.AutoAllowed(remote) {
		t.Error("expected remote to be denied")
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}
