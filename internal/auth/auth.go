// Package auth implements AuthGate (spec §2/§6): issues and validates the
// daemon's long-lived bearer token, with a localhost auto-trust bypass.
// Persistence idiom (temp file + rename, mode 0600) is grounded on
// sessionstore.Store.persist; the token itself mirrors spec §6's
// `auth.json` layout.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang/v2"
)

// record is the on-disk auth.json shape (spec §6).
type record struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnvToken is the environment variable that, if set, overrides any persisted
// or freshly generated token (spec §6 "Token preferred from env if set").
const EnvToken = "COMPANION_AUTH_TOKEN"

// Gate is the daemon's AuthGate: validates bearer tokens and trusts
// loopback connections unconditionally.
type Gate struct {
	mu        sync.RWMutex
	path      string
	token     string
	createdAt time.Time
	log       *slog.Logger
	geo       *maxminddb.Reader // nil if no geo database configured
}

// Open loads path (creating it if absent) and returns a ready Gate. geoDBPath
// is optional; an empty string or an unreadable database disables the
// /auth/qr geo hint without failing startup.
func Open(path, geoDBPath string, log *slog.Logger) (*Gate, error) {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{path: path, log: log}

	if env := os.Getenv(EnvToken); env != "" {
		g.token = env
		g.createdAt = time.Now()
	} else if err := g.load(); err != nil {
		return nil, err
	}

	if g.token == "" {
		if err := g.rotate(); err != nil {
			return nil, err
		}
	}

	if geoDBPath != "" {
		reader, err := maxminddb.Open(geoDBPath)
		if err != nil {
			log.Warn("geo database unavailable, /auth/qr will omit geo hint", "path", geoDBPath, "err", err)
		} else {
			g.geo = reader
		}
	}

	return g, nil
}

// Close releases the geo database handle, if any.
func (g *Gate) Close() error {
	if g.geo != nil {
		return g.geo.Close()
	}
	return nil
}

func (g *Gate) load() error {
	data, err := os.ReadFile(filepath.Clean(g.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read auth store: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		g.log.Warn("auth.json corrupt, rotating token", "err", err)
		return nil
	}
	g.token = rec.Token
	g.createdAt = rec.CreatedAt
	return nil
}

// rotate generates a fresh 32-byte token and persists it.
func (g *Gate) rotate() error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	g.token = hex.EncodeToString(buf)
	g.createdAt = time.Now()
	return g.persist()
}

func (g *Gate) persist() error {
	rec := record{Token: g.token, CreatedAt: g.createdAt}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth record: %w", err)
	}
	tmp := g.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open auth temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write auth store: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync auth store: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close auth temp file: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("rename auth store: %w", err)
	}
	return nil
}

// Token returns the current bearer token.
func (g *Gate) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// Authenticate reports whether r may proceed: either it originates from
// loopback, or it carries the current bearer token via the Authorization
// header or a `token` query parameter (spec §6 "authenticated by bearer
// token; localhost bypass").
func (g *Gate) Authenticate(r *http.Request) bool {
	if isLoopback(r) {
		return true
	}
	return g.Verify(bearerFrom(r))
}

// Verify does a constant-time comparison of candidate against the current
// token. Always false for an empty candidate.
func (g *Gate) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

// bearerFrom extracts a candidate token from the Authorization header
// ("Bearer <token>") or a `token` query parameter, in that order.
func bearerFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
	}
	return r.URL.Query().Get("token")
}

// isLoopback reports whether r's RemoteAddr is localhost (spec §6
// "localhost bypass" / §2 "localhost auto-trust").
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}

// PairingPayload is the informational body of GET /auth/qr. Rendering it as
// an actual QR image is the browser UI's concern (out of scope here); this
// gives it everything needed to do so.
type PairingPayload struct {
	Token     string `json:"token"`
	Host      string `json:"host"`
	GeoHint   string `json:"geoHint,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// QRPayload builds the pairing payload for the requesting connection,
// annotating a best-effort geo hint from r's address when a geo database is
// configured. The hint is purely informational and never gates auth
// decisions (SPEC_FULL.md DOMAIN STACK).
func (g *Gate) QRPayload(r *http.Request, host string) PairingPayload {
	g.mu.RLock()
	token, createdAt := g.token, g.createdAt
	g.mu.RUnlock()

	p := PairingPayload{Token: token, Host: host, CreatedAt: createdAt.Format(time.RFC3339)}
	if g.geo == nil {
		return p
	}
	hostIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		hostIP = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(hostIP)
	if err != nil {
		return p
	}
	var rec struct {
		Country struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"country"`
	}
	result := g.geo.Lookup(addr)
	if err := result.Decode(&rec); err == nil {
		if name := rec.Country.Names["en"]; name != "" {
			p.GeoHint = name
		}
	}
	return p
}

// AutoAllowed reports whether GET /auth/auto may proceed: it is restricted
// to loopback regardless of token (spec §6 "localhost only").
func (g *Gate) AutoAllowed(r *http.Request) bool {
	return isLoopback(r)
}
