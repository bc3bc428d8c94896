// Package gateway implements BrowserGateway (spec §4.8): the WebSocket
// endpoint browsers connect to, binding one connection to one session's
// bridge.Bridge and pumping frames in both directions. Handler registration
// follows maruel-caic/backend/internal/server/server.go's
// `GET /path/{id}` + r.PathValue idiom; the connect/auth/read-write-pump
// shape is adapted from the same file's handleTaskEvents SSE fan-out, with
// the transport swapped for github.com/coder/websocket per the upstream
// caic-xyz/caic go.mod.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/caic-xyz/companion/internal/bridge"
	"github.com/caic-xyz/companion/internal/dto"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// BridgeLookup resolves a live session's bridge by id; ok is false for an
// unknown or dormant session.
type BridgeLookup func(sessionID string) (*bridge.Bridge, bool)

// Authenticator validates a browser connection before the WebSocket upgrade
// (spec §2/§6 AuthGate: bearer token, or localhost auto-trust).
type Authenticator interface {
	Authenticate(r *http.Request) bool
}

// Gateway is the BrowserGateway HTTP handler.
type Gateway struct {
	Bridges BridgeLookup
	Auth    Authenticator
	Log     *slog.Logger
}

// New returns a Gateway.
func New(bridges BridgeLookup, auth Authenticator, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{Bridges: bridges, Auth: auth, Log: log}
}

// ServeHTTP handles GET /ws/browser/{sessionId}: authenticates, upgrades,
// binds to the session's bridge, and pumps frames until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	if g.Auth != nil && !g.Auth.Authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b, ok := g.Bridges(sessionID)
	if !ok {
		http.Error(w, "session not live", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.Log.Warn("websocket accept failed", "session", sessionID, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	connID := connectionID(r)

	lastSeq := int64(0)
	if v := r.URL.Query().Get("lastSeq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeq = n
		}
	}

	sub := b.Subscribe(ctx, connID, lastSeq)
	defer b.Unsubscribe(connID)

	done := make(chan struct{})
	go g.readPump(ctx, conn, b, connID, done)

	g.writePump(ctx, conn, sub, done)
}

// connectionID derives a per-connection subscriber id; distinct from the
// session id so multiple browser tabs can subscribe to one session.
func connectionID(r *http.Request) string {
	return r.RemoteAddr + "-" + r.Header.Get("Sec-WebSocket-Key")
}

// writePump delivers every envelope the subscriber emits to the browser
// until the subscriber channel closes (unsubscribed, backpressure-dropped,
// or bridge shutdown) or the read side signals done.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, sub *bridge.Subscriber, done <-chan struct{}) {
	for {
		select {
		case env, ok := <-sub.Outbound():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "bridge closed")
				return
			}
			if err := g.writeEnvelope(ctx, conn, env); err != nil {
				g.Log.Debug("write envelope failed, closing", "err", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) writeEnvelope(ctx context.Context, conn *websocket.Conn, env dto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// readPump decodes browser frames and forwards them to the bridge (spec
// §4.6.2 outbound kinds), closing done when the connection ends.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, b *bridge.Bridge, connID string, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame dto.BrowserFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.Log.Warn("malformed browser frame", "err", err)
			continue
		}
		g.dispatch(b, connID, frame)
	}
}

func (g *Gateway) dispatch(b *bridge.Bridge, connID string, frame dto.BrowserFrame) {
	switch frame.Type {
	case dto.InSessionSubscribe:
		b.Ack(connID, frame.LastSeq)
	case dto.InSessionAck:
		b.Ack(connID, frame.LastSeq)
	case dto.OutPermissionResp:
		var p struct {
			RequestID string `json:"request_id"`
			Behavior  string `json:"behavior"`
			Message   string `json:"message,omitempty"`
		}
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			g.Log.Warn("malformed permission_response frame", "err", err)
			return
		}
		b.ResolvePermission(p.RequestID, p.Behavior, p.Message)
	case dto.OutInterrupt:
		var p struct {
			RequestID string `json:"request_id,omitempty"`
		}
		_ = json.Unmarshal(frame.Data, &p)
		if p.RequestID != "" {
			b.CancelPermission(p.RequestID)
		}
		b.SendOutbound(frame.Type, frame.ClientMsgID, frame.Data)
	default:
		b.SendOutbound(frame.Type, frame.ClientMsgID, frame.Data)
	}
}
