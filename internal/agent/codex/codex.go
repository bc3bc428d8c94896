// Package codex implements the WebSocket-JSONL BackendAdapter variant for
// Codex (spec §4.5): a child process bridges stdin/stdout lines to a
// WebSocket endpoint. Shaped after
// maruel-caic/backend/internal/agent/codex's JSON-RPC-over-stdio relay
// (handshake, slog-backed logging of the wire format) with the transport
// swapped for a real WebSocket connection, grounded on the upstream
// caic-xyz/caic go.mod's github.com/coder/websocket dependency.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/caic-xyz/companion/internal/agent"
)

// connectBackoff is the retry schedule for the initial WebSocket connect
// phase (spec §4.5: "retry with backoff until a bounded deadline, then
// fail").
var connectBackoff = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second}

// connectDeadline bounds the total time spent retrying the connect phase.
const connectDeadline = 15 * time.Second

type envelope struct {
	Type string `json:"type"`
}

// Backend is the WebSocket-JSONL adapter for Codex.
type Backend struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	conn   *websocket.Conn
	queue  [][]byte // outbound lines queued before the connection opens
	opened bool
	log    *slog.Logger
}

// New returns an unstarted Backend.
func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{log: log}
}

func (b *Backend) Harness() agent.Harness { return agent.HarnessCodex }

// Start spawns the codex relay child process, then connects to the
// WebSocket endpoint it exposes, retrying with backoff until connectDeadline.
// A post-open error is fatal (spec §4.5).
func (b *Backend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, logW io.Writer) (*agent.Session, error) {
	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, "codex-relay", args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergedEnv(opts.Env)
	cmd.Stdout = logW
	cmd.Stderr = logW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex-relay: %w", err)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/relay", relayPort(opts))
	conn, err := b.connectWithBackoff(ctx, url)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("connect to codex relay: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.conn = conn
	b.opened = true
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, line := range queued {
		if err := b.writeLine(ctx, line); err != nil {
			b.log.Warn("flushing queued codex line failed", "err", err)
		}
	}

	go b.readLoop(ctx, msgCh, logW)

	return &agent.Session{PID: cmd.Process.Pid}, nil
}

func (b *Backend) connectWithBackoff(ctx context.Context, url string) (*websocket.Conn, error) {
	deadline := time.Now().Add(connectDeadline)
	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect deadline exceeded: %w", lastErr)
		}
		wait := connectBackoff[min(attempt, len(connectBackoff)-1)]
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func relayPort(opts agent.Options) int {
	// COMPANION_CODEX_RELAY_PORT in the session env overrides the port when
	// present (from the request or profile env); otherwise the default is
	// used.
	if p, ok := opts.Env["COMPANION_CODEX_RELAY_PORT"]; ok {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil {
			return port
		}
	}
	return 47911
}

func buildArgs(opts agent.Options) []string {
	args := []string{"--wire-format", "jsonl"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return args
}

func mergedEnv(extra map[string]string) []string {
	var env []string
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (b *Backend) readLoop(ctx context.Context, msgCh chan<- agent.Message, logW io.Writer) {
	defer close(msgCh)
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn("codex relay connection closed", "err", err)
			}
			return
		}
		if logW != nil {
			_, _ = logW.Write(append(append([]byte(nil), data...), '\n'))
		}
		msg, err := b.ParseMessage(data)
		if err != nil {
			b.log.Warn("skipping malformed codex line", "err", err)
			continue
		}
		msgCh <- msg
	}
}

// ParseMessage decodes one JSONL line carried over the relay WebSocket.
func (b *Backend) ParseMessage(line []byte) (agent.Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return agent.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	return agent.Message{Kind: agent.HarnessCodex, Type: agent.Kind(env.Type), Raw: line}, nil
}

// Send serializes one outbound line; if the connection isn't open yet, the
// line is queued and flushed once Start completes the handshake.
func (b *Backend) Send(ctx context.Context, line []byte) error {
	b.mu.Lock()
	if !b.opened {
		b.queue = append(b.queue, line)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.writeLine(ctx, line)
}

func (b *Backend) writeLine(ctx context.Context, line []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("codex backend not connected")
	}
	return b.conn.Write(ctx, websocket.MessageText, line)
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	cmd := b.cmd
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
