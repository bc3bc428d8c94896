// Package claude implements the stdio-JSONL BackendAdapter variant for
// Claude Code (spec §4.5), grounded on
// maruel-caic/backend/internal/agent/claude's reader/helpers/unknown idiom:
// newline-delimited JSON over a child process's stdio, with forward-
// compatible parsing of unrecognized fields.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/caic-xyz/companion/internal/agent"
)

// maxLineBytes bounds a single JSONL line; a longer line stops the scanner
// with bufio.ErrTooLong, which ends readLoop (the scan error is logged and
// msgCh is closed).
const maxLineBytes = 10 << 20

// envelope is the minimal shape needed to discriminate a line's type before
// full decoding.
type envelope struct {
	Type string `json:"type"`
}

// Backend is the stdio-JSONL adapter for Claude Code.
type Backend struct {
	mu    sync.Mutex // serializes outbound writes
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger
}

// New returns an unstarted Backend.
func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{log: log}
}

func (b *Backend) Harness() agent.Harness { return agent.HarnessClaude }

// Start spawns the claude CLI child process, wires its stdio to newline-
// delimited JSON, and begins the read loop. Malformed lines are skipped
// with a warning rather than aborting the session.
func (b *Backend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, logW io.Writer) (*agent.Session, error) {
	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergedEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = logW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.mu.Unlock()

	go b.readLoop(stdout, msgCh, logW)

	return &agent.Session{PID: cmd.Process.Pid}, nil
}

func buildArgs(opts agent.Options) []string {
	args := []string{"--output-format", "stream-json", "--input-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	for _, t := range opts.AllowedTools {
		args = append(args, "--allowedTools", t)
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

// readLoop scans newline-delimited JSON from stdout, forwarding each parsed
// message and logging unrecognized lines/fields rather than failing.
func (b *Backend) readLoop(stdout io.Reader, msgCh chan<- agent.Message, logW io.Writer) {
	defer close(msgCh)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if logW != nil {
			_, _ = logW.Write(append(line, '\n'))
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := b.ParseMessage(line)
		if err != nil {
			b.log.Warn("skipping malformed claude line", "err", err)
			continue
		}
		msgCh <- msg
	}
	if err := scanner.Err(); err != nil {
		b.log.Warn("claude stdout scan error", "err", err)
	}
}

// ParseMessage decodes one wire-format line, warning (but not failing) on
// unrecognized top-level fields.
func (b *Backend) ParseMessage(line []byte) (agent.Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return agent.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	warnUnknown(b.log, env.Type, line)
	return agent.Message{Kind: agent.HarnessClaude, Type: agent.Kind(env.Type), Raw: line}, nil
}

// warnUnknown logs (at debug level, on every call) any top-level field
// not part of the minimal envelope shape, so schema drift in the backend's
// wire format is visible without breaking decoding.
func warnUnknown(log *slog.Logger, msgType string, line []byte) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(line, &generic); err != nil {
		return
	}
	known := map[string]bool{"type": true}
	var extra []string
	for k := range generic {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		log.Debug("claude message carries additional fields", "type", msgType, "fields", extra)
	}
}

// Send writes one outbound command line atomically; the mutex ensures one
// message is one complete write (spec §4.5 Ordering).
func (b *Backend) Send(ctx context.Context, line []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdin == nil {
		return fmt.Errorf("claude backend not started")
	}
	if _, err := b.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to claude stdin: %w", err)
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = b.cmd.Process.Kill()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
