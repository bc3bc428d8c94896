package codex

import (
	"context"
	"strings"
	"testing"

	"github.com/caic-xyz/companion/internal/agent"
)

func TestParseMessageDecodesKnownType(t *testing.T) {
	b := New(nil)
	line := []byte(`{"type":"tool_progress"}`)

	msg, err := b.ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.Type != agent.KindToolProgress {
		t.Errorf("Type = %q, want %q", msg.Type, agent.KindToolProgress)
	}
	if msg.Kind != agent.HarnessCodex {
		t.Errorf("Kind = %q, want %q", msg.Kind, agent.HarnessCodex)
	}
}

func TestParseMessageRejectsMalformedJSON(t *testing.T) {
	b := New(nil)
	if _, err := b.ParseMessage([]byte("not json")); err == nil {
		t.Error("expected an error decoding malformed JSON")
	}
}

func TestRelayPortDefaultsWhenEnvUnset(t *testing.T) {
	if got := relayPort(agent.Options{}); got != 47911 {
		t.Errorf("relayPort() = %d, want default 47911", got)
	}
}

func TestRelayPortReadsEnvOverride(t *testing.T) {
	opts := agent.Options{Env: map[string]string{"COMPANION_CODEX_RELAY_PORT": "9001"}}
	if got := relayPort(opts); got != 9001 {
		t.Errorf("relayPort() = %d, want 9001", got)
	}
}

func TestBuildArgsIncludesOptionalFlags(t *testing.T) {
	args := buildArgs(agent.Options{Model: "o1", Resume: "sess-1"})
	joined := strings.Join(args, " ")
	for _, want := range []string{"--model o1", "--resume sess-1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("buildArgs() = %q, missing %q", joined, want)
		}
	}
}

func TestSendBeforeOpenQueuesRatherThanFails(t *testing.T) {
	b := New(nil)
	if err := b.Send(context.Background(), []byte(`{"type":"user_message"}`)); err != nil {
		t.Errorf("Send before the relay connects should queue, not fail: %v", err)
	}
	if len(b.queue) != 1 {
		t.Errorf("expected one queued line, got %d", len(b.queue))
	}
}

func TestCloseWithoutStartIsNoop(t *testing.T) {
	b := New(nil)
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close on an unstarted backend should be a no-op, got %v", err)
	}
}
