package claude

import (
	"context"
	"strings"
	"testing"

	"github.com/caic-xyz/companion/internal/agent"
)

func TestParseMessageDecodesKnownType(t *testing.T) {
	b := New(nil)
	line := []byte(`{"type":"assistant","message":{"content":"hi"}}`)

	msg, err := b.ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.Type != agent.KindAssistant {
		t.Errorf("Type = %q, want %q", msg.Type, agent.KindAssistant)
	}
	if msg.Kind != agent.HarnessClaude {
		t.Errorf("Kind = %q, want %q", msg.Kind, agent.HarnessClaude)
	}
	if string(msg.Raw) != string(line) {
		t.Error("Raw should retain the original wire-format line")
	}
}

func TestParseMessageRejectsMalformedJSON(t *testing.T) {
	b := New(nil)
	if _, err := b.ParseMessage([]byte("not json")); err == nil {
		t.Error("expected an error decoding malformed JSON")
	}
}

func TestBuildArgsIncludesOptionalFlags(t *testing.T) {
	args := buildArgs(agent.Options{
		Model:          "opus",
		PermissionMode: "plan",
		AllowedTools:   []string{"Bash", "Edit"},
		Resume:         "sess-1",
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{"--model opus", "--permission-mode plan", "--allowedTools Bash", "--allowedTools Edit", "--resume sess-1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("buildArgs() = %q, missing %q", joined, want)
		}
	}
}

func TestBuildArgsOmitsUnsetOptionalFlags(t *testing.T) {
	args := buildArgs(agent.Options{})
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--model") || strings.Contains(joined, "--resume") {
		t.Errorf("buildArgs() with no options set unexpected flags: %q", joined)
	}
}

func TestSendBeforeStartFails(t *testing.T) {
	b := New(nil)
	if err := b.Send(context.Background(), []byte(`{}`)); err == nil {
		t.Error("expected Send to fail before Start has set up stdin")
	}
}

func TestCloseWithoutStartIsNoop(t *testing.T) {
	b := New(nil)
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close on an unstarted backend should be a no-op, got %v", err)
	}
}
