package imagepull

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type fakePuller struct {
	lines []string
	err   error
}

func (f *fakePuller) ImagePull(ctx context.Context, ref string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(strings.Join(f.lines, "\n") + "\n")), nil
}

func TestEnsureImageTransitionsToReady(t *testing.T) {
	c := New(&fakePuller{lines: []string{`{"status":"Pulling"}`, `{"status":"Downloaded"}`}}, nil)

	c.EnsureImage(context.Background(), "alpine")
	if !c.WaitForReady(context.Background(), "alpine", time.Second) {
		t.Fatal("expected the image to become ready")
	}
	if !c.IsReady("alpine") {
		t.Error("IsReady() = false after a successful pull")
	}
	status, errMsg := c.State("alpine")
	if status != StatusReady || errMsg != "" {
		t.Errorf("State() = (%s, %q), want (ready, \"\")", status, errMsg)
	}
}

func TestEnsureImagePullFailureSetsError(t *testing.T) {
	c := New(&fakePuller{err: errors.New("network down")}, nil)

	c.EnsureImage(context.Background(), "alpine")
	if c.WaitForReady(context.Background(), "alpine", time.Second) {
		t.Fatal("expected WaitForReady to return false after a pull failure")
	}
	status, errMsg := c.State("alpine")
	if status != StatusError {
		t.Errorf("status = %s, want error", status)
	}
	if errMsg == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestEnsureImageIsIdempotentWhilePulling(t *testing.T) {
	c := New(&fakePuller{lines: []string{`{"status":"Pulling"}`}}, nil)

	c.EnsureImage(context.Background(), "alpine")
	st1 := c.state("alpine")
	c.EnsureImage(context.Background(), "alpine") // second call while pulling must be a no-op
	st2 := c.state("alpine")

	if st1 != st2 {
		t.Error("EnsureImage should reuse the same state while a pull is in flight, not start a second one")
	}
	c.WaitForReady(context.Background(), "alpine", time.Second)
}

func TestEnsureImageIsNoopOnceReady(t *testing.T) {
	puller := &fakePuller{lines: []string{`{"status":"Downloaded"}`}}
	c := New(puller, nil)

	c.EnsureImage(context.Background(), "alpine")
	c.WaitForReady(context.Background(), "alpine", time.Second)

	c.EnsureImage(context.Background(), "alpine") // ready is terminal; must not re-pull
	if !c.IsReady("alpine") {
		t.Error("expected image to remain ready")
	}
}

func TestOnProgressLateSubscriberAfterTerminalGetsClosedChannel(t *testing.T) {
	c := New(&fakePuller{lines: []string{`{"status":"Downloaded"}`}}, nil)
	c.EnsureImage(context.Background(), "alpine")
	c.WaitForReady(context.Background(), "alpine", time.Second)

	ch, unsub := c.OnProgress("alpine")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("expected a closed channel for a subscriber joining after the pull finished")
	}
}

func TestOnProgressReceivesFormattedLineBeforeUnsubscribe(t *testing.T) {
	c := New(&fakePuller{lines: []string{`{"status":"layer1","id":"abc","progress":"50%"}`}}, nil)

	ch, unsub := c.OnProgress("alpine")
	c.EnsureImage(context.Background(), "alpine")

	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before emitting a progress line")
		}
		if line != "abc: layer1 50%" {
			t.Errorf("line = %q, want formatted progress line", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress line")
	}
	unsub()
	c.WaitForReady(context.Background(), "alpine", time.Second)
}

func TestFormatProgressLineFallsBackToRawOnUnparseable(t *testing.T) {
	if got := formatProgressLine([]byte("not json")); got != "not json" {
		t.Errorf("formatProgressLine() = %q, want raw fallback", got)
	}
}

func TestFormatProgressLineWithoutID(t *testing.T) {
	if got := formatProgressLine([]byte(`{"status":"Pulling fs layer"}`)); got != "Pulling fs layer" {
		t.Errorf("formatProgressLine() = %q, want bare status", got)
	}
}
