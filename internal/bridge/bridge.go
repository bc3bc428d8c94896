// Package bridge implements WsBridge (spec §4.6): per-session fan-in of
// backend events and fan-out to N browser subscribers, with monotonic seq,
// a replay ring, pending permissions, and tool-progress timers.
//
// Grounded on maruel-caic/backend/internal/task/runner.go's per-task owning
// goroutine and maruel-caic/backend/internal/server/eventconv.go's
// tool-timing tracker and turn-boundary reset logic.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/caic-xyz/companion/internal/dto"
	"github.com/caic-xyz/companion/internal/pluginbus"
)

// ringCapacity is the replay ring's fixed capacity (spec §3).
const ringCapacity = 600

// dedupWindow bounds how long an outbound client_msg_id is remembered
// (spec §4.6.2).
const dedupWindow = 5 * time.Minute

// PermissionRequest is a pending tool-use permission decision (spec §3).
type PermissionRequest struct {
	RequestID      string
	ToolName       string
	ToolUseID      string
	Input          []byte
	PermissionMode string
	RequestHash    string
	CreatedAt      time.Time
}

// SessionState is the bridge's cached view of backend-reported state,
// rewritten to host paths before fan-out when containerized.
type SessionState struct {
	Model          string
	Cwd            string
	Branch         string
	PermissionMode string
}

type ringEntry struct {
	seq int64
	env dto.Envelope
}

// Subscriber is one live browser connection bound to this bridge.
type Subscriber struct {
	ID        string
	outCh     chan dto.Envelope
	lastAcked int64
	closed    bool
}

// Outbound returns the channel the gateway should drain to deliver
// envelopes to this subscriber.
func (s *Subscriber) Outbound() <-chan dto.Envelope { return s.outCh }

// PluginDispatcher is the subset of PluginBus the bridge needs (kept as an
// interface so bridge tests can substitute a fake).
type PluginDispatcher interface {
	Dispatch(ctx context.Context, env dto.Envelope) pluginbus.DispatchResult
}

// AdapterSender is the subset of agent.Backend the bridge needs to deliver
// outbound commands and permission decisions.
type AdapterSender interface {
	Send(ctx context.Context, line []byte) error
}

// Bridge is the per-session fan-in/fan-out coordinator. Mutable state is
// touched only from the single owning goroutine started by Run; external
// callers communicate through the exported methods, which only send into
// inbox. The exceptions are State and SetContainerized, which read and write
// the cached session state directly, without locking.
type Bridge struct {
	sessionID string
	plugins   PluginDispatcher
	adapter   AdapterSender
	log       *slog.Logger

	inbox chan inboxMsg

	// Owned exclusively by the Run goroutine below this point.
	seq          int64
	ring         []ringEntry
	ringHead     int
	ringCount    int
	permissions  map[string]*PermissionRequest
	toolTimers   map[string]time.Time
	seenOutbound map[string]time.Time
	subscribers  map[string]*Subscriber
	state        SessionState
	subSeq       int
}

// New constructs a Bridge for one session. Call Run in its own goroutine.
func New(sessionID string, plugins PluginDispatcher, adapter AdapterSender, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		sessionID:    sessionID,
		plugins:      plugins,
		adapter:      adapter,
		log:          log,
		inbox:        make(chan inboxMsg, 256),
		ring:         make([]ringEntry, ringCapacity),
		permissions:  make(map[string]*PermissionRequest),
		toolTimers:   make(map[string]time.Time),
		seenOutbound: make(map[string]time.Time),
		subscribers:  make(map[string]*Subscriber),
	}
}

// inboxMsg is the single fan-in envelope type for the owning goroutine:
// adapter events, browser commands, and subscriber lifecycle all funnel
// through here (spec §9 design note "single owning task / one fan-in
// channel").
type inboxMsg struct {
	fromAdapter *dto.Envelope
	subscribe   *subscribeMsg
	unsubscribe string
	ack         *ackMsg
	outbound    *outboundMsg
	permResp    *permRespMsg
	permCancel  string // request_id
}

type subscribeMsg struct {
	id      string
	lastSeq int64
	reply   chan *Subscriber
}

type ackMsg struct {
	id      string
	lastSeq int64
}

type outboundMsg struct {
	kind        dto.OutboundKind
	clientMsgID string
	payload     []byte
}

type permRespMsg struct {
	requestID string
	behavior  string // "allow" | "deny"
	message   string
}

// FromAdapter delivers one inbound backend event into the bridge's fan-in
// (spec §4.6 Fan-in). Safe to call from the adapter's own read goroutine.
func (b *Bridge) FromAdapter(env dto.Envelope) {
	b.inbox <- inboxMsg{fromAdapter: &env}
}

// Subscribe registers a new browser subscriber and returns it once the
// owning goroutine has processed the resume protocol for it.
func (b *Bridge) Subscribe(ctx context.Context, id string, lastSeq int64) *Subscriber {
	reply := make(chan *Subscriber, 1)
	b.inbox <- inboxMsg{subscribe: &subscribeMsg{id: id, lastSeq: lastSeq, reply: reply}}
	select {
	case sub := <-reply:
		return sub
	case <-ctx.Done():
		return nil
	}
}

// Unsubscribe removes a subscriber (spec §4.6 backpressure drop path and
// normal browser disconnects both funnel here).
func (b *Bridge) Unsubscribe(id string) {
	b.inbox <- inboxMsg{unsubscribe: id}
}

// Ack records a subscriber's high-water mark (spec §4.6.1 step 4).
func (b *Bridge) Ack(id string, lastSeq int64) {
	b.inbox <- inboxMsg{ack: &ackMsg{id: id, lastSeq: lastSeq}}
}

// SendOutbound submits a browser-originated command for idempotent
// forwarding to the backend (spec §4.6.2).
func (b *Bridge) SendOutbound(kind dto.OutboundKind, clientMsgID string, payload []byte) {
	b.inbox <- inboxMsg{outbound: &outboundMsg{kind: kind, clientMsgID: clientMsgID, payload: payload}}
}

// ResolvePermission delivers a browser's allow/deny decision for a pending
// permission request (spec §4.6 Permission mediation).
func (b *Bridge) ResolvePermission(requestID, behavior, message string) {
	b.inbox <- inboxMsg{permResp: &permRespMsg{requestID: requestID, behavior: behavior, message: message}}
}

// CancelPermission removes a pending request without a response, mirroring
// a backend-originated permission_cancelled.
func (b *Bridge) CancelPermission(requestID string) {
	b.inbox <- inboxMsg{permCancel: requestID}
}

// Run is the bridge's single owning goroutine; it must be started exactly
// once and exits when ctx is cancelled (spec §5 Cancellation).
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case m := <-b.inbox:
			b.handle(ctx, m)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, m inboxMsg) {
	switch {
	case m.fromAdapter != nil:
		b.onAdapterEvent(ctx, *m.fromAdapter)
	case m.subscribe != nil:
		b.onSubscribe(m.subscribe)
	case m.unsubscribe != "":
		delete(b.subscribers, m.unsubscribe)
	case m.ack != nil:
		if sub, ok := b.subscribers[m.ack.id]; ok {
			if m.ack.lastSeq > sub.lastAcked {
				sub.lastAcked = m.ack.lastSeq
			}
		}
	case m.outbound != nil:
		b.onOutbound(ctx, m.outbound)
	case m.permResp != nil:
		b.onPermissionResponse(ctx, m.permResp)
	case m.permCancel != "":
		delete(b.permissions, m.permCancel)
	}
}

// shutdown closes every subscriber channel and drops any outstanding
// permission requests without sending a response to the backend (spec §5
// Cancellation). Messages still queued in inbox are not processed.
func (b *Bridge) shutdown() {
	for id, sub := range b.subscribers {
		if !sub.closed {
			close(sub.outCh)
			sub.closed = true
		}
		delete(b.subscribers, id)
	}
	b.permissions = make(map[string]*PermissionRequest)
}

func (b *Bridge) onSubscribe(m *subscribeMsg) {
	sub := &Subscriber{ID: m.id, outCh: make(chan dto.Envelope, 128), lastAcked: m.lastSeq}
	b.subscribers[m.id] = sub
	b.resume(sub, m.lastSeq)
	m.reply <- sub
}

// resume implements the browser resume protocol (spec §4.6.1): a cursor at
// or newer than the ring's oldest retained entry gets a contiguous
// event_replay; an older cursor gets a best-effort message_history instead.
// Either way, live delivery then proceeds from the ring tail onward.
func (b *Bridge) resume(sub *Subscriber, lastSeq int64) {
	oldestInRing := b.seq - int64(b.ringCount) + 1
	if lastSeq == 0 || (b.ringCount > 0 && lastSeq < oldestInRing) {
		b.deliver(sub, dto.Envelope{Name: dto.EventMessageHistory, Meta: b.meta(dto.EventMessageHistory)})
		return
	}
	tail := b.tailSince(lastSeq)
	envs := make([]dto.Envelope, len(tail))
	for i, e := range tail {
		envs[i] = e.env
	}
	data, err := json.Marshal(struct {
		Events []dto.Envelope `json:"events"`
	}{Events: envs})
	if err != nil {
		b.log.Warn("marshaling event_replay failed", "err", err)
		return
	}
	b.deliver(sub, dto.Envelope{Name: dto.EventReplay, Meta: b.meta(dto.EventReplay), Seq: b.seq, Data: data})
}

// tailSince returns every ring entry with seq > lastSeq, in order.
func (b *Bridge) tailSince(lastSeq int64) []ringEntry {
	var out []ringEntry
	for i := 0; i < b.ringCount; i++ {
		idx := (b.ringHead - b.ringCount + i + len(b.ring)) % len(b.ring)
		e := b.ring[idx]
		if e.seq > lastSeq {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bridge) meta(name dto.EventName) dto.Meta {
	return dto.Meta{
		EventVersion: 2,
		Timestamp:    time.Now().UnixMilli(),
		Source:       dto.SourceWsBridge,
		SessionID:    b.sessionID,
	}
}

// onAdapterEvent implements spec §4.6's Fan-in, permission mediation,
// tool-use progress, and turn-boundary responsibilities.
func (b *Bridge) onAdapterEvent(ctx context.Context, env dto.Envelope) {
	b.seq++
	env.Seq = b.seq
	env.Meta.SessionID = b.sessionID

	result := b.plugins.Dispatch(ctx, env)
	if result.Mutated != nil {
		env.Data = result.Mutated
	}

	b.trackPermission(ctx, env, result)
	b.trackToolProgress(env)
	if env.Name == dto.EventResult {
		b.onTurnBoundary()
	}
	if env.Name == dto.EventSessionUpdate {
		b.rewriteCwd(&env)
	}

	b.appendRing(env)
	for _, sub := range b.subscribers {
		if sub.lastAcked < env.Seq {
			b.deliver(sub, env)
		}
	}
}

type permissionPayload struct {
	RequestID      string          `json:"request_id"`
	ToolName       string          `json:"tool_name"`
	ToolUseID      string          `json:"tool_use_id"`
	Input          json.RawMessage `json:"input"`
	PermissionMode string          `json:"permission_mode"`
}

func (b *Bridge) trackPermission(ctx context.Context, env dto.Envelope, result pluginbus.DispatchResult) {
	switch env.Name {
	case dto.EventPermissionRequest:
		var p permissionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			b.log.Warn("permission_request payload decode failed", "err", err)
			return
		}
		if result.PermissionDecision != nil {
			b.forwardPermissionDecision(ctx, p.RequestID, result.PermissionDecision.Behavior, "")
			return
		}
		b.permissions[p.RequestID] = &PermissionRequest{
			RequestID:      p.RequestID,
			ToolName:       p.ToolName,
			ToolUseID:      p.ToolUseID,
			Input:          p.Input,
			PermissionMode: p.PermissionMode,
			CreatedAt:      time.Now(),
		}
	case dto.EventPermissionCanceled:
		var p permissionPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			delete(b.permissions, p.RequestID)
		}
	}
}

func (b *Bridge) onPermissionResponse(ctx context.Context, m *permRespMsg) {
	if _, ok := b.permissions[m.requestID]; !ok {
		return // already resolved/cancelled -- exactly-once delivery (spec §8 property 2)
	}
	delete(b.permissions, m.requestID)
	b.forwardPermissionDecision(ctx, m.requestID, m.behavior, m.message)
}

func (b *Bridge) forwardPermissionDecision(ctx context.Context, requestID, behavior, message string) {
	if b.adapter == nil {
		return
	}
	line := []byte(`{"type":"permission_response","request_id":"` + requestID + `","behavior":"` + behavior + `"}`)
	if err := b.adapter.Send(ctx, line); err != nil {
		b.log.Warn("forwarding permission decision failed", "request_id", requestID, "err", err)
	}
}

type toolProgressPayload struct {
	ToolUseID string `json:"tool_use_id"`
}

// trackToolProgress maintains the per-tool_use_id timer (spec §4.6): a
// tool_progress event starts/refreshes the timer; a tool_use_summary whose
// payload references the same id clears it. Bulk clearing happens only on a
// turn boundary (onTurnBoundary).
func (b *Bridge) trackToolProgress(env dto.Envelope) {
	var p toolProgressPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ToolUseID == "" {
		return
	}
	switch env.Name {
	case dto.EventToolProgress:
		b.toolTimers[p.ToolUseID] = time.Now()
	case dto.EventToolUseSummary:
		delete(b.toolTimers, p.ToolUseID)
	}
}

// onTurnBoundary clears every tool-progress timer (spec §4.6). The bridge
// keeps no streaming or draft state, and the outbound client_msg_id dedup
// map is not cleared here.
func (b *Bridge) onTurnBoundary() {
	b.toolTimers = make(map[string]time.Time)
}

type sessionUpdatePayload struct {
	Containerized bool   `json:"containerized"`
	Cwd           string `json:"cwd"`
	Branch        string `json:"branch,omitempty"`
	Model         string `json:"model,omitempty"`
}

// rewriteCwd rewrites cwd in outgoing envelopes back to the host cwd when
// the session is containerized (spec §4.6 Session-state updates); the
// bridge owns the host<->container path map via SetContainerized.
func (b *Bridge) rewriteCwd(env *dto.Envelope) {
	var p sessionUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	b.state.Branch = p.Branch
	if p.Model != "" {
		b.state.Model = p.Model
	}
	if !p.Containerized || b.state.Cwd == "" {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return
	}
	cwd, err := json.Marshal(b.state.Cwd)
	if err != nil {
		return
	}
	fields["cwd"] = cwd
	rewritten, err := json.Marshal(fields)
	if err != nil {
		b.log.Warn("re-marshaling rewritten session_update failed", "err", err)
		return
	}
	env.Data = rewritten
}

// State returns the bridge's cached session state.
func (b *Bridge) State() SessionState { return b.state }

// SetContainerized records the host cwd the bridge should rewrite outgoing
// paths back to.
func (b *Bridge) SetContainerized(hostCwd string) { b.state.Cwd = hostCwd }

func (b *Bridge) appendRing(env dto.Envelope) {
	b.ring[b.ringHead] = ringEntry{seq: env.Seq, env: env}
	b.ringHead = (b.ringHead + 1) % len(b.ring)
	if b.ringCount < len(b.ring) {
		b.ringCount++
	}
}

func (b *Bridge) deliver(sub *Subscriber, env dto.Envelope) {
	select {
	case sub.outCh <- env:
	default:
		// Backpressure: subscriber can't keep up, drop it (spec §4.6).
		if !sub.closed {
			close(sub.outCh)
			sub.closed = true
		}
		delete(b.subscribers, sub.ID)
	}
}

// onOutbound applies client_msg_id idempotence, then the user-message
// mutation chain (spec §4.6 "the bridge composes them in priority order"),
// before forwarding (spec §4.6.2, §8 property 3).
func (b *Bridge) onOutbound(ctx context.Context, m *outboundMsg) {
	b.pruneSeenOutbound()
	if m.clientMsgID != "" {
		if _, seen := b.seenOutbound[m.clientMsgID]; seen {
			return
		}
		b.seenOutbound[m.clientMsgID] = time.Now()
	}

	payload := m.payload
	if m.kind == dto.OutUserMessage {
		result := b.plugins.Dispatch(ctx, dto.Envelope{
			Name: dto.EventUserMessageBeforeSend,
			Meta: b.meta(dto.EventUserMessageBeforeSend),
			Data: payload,
		})
		if result.Mutated != nil {
			payload = result.Mutated
		}
	}

	if b.adapter == nil {
		return
	}
	if err := b.adapter.Send(ctx, payload); err != nil {
		b.log.Warn("forwarding outbound command failed", "kind", m.kind, "err", err)
	}
}

func (b *Bridge) pruneSeenOutbound() {
	cutoff := time.Now().Add(-dedupWindow)
	for id, t := range b.seenOutbound {
		if t.Before(cutoff) {
			delete(b.seenOutbound, id)
		}
	}
}
