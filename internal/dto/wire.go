package dto

import "encoding/json"

// EventName is the tagged discriminant for every envelope that crosses a
// fan-out boundary (adapter -> bridge -> plugins -> browsers).
type EventName string

const (
	EventSessionInit        EventName = "session_init"
	EventSessionUpdate      EventName = "session_update"
	EventAssistant          EventName = "assistant"
	EventStream             EventName = "stream_event"
	EventResult             EventName = "result"
	EventPermissionRequest  EventName = "permission_request"
	EventPermissionCanceled EventName = "permission_cancelled"
	EventToolProgress       EventName = "tool_progress"
	EventToolUseSummary     EventName = "tool_use_summary"
	EventSystem             EventName = "system_event"
	EventStatusChange       EventName = "status_change"
	EventAuthStatus         EventName = "auth_status"
	EventError              EventName = "error"
	EventCLIDisconnected    EventName = "cli_disconnected"
	EventCLIConnected       EventName = "cli_connected"
	EventSessionNameUpdate  EventName = "session_name_update"
	EventPRStatusUpdate     EventName = "pr_status_update"
	EventMCPStatus          EventName = "mcp_status"
	EventMessageHistory     EventName = "message_history"
	EventReplay             EventName = "event_replay"

	// EventUserMessageBeforeSend is dispatched to PluginBus only (spec §4.6
	// User-message mutation chain); it never crosses the browser wire.
	EventUserMessageBeforeSend EventName = "user.message.before_send"
)

// Source identifies which component produced an envelope.
type Source string

const (
	SourceRoutes         Source = "routes"
	SourceWsBridge       Source = "ws-bridge"
	SourceBackendAdapter Source = "backend-adapter"
	SourcePluginBus      Source = "plugin-bus"
)

// Meta is the envelope metadata block (spec §3 Envelope).
type Meta struct {
	EventID       string  `json:"eventId"`
	EventVersion  int     `json:"eventVersion"`
	Timestamp     int64   `json:"timestamp"`
	Source        Source  `json:"source"`
	SessionID     string  `json:"sessionId,omitempty"`
	BackendType   string  `json:"backendType,omitempty"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

// Envelope is the uniform message shape between adapter, bridge, plugins,
// and browsers. Seq is stamped by WsBridge, never by the adapter.
type Envelope struct {
	Seq  int64           `json:"seq,omitempty"`
	Name EventName       `json:"type"`
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound message types from browser to server, each carrying a
// client_msg_id used for idempotence (spec §4.6.2).
type OutboundKind string

const (
	OutUserMessage       OutboundKind = "user_message"
	OutPermissionResp    OutboundKind = "permission_response"
	OutInterrupt         OutboundKind = "interrupt"
	OutSetModel          OutboundKind = "set_model"
	OutSetPermissionMode OutboundKind = "set_permission_mode"
	OutMCPGetStatus      OutboundKind = "mcp_get_status"
	OutMCPToggle         OutboundKind = "mcp_toggle"
	OutMCPReconnect      OutboundKind = "mcp_reconnect"
	OutMCPSetServers     OutboundKind = "mcp_set_servers"
	InSessionSubscribe   OutboundKind = "session_subscribe"
	InSessionAck         OutboundKind = "session_ack"
)

// BrowserFrame is the envelope for every browser -> server frame.
type BrowserFrame struct {
	Type        OutboundKind    `json:"type"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	LastSeq     int64           `json:"last_seq,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}
