package wire

import "encoding/json"

// Frame types for the laptop <-> relay WebSocket protocol.
const (
	// Relay → Workstation
	TypeHTTPRequest   = "http_request"
	TypeTerminalInput = "terminal_input"
	TypeAgentRequest  = "agent_request"

	// Workstation → Relay
	TypeHTTPResponse    = "http_response"
	TypeClientAuthKey   = "client_auth_key"
	TypeTerminalOutput  = "terminal_output"
	TypeRecordingOutput = "recording_output"
	TypeTTSReady        = "tts_ready"
	TypeAgentResponse   = "agent_response"
)

// Broadcast types the relay emits to mobile stream subscribers.
const (
	TypeOutput = "output"
)

// Envelope wraps every WebSocket frame with a type field for routing.
// Every frame is a single JSON object per WS message, UTF-8, snake_case.
type Envelope struct {
	Type string `json:"type"`
}

// HTTPRequest is a proxied HTTP call from the relay to the workstation.
// Headers are forwarded verbatim, including hop-by-hop headers.
type HTTPRequest struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     string              `json:"query,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      string              `json:"body,omitempty"`
}

// HTTPResponse resolves a pending HTTPRequest by request_id.
type HTTPResponse struct {
	Type       string              `json:"type"`
	RequestID  string              `json:"request_id"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
}

// ClientAuthKey registers the workstation-owned bearer key that mobile
// clients must present for proxied calls. Sent immediately on connect.
type ClientAuthKey struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// TerminalOutput carries raw PTY bytes for the terminal display stream.
type TerminalOutput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TerminalInput carries keystrokes from mobile to the workstation PTY.
type TerminalInput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// RecordingOutput is a deduplicated assistant-text update for the
// recording stream. IsComplete is a pointer so the relay can preserve
// its presence only when the workstation actually set it.
type RecordingOutput struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	Delta      string `json:"delta,omitempty"`
	Raw        string `json:"raw,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	IsComplete *bool  `json:"is_complete,omitempty"`
}

// TTSReady signals that the accumulated assistant text for the current
// command is final and ready to be synthesized.
type TTSReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// AgentRequest wraps a mobile agent-stream payload on its way to the
// workstation. The relay fills tunnel_id and stream_key so replies can
// be fanned out to the right subscribers.
type AgentRequest struct {
	Type      string          `json:"type"`
	TunnelID  string          `json:"tunnel_id"`
	StreamKey string          `json:"stream_key"`
	Payload   json.RawMessage `json:"payload"`
}

// AgentResponse carries an agent event from the workstation back to
// the stream key its AgentRequest arrived on. The relay fans the
// payload out verbatim.
type AgentResponse struct {
	Type      string          `json:"type"`
	StreamKey string          `json:"stream_key"`
	Payload   json.RawMessage `json:"payload"`
}

// TerminalDisplay is the wrapped form of non-chat terminal output the
// relay broadcasts to terminal stream subscribers.
type TerminalDisplay struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Bool returns a pointer for optional wire booleans.
func Bool(v bool) *bool { return &v }
