package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent event types carried over the agent stream.
const (
	// Mobile → Workstation
	EventCommandText  = "command_text"
	EventCommandVoice = "command_voice"
	EventContextReset = "context_reset"

	// Workstation → Mobile
	EventTranscription    = "transcription"
	EventAssistantMessage = "assistant_message"
	EventTTSAudio         = "tts_audio"
	EventCompletion       = "completion"
	EventError            = "error"
)

// AgentEvent is the common envelope for every agent-stream message.
// The payload shape is determined by Type.
type AgentEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewAgentEvent builds an event with a fresh message ID and the payload
// marshalled in place. Marshal errors are impossible for the fixed
// payload shapes below, so they are swallowed.
func NewAgentEvent(typ, sessionID, parentID string, payload any) AgentEvent {
	raw, _ := json.Marshal(payload)
	return AgentEvent{
		Type:      typ,
		SessionID: sessionID,
		MessageID: uuid.New().String(),
		ParentID:  parentID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
}

type CommandTextPayload struct {
	Command    string `json:"command"`
	TTSEnabled bool   `json:"tts_enabled"`
}

type CommandVoicePayload struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	TTSEnabled  bool   `json:"tts_enabled"`
}

type TranscriptionPayload struct {
	Text string `json:"text"`
}

type AssistantMessagePayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type TTSAudioPayload struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	DurationMS  int64  `json:"duration_ms"`
	Transcript  string `json:"transcript"`
}

type CompletionPayload struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
