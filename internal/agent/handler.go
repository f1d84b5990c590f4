package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rbarinov/echoshell/internal/history"
	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/wire"
)

const defaultSystemPrompt = "You are a concise terminal assistant. Answer briefly; the reply may be spoken aloud."

// ErrDirectChat is returned by a Runner to hand the command back to
// the handler's own LLM conversation.
var ErrDirectChat = errors.New("route to direct chat")

// ChatLog is the slice of the history store the handler needs.
type ChatLog interface {
	CreateSession(sessionID string) error
	AddMessage(m history.Message) (string, error)
	ClearHistory(sessionID string) error
}

// Runner executes a command for a session and returns the result text.
// The station installs one backed by the headless executor for CLI
// sessions; without it the handler chats directly with the provider.
type Runner func(ctx context.Context, sessionID, command string) (string, error)

// Handler owns per-session conversation state and turns inbound agent
// events into the outbound event sequence
// transcription, assistant_message, tts_audio, completion.
type Handler struct {
	provider Provider
	log      ChatLog
	emit     func(wire.AgentEvent)

	// Run overrides direct LLM chat when set.
	Run Runner

	mu            sync.Mutex
	conversations map[string][]ChatMessage
}

func NewHandler(provider Provider, log ChatLog, emit func(wire.AgentEvent)) *Handler {
	return &Handler{
		provider:      provider,
		log:           log,
		emit:          emit,
		conversations: make(map[string][]ChatMessage),
	}
}

// HandleEvent processes one inbound event. Unknown types are logged
// and dropped; handler failures end the turn with error then
// completion{success:false}.
func (h *Handler) HandleEvent(ctx context.Context, ev wire.AgentEvent) {
	switch ev.Type {
	case wire.EventCommandText, "execute": // "execute" is the pre-rename alias
		var p wire.CommandTextPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			h.fail(ev, "invalid_payload", "malformed command payload")
			return
		}
		h.runTurn(ctx, ev, p.Command, p.TTSEnabled)

	case wire.EventCommandVoice:
		var p wire.CommandVoicePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			h.fail(ev, "invalid_payload", "malformed voice payload")
			return
		}
		audio, err := base64.StdEncoding.DecodeString(p.AudioBase64)
		if err != nil {
			h.fail(ev, "invalid_payload", "audio is not valid base64")
			return
		}
		if h.provider == nil {
			h.fail(ev, "transcription_failed", "no agent provider configured")
			return
		}
		text, err := h.provider.Transcribe(ctx, audio, p.Format)
		if err != nil {
			logger.Error("transcription failed", "session", ev.SessionID, "error", err)
			h.fail(ev, "transcription_failed", err.Error())
			return
		}
		h.emit(wire.NewAgentEvent(wire.EventTranscription, ev.SessionID, ev.MessageID,
			wire.TranscriptionPayload{Text: text}))
		h.runTurn(ctx, ev, text, p.TTSEnabled)

	case wire.EventContextReset:
		h.mu.Lock()
		delete(h.conversations, ev.SessionID)
		h.mu.Unlock()
		if h.log != nil {
			if err := h.log.ClearHistory(ev.SessionID); err != nil {
				logger.Warn("clear history failed", "session", ev.SessionID, "error", err)
			}
		}
		h.emit(wire.NewAgentEvent(wire.EventCompletion, ev.SessionID, ev.MessageID,
			wire.CompletionPayload{Success: true, Result: "Context reset"}))

	default:
		logger.Debug("dropping unknown agent event", "type", ev.Type, "session", ev.SessionID)
	}
}

func (h *Handler) runTurn(ctx context.Context, ev wire.AgentEvent, command string, ttsEnabled bool) {
	sessionID := ev.SessionID
	h.record(sessionID, history.MessageUser, command)

	result, err := h.execute(ctx, sessionID, command)
	if err != nil {
		logger.Error("agent turn failed", "session", sessionID, "error", err)
		h.record(sessionID, history.MessageError, err.Error())
		h.fail(ev, "execution_failed", err.Error())
		return
	}

	h.record(sessionID, history.MessageAssistant, result)
	h.emit(wire.NewAgentEvent(wire.EventAssistantMessage, sessionID, ev.MessageID,
		wire.AssistantMessagePayload{Text: result, IsFinal: true}))

	if ttsEnabled && result != "" && h.provider != nil {
		if audio, err := h.provider.Synthesize(ctx, result); err != nil {
			// TTS is best-effort; the turn still completes.
			logger.Warn("speech synthesis failed", "session", sessionID, "error", err)
		} else {
			h.emit(wire.NewAgentEvent(wire.EventTTSAudio, sessionID, ev.MessageID, wire.TTSAudioPayload{
				AudioBase64: base64.StdEncoding.EncodeToString(audio),
				Format:      "mp3",
				DurationMS:  EstimateSpeechDuration(result),
				Transcript:  result,
			}))
		}
	}

	h.emit(wire.NewAgentEvent(wire.EventCompletion, sessionID, ev.MessageID,
		wire.CompletionPayload{Success: true, Result: result, Text: result}))
}

// execute resolves one command, via the installed Runner or by direct
// chat against the conversation so far.
func (h *Handler) execute(ctx context.Context, sessionID, command string) (string, error) {
	if h.Run != nil {
		result, err := h.Run(ctx, sessionID, command)
		if !errors.Is(err, ErrDirectChat) {
			return result, err
		}
	}
	if h.provider == nil {
		return "", errors.New("no agent provider configured")
	}

	h.mu.Lock()
	conv := h.conversations[sessionID]
	if len(conv) == 0 {
		conv = []ChatMessage{{Role: "system", Content: defaultSystemPrompt}}
	}
	conv = append(conv, ChatMessage{Role: "user", Content: command})
	h.mu.Unlock()

	reply, err := h.provider.Chat(ctx, conv)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.conversations[sessionID] = append(conv, ChatMessage{Role: "assistant", Content: reply})
	h.mu.Unlock()
	return reply, nil
}

func (h *Handler) fail(ev wire.AgentEvent, code, message string) {
	h.emit(wire.NewAgentEvent(wire.EventError, ev.SessionID, ev.MessageID,
		wire.ErrorPayload{Code: code, Message: message}))
	h.emit(wire.NewAgentEvent(wire.EventCompletion, ev.SessionID, ev.MessageID,
		wire.CompletionPayload{Success: false, Error: message}))
}

func (h *Handler) record(sessionID, typ, content string) {
	if h.log == nil {
		return
	}
	if err := h.log.CreateSession(sessionID); err != nil {
		logger.Warn("ensure chat session failed", "session", sessionID, "error", err)
		return
	}
	if _, err := h.log.AddMessage(history.Message{SessionID: sessionID, Type: typ, Content: content}); err != nil {
		logger.Warn("record chat message failed", "session", sessionID, "error", err)
	}
}

// EstimateSpeechDuration approximates spoken length at 150 words per
// minute with 5 characters per word.
func EstimateSpeechDuration(text string) int64 {
	words := float64(len(text)) / 5
	return int64(words / 150 * 60000)
}
