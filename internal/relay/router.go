package relay

import (
	"encoding/json"
	"time"

	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/wire"
)

// FrameRouter dispatches inbound workstation frames to the pending
// request table and the stream registry. Malformed or unknown frames
// are logged and dropped; nothing a workstation sends can disconnect
// its own tunnel.
type FrameRouter struct {
	tunnels *TunnelRegistry
	streams *StreamRegistry
	pending *PendingRequests

	// LegacyTTSTrigger promotes recording_output frames carrying
	// is_complete=true into tts_ready broadcasts, for workstations
	// that predate the explicit tts_ready frame.
	LegacyTTSTrigger bool
}

func NewFrameRouter(tunnels *TunnelRegistry, streams *StreamRegistry, pending *PendingRequests) *FrameRouter {
	return &FrameRouter{
		tunnels:          tunnels,
		streams:          streams,
		pending:          pending,
		LegacyTTSTrigger: true,
	}
}

func (fr *FrameRouter) Route(tunnelID string, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("malformed frame dropped", "tunnel", tunnelID, "error", err)
		return
	}

	switch env.Type {
	case wire.TypeHTTPResponse:
		var resp wire.HTTPResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Warn("malformed http_response dropped", "tunnel", tunnelID, "error", err)
			return
		}
		if !fr.pending.Resolve(resp.RequestID, resp) {
			logger.Warn("response for unknown or already-resolved request", "tunnel", tunnelID, "request_id", resp.RequestID)
		}

	case wire.TypeClientAuthKey:
		var frame wire.ClientAuthKey
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		if t := fr.tunnels.Get(tunnelID); t != nil {
			t.SetClientAuthKey(frame.Key)
			logger.Info("client auth key registered", "tunnel", tunnelID)
		}

	case wire.TypeTerminalOutput:
		var out wire.TerminalOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return
		}
		fr.routeTerminalOutput(tunnelID, out)

	case wire.TypeRecordingOutput:
		var rec wire.RecordingOutput
		if err := json.Unmarshal(data, &rec); err != nil {
			return
		}
		fr.routeRecordingOutput(tunnelID, rec)

	case wire.TypeTTSReady:
		var tts wire.TTSReady
		if err := json.Unmarshal(data, &tts); err != nil {
			return
		}
		fr.broadcastRecording(tunnelID, tts.SessionID, mustMarshal(tts))

	case wire.TypeAgentResponse:
		var resp wire.AgentResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		fr.streams.Broadcast(resp.StreamKey, resp.Payload)

	default:
		logger.Debug("unknown frame type dropped", "tunnel", tunnelID, "type", env.Type)
	}
}

// routeTerminalOutput forwards chat_message payloads verbatim and
// wraps everything else as a display frame.
func (fr *FrameRouter) routeTerminalOutput(tunnelID string, out wire.TerminalOutput) {
	key := StreamKey(tunnelID, out.SessionID, KindTerminal)

	var inner struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(out.Data), &inner); err == nil && inner.Type == "chat_message" {
		fr.streams.Broadcast(key, []byte(out.Data))
		return
	}

	fr.streams.Broadcast(key, mustMarshal(wire.TerminalDisplay{
		Type:      wire.TypeOutput,
		SessionID: out.SessionID,
		Data:      out.Data,
		Timestamp: time.Now().UnixMilli(),
	}))
}

// routeRecordingOutput forwards updates to recording subscribers,
// promoting a completed non-empty update to tts_ready when the legacy
// trigger is enabled.
func (fr *FrameRouter) routeRecordingOutput(tunnelID string, rec wire.RecordingOutput) {
	if fr.LegacyTTSTrigger && rec.IsComplete != nil && *rec.IsComplete && rec.Text != "" {
		ts := rec.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		fr.broadcastRecording(tunnelID, rec.SessionID, mustMarshal(wire.TTSReady{
			Type:      wire.TypeTTSReady,
			SessionID: rec.SessionID,
			Text:      rec.Text,
			Timestamp: ts,
		}))
		return
	}

	rec.Type = wire.TypeRecordingOutput
	fr.broadcastRecording(tunnelID, rec.SessionID, mustMarshal(rec))
}

// broadcastRecording reaches both the WS and the SSE recording
// subscribers of a session.
func (fr *FrameRouter) broadcastRecording(tunnelID, sessionID string, payload []byte) {
	fr.streams.Broadcast(StreamKey(tunnelID, sessionID, KindRecording), payload)
	fr.streams.Broadcast(StreamKey(tunnelID, sessionID, KindSSERecording), payload)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal broadcast payload", "error", err)
		return []byte("{}")
	}
	return data
}
