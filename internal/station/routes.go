package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbarinov/echoshell/internal/headless"
	"github.com/rbarinov/echoshell/internal/history"
	"github.com/rbarinov/echoshell/internal/session"
	"github.com/rbarinov/echoshell/internal/tunnel"
	"github.com/rbarinov/echoshell/internal/wire"
)

type sessionInfo struct {
	SessionID  string `json:"session_id"`
	Type       string `json:"type"`
	WorkingDir string `json:"working_dir"`
	Name       string `json:"name,omitempty"`
	PID        int    `json:"pid,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func describe(s *session.Session) sessionInfo {
	return sessionInfo{
		SessionID:  s.ID,
		Type:       string(s.Type),
		WorkingDir: s.WorkingDir,
		Name:       s.Name(),
		PID:        s.PID,
		CreatedAt:  s.CreatedAt.UnixMilli(),
	}
}

// routes builds the dispatcher for HTTP calls proxied over the tunnel.
func (s *Station) routes() *tunnel.Mux {
	mux := tunnel.NewMux()

	mux.Handle("GET", "/health", func(_ context.Context, _ tunnel.Request) wire.HTTPResponse {
		return tunnel.JSON(200, map[string]any{
			"status":   "ok",
			"sessions": len(s.manager.List()),
		})
	})

	mux.Handle("GET", "/sessions", func(_ context.Context, _ tunnel.Request) wire.HTTPResponse {
		sessions := s.manager.List()
		out := make([]sessionInfo, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, describe(sess))
		}
		return tunnel.JSON(200, map[string]any{"sessions": out})
	})

	mux.Handle("POST", "/sessions", s.handleCreateSession)
	mux.Handle("DELETE", "/sessions/{id}", s.handleDestroySession)
	mux.Handle("POST", "/sessions/{id}/command", s.handleCommand)
	mux.Handle("POST", "/sessions/{id}/input", s.handleInput)
	mux.Handle("POST", "/sessions/{id}/resize", s.handleResize)
	mux.Handle("POST", "/sessions/{id}/rename", s.handleRename)
	mux.Handle("GET", "/sessions/{id}/history", s.handleHistory)
	mux.Handle("GET", "/sessions/{id}/chat", s.handleChatHistory)
	mux.Handle("DELETE", "/sessions/{id}/chat", s.handleClearChat)

	return mux
}

func (s *Station) handleCreateSession(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	var body struct {
		Type       string `json:"type"`
		WorkingDir string `json:"working_dir"`
		Name       string `json:"name"`
	}
	if err := decodeBody(req, &body); err != nil {
		return tunnel.Error(400, err.Error())
	}
	if body.Type == "" {
		body.Type = string(session.TypeRegular)
	}
	if body.WorkingDir == "" {
		body.WorkingDir = s.cfg.WorkRootPath
	}

	sess, err := s.manager.Create(session.Type(body.Type), body.WorkingDir, body.Name)
	if err != nil {
		return tunnel.Error(400, err.Error())
	}
	return tunnel.JSON(200, describe(sess))
}

func (s *Station) handleDestroySession(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	if err := s.manager.Destroy(req.Params["id"]); err != nil {
		return sessionError(err)
	}
	return tunnel.JSON(200, map[string]bool{"destroyed": true})
}

// handleCommand runs a command line: regular sessions type it into the
// PTY, headless sessions hand it to the CLI executor.
func (s *Station) handleCommand(ctx context.Context, req tunnel.Request) wire.HTTPResponse {
	var body struct {
		Command string `json:"command"`
	}
	if err := decodeBody(req, &body); err != nil {
		return tunnel.Error(400, err.Error())
	}
	if body.Command == "" {
		return tunnel.Error(400, "command is required")
	}

	sess, err := s.manager.Get(req.Params["id"])
	if err != nil {
		return sessionError(err)
	}

	if sess.Type.Headless() {
		router := s.routerFor(sess)
		if err := s.executor.Execute(context.WithoutCancel(ctx), sess, body.Command, router); err != nil {
			if errors.Is(err, headless.ErrSessionBusy) {
				return tunnel.Error(503, "a command is already running")
			}
			return tunnel.Error(500, err.Error())
		}
		s.recordChat(sess.ID, history.MessageUser, body.Command)
		return tunnel.JSON(200, map[string]any{"accepted": true, "session_id": sess.ID})
	}

	if err := s.manager.ExecuteCommand(sess.ID, body.Command); err != nil {
		return tunnel.Error(400, err.Error())
	}
	return tunnel.JSON(200, map[string]any{"accepted": true, "session_id": sess.ID})
}

func (s *Station) handleInput(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	var body struct {
		Data      string `json:"data"`
		IsCommand bool   `json:"is_command"`
	}
	if err := decodeBody(req, &body); err != nil {
		return tunnel.Error(400, err.Error())
	}
	if err := s.manager.WriteInput(req.Params["id"], body.Data, body.IsCommand); err != nil {
		return sessionError(err)
	}
	return tunnel.JSON(200, map[string]bool{"written": true})
}

func (s *Station) handleResize(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	var body struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := decodeBody(req, &body); err != nil {
		return tunnel.Error(400, err.Error())
	}
	if body.Cols == 0 || body.Rows == 0 {
		return tunnel.Error(400, "cols and rows must be positive")
	}
	if err := s.manager.Resize(req.Params["id"], body.Cols, body.Rows); err != nil {
		return sessionError(err)
	}
	return tunnel.JSON(200, map[string]bool{"resized": true})
}

func (s *Station) handleRename(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(req, &body); err != nil {
		return tunnel.Error(400, err.Error())
	}
	if body.Name == "" {
		return tunnel.Error(400, "name is required")
	}
	if err := s.manager.Rename(req.Params["id"], body.Name); err != nil {
		return sessionError(err)
	}
	return tunnel.JSON(200, map[string]bool{"renamed": true})
}

func (s *Station) handleHistory(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	sess, err := s.manager.Get(req.Params["id"])
	if err != nil {
		return sessionError(err)
	}
	return tunnel.JSON(200, map[string]any{
		"session_id": sess.ID,
		"lines":      sess.History(),
	})
}

type chatMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Station) handleChatHistory(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	messages, err := s.store.GetChatHistory(req.Params["id"])
	if err != nil {
		return tunnel.Error(500, err.Error())
	}
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatMessage{
			ID:        m.ID,
			Type:      m.Type,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Metadata:  m.Metadata,
		})
	}
	return tunnel.JSON(200, map[string]any{"messages": out})
}

func (s *Station) handleClearChat(_ context.Context, req tunnel.Request) wire.HTTPResponse {
	if err := s.store.ClearHistory(req.Params["id"]); err != nil {
		return tunnel.Error(500, err.Error())
	}
	return tunnel.JSON(200, map[string]bool{"cleared": true})
}

func decodeBody(req tunnel.Request, out any) error {
	if req.Body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(req.Body), out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func sessionError(err error) wire.HTTPResponse {
	if errors.Is(err, session.ErrNotFound) {
		return tunnel.Error(404, "session not found")
	}
	if errors.Is(err, session.ErrNoPTY) {
		return tunnel.Error(400, "session has no terminal")
	}
	return tunnel.Error(500, err.Error())
}
