// Package station assembles the workstation agent: session manager,
// headless executor, output routers, agent event handler, chat
// history, and the tunnel client that ties them to the relay.
package station

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/rbarinov/echoshell/internal/agent"
	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/headless"
	"github.com/rbarinov/echoshell/internal/history"
	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/record"
	"github.com/rbarinov/echoshell/internal/session"
	"github.com/rbarinov/echoshell/internal/tunnel"
	"github.com/rbarinov/echoshell/internal/wire"
)

// Station is the workstation agent process.
type Station struct {
	cfg      *config.Station
	manager  *session.Manager
	executor *headless.Executor
	store    *history.Store
	handler  *agent.Handler
	client   *tunnel.Client

	mu        sync.Mutex
	routers   map[string]*record.Router
	streamKey string
}

func New(cfg *config.Station) (*Station, error) {
	historyPath := cfg.HistoryPath
	if historyPath == "" {
		historyPath = history.DefaultPath()
	}
	store, err := history.Open(historyPath)
	if err != nil {
		return nil, fmt.Errorf("open chat history: %w", err)
	}

	// Sessions closed before a restart are gone; PTYs never survive
	// the process, so the terminal metadata table starts empty too.
	if n, err := store.CleanupOldSessions(); err != nil {
		logger.Warn("cleanup old chat sessions", "error", err)
	} else if n > 0 {
		logger.Info("cleaned up old chat sessions", "count", n)
	}
	if err := store.ClearTerminalSessions(); err != nil {
		logger.Warn("clear terminal session metadata", "error", err)
	}

	s := &Station{
		cfg:     cfg,
		store:   store,
		manager: session.NewManager(),
		routers: make(map[string]*record.Router),
	}
	s.manager.SetMetaStore(store)
	s.manager.SetShell(cfg.Shell)

	s.executor = headless.NewExecutor(headless.Config{
		ClaudeBin:       cfg.ClaudeBin,
		CursorBin:       cfg.CursorBin,
		ClaudeExtraArgs: cfg.ClaudeExtraArgs,
		CursorExtraArgs: cfg.CursorExtraArgs,
		ResumeFlag:      cfg.ClaudeResume,
		Timeout:         cfg.HeadlessTimeout,
	})
	s.executor.OnError = func(sessionID, message string) {
		s.recordChat(sessionID, history.MessageError, message)
	}

	var provider agent.Provider
	if cfg.AgentAPIKey != "" {
		provider, err = agent.NewProvider(agent.ProviderConfig{
			Provider:    cfg.AgentProvider,
			APIKey:      cfg.AgentAPIKey,
			BaseURL:     cfg.AgentBaseURL,
			Model:       cfg.AgentModelName,
			Temperature: cfg.AgentTemperature,
		})
		if err != nil {
			return nil, fmt.Errorf("agent provider: %w", err)
		}
	} else {
		logger.Warn("no AGENT_API_KEY set, voice and direct chat are disabled")
	}
	s.handler = agent.NewHandler(provider, store, s.emitAgentEvent)
	s.handler.Run = s.runAgentCommand

	s.client = &tunnel.Client{
		ClientAuthKey:   newAuthKey(),
		Dispatcher:      s.routes(),
		OnTerminalInput: s.onTerminalInput,
		OnAgentRequest:  s.onAgentRequest,
	}

	s.manager.OnOutput(s.onPTYOutput)
	s.manager.OnInput(s.onPTYInput)
	s.manager.OnDestroy(s.onSessionDestroyed)
	return s, nil
}

// Run provisions the tunnel and serves until ctx is cancelled.
func (s *Station) Run(ctx context.Context) error {
	tc, err := s.provisionTunnel(ctx)
	if err != nil {
		return fmt.Errorf("provision tunnel: %w", err)
	}
	s.client.RelayURL = tc.WSURL
	s.client.APIKey = tc.APIKey
	s.mu.Lock()
	s.streamKey = tc.TunnelID + ":agent"
	s.mu.Unlock()
	logger.Info("tunnel provisioned", "tunnel", tc.TunnelID, "public_url", tc.PublicURL, "restored", tc.IsRestored)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.client.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.manager.DestroyAll()
		s.store.Close()
		return nil
	})
	return g.Wait()
}

// --- tunnel provisioning ---

type tunnelState struct {
	TunnelID string `yaml:"tunnel_id"`
}

type tunnelConfig struct {
	TunnelID   string `json:"tunnelId"`
	APIKey     string `json:"apiKey"`
	PublicURL  string `json:"publicUrl"`
	WSURL      string `json:"wsUrl"`
	IsRestored bool   `json:"isRestored"`
}

func stateFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tunnel.yaml"
	}
	return filepath.Join(home, ".echoshell", "tunnel.yaml")
}

// provisionTunnel registers with the relay, reusing the tunnel ID from
// the previous run so the public URL stays stable across restarts.
func (s *Station) provisionTunnel(ctx context.Context) (*tunnelConfig, error) {
	statePath := stateFilePath()
	var state tunnelState
	if data, err := os.ReadFile(statePath); err == nil {
		yaml.Unmarshal(data, &state)
	}

	body, _ := json.Marshal(map[string]string{
		"name":      s.cfg.TunnelName,
		"tunnel_id": state.TunnelID,
	})
	url := strings.TrimSuffix(s.cfg.RelayURL, "/") + "/tunnel/create"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.cfg.RegistrationKey)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.New("relay rejected the registration key")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tunnel create returned %d", resp.StatusCode)
	}

	var out struct {
		Config tunnelConfig `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tunnel config: %w", err)
	}

	if data, err := yaml.Marshal(tunnelState{TunnelID: out.Config.TunnelID}); err == nil {
		os.MkdirAll(filepath.Dir(statePath), 0o755)
		os.WriteFile(statePath, data, 0o600)
	}
	return &out.Config, nil
}

// --- PTY and router wiring ---

// routerFor returns the session's recording router, creating one for
// headless sessions on first use.
func (s *Station) routerFor(sess *session.Session) *record.Router {
	if !sess.Type.Headless() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routers[sess.ID]
	if !ok {
		r = record.NewRouter(sess.ID, true)
		r.OnUpdate(func(u record.Update) { s.onRecordingUpdate(sess.ID, u) })
		s.routers[sess.ID] = r
	}
	return r
}

func (s *Station) lookupRouter(sessionID string) *record.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routers[sessionID]
}

func (s *Station) onPTYOutput(sessionID string, data []byte) {
	s.client.Send(wire.TerminalOutput{
		Type:      wire.TypeTerminalOutput,
		SessionID: sessionID,
		Data:      string(data),
	})
	if r := s.lookupRouter(sessionID); r != nil {
		r.ProcessOutput(data)
	}
}

func (s *Station) onPTYInput(sessionID string, data []byte) {
	if r := s.lookupRouter(sessionID); r != nil {
		r.ProcessInput(data)
	}
}

func (s *Station) onSessionDestroyed(sessionID string) {
	s.mu.Lock()
	delete(s.routers, sessionID)
	s.mu.Unlock()
	if err := s.store.CloseSession(sessionID); err != nil {
		logger.Warn("close chat session", "session", sessionID, "error", err)
	}
}

// onRecordingUpdate forwards one recording update to the relay and,
// when the command completes, appends the assistant turn to the chat
// log.
func (s *Station) onRecordingUpdate(sessionID string, u record.Update) {
	frame := wire.RecordingOutput{
		Type:      wire.TypeRecordingOutput,
		SessionID: sessionID,
		Text:      u.FullText,
		Delta:     u.Delta,
		Timestamp: u.Timestamp,
	}
	if u.IsComplete {
		frame.IsComplete = wire.Bool(true)
	}
	s.client.Send(frame)

	if u.IsComplete && u.FullText != "" {
		s.recordChat(sessionID, history.MessageAssistant, u.FullText)
	}
}

func (s *Station) onTerminalInput(sessionID, data string) {
	if err := s.manager.WriteInput(sessionID, data, false); err != nil {
		logger.Warn("terminal input dropped", "session", sessionID, "error", err)
	}
}

// --- agent events ---

func (s *Station) onAgentRequest(ctx context.Context, req wire.AgentRequest) {
	s.mu.Lock()
	s.streamKey = req.StreamKey
	s.mu.Unlock()

	var ev wire.AgentEvent
	if err := json.Unmarshal(req.Payload, &ev); err != nil {
		logger.Warn("malformed agent event dropped", "error", err)
		return
	}
	s.handler.HandleEvent(ctx, ev)
}

func (s *Station) emitAgentEvent(ev wire.AgentEvent) {
	s.mu.Lock()
	key := s.streamKey
	s.mu.Unlock()
	payload, _ := json.Marshal(ev)
	s.client.Send(wire.AgentResponse{
		Type:      wire.TypeAgentResponse,
		StreamKey: key,
		Payload:   payload,
	})
}

// runAgentCommand routes agent commands targeting a headless terminal
// session through the CLI executor; anything else falls back to the
// handler's direct LLM chat.
func (s *Station) runAgentCommand(ctx context.Context, sessionID, command string) (string, error) {
	sess, err := s.manager.Get(sessionID)
	if err != nil || !sess.Type.Headless() {
		return "", agent.ErrDirectChat
	}

	router := s.routerFor(sess)
	sub := router.Subscribe(64)
	defer router.Unsubscribe(sub)

	if err := s.executor.Execute(ctx, sess, command, router); err != nil {
		return "", err
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case u := <-sub.Updates():
			if u.IsComplete {
				return u.FullText, nil
			}
		}
	}
}

func (s *Station) recordChat(sessionID, typ, content string) {
	if err := s.store.CreateSession(sessionID); err != nil {
		logger.Warn("ensure chat session", "session", sessionID, "error", err)
		return
	}
	if _, err := s.store.AddMessage(history.Message{SessionID: sessionID, Type: typ, Content: content}); err != nil {
		logger.Warn("append chat message", "session", sessionID, "error", err)
	}
}

func newAuthKey() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
