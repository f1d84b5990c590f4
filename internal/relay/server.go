package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/wire"
)

// Config is the relay's runtime configuration, read from the
// environment by internal/config.
type Config struct {
	Port            int
	PublicHost      string
	PublicProtocol  string
	RegistrationKey string

	// ProxyTimeout bounds a proxied HTTP request; 30s by default.
	ProxyTimeout time.Duration
	Heartbeat    Heartbeat

	// BandwidthRate limits mobile-originated bytes per tunnel, in
	// bytes per second. Zero disables metering.
	BandwidthRate int
}

func (c *Config) fill() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.PublicProtocol == "" {
		c.PublicProtocol = "http"
	}
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = 30 * time.Second
	}
}

type tunnelCred struct {
	apiKey    string
	name      string
	createdAt time.Time
}

// Server is the relay process: tunnel lifecycle, stream fan-out, and
// the HTTP surface mobile clients talk to.
type Server struct {
	cfg     Config
	tunnels *TunnelRegistry
	streams *StreamRegistry
	pending *PendingRequests
	router  *FrameRouter
	meter   *BandwidthMeter

	credMu sync.Mutex
	creds  map[string]*tunnelCred

	start   time.Time
	httpSrv *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	cfg.fill()
	if cfg.RegistrationKey == "" {
		return nil, fmt.Errorf("registration API key is required")
	}
	s := &Server{
		cfg:     cfg,
		tunnels: NewTunnelRegistry(),
		streams: NewStreamRegistry(),
		pending: NewPendingRequests(),
		meter:   NewBandwidthMeter(cfg.BandwidthRate),
		creds:   make(map[string]*tunnelCred),
		start:   time.Now(),
	}
	s.router = NewFrameRouter(s.tunnels, s.streams, s.pending)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tunnel/create", s.handleTunnelCreate)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tunnel/{tunnel}", s.handleTunnelWS)
	mux.HandleFunc("GET /api/{tunnel}/terminal/{session}/stream", s.handleTerminalStream)
	mux.HandleFunc("GET /api/{tunnel}/recording/{session}/stream", s.handleRecordingStream)
	mux.HandleFunc("GET /api/{tunnel}/recording/{session}/events", s.handleRecordingSSE)
	mux.HandleFunc("GET /api/{tunnel}/agent/ws", s.handleAgentWS)
	mux.HandleFunc("/api/{tunnel}/{rest...}", s.handleProxy)
	return mux
}

// ListenAndServe runs the relay until ctx is cancelled, then drains:
// sockets close 1001 and pending requests resolve 504.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	logger.Info("relay listening", "port", s.cfg.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(sctx)
}

// Shutdown closes every socket with 1001, workstation and mobile
// alike, and fails all pending proxied requests with 504.
func (s *Server) Shutdown() {
	for _, t := range s.tunnels.All() {
		t.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	s.credMu.Lock()
	tunnelIDs := make([]string, 0, len(s.creds))
	for id := range s.creds {
		tunnelIDs = append(tunnelIDs, id)
	}
	s.credMu.Unlock()
	for _, id := range tunnelIDs {
		s.streams.CloseTunnel(id)
	}
	s.pending.FailTunnel("", http.StatusGatewayTimeout, "relay shutting down")
}

// --- tunnel lifecycle ---

type tunnelCreateRequest struct {
	Name     string `json:"name,omitempty"`
	TunnelID string `json:"tunnel_id,omitempty"`
}

type tunnelConfig struct {
	TunnelID   string `json:"tunnelId"`
	APIKey     string `json:"apiKey"`
	PublicURL  string `json:"publicUrl"`
	WSURL      string `json:"wsUrl"`
	IsRestored bool   `json:"isRestored"`
}

func (s *Server) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedRegistration(r) {
		writeError(w, http.StatusUnauthorized, "invalid registration key")
		return
	}

	var req tunnelCreateRequest
	if r.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, "malformed request body")
				return
			}
		}
	}

	tunnelID := req.TunnelID
	isRestored := tunnelID != ""
	if tunnelID == "" {
		tunnelID = NewTunnelID()
	}
	apiKey := NewAPIKey()

	s.credMu.Lock()
	s.creds[tunnelID] = &tunnelCred{apiKey: apiKey, name: req.Name, createdAt: time.Now()}
	s.credMu.Unlock()
	logger.Info("tunnel created", "tunnel", tunnelID, "name", req.Name, "restored", isRestored)

	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	wsProto := "ws"
	if s.cfg.PublicProtocol == "https" {
		wsProto = "wss"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": tunnelConfig{
			TunnelID:   tunnelID,
			APIKey:     apiKey,
			PublicURL:  fmt.Sprintf("%s://%s/api/%s", s.cfg.PublicProtocol, host, tunnelID),
			WSURL:      fmt.Sprintf("%s://%s/tunnel/%s", wsProto, host, tunnelID),
			IsRestored: isRestored,
		},
	})
}

func (s *Server) authorizedRegistration(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return key != "" && key == s.cfg.RegistrationKey
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tunnels": s.tunnels.Count(),
		"uptime":  int(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnel")
	apiKey := r.URL.Query().Get("api_key")

	s.credMu.Lock()
	cred := s.creds[tunnelID]
	s.credMu.Unlock()
	if cred == nil || apiKey == "" || apiKey != cred.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid tunnel credentials")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("tunnel websocket accept failed", "tunnel", tunnelID, "error", err)
		return
	}
	defer conn.CloseNow()

	hbCtx, cancelHB := context.WithCancel(context.Background())
	t := s.tunnels.Register(tunnelID, apiKey, conn, cred.name, cancelHB)
	logger.Info("tunnel connected", "tunnel", tunnelID, "name", cred.name)

	go s.cfg.Heartbeat.Run(hbCtx, conn, t.LastPong, t.UpdateLastPong, func() {
		conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
	})

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			break
		}
		s.router.Route(tunnelID, data)
	}

	// Only the socket that still owns the entry tears state down; a
	// replaced socket must not fail the successor's pending requests.
	if s.tunnels.Delete(tunnelID, t) {
		s.pending.FailTunnel(tunnelID, http.StatusBadGateway, "tunnel disconnected")
		s.meter.Forget(tunnelID)
		logger.Info("tunnel disconnected", "tunnel", tunnelID)
	}
}

// --- HTTP proxy ---

var repeatedSlashes = regexp.MustCompile(`/{2,}`)

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return repeatedSlashes.ReplaceAllString(p, "/")
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnel")

	s.credMu.Lock()
	known := s.creds[tunnelID] != nil
	s.credMu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}

	t := s.tunnels.Get(tunnelID)
	if t != nil {
		key := t.ClientAuthKey()
		if key == "" {
			writeError(w, http.StatusServiceUnavailable, "tunnel auth key not registered yet")
			return
		}
		// The workstation-owned bearer guards every proxied call.
		if r.Header.Get("X-Laptop-Auth-Key") != key {
			writeError(w, http.StatusUnauthorized, "invalid auth key")
			return
		}
	}

	body, _ := io.ReadAll(r.Body)
	requestID := NewRequestID()
	ch := s.pending.Install(requestID, tunnelID)
	defer s.pending.Remove(requestID)

	frame := wire.HTTPRequest{
		Type:      wire.TypeHTTPRequest,
		RequestID: requestID,
		Method:    r.Method,
		Path:      normalizePath(r.PathValue("rest")),
		Query:     r.URL.RawQuery,
		Headers:   r.Header,
		Body:      string(body),
	}
	if t != nil {
		payload, _ := json.Marshal(frame)
		if err := t.Send(r.Context(), payload); err != nil {
			logger.Warn("proxy frame send failed", "tunnel", tunnelID, "request_id", requestID, "error", err)
		}
	}

	select {
	case resp := <-ch:
		for name, values := range resp.Headers {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		io.WriteString(w, resp.Body)

	case <-time.After(s.cfg.ProxyTimeout):
		logger.Warn("proxy request timed out", "tunnel", tunnelID, "request_id", requestID, "path", frame.Path)
		writeError(w, http.StatusGatewayTimeout, "request timeout")

	case <-r.Context().Done():
	}
}

// --- mobile stream endpoints ---

func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnel")
	sessionID := r.PathValue("session")
	key := StreamKey(tunnelID, sessionID, KindTerminal)

	s.serveStreamWS(w, r, tunnelID, key, func(ctx context.Context, data []byte) {
		var in struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "input" {
			return
		}
		s.forwardToTunnel(ctx, tunnelID, wire.TerminalInput{
			Type:      wire.TypeTerminalInput,
			SessionID: sessionID,
			Data:      in.Data,
		})
	})
}

func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnel")
	key := StreamKey(tunnelID, r.PathValue("session"), KindRecording)
	// Server to client only; inbound frames are drained and ignored.
	s.serveStreamWS(w, r, tunnelID, key, nil)
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnel")
	key := StreamKey(tunnelID, "", KindAgent)

	s.serveStreamWS(w, r, tunnelID, key, func(ctx context.Context, data []byte) {
		s.forwardToTunnel(ctx, tunnelID, wire.AgentRequest{
			Type:      wire.TypeAgentRequest,
			TunnelID:  tunnelID,
			StreamKey: key,
			Payload:   json.RawMessage(data),
		})
	})
}

// serveStreamWS accepts a mobile stream socket, registers it for
// broadcasts under key, heartbeats it, and feeds inbound frames to
// onInbound until the peer goes away.
func (s *Server) serveStreamWS(w http.ResponseWriter, r *http.Request, tunnelID, key string, onInbound func(ctx context.Context, data []byte)) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("stream websocket accept failed", "key", key, "error", err)
		return
	}
	defer conn.CloseNow()

	sub := NewSubscriber(key, func(payload []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return conn.Write(ctx, websocket.MessageText, payload)
	})
	s.streams.Register(key, sub)
	defer s.streams.Unregister(key, sub)
	logger.Debug("stream subscriber connected", "key", key)

	// A registry-initiated close (relay shutdown) must unblock the read
	// loop and say goodbye properly.
	closeCtx, cancelClose := context.WithCancel(context.Background())
	defer cancelClose()
	go func() {
		select {
		case <-sub.done:
			conn.Close(websocket.StatusGoingAway, "relay shutting down")
		case <-closeCtx.Done():
		}
	}()

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	hbCtx, cancelHB := context.WithCancel(context.Background())
	defer cancelHB()
	go s.cfg.Heartbeat.Run(hbCtx, conn,
		func() time.Time { return time.Unix(0, lastPong.Load()) },
		func() { lastPong.Store(time.Now().UnixNano()) },
		func() { conn.Close(websocket.StatusGoingAway, "heartbeat timeout") },
	)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if err := s.meter.Wait(r.Context(), tunnelID, len(data)); err != nil {
			return
		}
		if onInbound != nil {
			onInbound(r.Context(), data)
		}
	}
}

func (s *Server) forwardToTunnel(ctx context.Context, tunnelID string, frame any) {
	t := s.tunnels.Get(tunnelID)
	if t == nil {
		logger.Warn("dropping frame for disconnected tunnel", "tunnel", tunnelID)
		return
	}
	payload, _ := json.Marshal(frame)
	if err := t.Send(ctx, payload); err != nil {
		logger.Warn("tunnel frame send failed", "tunnel", tunnelID, "error", err)
	}
}

// --- SSE ---

const sseKeepAliveInterval = 15 * time.Second

func (s *Server) handleRecordingSSE(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnel")
	t := s.tunnels.Get(tunnelID)
	if t == nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	authKey := r.Header.Get("X-Laptop-Auth-Key")
	if authKey == "" || authKey != t.ClientAuthKey() {
		writeError(w, http.StatusUnauthorized, "invalid auth key")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var mu sync.Mutex
	write := func(chunk string) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := io.WriteString(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	key := StreamKey(tunnelID, r.PathValue("session"), KindSSERecording)
	sub := NewSubscriber(key, func(payload []byte) error {
		return write("event: recording_output\ndata: " + string(payload) + "\n\n")
	})
	s.streams.Register(key, sub)
	defer s.streams.Unregister(key, sub)

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case <-keepAlive.C:
			if err := write(": keep-alive\n\n"); err != nil {
				return
			}
		}
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
