package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/wire"
)

const testRegKey = "REG-KEY"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.RegistrationKey == "" {
		cfg.RegistrationKey = testRegKey
	}
	if cfg.ProxyTimeout == 0 {
		cfg.ProxyTimeout = 200 * time.Millisecond
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func createTunnel(t *testing.T, ts *httptest.Server, body string) tunnelConfig {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tunnel/create", strings.NewReader(body))
	req.Header.Set("X-API-Key", testRegKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("tunnel create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tunnel create status = %d", resp.StatusCode)
	}
	var out struct {
		Config tunnelConfig `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return out.Config
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// connectWorkstation dials the tunnel socket and registers the client
// auth key, waiting until the relay has processed it.
func connectWorkstation(t *testing.T, s *Server, ts *httptest.Server, cfg tunnelConfig, authKey string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, wsURL(ts, "/tunnel/"+cfg.TunnelID+"?api_key="+cfg.APIKey))
	frame, _ := json.Marshal(wire.ClientAuthKey{Type: wire.TypeClientAuthKey, Key: authKey})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("send client_auth_key: %v", err)
	}
	waitFor(t, func() bool {
		tun := s.tunnels.Get(cfg.TunnelID)
		return tun != nil && tun.ClientAuthKey() == authKey
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestTunnelCreateAndHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	cfg := createTunnel(t, ts, `{"name":"A"}`)
	if len(cfg.TunnelID) != 16 {
		t.Errorf("tunnelId = %q, want 16 hex chars", cfg.TunnelID)
	}
	if len(cfg.APIKey) != 64 {
		t.Errorf("apiKey length = %d, want 64", len(cfg.APIKey))
	}
	if cfg.IsRestored {
		t.Error("fresh tunnel must not be restored")
	}
	if !strings.Contains(cfg.PublicURL, "/api/"+cfg.TunnelID) {
		t.Errorf("publicUrl = %q", cfg.PublicURL)
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status  string `json:"status"`
		Tunnels int    `json:"tunnels"`
		Uptime  int    `json:"uptime"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "ok" || health.Tunnels != 0 || health.Uptime < 0 {
		t.Errorf("health = %+v", health)
	}
}

func TestTunnelCreateRequiresRegistrationKey(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, err := http.Post(ts.URL+"/tunnel/create", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTunnelRestoreKeepsIDFreshKey(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	first := createTunnel(t, ts, `{"name":"A"}`)
	restored := createTunnel(t, ts, `{"tunnel_id":"`+first.TunnelID+`"}`)
	if !restored.IsRestored {
		t.Error("isRestored must be true")
	}
	if restored.TunnelID != first.TunnelID {
		t.Error("restored tunnel must keep its id")
	}
	if restored.APIKey == first.APIKey {
		t.Error("restore must mint a fresh api key")
	}
}

func TestProxyUnknownTunnel404(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.URL + "/api/deadbeefdeadbeef/foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxyTimesOutWithoutWorkstation(t *testing.T) {
	_, ts := newTestServer(t, Config{ProxyTimeout: 150 * time.Millisecond})
	cfg := createTunnel(t, ts, `{}`)

	start := time.Now()
	resp, err := http.Get(ts.URL + "/api/" + cfg.TunnelID + "/foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("timeout resolved early")
	}
}

func TestProxyWithoutAuthKey503(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)
	dialWS(t, wsURL(ts, "/tunnel/"+cfg.TunnelID+"?api_key="+cfg.APIKey))
	waitFor(t, func() bool { return s.tunnels.Get(cfg.TunnelID) != nil })

	resp, err := http.Get(ts.URL + "/api/" + cfg.TunnelID + "/foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProxyRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, Config{ProxyTimeout: 5 * time.Second})
	cfg := createTunnel(t, ts, `{}`)
	wk := connectWorkstation(t, s, ts, cfg, "laptop-key")

	// Fake workstation: answer the first http_request.
	go func() {
		ctx := context.Background()
		for {
			_, data, err := wk.Read(ctx)
			if err != nil {
				return
			}
			var req wire.HTTPRequest
			if json.Unmarshal(data, &req) != nil || req.Type != wire.TypeHTTPRequest {
				continue
			}
			if req.Method != http.MethodGet || req.Path != "/sessions" {
				continue
			}
			resp, _ := json.Marshal(wire.HTTPResponse{
				Type:       wire.TypeHTTPResponse,
				RequestID:  req.RequestID,
				StatusCode: 200,
				Headers:    map[string][]string{"Content-Type": {"application/json"}},
				Body:       `{"sessions":[]}`,
			})
			wk.Write(ctx, websocket.MessageText, resp)
		}
	}()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/"+cfg.TunnelID+"//sessions", nil)
	req.Header.Set("X-Laptop-Auth-Key", "laptop-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"sessions":[]}` {
		t.Errorf("body = %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestProxyRejectsWrongClientAuthKey(t *testing.T) {
	s, ts := newTestServer(t, Config{ProxyTimeout: 5 * time.Second})
	cfg := createTunnel(t, ts, `{}`)
	connectWorkstation(t, s, ts, cfg, "laptop-key")

	for _, key := range []string{"", "wrong"} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/"+cfg.TunnelID+"/sessions", nil)
		if key != "" {
			req.Header.Set("X-Laptop-Auth-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, resp.StatusCode)
		}
	}
}

func TestTunnelWSRejectsBadKey(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(ts, "/tunnel/"+cfg.TunnelID+"?api_key=wrong"), nil)
	if err == nil {
		t.Fatal("dial with wrong key must fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestReRegisterReplacesSocket(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)

	first := connectWorkstation(t, s, ts, cfg, "key-1")
	second := dialWS(t, wsURL(ts, "/tunnel/"+cfg.TunnelID+"?api_key="+cfg.APIKey))
	_ = second

	// The first socket is closed by the relay with a normal closure.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if err == nil {
		t.Fatal("replaced socket must be closed")
	}
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want 1000", websocket.CloseStatus(err))
	}

	if s.tunnels.Count() != 1 {
		t.Errorf("tunnel count = %d, want exactly one live socket", s.tunnels.Count())
	}
	// The auth key registered by the first socket carries over.
	if got := s.tunnels.Get(cfg.TunnelID).ClientAuthKey(); got != "key-1" {
		t.Errorf("client auth key after replace = %q", got)
	}
}

func TestTerminalStreamInputAndOutput(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)
	wk := connectWorkstation(t, s, ts, cfg, "key")

	mobile := dialWS(t, wsURL(ts, "/api/"+cfg.TunnelID+"/terminal/s1/stream"))
	waitFor(t, func() bool {
		return s.streams.SubscriberCount(StreamKey(cfg.TunnelID, "s1", KindTerminal)) == 1
	})

	// Mobile input is forwarded to the workstation as terminal_input.
	writeFrame(t, mobile, map[string]string{"type": "input", "data": "ls\n"})
	var in wire.TerminalInput
	if err := json.Unmarshal(readFrame(t, wk), &in); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if in.Type != wire.TypeTerminalInput || in.SessionID != "s1" || in.Data != "ls\n" {
		t.Errorf("terminal_input = %+v", in)
	}

	// Workstation output is wrapped and fanned out to the mobile.
	writeFrame(t, wk, wire.TerminalOutput{Type: wire.TypeTerminalOutput, SessionID: "s1", Data: "file.txt\r\n"})
	var disp wire.TerminalDisplay
	if err := json.Unmarshal(readFrame(t, mobile), &disp); err != nil {
		t.Fatalf("unmarshal display: %v", err)
	}
	if disp.Type != "output" || disp.Data != "file.txt\r\n" {
		t.Errorf("display = %+v", disp)
	}
}

func TestAgentWSRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)
	wk := connectWorkstation(t, s, ts, cfg, "key")

	mobile := dialWS(t, wsURL(ts, "/api/"+cfg.TunnelID+"/agent/ws"))
	waitFor(t, func() bool {
		return s.streams.SubscriberCount(StreamKey(cfg.TunnelID, "", KindAgent)) == 1
	})

	writeFrame(t, mobile, map[string]any{"type": "command_text", "session_id": "s1"})

	var req wire.AgentRequest
	if err := json.Unmarshal(readFrame(t, wk), &req); err != nil {
		t.Fatalf("unmarshal agent_request: %v", err)
	}
	if req.Type != wire.TypeAgentRequest || req.TunnelID != cfg.TunnelID {
		t.Errorf("agent_request = %+v", req)
	}
	wantKey := StreamKey(cfg.TunnelID, "", KindAgent)
	if req.StreamKey != wantKey {
		t.Errorf("stream_key = %q, want %q", req.StreamKey, wantKey)
	}

	// Reply travels back to the mobile subscriber verbatim.
	writeFrame(t, wk, wire.AgentResponse{
		Type:      wire.TypeAgentResponse,
		StreamKey: req.StreamKey,
		Payload:   json.RawMessage(`{"type":"completion"}`),
	})
	if got := string(readFrame(t, mobile)); got != `{"type":"completion"}` {
		t.Errorf("mobile received %s", got)
	}
}

func TestHeartbeatReapsSilentWorkstation(t *testing.T) {
	hb := Heartbeat{
		PingInterval:  30 * time.Millisecond,
		PongTimeout:   80 * time.Millisecond,
		SweepInterval: 40 * time.Millisecond,
	}
	s, ts := newTestServer(t, Config{Heartbeat: hb})
	cfg := createTunnel(t, ts, `{}`)

	// Dial but never read: pings are never answered.
	dialWS(t, wsURL(ts, "/tunnel/"+cfg.TunnelID+"?api_key="+cfg.APIKey))
	waitFor(t, func() bool { return s.tunnels.Count() == 1 })

	waitFor(t, func() bool { return s.tunnels.Count() == 0 })
}

func TestShutdownClosesMobileStreams(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)
	wk := connectWorkstation(t, s, ts, cfg, "key")

	mobile := dialWS(t, wsURL(ts, "/api/"+cfg.TunnelID+"/terminal/s1/stream"))
	waitFor(t, func() bool {
		return s.streams.SubscriberCount(StreamKey(cfg.TunnelID, "s1", KindTerminal)) == 1
	})

	s.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := mobile.Read(ctx); err == nil {
		t.Fatal("mobile stream must be closed on shutdown")
	} else if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("mobile close status = %v, want 1001", websocket.CloseStatus(err))
	}
	if _, _, err := wk.Read(ctx); err == nil {
		t.Fatal("workstation socket must be closed on shutdown")
	} else if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("workstation close status = %v, want 1001", websocket.CloseStatus(err))
	}
}

func TestRecordingSSEAuth(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)
	connectWorkstation(t, s, ts, cfg, "laptop-key")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/"+cfg.TunnelID+"/recording/s1/events", nil)
	req.Header.Set("X-Laptop-Auth-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRecordingSSEDeliversEvents(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	cfg := createTunnel(t, ts, `{}`)
	wk := connectWorkstation(t, s, ts, cfg, "laptop-key")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/"+cfg.TunnelID+"/recording/s1/events", nil)
	req.Header.Set("X-Laptop-Auth-Key", "laptop-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	waitFor(t, func() bool {
		return s.streams.SubscriberCount(StreamKey(cfg.TunnelID, "s1", KindSSERecording)) == 1
	})

	writeFrame(t, wk, wire.RecordingOutput{
		Type: wire.TypeRecordingOutput, SessionID: "s1", Text: "hello", Delta: "hello",
	})

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read sse: %v", err)
	}
	chunk := string(buf[:n])
	if !strings.Contains(chunk, "event: recording_output") || !strings.Contains(chunk, `"text":"hello"`) {
		t.Errorf("sse chunk = %q", chunk)
	}
}
