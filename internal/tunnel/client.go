// Package tunnel is the workstation side of the relay link: one
// outbound WebSocket carrying proxied HTTP, terminal frames, and
// agent events, with reconnect and a non-blocking sender.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/wire"
)

// ErrAuthRejected means the relay refused the handshake with 401.
var ErrAuthRejected = errors.New("relay rejected tunnel credentials")

// ErrDisconnected surfaces after the reconnect budget is exhausted.
var ErrDisconnected = errors.New("disconnected: reconnect attempts exhausted")

const (
	sendTimeout = 10 * time.Second
	outboxDepth = 512

	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultMaxAttempts   = 5
)

// Client maintains the workstation's tunnel to the relay.
type Client struct {
	// RelayURL is the ws endpoint, e.g. "wss://relay.example/tunnel/ab12…".
	RelayURL string
	APIKey   string

	// ClientAuthKey is registered with the relay as the very first
	// frame after connect.
	ClientAuthKey string

	// Dispatcher answers proxied http_request frames.
	Dispatcher *Mux

	OnTerminalInput func(sessionID, data string)
	OnAgentRequest  func(ctx context.Context, req wire.AgentRequest)
	OnConnect       func()

	// Reconnect tuning, overridable in tests.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int

	mu     sync.Mutex
	outbox chan []byte
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. It returns ErrAuthRejected on a credential
// failure and ErrDisconnected once MaxAttempts consecutive connection
// attempts fail.
func (c *Client) Run(ctx context.Context) error {
	base := c.ReconnectBase
	if base <= 0 {
		base = defaultReconnectBase
	}
	max := c.ReconnectMax
	if max <= 0 {
		max = defaultReconnectMax
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	backoff := NewBackoff(base, max)
	failures := 0
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isAuthError(err) {
			return ErrAuthRejected
		}
		if connected {
			backoff.Reset()
			failures = 0
		} else {
			failures++
			if failures >= maxAttempts {
				logger.Error("giving up on relay", "attempts", failures, "error", err)
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
		}
		delay := backoff.Next()
		logger.Warn("relay disconnected, reconnecting", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	url := c.RelayURL
	if c.APIKey != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "api_key=" + c.APIKey
	}

	conn, _, dialErr := websocket.Dial(ctx, url, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()
	connected = true

	outbox := make(chan []byte, outboxDepth)
	c.mu.Lock()
	c.outbox = outbox
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.outbox = nil
		c.mu.Unlock()
	}()

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	go sender(sendCtx, conn, outbox)

	// The auth key must be the first frame on the wire; write it
	// directly rather than racing the outbox.
	auth, _ := json.Marshal(wire.ClientAuthKey{Type: wire.TypeClientAuthKey, Key: c.ClientAuthKey})
	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = conn.Write(wctx, websocket.MessageText, auth)
	cancel()
	if err != nil {
		return connected, fmt.Errorf("register auth key: %w", err)
	}
	logger.Info("tunnel connected", "relay", c.RelayURL)
	if c.OnConnect != nil {
		c.OnConnect()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		c.route(ctx, data)
	}
}

func sender(ctx context.Context, conn *websocket.Conn, outbox <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-outbox:
			wctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				logger.Warn("tunnel write failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) route(ctx context.Context, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("malformed relay frame dropped", "error", err)
		return
	}

	switch env.Type {
	case wire.TypeHTTPRequest:
		var req wire.HTTPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("malformed http_request dropped", "error", err)
			return
		}
		go func() {
			resp := Error(503, "no handler installed")
			resp.RequestID = req.RequestID
			if c.Dispatcher != nil {
				resp = c.Dispatcher.Dispatch(ctx, req)
			}
			c.Send(resp)
		}()

	case wire.TypeTerminalInput:
		var in wire.TerminalInput
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		if c.OnTerminalInput != nil {
			c.OnTerminalInput(in.SessionID, in.Data)
		}

	case wire.TypeAgentRequest:
		var req wire.AgentRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if c.OnAgentRequest != nil {
			go c.OnAgentRequest(ctx, req)
		}

	default:
		logger.Debug("unknown relay frame dropped", "type", env.Type)
	}
}

// Send enqueues a frame for the sender goroutine. It never blocks:
// frames are dropped with a warning when the socket is down or the
// outbox is full.
func (c *Client) Send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal outbound frame", "error", err)
		return
	}
	c.mu.Lock()
	outbox := c.outbox
	c.mu.Unlock()
	if outbox == nil {
		logger.Warn("dropping frame, tunnel not connected")
		return
	}
	select {
	case outbox <- payload:
	default:
		logger.Warn("dropping frame, tunnel outbox full")
	}
}
