// Package relay is the publicly reachable bridge between mobile
// clients and workstations: tunnel registry, stream fan-out, the
// HTTP to WebSocket proxy, and the frame router behind it.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/logger"
)

const writeTimeout = 5 * time.Second

// Tunnel is one connected workstation socket plus its credentials.
type Tunnel struct {
	ID        string
	APIKey    string
	Name      string
	CreatedAt time.Time

	conn *websocket.Conn

	mu            sync.Mutex
	clientAuthKey string
	lastPong      time.Time
	cancelHB      context.CancelFunc
}

// Send writes one frame to the workstation socket.
func (t *Tunnel) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

// Close terminates the workstation socket.
func (t *Tunnel) Close(code websocket.StatusCode, reason string) {
	t.conn.Close(code, reason)
}

func (t *Tunnel) SetClientAuthKey(key string) {
	t.mu.Lock()
	t.clientAuthKey = key
	t.mu.Unlock()
}

func (t *Tunnel) ClientAuthKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientAuthKey
}

func (t *Tunnel) UpdateLastPong() {
	t.mu.Lock()
	t.lastPong = time.Now()
	t.mu.Unlock()
}

func (t *Tunnel) LastPong() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPong
}

// TunnelRegistry holds the connected workstation sockets. At most one
// live socket per tunnel ID; re-register replaces the prior one.
type TunnelRegistry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

func NewTunnelRegistry() *TunnelRegistry {
	return &TunnelRegistry{tunnels: make(map[string]*Tunnel)}
}

// Register installs a tunnel, replacing any prior socket for the same
// ID atomically: the old heartbeat is cancelled and the old socket
// closed before the entry swaps. The client auth key carries over so a
// reconnect does not invalidate in-flight mobile sessions.
func (r *TunnelRegistry) Register(id, apiKey string, conn *websocket.Conn, name string, cancelHB context.CancelFunc) *Tunnel {
	t := &Tunnel{
		ID:        id,
		APIKey:    apiKey,
		Name:      name,
		CreatedAt: time.Now(),
		conn:      conn,
		lastPong:  time.Now(),
		cancelHB:  cancelHB,
	}

	r.mu.Lock()
	if prior, ok := r.tunnels[id]; ok {
		if prior.cancelHB != nil {
			prior.cancelHB()
		}
		prior.conn.Close(websocket.StatusNormalClosure, "replaced by new connection")
		t.clientAuthKey = prior.ClientAuthKey()
		logger.Info("tunnel replaced", "tunnel", id)
	}
	r.tunnels[id] = t
	r.mu.Unlock()
	return t
}

func (r *TunnelRegistry) Get(id string) *Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnels[id]
}

// Delete removes the tunnel only if it still maps to the given entry;
// a replacement that raced in stays registered. Reports whether the
// entry was actually removed.
func (r *TunnelRegistry) Delete(id string, t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tunnels[id]
	if !ok || (t != nil && cur != t) {
		return false
	}
	if cur.cancelHB != nil {
		cur.cancelHB()
	}
	delete(r.tunnels, id)
	return true
}

func (r *TunnelRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// All snapshots the live tunnels, for shutdown.
func (r *TunnelRegistry) All() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// NewTunnelID returns an 8-byte hex identifier.
func NewTunnelID() string { return randomHex(8) }

// NewAPIKey returns a 32-byte hex connection key.
func NewAPIKey() string { return randomHex(32) }

// NewRequestID returns a 16-hex-char proxied-request correlation ID.
func NewRequestID() string { return randomHex(8) }

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
