package relay

import (
	"sync"

	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/wire"
)

type pendingEntry struct {
	tunnelID string
	ch       chan wire.HTTPResponse
}

// PendingRequests correlates proxied HTTP requests with the response
// frames that resolve them. Each request ID resolves exactly once, by
// response, timeout, or tunnel disconnect; later resolutions no-op.
type PendingRequests struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

func NewPendingRequests() *PendingRequests {
	return &PendingRequests{entries: make(map[string]pendingEntry)}
}

// Install registers a request and returns the channel its resolution
// arrives on. The channel is buffered so resolvers never block.
func (p *PendingRequests) Install(requestID, tunnelID string) <-chan wire.HTTPResponse {
	ch := make(chan wire.HTTPResponse, 1)
	p.mu.Lock()
	p.entries[requestID] = pendingEntry{tunnelID: tunnelID, ch: ch}
	p.mu.Unlock()
	return ch
}

// Resolve delivers a response. Returns false for an unknown or
// already-resolved request ID.
func (p *PendingRequests) Resolve(requestID string, resp wire.HTTPResponse) bool {
	p.mu.Lock()
	entry, ok := p.entries[requestID]
	if ok {
		delete(p.entries, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- resp
	return true
}

// Remove abandons a request without resolving it, for timeouts where
// the caller already answered the HTTP side.
func (p *PendingRequests) Remove(requestID string) {
	p.mu.Lock()
	delete(p.entries, requestID)
	p.mu.Unlock()
}

// FailTunnel resolves every pending request of a tunnel with the given
// status; used on disconnect (502) and shutdown (504).
func (p *PendingRequests) FailTunnel(tunnelID string, statusCode int, message string) {
	p.mu.Lock()
	var failed []pendingEntry
	for id, entry := range p.entries {
		if tunnelID == "" || entry.tunnelID == tunnelID {
			failed = append(failed, entry)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	if len(failed) > 0 {
		logger.Info("failing pending requests", "tunnel", tunnelID, "count", len(failed), "status", statusCode)
	}
	for _, entry := range failed {
		entry.ch <- wire.HTTPResponse{
			Type:       wire.TypeHTTPResponse,
			StatusCode: statusCode,
			Body:       `{"error":"` + message + `"}`,
		}
	}
}

func (p *PendingRequests) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
