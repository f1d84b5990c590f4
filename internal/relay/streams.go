package relay

import (
	"strings"
	"sync"

	"github.com/rbarinov/echoshell/internal/logger"
)

// Kind distinguishes the fan-out streams hanging off one tunnel.
type Kind string

const (
	KindTerminal     Kind = "terminal"
	KindRecording    Kind = "recording"
	KindAgent        Kind = "agent"
	KindSSERecording Kind = "sse-recording"
)

// StreamKey builds the registry key tunnelID[:sessionID][:kind].
func StreamKey(tunnelID, sessionID string, kind Kind) string {
	parts := []string{tunnelID}
	if sessionID != "" {
		parts = append(parts, sessionID)
	}
	if kind != "" {
		parts = append(parts, string(kind))
	}
	return strings.Join(parts, ":")
}

const subscriberQueueDepth = 256

// Subscriber delivers broadcast payloads to one downstream socket in
// strict FIFO order through a single writer goroutine. Broadcast never
// blocks on a slow subscriber; when the queue is full the oldest
// pending frame is dropped so finals still get through.
type Subscriber struct {
	key   string
	send  func(payload []byte) error
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func NewSubscriber(key string, send func(payload []byte) error) *Subscriber {
	s := &Subscriber{
		key:   key,
		send:  send,
		queue: make(chan []byte, subscriberQueueDepth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Subscriber) run() {
	for {
		select {
		case payload := <-s.queue:
			if err := s.send(payload); err != nil {
				logger.Debug("stream subscriber write failed", "key", s.key, "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue offers a payload without blocking, shedding the oldest
// pending frame when the queue is full. Returns false once the
// subscriber is closed so the registry can drop it.
func (s *Subscriber) enqueue(payload []byte) bool {
	for {
		select {
		case <-s.done:
			return false
		default:
		}
		select {
		case s.queue <- payload:
			return true
		default:
		}
		select {
		case <-s.queue:
			logger.Warn("stream subscriber queue full, dropping oldest frame", "key", s.key)
		default:
		}
	}
}

func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Closed reports whether the writer goroutine has stopped.
func (s *Subscriber) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// StreamRegistry maps stream keys to their subscriber sets.
type StreamRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{subs: make(map[string]map[*Subscriber]struct{})}
}

func (r *StreamRegistry) Register(key string, sub *Subscriber) {
	r.mu.Lock()
	set, ok := r.subs[key]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subs[key] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes one subscription; an empty set drops the key.
func (r *StreamRegistry) Unregister(key string, sub *Subscriber) {
	r.mu.Lock()
	if set, ok := r.subs[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, key)
		}
	}
	r.mu.Unlock()
	sub.Close()
}

// Broadcast fans a payload out to every live subscriber of the key.
// The subscriber set is snapshotted under the lock; enqueueing happens
// outside it. Dead subscribers are pruned.
func (r *StreamRegistry) Broadcast(key string, payload []byte) {
	r.mu.RLock()
	set, ok := r.subs[key]
	if !ok {
		r.mu.RUnlock()
		return
	}
	snapshot := make([]*Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.enqueue(payload) {
			r.Unregister(key, sub)
		}
	}
}

// SubscriberCount is a test and health hook.
func (r *StreamRegistry) SubscriberCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}

// CloseTunnel shuts every stream belonging to a tunnel.
func (r *StreamRegistry) CloseTunnel(tunnelID string) {
	prefix := tunnelID + ":"
	r.mu.Lock()
	for key, set := range r.subs {
		if key != tunnelID && !strings.HasPrefix(key, prefix) {
			continue
		}
		for sub := range set {
			sub.Close()
		}
		delete(r.subs, key)
	}
	r.mu.Unlock()
}
