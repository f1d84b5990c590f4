package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/logger"
)

// Heartbeat pings managed sockets and reaps the ones that stop
// answering. The ping loop and the liveness sweep run on separate
// timers so a ping that happens to land just before the sweep cannot
// mask an already-missed pong.
type Heartbeat struct {
	PingInterval  time.Duration
	PongTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultHeartbeat() Heartbeat {
	return Heartbeat{
		PingInterval:  20 * time.Second,
		PongTimeout:   30 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

func (h Heartbeat) fill() Heartbeat {
	if h.PingInterval <= 0 {
		h.PingInterval = 20 * time.Second
	}
	if h.PongTimeout <= 0 {
		h.PongTimeout = 30 * time.Second
	}
	if h.SweepInterval <= 0 {
		h.SweepInterval = 30 * time.Second
	}
	return h
}

// Run supervises one socket until ctx is done or the socket is
// declared dead. touch records a pong, lastPong reads the latest one,
// and onDead fires exactly once when the sweep gives up; the caller's
// cleanup hook terminates the socket and drops its state.
func (h Heartbeat) Run(ctx context.Context, conn *websocket.Conn, lastPong func() time.Time, touch func(), onDead func()) {
	h = h.fill()
	ping := time.NewTicker(h.PingInterval)
	sweep := time.NewTicker(h.SweepInterval)
	defer ping.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.PingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				touch()
			}

		case <-sweep.C:
			if time.Since(lastPong()) > h.PongTimeout {
				logger.Warn("heartbeat timeout, terminating socket", "last_pong", lastPong())
				onDead()
				return
			}
		}
	}
}
