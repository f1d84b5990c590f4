package relay

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const defaultBurst = 1 << 20 // 1 MiB

// BandwidthMeter applies per-tunnel rate limiting on mobile-originated
// relay traffic so one chatty client cannot starve the rest.
type BandwidthMeter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewBandwidthMeter creates a meter with the given sustained rate in
// bytes per second. A zero or negative rate disables metering.
func NewBandwidthMeter(bytesPerSec int) *BandwidthMeter {
	if bytesPerSec <= 0 {
		return nil
	}
	return &BandwidthMeter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    defaultBurst,
	}
}

// Wait blocks until the tunnel's limiter admits n bytes or ctx ends.
// A nil meter admits everything.
func (b *BandwidthMeter) Wait(ctx context.Context, tunnelID string, n int) error {
	if b == nil {
		return nil
	}
	lim := b.limiter(tunnelID)
	// Chunk oversized messages so WaitN never rejects n > burst.
	for n > 0 {
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Forget drops a tunnel's limiter state.
func (b *BandwidthMeter) Forget(tunnelID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.limiters, tunnelID)
	b.mu.Unlock()
}

func (b *BandwidthMeter) limiter(tunnelID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[tunnelID]
	if !ok {
		lim = rate.NewLimiter(b.rateVal, b.burst)
		b.limiters[tunnelID] = lim
	}
	return lim
}
