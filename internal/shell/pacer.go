package shell

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Pacer enforces a minimum gap between consecutive commands addressed to the
// same endpoint. Some BMC and initiator tools misbehave when hammered; the
// gap is tracked per address under a mutex rather than in package state so
// concurrent node pipelines pace independently.
type Pacer struct {
	Gap   time.Duration
	Clock clock.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

func NewPacer(gap time.Duration, clk clock.Clock) *Pacer {
	return &Pacer{Gap: gap, Clock: clk, last: make(map[string]time.Time)}
}

// Wait blocks until the address is allowed another command, then records the
// new command time. Returns early with the context error on cancellation.
func (p *Pacer) Wait(ctx context.Context, address string) error {
	p.mu.Lock()
	now := p.Clock.Now()
	wait := p.Gap - now.Sub(p.last[address])
	if wait <= 0 {
		p.last[address] = now
		p.mu.Unlock()
		return nil
	}
	// Reserve the slot before sleeping so a concurrent caller queues behind.
	p.last[address] = now.Add(wait)
	p.mu.Unlock()

	select {
	case <-p.Clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
