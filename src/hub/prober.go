package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultProbeInterval is how often keep-alive probes go out.
const DefaultProbeInterval = 30 * time.Second

// Pinger is the slice of the manager the prober needs.
type Pinger interface {
	SendPing()
	UserCount() int
}

// Prober periodically pushes keep-alive pings through the manager to every
// connected user. It owns its goroutine and cancellation; a probe failure
// never stops the loop.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober. A non-positive interval falls back to the
// default.
func NewProber(pinger Pinger, interval time.Duration, logger zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		pinger:   pinger,
		interval: interval,
		logger:   logger.With().Str("component", "liveness-prober").Logger(),
	}
}

// Start launches the probe loop. Calling Start on a running prober is a
// no-op.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info().Dur("interval", p.interval).Msg("liveness prober started")
}

// Stop cancels the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info().Msg("liveness prober stopped")
}

func (p *Prober) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-ctx.Done():
			return
		}
	}
}

// probe sends one round of pings. A panicking send path is absorbed so the
// loop keeps running.
func (p *Prober) probe() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("probe failed")
		}
	}()
	p.pinger.SendPing()
	p.logger.Debug().Int("users", p.pinger.UserCount()).Msg("probe sent")
}
