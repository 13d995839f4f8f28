// Package sweep runs the coordinator's periodic maintenance loops.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/fedsig/threatnet/internal/fabric"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/trust"
)

// Config holds the tick intervals for the three maintenance loops.
type Config struct {
	SweepInterval  time.Duration // unverified IOC expiry
	DecayInterval  time.Duration // trust decay catch-up tick
	ReaperInterval time.Duration // stale heartbeat detection
}

// Sweeper drives IOC expiry, trust decay, and the heartbeat reaper on
// independent tickers.
type Sweeper struct {
	agg   *intel.Aggregator
	trust *trust.Manager
	hub   *fabric.Hub
	cfg   Config
}

func New(agg *intel.Aggregator, trust *trust.Manager, hub *fabric.Hub, cfg Config) *Sweeper {
	return &Sweeper{agg: agg, trust: trust, hub: hub, cfg: cfg}
}

// Run blocks until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Println("[Sweeper] Starting maintenance loops...")

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	decayTicker := time.NewTicker(s.cfg.DecayInterval)
	defer decayTicker.Stop()
	reaperTicker := time.NewTicker(s.cfg.ReaperInterval)
	defer reaperTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Sweeper] Stopping maintenance loops...")
			return
		case <-sweepTicker.C:
			s.runExpiry(ctx)
		case <-decayTicker.C:
			s.runDecay(ctx)
		case now := <-reaperTicker.C:
			if n := s.hub.ReapStale(now.UTC()); n > 0 {
				log.Printf("[Sweeper] Reaped %d stale clients", n)
			}
		}
	}
}

func (s *Sweeper) runExpiry(ctx context.Context) {
	expired, err := s.agg.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("[Sweeper] Expiry sweep failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[Sweeper] Expired %d stale unverified IOCs", expired)
	}
}

func (s *Sweeper) runDecay(ctx context.Context) {
	if err := s.trust.ApplyDecayTick(ctx, time.Now().UTC()); err != nil {
		log.Printf("[Sweeper] Decay tick failed: %v", err)
	}
}
