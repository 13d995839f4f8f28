package trust

import (
	"context"
	"log"
	"time"

	"github.com/fedsig/threatnet/internal/intel"
)

// The aggregator signals report outcomes through a queue rather than a
// direct call, keeping the dependency one-directional: aggregator reads
// trust, trust consumes outcomes.

const (
	outcomeRetries    = 3
	outcomeRetryDelay = 100 * time.Millisecond
)

// Enqueue accepts an outcome signal without blocking. Implements
// intel.OutcomeSink. A full queue drops the signal; trust credit is
// best-effort and an already-fired verification is never reverted.
func (m *Manager) Enqueue(o intel.Outcome) {
	select {
	case m.queue <- o:
	default:
		log.Printf("[TrustManager] Outcome queue full, dropping %s for %.8s", o.Result, o.ClientID)
	}
}

// Run consumes the outcome queue until the context is canceled. Store
// failures are retried a bounded number of times, then logged and dropped.
func (m *Manager) Run(ctx context.Context) {
	log.Println("[TrustManager] Outcome consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[TrustManager] Outcome consumer stopped")
			return
		case o := <-m.queue:
			m.applyWithRetry(ctx, o)
		}
	}
}

func (m *Manager) applyWithRetry(ctx context.Context, o intel.Outcome) {
	var err error
	for attempt := 1; attempt <= outcomeRetries; attempt++ {
		if err = m.UpdateOnReport(ctx, o.ClientID, o.Result); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(outcomeRetryDelay * time.Duration(attempt)):
		}
	}
	log.Printf("[TrustManager] Giving up on %s outcome for %.8s: %v", o.Result, o.ClientID, err)
}
