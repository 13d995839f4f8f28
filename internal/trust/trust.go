package trust

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/pkg/models"
)

// Config tunes the reputation engine. Weights are exposed as configuration
// rather than constants; the defaults are a baseline, not canon.
type Config struct {
	InitialTrust float64
	MinTrust     float64
	MaxTrust     float64

	DecayRate     float64
	DecayInterval time.Duration

	LearningRate      float64
	ContributionNorm  float64
	ResponsivenessTau time.Duration
	ConsistencyWindow int

	WeightAccuracy       float64
	WeightContribution   float64
	WeightResponsiveness float64
	WeightConsistency    float64
}

// clientState is the in-memory view of one client: the cached durable row
// plus the rolling outcome window feeding the consistency factor. The
// window is memory-only; a restart resets it.
type clientState struct {
	mu       sync.Mutex
	score    models.TrustScore
	outcomes []float64 // last K outcomes, 1 = accepted, 0 = rejected
}

// Manager maintains per-client reputation: accurate, frequent, responsive
// and consistent reporters accumulate trust; silent or inaccurate ones
// decay back toward the initial score. All mutations of one client are
// serialized on that client's state lock.
type Manager struct {
	store store.Store
	cfg   Config

	mu      sync.Mutex
	clients map[string]*clientState

	queue chan intel.Outcome

	now func() time.Time
}

const outcomeQueueSize = 4096

// NewManager builds a trust manager over the given store.
func NewManager(st store.Store, cfg Config) *Manager {
	return &Manager{
		store:   st,
		cfg:     cfg,
		clients: make(map[string]*clientState),
		queue:   make(chan intel.Outcome, outcomeQueueSize),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// state returns the cached state for a client, loading or creating the
// durable row as needed. Unknown client ids are never an error.
func (m *Manager) state(ctx context.Context, clientID string) (*clientState, error) {
	m.mu.Lock()
	st, ok := m.clients[clientID]
	if !ok {
		st = &clientState{}
		m.clients[clientID] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.score.ClientID != "" {
		return st, nil
	}

	row, err := m.store.GetTrust(ctx, clientID)
	switch {
	case err == nil:
		st.score = *row
	case err == store.ErrNotFound:
		now := m.now().Truncate(time.Second)
		st.score = models.TrustScore{
			ClientID:      clientID,
			Value:         m.cfg.InitialTrust,
			LastUpdatedAt: now,
			CreatedAt:     now,
		}
		if err := m.store.SaveTrust(ctx, &st.score, nil); err != nil {
			st.score = models.TrustScore{}
			return nil, err
		}
		log.Printf("[TrustManager] Initialized client %.8s at trust %.2f", clientID, m.cfg.InitialTrust)
	default:
		return nil, err
	}
	return st, nil
}

// Get returns the client's current score, applying lazy decay first.
// Implements intel.TrustReader.
func (m *Manager) Get(ctx context.Context, clientID string) (models.TrustScore, error) {
	st, err := m.state(ctx, clientID)
	if err != nil {
		return models.TrustScore{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := m.decayLocked(ctx, st); err != nil {
		return models.TrustScore{}, err
	}
	return st.score, nil
}

// RegisterHeartbeat records client liveness; it feeds the responsiveness
// factor but does not change the score directly.
func (m *Manager) RegisterHeartbeat(ctx context.Context, clientID string, at time.Time) error {
	st, err := m.state(ctx, clientID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.score
	st.score.LastHeartbeatAt = at.UTC().Truncate(time.Second)
	if err := m.store.SaveTrust(ctx, &st.score, nil); err != nil {
		st.score = prev
		return err
	}
	return nil
}

// UpdateOnReport applies one report outcome: counters, the weighted
// multi-factor formula, and an audit event. Store failures revert the
// in-memory state.
func (m *Manager) UpdateOnReport(ctx context.Context, clientID string, outcome intel.OutcomeResult) error {
	st, err := m.state(ctx, clientID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := m.decayLocked(ctx, st); err != nil {
		return err
	}

	prevScore := st.score
	prevOutcomes := st.outcomes

	var reason models.TrustEventReason
	switch outcome {
	case intel.OutcomeSubmitted:
		st.score.ReportsTotal++
		reason = models.TrustReasonReport
	case intel.OutcomeAccepted:
		st.score.ReportsAccepted++
		st.outcomes = pushOutcome(st.outcomes, 1, m.cfg.ConsistencyWindow)
		reason = models.TrustReasonAccepted
	case intel.OutcomeRejected:
		st.score.ReportsRejected++
		st.outcomes = pushOutcome(st.outcomes, 0, m.cfg.ConsistencyWindow)
		reason = models.TrustReasonRejected
	default:
		return intel.BadRequest("unknown report outcome %q", outcome)
	}

	now := m.now().Truncate(time.Second)
	raw := m.rawScore(&st.score, st.outcomes, now)
	next := m.cfg.LearningRate*raw + (1-m.cfg.LearningRate)*st.score.Value
	next = clamp(next, m.cfg.MinTrust, m.cfg.MaxTrust)

	delta := next - st.score.Value
	st.score.Value = next
	st.score.LastUpdatedAt = now

	event := &models.TrustEvent{
		ID:       uuid.New().String(),
		ClientID: clientID,
		At:       now,
		Delta:    delta,
		Value:    next,
		Reason:   reason,
	}
	if err := m.store.SaveTrust(ctx, &st.score, event); err != nil {
		st.score = prevScore
		st.outcomes = prevOutcomes
		return err
	}
	return nil
}

// rawScore evaluates the four weighted factors.
func (m *Manager) rawScore(score *models.TrustScore, outcomes []float64, now time.Time) float64 {
	judged := score.ReportsAccepted + score.ReportsRejected
	accuracy := float64(score.ReportsAccepted) / math.Max(1, float64(judged))

	contribution := math.Min(1.0, float64(score.ReportsTotal)/m.cfg.ContributionNorm)

	// A client that never heartbeats scores zero on responsiveness.
	responsiveness := 0.0
	if !score.LastHeartbeatAt.IsZero() {
		dt := now.Sub(score.LastHeartbeatAt).Seconds()
		if dt < 0 {
			dt = 0
		}
		responsiveness = math.Exp(-dt / m.cfg.ResponsivenessTau.Seconds())
	}

	// Too few judged outcomes to measure spread: neutral.
	consistency := 0.5
	if len(outcomes) >= 2 {
		consistency = clamp(1-stddev(outcomes), 0, 1)
	}

	return m.cfg.WeightAccuracy*accuracy +
		m.cfg.WeightContribution*contribution +
		m.cfg.WeightResponsiveness*responsiveness +
		m.cfg.WeightConsistency*consistency
}

// decayLocked advances the score toward initial trust for every full decay
// interval since last_updated_at. Catch-up over N missed intervals applies
// decay_rate^N in one step, so lazy evaluation is idempotent.
func (m *Manager) decayLocked(ctx context.Context, st *clientState) error {
	now := m.now()
	elapsed := now.Sub(st.score.LastUpdatedAt)
	if elapsed < m.cfg.DecayInterval {
		return nil
	}
	periods := int(elapsed / m.cfg.DecayInterval)

	prev := st.score
	factor := math.Pow(m.cfg.DecayRate, float64(periods))
	decayed := m.cfg.InitialTrust + (st.score.Value-m.cfg.InitialTrust)*factor
	decayed = clamp(decayed, m.cfg.MinTrust, m.cfg.MaxTrust)

	delta := decayed - st.score.Value
	st.score.Value = decayed
	st.score.LastUpdatedAt = st.score.LastUpdatedAt.Add(time.Duration(periods) * m.cfg.DecayInterval)

	event := &models.TrustEvent{
		ID:       uuid.New().String(),
		ClientID: st.score.ClientID,
		At:       now.Truncate(time.Second),
		Delta:    delta,
		Value:    decayed,
		Reason:   models.TrustReasonDecay,
	}
	if err := m.store.SaveTrust(ctx, &st.score, event); err != nil {
		st.score = prev
		return err
	}
	return nil
}

// ApplyDecayTick runs one decay pass over every known client. Per-client
// locks are held only briefly; the tick interleaves with live traffic.
func (m *Manager) ApplyDecayTick(ctx context.Context, now time.Time) error {
	rows, err := m.store.ListTrust(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := m.Get(ctx, row.ClientID); err != nil {
			log.Printf("[TrustManager] Decay tick failed for %.8s: %v", row.ClientID, err)
		}
	}
	return nil
}

// Snapshot returns a decayed read-only view of every client's score. Rows
// are consistent individually; the set is not a single atomic read.
func (m *Manager) Snapshot(ctx context.Context) (map[string]models.TrustScore, error) {
	rows, err := m.store.ListTrust(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make(map[string]models.TrustScore, len(rows))
	for _, row := range rows {
		if elapsed := now.Sub(row.LastUpdatedAt); elapsed >= m.cfg.DecayInterval {
			periods := int(elapsed / m.cfg.DecayInterval)
			factor := math.Pow(m.cfg.DecayRate, float64(periods))
			row.Value = clamp(m.cfg.InitialTrust+(row.Value-m.cfg.InitialTrust)*factor,
				m.cfg.MinTrust, m.cfg.MaxTrust)
		}
		out[row.ClientID] = row
	}
	return out, nil
}

// History returns the most recent audit events for one client.
func (m *Manager) History(ctx context.Context, clientID string, limit int) ([]models.TrustEvent, error) {
	return m.store.TrustEvents(ctx, clientID, limit)
}

func pushOutcome(ring []float64, v float64, window int) []float64 {
	ring = append(ring, v)
	if window > 0 && len(ring) > window {
		ring = ring[len(ring)-window:]
	}
	return ring
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stddev(xs []float64) float64 {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / n)
}
