package intel

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/fedsig/threatnet/internal/metrics"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/pkg/models"
)

// TrustReader is the one-directional handle the aggregator holds on the
// trust engine: reads only. Acceptance/rejection signals flow back through
// an OutcomeSink queue, never a direct call.
type TrustReader interface {
	Get(ctx context.Context, clientID string) (models.TrustScore, error)
}

// OutcomeResult is the aggregator's verdict on one report.
type OutcomeResult string

const (
	OutcomeSubmitted OutcomeResult = "submitted"
	OutcomeAccepted  OutcomeResult = "accepted"
	OutcomeRejected  OutcomeResult = "rejected"
)

// Outcome is one report-outcome signal destined for the trust engine.
type Outcome struct {
	ClientID string
	Result   OutcomeResult
}

// OutcomeSink receives outcome signals. Delivery is best-effort; the
// aggregator never blocks on it.
type OutcomeSink interface {
	Enqueue(Outcome)
}

// Config tunes the aggregator.
type Config struct {
	Consensus ConsensusConfig
	IOCTTL    time.Duration
}

const lockStripes = 64

// Aggregator deduplicates IOCs across reporters and applies the
// trust-weighted consensus rule that promotes pending indicators to
// verified intelligence. All mutations of one IOC row are serialized
// through a stripe lock keyed by the fingerprint; distinct IOCs progress
// in parallel.
type Aggregator struct {
	store    store.Store
	trust    TrustReader
	outcomes OutcomeSink
	cfg      Config

	locks [lockStripes]sync.Mutex

	mu         sync.RWMutex
	onVerified func(models.IOC)

	now func() time.Time
}

// NewAggregator wires the aggregator to its store, trust reader and
// outcome queue.
func NewAggregator(st store.Store, trust TrustReader, outcomes OutcomeSink, cfg Config) *Aggregator {
	return &Aggregator{
		store:    st,
		trust:    trust,
		outcomes: outcomes,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetVerifiedHook registers the broadcast callback fired exactly once per
// promotion, after the row write has committed.
func (a *Aggregator) SetVerifiedHook(fn func(models.IOC)) {
	a.mu.Lock()
	a.onVerified = fn
	a.mu.Unlock()
}

func (a *Aggregator) fireVerified(ioc models.IOC) {
	a.mu.RLock()
	fn := a.onVerified
	a.mu.RUnlock()
	if fn != nil {
		fn(ioc)
	}
}

func (a *Aggregator) lockFor(iocID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(iocID))
	return &a.locks[h.Sum32()%lockStripes]
}

// Submit processes one reporter's submission of one IOC. It is idempotent
// on (client_id, ioc_id): a duplicate refreshes last_seen and merges
// metadata without touching report_count or consensus state.
func (a *Aggregator) Submit(ctx context.Context, clientID string, payload models.IOCPayload) (models.SubmitResult, error) {
	var res models.SubmitResult
	if clientID == "" {
		return res, BadRequest("client_id is required")
	}
	canonical, iocID, level, err := ValidatePayload(payload)
	if err != nil {
		return res, err
	}
	res.IOCID = iocID

	// Unknown clients get a trust row at initial_trust; never an error.
	reporter, err := a.trust.Get(ctx, clientID)
	if err != nil {
		return res, Internal(err, "failed to load reporter trust")
	}

	mu := a.lockFor(iocID)
	mu.Lock()
	defer mu.Unlock()

	now := a.now().Truncate(time.Second)

	ioc, err := a.store.GetIOC(ctx, iocID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ioc = &models.IOC{
			ID:          iocID,
			Type:        payload.Type,
			Value:       canonical,
			ThreatLevel: level,
			Status:      models.StatusPending,
			FirstSeen:   now,
			LastSeen:    now,
			ReportCount: 0,
		}
		res.Created = true
	case err != nil:
		return res, Internal(err, "failed to load ioc")
	}

	// Duplicate from the same reporter: refresh and return without
	// re-evaluating consensus.
	if !res.Created {
		if _, err := a.store.GetReport(ctx, iocID, clientID); err == nil {
			ioc.LastSeen = now
			mergeMetadata(ioc, payload.Metadata)
			report := &models.IOCReport{
				IOCID: iocID, ClientID: clientID,
				ReportedAt: now, LastSeen: now, TrustAtReport: reporter.Value,
			}
			if err := a.store.SaveSubmission(ctx, ioc, report); err != nil {
				return res, Internal(err, "failed to persist duplicate report")
			}
			res.Status = ioc.Status
			return res, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return res, Internal(err, "failed to load ioc report")
		}
	}

	// New distinct reporter.
	ioc.ReportCount++
	ioc.LastSeen = now
	if level.Rank() > ioc.ThreatLevel.Rank() {
		ioc.ThreatLevel = level
	}
	mergeMetadata(ioc, payload.Metadata)

	report := &models.IOCReport{
		IOCID: iocID, ClientID: clientID,
		ReportedAt: now, LastSeen: now, TrustAtReport: reporter.Value,
	}

	var reporters []string
	if ioc.Status == models.StatusPending {
		existing, err := a.store.ListReports(ctx, iocID)
		if err != nil {
			return res, Internal(err, "failed to list reporters")
		}
		reporters = make([]string, 0, len(existing)+1)
		for _, r := range existing {
			reporters = append(reporters, r.ClientID)
		}
		reporters = append(reporters, clientID)

		meanTrust, err := a.meanTrust(ctx, reporters)
		if err != nil {
			return res, Internal(err, "failed to compute mean reporter trust")
		}
		if ConsensusReached(ioc.ReportCount, meanTrust, ioc.ThreatLevel, a.cfg.Consensus) {
			verifiedAt := now
			ioc.Status = models.StatusVerified
			ioc.VerifiedAt = &verifiedAt
			res.NewlyVerified = true
		}
	}

	// Promotion commits only if this write succeeds.
	if err := a.store.SaveSubmission(ctx, ioc, report); err != nil {
		return res, Internal(err, "failed to persist submission")
	}
	res.Status = ioc.Status
	metrics.SubmissionsTotal.Inc()

	a.outcomes.Enqueue(Outcome{ClientID: clientID, Result: OutcomeSubmitted})
	if res.NewlyVerified {
		metrics.VerifiedTotal.WithLabelValues(string(ioc.ThreatLevel)).Inc()
		log.Printf("[Aggregator] IOC %.12s verified (%d reporters, level %s)",
			ioc.ID, ioc.ReportCount, ioc.ThreatLevel)
		a.fireVerified(*ioc)
		for _, r := range reporters {
			a.outcomes.Enqueue(Outcome{ClientID: r, Result: OutcomeAccepted})
		}
	}
	return res, nil
}

func (a *Aggregator) meanTrust(ctx context.Context, clientIDs []string) (float64, error) {
	if len(clientIDs) == 0 {
		return 0, nil
	}
	var sum float64
	for _, id := range clientIDs {
		ts, err := a.trust.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		sum += ts.Value
	}
	return sum / float64(len(clientIDs)), nil
}

func mergeMetadata(ioc *models.IOC, incoming map[string]string) {
	if len(incoming) == 0 {
		return
	}
	if ioc.Metadata == nil {
		ioc.Metadata = make(map[string]string, len(incoming))
	}
	// Last writer wins per key.
	for k, v := range incoming {
		ioc.Metadata[k] = v
	}
}

// Get returns one IOC by fingerprint.
func (a *Aggregator) Get(ctx context.Context, iocID string) (*models.IOC, error) {
	ioc, err := a.store.GetIOC(ctx, iocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFound("ioc %s", iocID)
	}
	if err != nil {
		return nil, Internal(err, "failed to load ioc")
	}
	return ioc, nil
}

// Query returns IOCs matching the filter.
func (a *Aggregator) Query(ctx context.Context, f models.IOCFilter) ([]models.IOC, error) {
	iocs, err := a.store.QueryIOCs(ctx, f)
	if err != nil {
		return nil, Internal(err, "ioc query failed")
	}
	return iocs, nil
}

// Reports returns the provenance rows for one IOC.
func (a *Aggregator) Reports(ctx context.Context, iocID string) ([]models.IOCReport, error) {
	reports, err := a.store.ListReports(ctx, iocID)
	if err != nil {
		return nil, Internal(err, "failed to list reports")
	}
	return reports, nil
}

// PullSince returns verified IOCs with verified_at > cursor in verified_at
// order, plus the advanced cursor for the caller's next pull.
func (a *Aggregator) PullSince(ctx context.Context, cursor time.Time, limit int) ([]models.IOC, time.Time, error) {
	iocs, err := a.store.VerifiedSince(ctx, cursor, limit)
	if err != nil {
		return nil, cursor, Internal(err, "sync query failed")
	}
	next := cursor
	if n := len(iocs); n > 0 && iocs[n-1].VerifiedAt != nil {
		next = *iocs[n-1].VerifiedAt
	}
	return iocs, next, nil
}

// Stats summarizes the IOC table for the status endpoint.
func (a *Aggregator) Stats(ctx context.Context) (map[models.IOCStatus]int, error) {
	return a.store.CountIOCs(ctx)
}

// ExpireSweep marks pending IOCs with no reports for the TTL window as
// expired and debits their reporters. Verified IOCs are never swept; they
// expire only through Expire. Returns the number of rows expired.
func (a *Aggregator) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-a.cfg.IOCTTL)
	candidates, err := a.store.PendingBefore(ctx, cutoff)
	if err != nil {
		return 0, Internal(err, "expire sweep query failed")
	}

	expired := 0
	for i := range candidates {
		n, err := a.expireOne(ctx, candidates[i].ID, true)
		if err != nil {
			log.Printf("[Aggregator] Sweep failed to expire %.12s: %v", candidates[i].ID, err)
			continue
		}
		expired += n
	}
	if expired > 0 {
		log.Printf("[Aggregator] Expire sweep marked %d IOCs expired", expired)
	}
	return expired, nil
}

// Expire is the explicit admin transition. Expiring an already-expired IOC
// is a conflict; reporters are debited only when the IOC never verified.
func (a *Aggregator) Expire(ctx context.Context, iocID string) error {
	mu := a.lockFor(iocID)
	mu.Lock()
	defer mu.Unlock()

	ioc, err := a.store.GetIOC(ctx, iocID)
	if errors.Is(err, store.ErrNotFound) {
		return NotFound("ioc %s", iocID)
	}
	if err != nil {
		return Internal(err, "failed to load ioc")
	}
	if ioc.Status == models.StatusExpired {
		return Conflict("ioc %s is already expired", iocID)
	}

	debit := ioc.Status == models.StatusPending
	ioc.Status = models.StatusExpired
	if err := a.store.UpdateIOC(ctx, ioc); err != nil {
		return Internal(err, "failed to persist expiry")
	}
	metrics.ExpiredTotal.Inc()
	if debit {
		a.debitReporters(ctx, iocID)
	}
	return nil
}

// expireOne re-checks state under the row lock; the sweep snapshot may be
// stale by the time the row is reached.
func (a *Aggregator) expireOne(ctx context.Context, iocID string, debit bool) (int, error) {
	mu := a.lockFor(iocID)
	mu.Lock()
	defer mu.Unlock()

	ioc, err := a.store.GetIOC(ctx, iocID)
	if err != nil {
		return 0, err
	}
	if ioc.Status != models.StatusPending {
		return 0, nil
	}
	ioc.Status = models.StatusExpired
	if err := a.store.UpdateIOC(ctx, ioc); err != nil {
		return 0, err
	}
	metrics.ExpiredTotal.Inc()
	if debit {
		a.debitReporters(ctx, iocID)
	}
	return 1, nil
}

func (a *Aggregator) debitReporters(ctx context.Context, iocID string) {
	reports, err := a.store.ListReports(ctx, iocID)
	if err != nil {
		log.Printf("[Aggregator] Failed to list reporters of %.12s for debit: %v", iocID, err)
		return
	}
	for _, r := range reports {
		a.outcomes.Enqueue(Outcome{ClientID: r.ClientID, Result: OutcomeRejected})
	}
}
