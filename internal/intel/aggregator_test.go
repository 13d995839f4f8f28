package intel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/pkg/models"
)

// stubTrust returns fixed trust values keyed by client id.
type stubTrust map[string]float64

func (s stubTrust) Get(_ context.Context, clientID string) (models.TrustScore, error) {
	v, ok := s[clientID]
	if !ok {
		v = 0.5
	}
	return models.TrustScore{ClientID: clientID, Value: v}, nil
}

// recordingSink captures outcome signals in order.
type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingSink) Enqueue(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingSink) count(clientID string, result OutcomeResult) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outcomes {
		if o.ClientID == clientID && o.Result == result {
			n++
		}
	}
	return n
}

func newTestAggregator(trust stubTrust) (*Aggregator, *recordingSink) {
	sink := &recordingSink{}
	agg := NewAggregator(store.NewMemoryStore(), trust, sink, Config{
		Consensus: testConsensus,
		IOCTTL:    30 * 24 * time.Hour,
	})
	return agg, sink
}

func domainPayload(level models.ThreatLevel) models.IOCPayload {
	return models.IOCPayload{
		Type:        models.IOCTypeDomain,
		Value:       "evil.example.com",
		ThreatLevel: level,
	}
}

func TestSubmit_TwoReportersVerify(t *testing.T) {
	agg, sink := newTestAggregator(stubTrust{"alpha": 0.7, "bravo": 0.7})
	ctx := context.Background()

	var broadcasts []models.IOC
	agg.SetVerifiedHook(func(ioc models.IOC) { broadcasts = append(broadcasts, ioc) })

	res, err := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	if err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	if !res.Created || res.Status != models.StatusPending || res.NewlyVerified {
		t.Errorf("Expected created pending IOC. Got %+v", res)
	}

	// Same indicator in a different surface form from a second reporter.
	res, err = agg.Submit(ctx, "bravo", models.IOCPayload{
		Type: models.IOCTypeDomain, Value: "EVIL.example.COM.", ThreatLevel: models.ThreatHigh,
	})
	if err != nil {
		t.Fatalf("Second submit failed: %v", err)
	}
	if res.Created {
		t.Error("Expected dedup onto the existing row")
	}
	if !res.NewlyVerified || res.Status != models.StatusVerified {
		t.Errorf("Expected consensus promotion. Got %+v", res)
	}

	if len(broadcasts) != 1 {
		t.Fatalf("Expected exactly one verified broadcast. Got %d", len(broadcasts))
	}
	if broadcasts[0].ReportCount != 2 {
		t.Errorf("Expected 2 reporters on broadcast IOC. Got %d", broadcasts[0].ReportCount)
	}

	// Both reporters are credited once each.
	if sink.count("alpha", OutcomeAccepted) != 1 || sink.count("bravo", OutcomeAccepted) != 1 {
		t.Error("Expected one accepted outcome per reporter")
	}
}

func TestSubmit_LowTrustBlocksConsensus(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{"alpha": 0.4, "bravo": 0.4})
	ctx := context.Background()

	agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	res, err := agg.Submit(ctx, "bravo", domainPayload(models.ThreatHigh))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.NewlyVerified {
		t.Error("Expected mean trust 0.4 to block consensus")
	}
	if res.Status != models.StatusPending {
		t.Errorf("Expected pending. Got %s", res.Status)
	}
}

func TestSubmit_CriticalSingleReporter(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{"alpha": 0.85})
	ctx := context.Background()

	res, err := agg.Submit(ctx, "alpha", domainPayload(models.ThreatCritical))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.NewlyVerified {
		t.Error("Expected single high-trust reporter to verify a critical IOC")
	}
}

func TestSubmit_DuplicateIsIdempotent(t *testing.T) {
	agg, sink := newTestAggregator(stubTrust{"alpha": 0.9})
	ctx := context.Background()

	first, err := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Re-submission refreshes last_seen but never advances consensus state.
	agg.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	second, err := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	if err != nil {
		t.Fatalf("Duplicate submit failed: %v", err)
	}
	if second.Created || second.NewlyVerified {
		t.Errorf("Expected idempotent duplicate. Got %+v", second)
	}

	ioc, err := agg.Get(ctx, first.IOCID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ioc.ReportCount != 1 {
		t.Errorf("Expected report_count to stay 1. Got %d", ioc.ReportCount)
	}
	if !ioc.LastSeen.After(ioc.FirstSeen) {
		t.Error("Expected duplicate to refresh last_seen")
	}

	// Duplicates do not feed the trust pipeline a second submitted signal.
	if n := sink.count("alpha", OutcomeSubmitted); n != 1 {
		t.Errorf("Expected 1 submitted outcome. Got %d", n)
	}
}

func TestSubmit_DuplicateKeepsReportSnapshot(t *testing.T) {
	trust := stubTrust{"alpha": 0.7}
	agg, _ := newTestAggregator(trust)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return base }
	res, err := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The reporter's trust moves and an hour passes before the re-send.
	trust["alpha"] = 0.2
	agg.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh)); err != nil {
		t.Fatalf("Duplicate submit failed: %v", err)
	}

	reports, err := agg.Reports(ctx, res.IOCID)
	if err != nil {
		t.Fatalf("Reports failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("Expected one provenance row. Got %d", len(reports))
	}
	// reported_at and trust_at_report are audit snapshots of the first
	// submission; only last_seen moves.
	if !reports[0].ReportedAt.Equal(base) {
		t.Errorf("Expected reported_at %v to survive the re-send. Got %v", base, reports[0].ReportedAt)
	}
	if reports[0].TrustAtReport != 0.7 {
		t.Errorf("Expected trust_at_report 0.7 to survive the re-send. Got %.2f", reports[0].TrustAtReport)
	}
	if !reports[0].LastSeen.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected last_seen refreshed to %v. Got %v", base.Add(time.Hour), reports[0].LastSeen)
	}
}

func TestSubmit_EscalatesThreatLevel(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{"alpha": 0.4, "bravo": 0.4})
	ctx := context.Background()

	agg.Submit(ctx, "alpha", domainPayload(models.ThreatLow))
	res, _ := agg.Submit(ctx, "bravo", domainPayload(models.ThreatCritical))

	ioc, err := agg.Get(ctx, res.IOCID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ioc.ThreatLevel != models.ThreatCritical {
		t.Errorf("Expected escalation to critical. Got %s", ioc.ThreatLevel)
	}

	// A later lower-level report must not downgrade it.
	agg.Submit(ctx, "charlie", domainPayload(models.ThreatLow))
	ioc, _ = agg.Get(ctx, res.IOCID)
	if ioc.ThreatLevel != models.ThreatCritical {
		t.Errorf("Expected level to never downgrade. Got %s", ioc.ThreatLevel)
	}
}

func TestSubmit_MergesMetadata(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{"alpha": 0.4, "bravo": 0.4})
	ctx := context.Background()

	p := domainPayload(models.ThreatHigh)
	p.Metadata = map[string]string{"source": "edr", "campaign": "x"}
	agg.Submit(ctx, "alpha", p)

	p2 := domainPayload(models.ThreatHigh)
	p2.Metadata = map[string]string{"campaign": "y", "sandbox": "seen"}
	res, _ := agg.Submit(ctx, "bravo", p2)

	ioc, _ := agg.Get(ctx, res.IOCID)
	if ioc.Metadata["source"] != "edr" || ioc.Metadata["sandbox"] != "seen" {
		t.Errorf("Expected merged metadata. Got %v", ioc.Metadata)
	}
	if ioc.Metadata["campaign"] != "y" {
		t.Errorf("Expected last writer to win per key. Got %q", ioc.Metadata["campaign"])
	}
}

func TestPullSince_CursorAdvances(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{"alpha": 0.9, "bravo": 0.9})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	agg.now = func() time.Time { return clock }

	values := []string{"a.example.com", "b.example.com", "c.example.com"}
	for i, v := range values {
		clock = base.Add(time.Duration(i) * time.Minute)
		p := models.IOCPayload{Type: models.IOCTypeDomain, Value: v, ThreatLevel: models.ThreatHigh}
		agg.Submit(ctx, "alpha", p)
		agg.Submit(ctx, "bravo", p)
	}

	iocs, cursor, err := agg.PullSince(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatalf("PullSince failed: %v", err)
	}
	if len(iocs) != 2 {
		t.Fatalf("Expected 2 IOCs on first page. Got %d", len(iocs))
	}
	if !iocs[0].VerifiedAt.Before(*iocs[1].VerifiedAt) {
		t.Error("Expected verified_at ascending order")
	}

	rest, cursor2, err := agg.PullSince(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("Second PullSince failed: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("Expected 1 IOC on second page. Got %d", len(rest))
	}

	// A drained cursor returns an empty page and does not move.
	empty, cursor3, _ := agg.PullSince(ctx, cursor2, 10)
	if len(empty) != 0 || !cursor3.Equal(cursor2) {
		t.Error("Expected empty page and stable cursor after drain")
	}
}

func TestExpireSweep_DebitsReporters(t *testing.T) {
	agg, sink := newTestAggregator(stubTrust{"alpha": 0.4})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return base }
	res, _ := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))

	// Inside the TTL window nothing expires.
	n, err := agg.ExpireSweep(ctx, base.Add(agg.cfg.IOCTTL-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("Expected no expiries inside TTL. Got n=%d err=%v", n, err)
	}

	n, err = agg.ExpireSweep(ctx, base.Add(agg.cfg.IOCTTL+time.Hour))
	if err != nil {
		t.Fatalf("ExpireSweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 expiry. Got %d", n)
	}

	ioc, _ := agg.Get(ctx, res.IOCID)
	if ioc.Status != models.StatusExpired {
		t.Errorf("Expected expired status. Got %s", ioc.Status)
	}
	if sink.count("alpha", OutcomeRejected) != 1 {
		t.Error("Expected the reporter to be debited once")
	}
}

func TestExpireSweep_NeverTouchesVerified(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{"alpha": 0.9, "bravo": 0.9})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return base }
	res, _ := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	agg.Submit(ctx, "bravo", domainPayload(models.ThreatHigh))

	n, _ := agg.ExpireSweep(ctx, base.Add(365*24*time.Hour))
	if n != 0 {
		t.Errorf("Expected verified IOCs to be exempt from the sweep. Got %d", n)
	}

	ioc, _ := agg.Get(ctx, res.IOCID)
	if ioc.Status != models.StatusVerified {
		t.Errorf("Expected verified to persist. Got %s", ioc.Status)
	}
}

func TestExpire_AdminTransitions(t *testing.T) {
	agg, sink := newTestAggregator(stubTrust{"alpha": 0.9, "bravo": 0.9})
	ctx := context.Background()

	res, _ := agg.Submit(ctx, "alpha", domainPayload(models.ThreatHigh))
	agg.Submit(ctx, "bravo", domainPayload(models.ThreatHigh))

	if err := agg.Expire(ctx, res.IOCID); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	// Verified-then-expired never debits the reporters.
	if sink.count("alpha", OutcomeRejected) != 0 {
		t.Error("Expected no debit when expiring a verified IOC")
	}

	err := agg.Expire(ctx, res.IOCID)
	if KindOf(err) != KindConflict {
		t.Errorf("Expected conflict on double expire. Got %v", err)
	}

	err = agg.Expire(ctx, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected not_found for unknown IOC. Got %v", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{})
	ctx := context.Background()

	_, err := agg.Submit(ctx, "", domainPayload(models.ThreatHigh))
	if KindOf(err) != KindBadRequest {
		t.Errorf("Expected bad_request for empty client_id. Got %v", err)
	}

	_, err = agg.Submit(ctx, "alpha", models.IOCPayload{Type: models.IOCTypeFileHash, Value: "nothex"})
	if KindOf(err) != KindBadRequest {
		t.Errorf("Expected bad_request for invalid hash. Got %v", err)
	}
}

func TestSubmit_ConcurrentReportersSingleRow(t *testing.T) {
	agg, _ := newTestAggregator(stubTrust{})
	ctx := context.Background()

	var wg sync.WaitGroup
	clients := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
	for _, c := range clients {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			if _, err := agg.Submit(ctx, clientID, domainPayload(models.ThreatHigh)); err != nil {
				t.Errorf("Submit from %s failed: %v", clientID, err)
			}
		}(c)
	}
	wg.Wait()

	iocs, err := agg.Query(ctx, models.IOCFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(iocs) != 1 {
		t.Fatalf("Expected one deduplicated row. Got %d", len(iocs))
	}
	if iocs[0].ReportCount != len(clients) {
		t.Errorf("Expected report_count %d. Got %d", len(clients), iocs[0].ReportCount)
	}
}
