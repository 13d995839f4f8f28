package intel

import (
	"testing"

	"github.com/fedsig/threatnet/pkg/models"
)

var testConsensus = ConsensusConfig{
	Threshold:           2,
	TrustAvg:            0.6,
	CriticalTrustBypass: 0.8,
}

func TestConsensusReached_BaseRule(t *testing.T) {
	cases := []struct {
		name      string
		reports   int
		meanTrust float64
		level     models.ThreatLevel
		want      bool
	}{
		{"two reporters at threshold trust", 2, 0.6, models.ThreatMedium, true},
		{"two reporters below threshold trust", 2, 0.59, models.ThreatMedium, false},
		{"one reporter with high trust", 1, 0.95, models.ThreatMedium, false},
		{"many reporters low trust", 5, 0.3, models.ThreatHigh, false},
		{"many reporters sufficient trust", 5, 0.61, models.ThreatLow, true},
		{"zero reporters", 0, 1.0, models.ThreatHigh, false},
	}
	for _, tc := range cases {
		got := ConsensusReached(tc.reports, tc.meanTrust, tc.level, testConsensus)
		if got != tc.want {
			t.Errorf("%s: ConsensusReached(%d, %.2f, %s) = %v, want %v",
				tc.name, tc.reports, tc.meanTrust, tc.level, got, tc.want)
		}
	}
}

func TestConsensusReached_CriticalFastPath(t *testing.T) {
	// A single high-trust reporter verifies a critical IOC alone.
	if !ConsensusReached(1, 0.8, models.ThreatCritical, testConsensus) {
		t.Error("Expected single 0.8-trust reporter to verify a critical IOC")
	}
	if ConsensusReached(1, 0.79, models.ThreatCritical, testConsensus) {
		t.Error("Expected 0.79 mean trust to miss the critical bypass bar")
	}
	// The fast path is critical-only.
	if ConsensusReached(1, 0.99, models.ThreatHigh, testConsensus) {
		t.Error("Expected the relaxed path to apply to critical IOCs only")
	}
}

func TestConsensusReached_RelaxedThresholdFloor(t *testing.T) {
	// With Threshold=1 the relaxed critical threshold must not drop to zero.
	cfg := ConsensusConfig{Threshold: 1, TrustAvg: 0.6, CriticalTrustBypass: 0.8}
	if ConsensusReached(0, 1.0, models.ThreatCritical, cfg) {
		t.Error("Expected zero reporters to never reach consensus")
	}
	if !ConsensusReached(1, 0.9, models.ThreatCritical, cfg) {
		t.Error("Expected one high-trust reporter to verify with Threshold=1")
	}
}
