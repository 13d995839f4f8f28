package intel

import "github.com/fedsig/threatnet/pkg/models"

// ConsensusConfig holds the promotion thresholds.
type ConsensusConfig struct {
	Threshold           int     // distinct reporters required
	TrustAvg            float64 // minimum mean reporter trust
	CriticalTrustBypass float64 // mean trust required on the relaxed critical path
}

// ConsensusReached decides whether a pending IOC is promoted to verified.
//
// The base rule requires Threshold distinct reporters whose mean trust is
// at least TrustAvg. For critical indicators the reporter threshold is
// relaxed by one so a single reporter with trust >= CriticalTrustBypass
// can verify alone; severe threats surface faster at the cost of a
// stricter trust bar on that path.
//
// Pure function over its inputs so it is testable without a store.
func ConsensusReached(reportCount int, meanTrust float64, level models.ThreatLevel, cfg ConsensusConfig) bool {
	if reportCount >= cfg.Threshold && meanTrust >= cfg.TrustAvg {
		return true
	}
	if level == models.ThreatCritical {
		relaxed := cfg.Threshold - 1
		if relaxed < 1 {
			relaxed = 1
		}
		return reportCount >= relaxed && meanTrust >= cfg.CriticalTrustBypass
	}
	return false
}
