package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config collects every tunable of the coordinator. All values come from
// environment variables; the defaults below are the documented baseline.
type Config struct {
	// Trust engine
	InitialTrust        float64       // TRUST_INITIAL
	MinTrust            float64       // TRUST_MIN
	MaxTrust            float64       // TRUST_MAX
	DecayRate           float64       // TRUST_DECAY_RATE
	DecayInterval       time.Duration // TRUST_DECAY_INTERVAL
	LearningRate        float64       // TRUST_LEARNING_RATE
	ContributionNorm    float64       // TRUST_CONTRIBUTION_NORM
	ResponsivenessTau   time.Duration // TRUST_RESPONSIVENESS_TAU
	ConsistencyWindow   int           // TRUST_CONSISTENCY_WINDOW
	WeightAccuracy      float64       // TRUST_WEIGHT_ACCURACY
	WeightContribution  float64       // TRUST_WEIGHT_CONTRIBUTION
	WeightResponsive    float64       // TRUST_WEIGHT_RESPONSIVENESS
	WeightConsistency   float64       // TRUST_WEIGHT_CONSISTENCY

	// Consensus
	ConsensusThreshold  int     // CONSENSUS_THRESHOLD
	ConsensusTrustAvg   float64 // CONSENSUS_TRUST_AVG
	CriticalTrustBypass float64 // CONSENSUS_CRITICAL_TRUST

	// Lifecycle
	IOCTTL            time.Duration // IOC_TTL
	SweepInterval     time.Duration // SWEEP_INTERVAL
	HeartbeatInterval time.Duration // HEARTBEAT_INTERVAL
	ReaperInterval    time.Duration // REAPER_INTERVAL

	// Fabric
	OutboundQueueSize int           // OUTBOUND_QUEUE_SIZE
	HandlerTimeout    time.Duration // HANDLER_TIMEOUT
	InitialSyncLimit  int           // INITIAL_SYNC_LIMIT
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		InitialTrust:        0.5,
		MinTrust:            0.1,
		MaxTrust:            1.0,
		DecayRate:           0.95,
		DecayInterval:       time.Hour,
		LearningRate:        0.25,
		ContributionNorm:    50,
		ResponsivenessTau:   60 * time.Second,
		ConsistencyWindow:   20,
		WeightAccuracy:      0.40,
		WeightContribution:  0.20,
		WeightResponsive:    0.20,
		WeightConsistency:   0.20,
		ConsensusThreshold:  2,
		ConsensusTrustAvg:   0.6,
		CriticalTrustBypass: 0.8,
		IOCTTL:              30 * 24 * time.Hour,
		SweepInterval:       6 * time.Hour,
		HeartbeatInterval:   30 * time.Second,
		ReaperInterval:      30 * time.Second,
		OutboundQueueSize:   1024,
		HandlerTimeout:      5 * time.Second,
		InitialSyncLimit:    1000,
	}
}

// FromEnv loads the configuration, overriding defaults with any set
// environment variables. Malformed values are logged and ignored rather
// than aborting startup.
func FromEnv() Config {
	cfg := Default()

	envFloat("TRUST_INITIAL", &cfg.InitialTrust)
	envFloat("TRUST_MIN", &cfg.MinTrust)
	envFloat("TRUST_MAX", &cfg.MaxTrust)
	envFloat("TRUST_DECAY_RATE", &cfg.DecayRate)
	envDuration("TRUST_DECAY_INTERVAL", &cfg.DecayInterval)
	envFloat("TRUST_LEARNING_RATE", &cfg.LearningRate)
	envFloat("TRUST_CONTRIBUTION_NORM", &cfg.ContributionNorm)
	envDuration("TRUST_RESPONSIVENESS_TAU", &cfg.ResponsivenessTau)
	envInt("TRUST_CONSISTENCY_WINDOW", &cfg.ConsistencyWindow)
	envFloat("TRUST_WEIGHT_ACCURACY", &cfg.WeightAccuracy)
	envFloat("TRUST_WEIGHT_CONTRIBUTION", &cfg.WeightContribution)
	envFloat("TRUST_WEIGHT_RESPONSIVENESS", &cfg.WeightResponsive)
	envFloat("TRUST_WEIGHT_CONSISTENCY", &cfg.WeightConsistency)

	envInt("CONSENSUS_THRESHOLD", &cfg.ConsensusThreshold)
	envFloat("CONSENSUS_TRUST_AVG", &cfg.ConsensusTrustAvg)
	envFloat("CONSENSUS_CRITICAL_TRUST", &cfg.CriticalTrustBypass)

	envDuration("IOC_TTL", &cfg.IOCTTL)
	envDuration("SWEEP_INTERVAL", &cfg.SweepInterval)
	envDuration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envDuration("REAPER_INTERVAL", &cfg.ReaperInterval)

	envInt("OUTBOUND_QUEUE_SIZE", &cfg.OutboundQueueSize)
	envDuration("HANDLER_TIMEOUT", &cfg.HandlerTimeout)
	envInt("INITIAL_SYNC_LIMIT", &cfg.InitialSyncLimit)

	return cfg
}

func envFloat(key string, dst *float64) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[Config] Ignoring malformed %s=%q: %v", key, raw, err)
		return
	}
	*dst = v
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("[Config] Ignoring malformed %s=%q: %v", key, raw, err)
		return
	}
	*dst = v
}

func envDuration(key string, dst *time.Duration) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("[Config] Ignoring malformed %s=%q: %v", key, raw, err)
		return
	}
	*dst = v
}
