package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/fedsig/threatnet/internal/api"
	"github.com/fedsig/threatnet/internal/config"
	"github.com/fedsig/threatnet/internal/fabric"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/notify"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/internal/sweep"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

func main() {
	log.Println("Starting ThreatNet Exchange Coordinator...")

	// Local development reads a .env file; production supplies real env vars.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The coordinator runs against PostgreSQL when DATABASE_URL is set and
	// falls back to the in-memory store otherwise. Memory mode loses all
	// intelligence on restart; fine for development, not for a fleet.
	var st store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pg, err := store.Connect(ctx, dbURL)
		if err != nil {
			log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
		}
		defer pg.Close()
		if err := pg.InitSchema(ctx); err != nil {
			log.Fatalf("FATAL: DB schema init failed: %v", err)
		}
		st = pg
	} else {
		log.Println("Warning: DATABASE_URL not set, using in-memory store. Intelligence will not survive a restart.")
		st = store.NewMemoryStore()
	}

	trustMgr := trust.NewManager(st, trust.Config{
		InitialTrust:         cfg.InitialTrust,
		MinTrust:             cfg.MinTrust,
		MaxTrust:             cfg.MaxTrust,
		DecayRate:            cfg.DecayRate,
		DecayInterval:        cfg.DecayInterval,
		LearningRate:         cfg.LearningRate,
		ContributionNorm:     cfg.ContributionNorm,
		ResponsivenessTau:    cfg.ResponsivenessTau,
		ConsistencyWindow:    cfg.ConsistencyWindow,
		WeightAccuracy:       cfg.WeightAccuracy,
		WeightContribution:   cfg.WeightContribution,
		WeightResponsiveness: cfg.WeightResponsive,
		WeightConsistency:    cfg.WeightConsistency,
	})
	go trustMgr.Run(ctx)

	agg := intel.NewAggregator(st, trustMgr, trustMgr, intel.Config{
		Consensus: intel.ConsensusConfig{
			Threshold:           cfg.ConsensusThreshold,
			TrustAvg:            cfg.ConsensusTrustAvg,
			CriticalTrustBypass: cfg.CriticalTrustBypass,
		},
		IOCTTL: cfg.IOCTTL,
	})

	hub := fabric.NewHub(agg, trustMgr, fabric.Config{
		QueueSize:         cfg.OutboundQueueSize,
		HandlerTimeout:    cfg.HandlerTimeout,
		InitialSyncLimit:  cfg.InitialSyncLimit,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	notifier := notify.NewNotifier()
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		minLevel := getEnvOrDefault("WEBHOOK_MIN_THREAT_LEVEL", "high")
		notifier.Register("default", url, minLevel, nil)
	}

	// Every consensus promotion fans out to connected agents and to
	// registered webhooks, exactly once.
	agg.SetVerifiedHook(func(ioc models.IOC) {
		hub.BroadcastVerified(ioc)
		notifier.NotifyVerified(ioc)
	})

	sweeper := sweep.New(agg, trustMgr, hub, sweep.Config{
		SweepInterval:  cfg.SweepInterval,
		DecayInterval:  cfg.DecayInterval,
		ReaperInterval: cfg.ReaperInterval,
	})
	go sweeper.Run(ctx)

	r := api.SetupRouter(agg, trustMgr, hub, notifier)

	port := getEnvOrDefault("PORT", "8787")
	log.Printf("Coordinator listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a default for non-secret
// settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
