package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/annolab/backend/internal/api"
	"github.com/annolab/backend/internal/circuitbreaker"
	"github.com/annolab/backend/internal/config"
	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/infra"
	"github.com/annolab/backend/internal/monitoring"
	"github.com/annolab/backend/internal/outbox"
	"github.com/annolab/backend/internal/probe"
	"github.com/annolab/backend/internal/service"
	"github.com/annolab/backend/internal/store"
)

func main() {
	_ = godotenv.Load()

	var cfg *config.Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			log.Fatalf("load config %s: %v", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.FromEnv()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	var st store.Store
	pg, err := store.OpenPostgres(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	if err := pg.InitSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}
	st = pg
	defer pg.Close()

	// Redis snapshots are optional; without them daily snapshots and the
	// leaderboard are disabled.
	var sink probe.SnapshotSink
	redis, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("redis unavailable, snapshots disabled: %v", err)
	} else {
		sink = redis
		defer redis.Close()
	}

	// NATS delivery is optional; intents queue in the outbox either way.
	var pub outbox.Publisher
	nc, err := outbox.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Printf("nats unavailable, notifications queue undelivered: %v", err)
	} else {
		pub = circuitbreaker.Wrap(nc, circuitbreaker.Config{})
		defer nc.Close()
	}
	ob := outbox.New(pub)
	go ob.Run(ctx, cfg.Sweeps.OutboxDispatch)

	metrics := monitoring.NewMetrics()
	svc := service.New(st, core.NewRandomizer(time.Now().UnixNano()), ob, sink, metrics)

	startSweepers(ctx, cfg, svc, ob, metrics)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutting down")
		cancel()
		os.Exit(0)
	}()

	if err := api.NewServer(st).Start(cfg.Server.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// startSweepers runs the periodic maintenance loops. Each tick is its own
// transaction; failures log and the next tick retries.
func startSweepers(ctx context.Context, cfg *config.Config, svc *service.Coordination, ob *outbox.Outbox, metrics *monitoring.Metrics) {
	every(ctx, cfg.Sweeps.StaleAssignments, func() {
		if counters, err := svc.SweepStaleAssignments(ctx); err != nil {
			log.Printf("stale assignment sweep: %v", err)
		} else if counters.Skipped > 0 || counters.Consensus > 0 {
			log.Printf("stale sweep: skipped=%d reassigned=%d consensus_retried=%d",
				counters.Skipped, counters.Reassigned, counters.Consensus)
		}
	})
	every(ctx, cfg.Sweeps.ExpertTimeouts, func() {
		if _, err := svc.SweepExpertTimeouts(ctx); err != nil {
			log.Printf("expert timeout sweep: %v", err)
		}
	})
	every(ctx, cfg.Sweeps.BillingLifecycle, func() {
		if _, err := svc.SweepLifecycle(ctx); err != nil {
			log.Printf("billing lifecycle sweep: %v", err)
		}
	})
	every(ctx, cfg.Sweeps.OutboxDispatch, func() {
		metrics.SetOutboxDepth(ob.PendingCount(), ob.DeadCount())
	})
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
