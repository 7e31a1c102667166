package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsconductor/pulse/config"
	"github.com/opsconductor/pulse/coordination"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/streaming"
)

func nodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()[:8]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[EVALUATOR] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := nodeID()
	log.Printf("[EVALUATOR] starting node %s", node)

	pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL, node)
	if err != nil {
		log.Fatalf("[EVALUATOR] postgres connect: %v", err)
	}
	defer pg.Close()
	if err := store.InitSchema(ctx, pg.Pool()); err != nil {
		log.Fatalf("[EVALUATOR] schema init: %v", err)
	}

	coord, err := store.NewRedisCoordinator(cfg.RedisAddr, "", 0)
	if err != nil {
		log.Fatalf("[EVALUATOR] redis connect: %v", err)
	}

	eval := NewEvaluator(pg, streaming.NewLogPublisher(), cfg.StaleAfter, cfg.OfflineAfter, cfg.EvaluatorTick)

	elector := coordination.NewLeaderElector(coord, "evaluator", node, 30*time.Second)
	elector.SetCallbacks(
		func(leaderCtx context.Context) { eval.Run(leaderCtx) },
		func() { log.Printf("[EVALUATOR] follower mode") },
	)
	elector.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("[EVALUATOR] listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[EVALUATOR] http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[EVALUATOR] shutting down")
	server.Shutdown(context.Background())
}
