package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/opsconductor/pulse/auth"
	"github.com/opsconductor/pulse/authcache"
	"github.com/opsconductor/pulse/config"
	"github.com/opsconductor/pulse/ratelimit"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/writer"
)

func nodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()[:8]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[INGEST] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := nodeID()
	log.Printf("[INGEST] starting node %s", node)

	pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL, node)
	if err != nil {
		log.Fatalf("[INGEST] postgres connect: %v", err)
	}
	defer pg.Close()
	if err := store.InitSchema(ctx, pg.Pool()); err != nil {
		log.Fatalf("[INGEST] schema init: %v", err)
	}

	validator, err := auth.NewValidator(
		os.Getenv("AUTH_TOKEN_SECRET"),
		"opsconductor-pulse",
		"pulse-api",
	)
	if err != nil {
		log.Fatalf("[INGEST] %v", err)
	}

	cache := authcache.New(cfg.AuthCacheTTL, cfg.AuthCacheMaxSize)
	limiter := ratelimit.New(cfg.DeviceRatePerSec, cfg.DeviceRateBurst)

	backend := writer.NewInfluxBackend(cfg.InfluxURL, cfg.InfluxWriteTimeout)
	w := writer.New(backend, cfg.InfluxBatchSize, cfg.InfluxFlushEvery)
	w.Start(ctx)
	defer w.Stop()

	states := NewStateBatcher(pg, cfg.InfluxFlushEvery)
	states.Start(ctx)
	defer states.Stop()

	queue := NewQueue(cfg.IngestQueueSize)
	pool := NewPool(pg, cache, w, limiter, states, queue, cfg.TokenSalt, cfg.IngestWorkerCount)
	pool.Start(ctx)

	if cfg.MQTTBroker != "" {
		source := NewMQTTSource(cfg.MQTTBroker, "pulse-ingest-"+node, queue, pool)
		if err := source.Start(ctx); err != nil {
			log.Fatalf("[INGEST] mqtt: %v", err)
		}
		defer source.Stop()
	}

	api := NewAPIServer(pool, queue, cache, limiter, pg, validator)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Routes()}

	go func() {
		log.Printf("[INGEST] listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[INGEST] http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[INGEST] shutting down")
	server.Shutdown(context.Background())
	pool.Wait()
}
