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
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsconductor/pulse/auth"
	"github.com/opsconductor/pulse/config"
	"github.com/opsconductor/pulse/coordination"
	"github.com/opsconductor/pulse/middleware"
	"github.com/opsconductor/pulse/sender"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func nodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()[:8]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[DISPATCH] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := nodeID()
	log.Printf("[DISPATCH] starting node %s", node)

	pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL, node)
	if err != nil {
		log.Fatalf("[DISPATCH] postgres connect: %v", err)
	}
	defer pg.Close()
	if err := store.InitSchema(ctx, pg.Pool()); err != nil {
		log.Fatalf("[DISPATCH] schema init: %v", err)
	}

	coord, err := store.NewRedisCoordinator(cfg.RedisAddr, "", 0)
	if err != nil {
		log.Fatalf("[DISPATCH] redis connect: %v", err)
	}

	validator, err := auth.NewValidator(
		os.Getenv("AUTH_TOKEN_SECRET"),
		"opsconductor-pulse",
		"pulse-api",
	)
	if err != nil {
		log.Fatalf("[DISPATCH] %v", err)
	}

	hub := streaming.NewHub()
	go hub.Run(ctx)

	guard := sender.NewGuard(cfg.SSRFAllowPrivate)
	registry := sender.NewRegistry(
		sender.NewWebhookSender(guard, cfg.DeliveryRequestTimeout),
		sender.NewEmailSender(guard),
		sender.NewSNMPSender(guard),
		sender.NewMQTTSender(guard),
	)

	dispatcher := NewDispatcher(pg, coord, hub, cfg.DispatchPollEvery)
	elector := coordination.NewLeaderElector(coord, "dispatcher", node, 30*time.Second)
	elector.SetCallbacks(
		func(leaderCtx context.Context) { dispatcher.Run(leaderCtx) },
		func() { log.Printf("[DISPATCH] follower mode") },
	)
	elector.Start(ctx)

	// Delivery runs on every replica; the job-claim CAS arbitrates.
	worker := NewDeliveryWorker(pg, registry, hub, node,
		cfg.DeliveryMaxAttempts, cfg.DeliveryBaseBackoff, cfg.DeliveryMaxBackoff,
		cfg.DeliveryConcurrency, cfg.DispatchPollEvery, cfg.DeliveryRequestTimeout)
	go worker.Run(ctx)

	janitor := NewLeaseJanitor(pg, leaseDuration/2)
	go janitor.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /ws/alerts", middleware.AuthMiddleware(validator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := middleware.TenantFromContext(r.Context())
		if err != nil {
			http.Error(w, "missing tenant", http.StatusUnauthorized)
			return
		}
		if role, _ := middleware.RoleFromContext(r.Context()); role == auth.RoleOperator {
			tenantID = "*"
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[DISPATCH] ws upgrade: %v", err)
			return
		}
		hub.Register(conn, tenantID)
	})))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("[DISPATCH] listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[DISPATCH] http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[DISPATCH] shutting down")
	server.Shutdown(context.Background())
}
