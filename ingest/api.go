package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsconductor/pulse/auth"
	"github.com/opsconductor/pulse/authcache"
	"github.com/opsconductor/pulse/middleware"
	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/ratelimit"
	"github.com/opsconductor/pulse/store"
)

// maxBatchMessages bounds one batch ingress request.
const maxBatchMessages = 100

// maxBodyBytes bounds a single ingress request body.
const maxBodyBytes = 1 << 20

// APIServer is the HTTP ingress. Device messages are validated inline so
// the response code reflects the real outcome (202/400/401/403/429); the
// write work itself still happens on the worker pool.
type APIServer struct {
	pool      *Pool
	queue     *Queue
	cache     *authcache.Cache
	limiter   *ratelimit.TokenBucketLimiter
	store     store.Store
	validator *auth.Validator
}

func NewAPIServer(pool *Pool, queue *Queue, cache *authcache.Cache, lim *ratelimit.TokenBucketLimiter, st store.Store, v *auth.Validator) *APIServer {
	return &APIServer{pool: pool, queue: queue, cache: cache, limiter: lim, store: st, validator: v}
}

// Routes builds the ingress mux. Device endpoints authenticate with the
// per-device provisioning token; admin endpoints require a bearer token.
func (s *APIServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest/v1/tenant/{tenant}/device/{device}/telemetry", s.handleMessage(TypeTelemetry))
	mux.HandleFunc("POST /ingest/v1/tenant/{tenant}/device/{device}/heartbeat", s.handleMessage(TypeHeartbeat))
	mux.HandleFunc("POST /ingest/v1/tenant/{tenant}/device/{device}/batch", s.handleBatch)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /admin/v1/cache/stats", middleware.AuthMiddleware(s.validator, http.HandlerFunc(s.handleCacheStats)))
	mux.Handle("GET /admin/v1/queue", middleware.AuthMiddleware(s.validator, http.HandlerFunc(s.handleQueueSnapshot)))
	mux.Handle("POST /admin/v1/devices/{device}/revoke", middleware.AuthMiddleware(s.validator, http.HandlerFunc(s.handleRevoke)))

	return mux
}

func (s *APIServer) handleMessage(msgType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant")
		deviceID := r.PathValue("device")

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		status, _ := s.ingestOne(r, tenantID, deviceID, msgType, raw)
		if status == http.StatusAccepted {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		http.Error(w, http.StatusText(status), status)
	}
}

// ingestOne runs parse + validation + rate limit inline and, on success,
// enqueues a prevalidated message. It returns the HTTP status for this
// message and the quarantine reason, if any.
func (s *APIServer) ingestOne(r *http.Request, tenantID, deviceID, msgType string, raw []byte) (int, string) {
	ctx := r.Context()
	received := time.Now()

	m, err := ParseMessage(tenantID, deviceID, msgType, raw, received)
	if err != nil {
		s.pool.Quarantine(ctx, &Message{TenantID: tenantID, DeviceID: deviceID, Raw: raw, Received: received}, store.ReasonMalformed)
		return http.StatusBadRequest, store.ReasonMalformed
	}
	// Devices may present the token as a header instead of in the body.
	if m.Token == "" {
		m.Token = r.Header.Get("X-Provision-Token")
	}

	_, reason, err := s.pool.Validate(ctx, m)
	if err != nil {
		log.Printf("[API] registry lookup failed for %s/%s: %v", tenantID, deviceID, err)
		return http.StatusInternalServerError, ""
	}
	if reason != "" {
		s.pool.Quarantine(ctx, m, reason)
		return statusForReason(reason), reason
	}

	if !s.limiter.Allow(m.TenantID + "/" + m.DeviceID) {
		s.pool.Quarantine(ctx, m, store.ReasonRateLimited)
		return http.StatusTooManyRequests, store.ReasonRateLimited
	}

	m.prevalidated = true
	if !s.queue.TryEnqueue(m) {
		observability.IngestBackpressure.WithLabelValues("http").Inc()
		return http.StatusTooManyRequests, ""
	}
	return http.StatusAccepted, ""
}

type batchResult struct {
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Results  []batchItemResult `json:"results"`
}

type batchItemResult struct {
	Index  int    `json:"index"`
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// handleBatch ingests up to maxBatchMessages payloads in one request.
// Each item is validated independently: one bad message never blocks its
// neighbors.
func (s *APIServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	deviceID := r.PathValue("device")

	var body struct {
		Type     string            `json:"type"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "invalid batch body", http.StatusBadRequest)
		return
	}
	if body.Type != TypeTelemetry && body.Type != TypeHeartbeat {
		http.Error(w, "type must be telemetry or heartbeat", http.StatusBadRequest)
		return
	}
	if len(body.Messages) == 0 || len(body.Messages) > maxBatchMessages {
		http.Error(w, fmt.Sprintf("batch must contain 1-%d messages", maxBatchMessages), http.StatusBadRequest)
		return
	}

	res := batchResult{Results: make([]batchItemResult, 0, len(body.Messages))}
	for i, raw := range body.Messages {
		status, reason := s.ingestOne(r, tenantID, deviceID, body.Type, raw)
		if status == http.StatusAccepted {
			res.Accepted++
		} else {
			res.Rejected++
		}
		res.Results = append(res.Results, batchItemResult{Index: i, Status: status, Reason: reason})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(res)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"queue_depth": s.queue.Depth(),
	})
}

func (s *APIServer) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.cache.Stats())
}

func (s *APIServer) handleQueueSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"depth":         s.queue.Depth(),
		"limiter_keys":  s.limiter.Len(),
		"state_pending": s.pool.states.PendingCount(),
	})
}

// handleRevoke marks a device REVOKED, drops its cache entry and rate
// bucket. The tenant comes from the bearer token, never from the URL.
func (s *APIServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.TenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing tenant", http.StatusUnauthorized)
		return
	}
	deviceID := r.PathValue("device")

	if err := s.store.RevokeDevice(r.Context(), tenantID, deviceID); err != nil {
		http.Error(w, "revoke failed", http.StatusInternalServerError)
		return
	}
	s.cache.Invalidate(tenantID, deviceID)
	s.limiter.Forget(tenantID + "/" + deviceID)
	log.Printf("[API] device %s/%s revoked", tenantID, deviceID)
	w.WriteHeader(http.StatusNoContent)
}

func statusForReason(reason string) int {
	switch reason {
	case store.ReasonUnregistered, store.ReasonInvalidToken:
		return http.StatusUnauthorized
	case store.ReasonRevoked, store.ReasonSiteMismatch:
		return http.StatusForbidden
	case store.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}
