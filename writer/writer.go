// Package writer buffers line-protocol points per tenant and flushes them
// to the time-series store in batches.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/opsconductor/pulse/observability"
)

// Backend performs one batched write for one tenant. The body is
// newline-joined line protocol.
type Backend interface {
	WriteBatch(ctx context.Context, tenantID string, body []byte) error
}

// InfluxBackend writes to an InfluxDB 1.x-compatible /write endpoint. The
// database name is derived per tenant as telemetry_{tenant_id}.
type InfluxBackend struct {
	BaseURL string
	Client  *http.Client
}

func NewInfluxBackend(baseURL string, timeout time.Duration) *InfluxBackend {
	return &InfluxBackend{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (b *InfluxBackend) WriteBatch(ctx context.Context, tenantID string, body []byte) error {
	u := fmt.Sprintf("%s/write?db=%s&precision=ns", b.BaseURL, url.QueryEscape("telemetry_"+tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("influx write returned %d", resp.StatusCode)
	}
	return nil
}

// Writer accumulates lines per tenant and flushes a tenant's buffer when it
// reaches batchSize or on the periodic interval, whichever comes first.
//
// Add is cheap except at the moment a size-triggered flush fires, which
// performs the write inline so the buffer cannot grow unbounded.
type Writer struct {
	backend    Backend
	batchSize  int
	flushEvery time.Duration

	mu      sync.Mutex
	buffers map[string][]string
	total   int

	cancel context.CancelFunc
	done   chan struct{}
}

// writeRetries is the number of attempts per batch before the batch is
// counted as an error and discarded. Losing a batch is preferred to
// buffering without bound.
const writeRetries = 2

const retryDelay = 250 * time.Millisecond

func New(backend Backend, batchSize int, flushEvery time.Duration) *Writer {
	return &Writer{
		backend:    backend,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		buffers:    make(map[string][]string),
	}
}

// Add buffers one line for the tenant. Reaching batchSize triggers an
// inline flush of that tenant's buffer.
func (w *Writer) Add(ctx context.Context, tenantID, line string) {
	w.mu.Lock()
	w.buffers[tenantID] = append(w.buffers[tenantID], line)
	w.total++
	observability.WriterBufferedLines.Set(float64(w.total))
	var batch []string
	if len(w.buffers[tenantID]) >= w.batchSize {
		batch = w.takeLocked(tenantID)
	}
	w.mu.Unlock()

	if batch != nil {
		w.writeBatch(ctx, tenantID, batch)
	}
}

// Start launches the periodic flush loop.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.FlushAll(context.Background())
			}
		}
	}()
}

// Stop cancels the periodic flush and drains any remaining buffers.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.FlushAll(context.Background())
}

// FlushAll writes out every tenant's buffered lines, one write per tenant.
func (w *Writer) FlushAll(ctx context.Context) {
	start := time.Now()

	w.mu.Lock()
	snapshots := make(map[string][]string, len(w.buffers))
	for tenant := range w.buffers {
		if batch := w.takeLocked(tenant); batch != nil {
			snapshots[tenant] = batch
		}
	}
	w.mu.Unlock()

	for tenant, batch := range snapshots {
		w.writeBatch(ctx, tenant, batch)
	}
	observability.WriterFlushDuration.Observe(time.Since(start).Seconds())
}

// BufferedLines reports the current total buffered line count.
func (w *Writer) BufferedLines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// takeLocked snapshots and resets a tenant buffer. Caller holds w.mu.
func (w *Writer) takeLocked(tenantID string) []string {
	batch := w.buffers[tenantID]
	if len(batch) == 0 {
		return nil
	}
	delete(w.buffers, tenantID)
	w.total -= len(batch)
	observability.WriterBufferedLines.Set(float64(w.total))
	return batch
}

func (w *Writer) writeBatch(ctx context.Context, tenantID string, lines []string) {
	body := []byte(joinLines(lines))

	var err error
	for attempt := 1; attempt <= writeRetries; attempt++ {
		if err = w.backend.WriteBatch(ctx, tenantID, body); err == nil {
			observability.WriterBatchesOK.WithLabelValues(tenantID).Inc()
			return
		}
		if attempt < writeRetries {
			time.Sleep(retryDelay)
		}
	}

	observability.WriterBatchesErr.WithLabelValues(tenantID).Inc()
	log.Printf("[WRITER] dropping batch of %d lines for tenant %s: %v", len(lines), tenantID, err)
}

func joinLines(lines []string) string {
	var b bytes.Buffer
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	return b.String()
}
