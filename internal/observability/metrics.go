package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// Metrics is the process-wide metric registry. A nil *Metrics is valid and
// turns every method into a no-op, so callers never check Enabled themselves.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	apiLimited  *CounterVec

	jobsSubmitted   *CounterVec
	jobTransitions  *CounterVec
	jobDuration     *HistogramVec
	jobStatusCounts *GaugeVec

	workerTasks *CounterVec
	workerBusy  *Gauge

	queueReaped *CounterVec
	queueDepth  *GaugeVec

	ledgerOps      *CounterVec
	tokensDebited  *Counter
	tokensRefunded *Counter
	tokensTopUp    *Counter

	inferenceRequests *CounterVec
	inferenceLatency  *HistogramVec

	notifications *CounterVec
	wsConnections *Gauge

	dbStats   *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	d := envutil.Duration("METRICS_SCRAPE_INTERVAL", 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Init builds the registry once when METRICS_ENABLED is set and returns nil
// otherwise.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("ib_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"ib_api_request_duration_seconds",
			"API request latency in seconds by method/route/status.",
			[]string{"method", "route", "status"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		),
		apiInflight: NewGauge("ib_api_inflight_requests", "In-flight API requests."),
		apiLimited:  NewCounterVec("ib_api_rate_limited_total", "Requests rejected by the per-user rate limiter.", []string{"route"}),

		jobsSubmitted:  NewCounterVec("ib_jobs_submitted_total", "Inference jobs admitted by model.", []string{"model_id", "model_version"}),
		jobTransitions: NewCounterVec("ib_job_transitions_total", "Job status transitions.", []string{"from", "to"}),
		jobDuration: NewHistogramVec(
			"ib_job_processing_duration_seconds",
			"Time from dequeue to terminal status, by final status.",
			[]string{"status"},
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		),
		jobStatusCounts: NewGaugeVec("ib_jobs_by_status", "Stored jobs by status.", []string{"status"}),

		workerTasks: NewCounterVec("ib_worker_tasks_total", "Worker task outcomes.", []string{"outcome"}),
		workerBusy:  NewGauge("ib_worker_busy", "Workers currently running a handler."),

		queueReaped: NewCounterVec("ib_queue_leases_reaped_total", "Expired leases returned to the ready set.", []string{"backend"}),
		queueDepth:  NewGaugeVec("ib_queue_depth", "Tasks in the queue by state.", []string{"backend", "state"}),

		ledgerOps:      NewCounterVec("ib_ledger_operations_total", "Ledger operations by kind and result.", []string{"op", "result"}),
		tokensDebited:  NewCounter("ib_tokens_debited_total", "Tokens charged for jobs."),
		tokensRefunded: NewCounter("ib_tokens_refunded_total", "Tokens refunded for failed jobs."),
		tokensTopUp:    NewCounter("ib_tokens_topped_up_total", "Tokens credited by administrators."),

		inferenceRequests: NewCounterVec("ib_inference_requests_total", "Inference gateway calls by result.", []string{"result"}),
		inferenceLatency: NewHistogramVec(
			"ib_inference_request_duration_seconds",
			"Inference gateway latency in seconds by result.",
			[]string{"result"},
			[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		),

		notifications: NewCounterVec("ib_notifications_total", "Realtime notifications by type and delivery result.", []string{"type", "result"}),
		wsConnections: NewGauge("ib_ws_connections", "Open realtime connections."),

		dbStats:   NewGaugeVec("ib_db_pool", "database/sql pool statistics.", []string{"stat"}),
		redisUp:   NewGauge("ib_redis_up", "1 when the last Redis ping succeeded."),
		redisPing: NewGauge("ib_redis_ping_seconds", "Latency of the last Redis ping."),
	}
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

type promWriter interface {
	WritePrometheus(w io.Writer) error
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	all := []promWriter{
		m.apiRequests, m.apiLatency, m.apiInflight, m.apiLimited,
		m.jobsSubmitted, m.jobTransitions, m.jobDuration, m.jobStatusCounts,
		m.workerTasks, m.workerBusy,
		m.queueReaped, m.queueDepth,
		m.ledgerOps, m.tokensDebited, m.tokensRefunded, m.tokensTopUp,
		m.inferenceRequests, m.inferenceLatency,
		m.notifications, m.wsConnections,
		m.dbStats, m.redisUp, m.redisPing,
	}
	for _, c := range all {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) IncRateLimited(route string) {
	if m == nil {
		return
	}
	m.apiLimited.Inc(route)
}

func (m *Metrics) IncJobSubmitted(modelID, modelVersion string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc(modelID, modelVersion)
}

func (m *Metrics) IncJobTransition(from, to string) {
	if m == nil {
		return
	}
	m.jobTransitions.Inc(from, to)
}

func (m *Metrics) ObserveJobDuration(status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.Observe(dur.Seconds(), status)
}

// SetJobStatusCounts replaces the per-status gauge. Statuses missing from
// counts are reset to zero.
func (m *Metrics) SetJobStatusCounts(known []string, counts map[string]int64) {
	if m == nil {
		return
	}
	for _, s := range known {
		m.jobStatusCounts.Set(0, s)
	}
	for s, n := range counts {
		m.jobStatusCounts.Set(float64(n), s)
	}
}

// IncWorkerTask records one worker outcome: success, retry, give_up, panic or
// fatal.
func (m *Metrics) IncWorkerTask(outcome string) {
	if m == nil {
		return
	}
	m.workerTasks.Inc(outcome)
}

func (m *Metrics) WorkerBusyInc() {
	if m == nil {
		return
	}
	m.workerBusy.Inc()
}

func (m *Metrics) WorkerBusyDec() {
	if m == nil {
		return
	}
	m.workerBusy.Dec()
}

func (m *Metrics) AddLeasesReaped(backend string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queueReaped.Add(float64(n), backend)
}

// SetQueueDepth records how many tasks are ready and how many are leased.
func (m *Metrics) SetQueueDepth(backend string, ready, leased int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(ready), backend, "ready")
	m.queueDepth.Set(float64(leased), backend, "leased")
}

func (m *Metrics) IncLedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.ledgerOps.Inc(op, result)
}

func (m *Metrics) AddTokensDebited(v float64) {
	if m == nil {
		return
	}
	m.tokensDebited.Add(v)
}

func (m *Metrics) AddTokensRefunded(v float64) {
	if m == nil {
		return
	}
	m.tokensRefunded.Add(v)
}

func (m *Metrics) AddTokensTopUp(v float64) {
	if m == nil {
		return
	}
	m.tokensTopUp.Add(v)
}

func (m *Metrics) ObserveInference(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.inferenceRequests.Inc(result)
	m.inferenceLatency.Observe(dur.Seconds(), result)
}

// IncNotification records a push attempt: delivered, dropped (buffer full) or
// offline (no live connection).
func (m *Metrics) IncNotification(msgType, result string) {
	if m == nil {
		return
	}
	m.notifications.Inc(msgType, result)
}

func (m *Metrics) WSConnectionsInc() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSConnectionsDec() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
