package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/fluxgate/workflowcore/internal/domain/process"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// Metrics is the engine's hand-rolled Prometheus exposition surface: every
// field is one of the primitives defined at the bottom of this file
// (Counter/Gauge/CounterVec/GaugeVec/HistogramVec), not a wrapped
// third-party client.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	apiReqTotal *Counter
	apiReqError *Counter
	apiReqGood  *Counter

	stepDuration *HistogramVec
	stepTotal    *Counter
	stepError    *Counter

	argInjectionIssues *CounterVec

	formEvents    *CounterVec
	formShown     *Counter
	formCompleted *Counter

	securityEvents *CounterVec

	workflowValidationTotal   *Counter
	workflowValidationSlow    *Counter
	workflowValidationLatency *HistogramVec

	abortTotal    *Counter
	abortSlow     *Counter
	abortDuration *HistogramVec

	stepPersistAttempted *Counter
	stepPersistWritten   *Counter
	stepPersistFailed    *Counter

	runningProcesses *Gauge
	queueDepth       *GaugeVec
	dispatchQueue    *GaugeVec
	lockContention   *CounterVec

	pgStats    *GaugeVec
	redisUp    *Gauge
	redisPing  *Gauge

	sloCompliance *GaugeVec
	sloBudget     *GaugeVec
	sloBurn       *GaugeVec

	apiLatencyThreshold      float64
	validationLatencyThresh  float64
	abortLatencyThreshold    float64
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func parseFloatEnv(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		apiLatencyThreshold := parseFloatEnv("SLO_API_LATENCY_THRESHOLD_SECONDS", 0.5)
		validationThreshold := parseFloatEnv("SLO_VALIDATION_LATENCY_THRESHOLD_SECONDS", 2.0)
		abortThreshold := parseFloatEnv("SLO_ABORT_LATENCY_THRESHOLD_SECONDS", 5.0)

		instance = &Metrics{
			apiRequests: NewCounterVec("wfc_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"wfc_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			apiInflight: NewGauge("wfc_api_inflight_requests", "In-flight API requests."),
			apiReqTotal: NewCounter("wfc_api_requests_total_all", "Total API requests (all)."),
			apiReqError: NewCounter("wfc_api_requests_error_total", "Total API requests with 5xx status."),
			apiReqGood:  NewCounter("wfc_api_requests_good_latency_total", "Total API requests under SLO latency threshold."),

			stepDuration: NewHistogramVec(
				"wfc_step_duration_seconds",
				"Step execution duration in seconds by step/workflow/outcome.",
				[]string{"step", "workflow", "outcome"},
				[]float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			stepTotal: NewCounter("wfc_step_transitions_total", "Total step transitions executed."),
			stepError: NewCounter("wfc_step_transitions_failed_total", "Total step transitions ending in waiting/failed."),

			argInjectionIssues: NewCounterVec("wfc_arg_injection_issues_total", "Argument-injection manifest issues by stage/issue/key.", []string{"stage", "issue", "key"}),

			formEvents:    NewCounterVec("wfc_form_events_total", "Form-generator events by type/action.", []string{"type", "action"}),
			formShown:     NewCounter("wfc_form_shown_total", "Forms presented via NextForm."),
			formCompleted: NewCounter("wfc_form_completed_total", "Forms completed via Submit/PostForm."),

			securityEvents: NewCounterVec("wfc_security_events_total", "Security-related events (auth rejections, callback mismatches) by type.", []string{"event"}),

			workflowValidationTotal: NewCounter("wfc_workflow_validation_total", "Workflow.Validate invocations at registration."),
			workflowValidationSlow:  NewCounter("wfc_workflow_validation_slow_total", "Workflow.Validate invocations over latency threshold."),
			workflowValidationLatency: NewHistogramVec(
				"wfc_workflow_validation_duration_seconds",
				"Workflow.Validate duration in seconds by status.",
				[]string{"status"},
				[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			),

			abortTotal: NewCounter("wfc_abort_total", "Total abort operations."),
			abortSlow:  NewCounter("wfc_abort_slow_total", "Abort operations over latency threshold."),
			abortDuration: NewHistogramVec(
				"wfc_abort_duration_seconds",
				"Abort operation duration in seconds by status.",
				[]string{"status"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			),

			stepPersistAttempted: NewCounter("wfc_step_persist_attempted_total", "ProcessStep append attempts."),
			stepPersistWritten:   NewCounter("wfc_step_persist_written_total", "ProcessStep append successes."),
			stepPersistFailed:    NewCounter("wfc_step_persist_failed_total", "ProcessStep append failures."),

			runningProcesses: NewGauge("wfc_running_processes", "EngineSettings.running_processes, the live concurrent-dispatch counter."),
			queueDepth:       NewGaugeVec("wfc_process_queue_depth", "Process count by last_status.", []string{"status"}),
			dispatchQueue:    NewGaugeVec("wfc_dispatch_queue_depth", "Pending dispatch signals by backend.", []string{"backend"}),
			lockContention:   NewCounterVec("wfc_lock_contention_total", "Named-lock acquisition failures (distlock) by lock name.", []string{"lock"}),

			pgStats:   NewGaugeVec("wfc_postgres_stats", "Postgres connection stats.", []string{"metric"}),
			redisUp:   NewGauge("wfc_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing: NewGauge("wfc_redis_ping_seconds", "Redis ping latency in seconds."),

			sloCompliance: NewGaugeVec("wfc_slo_compliance", "SLO compliance (SLI) over window.", []string{"slo", "window"}),
			sloBudget:     NewGaugeVec("wfc_slo_error_budget_remaining", "Error budget remaining (0-1).", []string{"slo", "window"}),
			sloBurn:       NewGaugeVec("wfc_slo_burn_rate", "Error budget burn rate.", []string{"slo", "window"}),

			apiLatencyThreshold:     apiLatencyThreshold,
			validationLatencyThresh: validationThreshold,
			abortLatencyThreshold:   abortThreshold,
		}
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
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

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight, m.apiReqTotal, m.apiReqError, m.apiReqGood,
		m.stepDuration, m.stepTotal, m.stepError,
		m.argInjectionIssues,
		m.formEvents, m.formShown, m.formCompleted,
		m.securityEvents,
		m.workflowValidationTotal, m.workflowValidationSlow, m.workflowValidationLatency,
		m.abortTotal, m.abortSlow, m.abortDuration,
		m.stepPersistAttempted, m.stepPersistWritten, m.stepPersistFailed,
		m.runningProcesses, m.queueDepth, m.dispatchQueue, m.lockContention,
		m.pgStats, m.redisUp, m.redisPing,
		m.sloCompliance, m.sloBudget, m.sloBurn,
	}
	for _, wr := range writers {
		if err := wr.WritePrometheus(w); err != nil {
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
	m.apiReqTotal.Inc()
	if isServerErrorStatus(status) {
		m.apiReqError.Inc()
	}
	if m.apiLatencyThreshold > 0 && dur.Seconds() <= m.apiLatencyThreshold {
		m.apiReqGood.Inc()
	}
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

// ObserveStep records one step transition's latency and outcome tag. Called
// by the executor once per folded step.
func (m *Metrics) ObserveStep(stepName, workflowName, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	if stepName == "" {
		stepName = "unknown"
	}
	if workflowName == "" {
		workflowName = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.stepDuration.Observe(dur.Seconds(), stepName, workflowName, outcome)
	m.stepTotal.Inc()
	if outcome == "waiting" || outcome == "failed" {
		m.stepError.Inc()
	}
}

func (m *Metrics) IncArgInjectionIssue(stage, issue, key string) {
	if m == nil {
		return
	}
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "unknown"
	}
	issue = strings.TrimSpace(issue)
	if issue == "" {
		issue = "unknown"
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "none"
	}
	m.argInjectionIssues.Inc(stage, issue, key)
}

// IncDataQuality is kept as the name data_quality.go's caller already uses;
// it delegates to IncArgInjectionIssue, the engine-specific rename of the
// same counter.
func (m *Metrics) IncDataQuality(stage, issue, key string) {
	m.IncArgInjectionIssue(stage, issue, key)
}

func (m *Metrics) IncFormShown(formType string) {
	if m == nil {
		return
	}
	if formType == "" {
		formType = "unknown"
	}
	m.formEvents.Inc(formType, "shown")
	m.formShown.Inc()
}

func (m *Metrics) IncFormCompleted(formType string) {
	if m == nil {
		return
	}
	if formType == "" {
		formType = "unknown"
	}
	m.formEvents.Inc(formType, "completed")
	m.formCompleted.Inc()
}

func (m *Metrics) IncSecurityEvent(event string) {
	if m == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		event = "unknown"
	}
	m.securityEvents.Inc(event)
}

func (m *Metrics) ObserveWorkflowValidation(dur time.Duration, status string) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	secs := dur.Seconds()
	if secs < 0 {
		secs = 0
	}
	m.workflowValidationTotal.Inc()
	if m.validationLatencyThresh > 0 && secs > m.validationLatencyThresh {
		m.workflowValidationSlow.Inc()
	}
	m.workflowValidationLatency.Observe(secs, status)
}

func (m *Metrics) ObserveAbort(dur time.Duration, status string) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	secs := dur.Seconds()
	if secs < 0 {
		secs = 0
	}
	m.abortTotal.Inc()
	if m.abortLatencyThreshold > 0 && secs > m.abortLatencyThreshold {
		m.abortSlow.Inc()
	}
	m.abortDuration.Observe(secs, status)
}

func (m *Metrics) IncStepPersistAttempted() {
	if m == nil {
		return
	}
	m.stepPersistAttempted.Inc()
}

func (m *Metrics) IncStepPersistWritten() {
	if m == nil {
		return
	}
	m.stepPersistWritten.Inc()
}

func (m *Metrics) IncStepPersistFailed() {
	if m == nil {
		return
	}
	m.stepPersistFailed.Inc()
}

func (m *Metrics) SetRunningProcesses(n int) {
	if m == nil {
		return
	}
	m.runningProcesses.Set(float64(n))
}

func (m *Metrics) SetDispatchQueueDepth(backend string, depth int) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	m.dispatchQueue.Set(float64(depth), backend)
}

func (m *Metrics) IncLockContention(lockName string) {
	if m == nil {
		return
	}
	if lockName == "" {
		lockName = "unknown"
	}
	m.lockContention.Inc(lockName)
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
				m.pgStats.Set(float64(stats.MaxIdleClosed), "max_idle_closed")
				m.pgStats.Set(float64(stats.MaxIdleTimeClosed), "max_idle_time_closed")
				m.pgStats.Set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

// StartProcessQueueCollector polls Process grouped by last_status, so the
// queue-depth gauge reflects the durable log rather than an in-memory
// estimate.
func (m *Metrics) StartProcessQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{
		string(process.StatusCreated), string(process.StatusRunning), string(process.StatusResumed),
		string(process.StatusSuspended), string(process.StatusAwaitingCallback), string(process.StatusWaiting),
		string(process.StatusAborted), string(process.StatusFailed), string(process.StatusCompleted),
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&process.Process{}).
					Select("last_status as status, count(*) as count").
					Group("last_status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: process queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), status)
				}
			}
		}
	}()
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}

func isServerErrorStatus(status string) bool {
	status = strings.TrimSpace(status)
	if len(status) < 3 {
		return false
	}
	return status[0] == '5'
}
