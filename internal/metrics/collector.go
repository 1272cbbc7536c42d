// Package metrics exposes sync progress to Prometheus and keeps a progress
// tracker per task type.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/checkpoint"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/progress"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

// Collector implements the scheduler, dispatch and worker metric hooks
type Collector struct {
	registry         *prometheus.Registry
	rowsTotal        *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	triggersReceived *prometheus.CounterVec
	triggersDropped  *prometheus.CounterVec
	activeRunners    prometheus.Gauge
	rowDuration      *prometheus.HistogramVec
	cursor           *prometheus.GaugeVec

	mu       sync.Mutex
	trackers map[task.Type]*progress.Tracker
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_rows_total",
				Help: "Source rows processed, by outcome",
			},
			[]string{"task_type", "status"},
		),
		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_stage_transitions_total",
				Help: "Stages entered",
			},
			[]string{"task_type", "stage"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_task_runs_total",
				Help: "Task activations, by result",
			},
			[]string{"task_type", "result"},
		),
		triggersReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_triggers_received_total",
				Help: "Trigger messages received",
			},
			[]string{"task_type"},
		),
		triggersDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_triggers_dropped_total",
				Help: "Trigger messages dropped, by reason",
			},
			[]string{"task_type", "reason"},
		),
		activeRunners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_active_runners",
				Help: "Task runs currently executing",
			},
		),
		rowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_row_duration_seconds",
				Help:    "Time taken to load one source row",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task_type"},
		),
		cursor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_checkpoint_cursor",
				Help: "Last persisted cursor",
			},
			[]string{"task_type", "stage"},
		),
		trackers: make(map[task.Type]*progress.Tracker),
	}

	c.registry.MustRegister(
		c.rowsTotal,
		c.stageTransitions,
		c.runsTotal,
		c.triggersReceived,
		c.triggersDropped,
		c.activeRunners,
		c.rowDuration,
		c.cursor,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Tracker returns the progress tracker of ty, creating it on first use
func (c *Collector) Tracker(ty task.Type) *progress.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[ty]
	if !ok {
		t = progress.NewTracker()
		c.trackers[ty] = t
	}
	return t
}

func (c *Collector) StageEntered(ty task.Type, cp checkpoint.Checkpoint) {
	c.stageTransitions.WithLabelValues(string(ty), string(cp.Stage)).Inc()
	c.Tracker(ty).StartStage(string(cp.Stage), cp.Cursor, cp.Total)
}

func (c *Collector) RowLoaded(ty task.Type, _ checkpoint.Stage, elapsed time.Duration) {
	c.rowsTotal.WithLabelValues(string(ty), "success").Inc()
	c.rowDuration.WithLabelValues(string(ty)).Observe(elapsed.Seconds())
	c.Tracker(ty).AddLoaded()
}

func (c *Collector) RowFailed(ty task.Type, _ checkpoint.Stage, _ error) {
	c.rowsTotal.WithLabelValues(string(ty), "failed").Inc()
	c.Tracker(ty).AddFailed()
}

func (c *Collector) Checkpointed(ty task.Type, cp checkpoint.Checkpoint) {
	c.cursor.WithLabelValues(string(ty), string(cp.Stage)).Set(float64(cp.Cursor))
	c.Tracker(ty).SetCursor(string(cp.Stage), cp.Cursor, cp.Total)
}

func (c *Collector) RunFinished(ty task.Type, result string) {
	c.runsTotal.WithLabelValues(string(ty), result).Inc()
	c.Tracker(ty).Finish(result)
}

func (c *Collector) TriggerReceived(ty task.Type) {
	c.triggersReceived.WithLabelValues(string(ty)).Inc()
}

func (c *Collector) TriggerDropped(ty task.Type, reason string) {
	c.triggersDropped.WithLabelValues(string(ty), reason).Inc()
}

func (c *Collector) RunnerStarted(task.Type) {
	c.activeRunners.Inc()
}

func (c *Collector) RunnerFinished(task.Type) {
	c.activeRunners.Dec()
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
