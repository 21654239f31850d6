// Package engine wires the DAG execution core (tensor/op/runinfo/parser/
// queue/scheduler/reply) together with the ambient stack into one running
// process: config, keyspace, backends and telemetry assembled in
// dependency order, the way a long-lived orchestrator service wires its
// store, worker pool and plugin registry together.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/config"
	"github.com/swarmguard/daginferd/internal/events"
	"github.com/swarmguard/daginferd/internal/keyspace"
	"github.com/swarmguard/daginferd/internal/parser"
	"github.com/swarmguard/daginferd/internal/queue"
	"github.com/swarmguard/daginferd/internal/runinfo"
	"github.com/swarmguard/daginferd/internal/scheduler"
	"github.com/swarmguard/daginferd/internal/stats"
)

// Engine owns every shared piece of DAG execution state for one process:
// the device queue registry, the backend registry, the stats registry, and
// the scheduler that drives them. It is the single entry point both
// internal/wire and internal/controlplane submit work through.
type Engine struct {
	cfg      *config.Config
	ks       keyspace.Keyspace
	backends *backend.Registry
	stats    *stats.Registry
	queues   *queue.Registry
	sched    *scheduler.Scheduler
	publisher *events.Publisher
	tracer   trace.Tracer
	cron     *cron.Cron

	ctx context.Context

	mu             sync.Mutex
	startedDevices map[string]bool
}

// New assembles an Engine. The caller owns the lifetime of ks, backends and
// the OTel providers meter/tracer were built from.
func New(cfg *config.Config, ks keyspace.Keyspace, backends *backend.Registry, meter metric.Meter, tracer trace.Tracer, publisher *events.Publisher) *Engine {
	statsReg := stats.NewRegistry()
	queues := queue.NewRegistry()
	sched := scheduler.New(queues, backends, statsReg, ks, meter, tracer)
	return &Engine{
		cfg:            cfg,
		ks:             ks,
		backends:       backends,
		stats:          statsReg,
		queues:         queues,
		sched:          sched,
		publisher:      publisher,
		tracer:         tracer,
		startedDevices: map[string]bool{},
	}
}

// Stats exposes the runtime stats registry for the control plane's query
// endpoint.
func (e *Engine) Stats() *stats.Registry { return e.stats }

// Start launches the cron-driven maintenance loop: stats-registry
// compaction on a periodic schedule, managed by its own Start/Stop
// lifecycle. ctx governs every device worker goroutine spawned for the
// lifetime of this Engine; cancel it to drain and stop them.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.cron = cron.New()
	_, _ = e.cron.AddFunc("@every 1m", func() {
		removed := e.stats.Compact()
		if removed > 0 {
			slog.Debug("stats registry compacted", "removed", removed)
		}
	})
	e.cron.Start()
}

// Stop stops the cron loop and closes every device queue, which wakes and
// exits every worker goroutine started by ensureWorkers.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, q := range e.queues.All() {
		q.Close()
	}
	return nil
}

// Submit parses cmd into a RunInfo, wires an events.DagCompleted publish
// into its completion hook, ensures every device it touches has running
// workers, and hands it to the scheduler. client is unblocked exactly once
// when the run finishes, errors, or times out.
func (e *Engine) Submit(ctx context.Context, cmd string, readOnly bool, client runinfo.ClientHandle) (*runinfo.RunInfo, error) {
	ri, err := parser.Parse(ctx, cmd, e.ks, readOnly)
	if err != nil {
		return nil, err
	}
	ri.ClientHandle = client

	start := time.Now()
	ri.OnFinish = func(r *runinfo.RunInfo) {
		status := "ok"
		switch {
		case r.TimedOut():
			status = "timed_out"
		case r.ErrorFlag():
			status = "error"
		}
		ev := events.DagCompleted{
			RunID:      r.ID,
			Status:     status,
			DurationMs: time.Since(start).Milliseconds(),
			OpCount:    r.OpCount,
		}
		if perr := e.publisher.Publish(context.Background(), ev); perr != nil {
			slog.Warn("dag completion event publish failed", "run_id", r.ID, "error", perr)
		}
	}

	e.ensureWorkers(ri)
	e.sched.Submit(ri)
	return ri, nil
}

// ensureWorkers lazily starts a device's worker pool the first time any
// RunInfo touches that device string. Device strings are open-ended
// ("CPU", "GPU:0", "GPU:1", ...) so the set of queues is discovered at
// runtime rather than configured upfront.
func (e *Engine) ensureWorkers(ri *runinfo.RunInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for device := range ri.DeviceViews {
		if e.startedDevices[device] {
			continue
		}
		e.startedDevices[device] = true
		n := e.cfg.ThreadsPerQueue
		if n <= 0 {
			n = 1
		}
		go e.sched.RunDeviceWorkers(e.ctx, device, n)
	}
}
