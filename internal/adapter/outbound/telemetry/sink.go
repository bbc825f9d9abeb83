// Package telemetry implements the fire-and-forget async sink: a bounded
// worker pool that drains completed-connection log tasks into the Store and
// Broadcaster without ever blocking the connection handler that submitted
// them.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	domaintelemetry "github.com/sentinelproxy/sentinelproxy/internal/domain/telemetry"
	"github.com/sentinelproxy/sentinelproxy/internal/port/outbound"
)

// taskKind distinguishes a full request-row task from a bare hit-count
// increment, so the same bounded queue and worker pool serve both without
// forcing hit increments to wait behind full DomainStats/row writes.
type taskKind int

const (
	kindRequestRow taskKind = iota
	kindHitIncrement
)

// Task is a fully-materialized unit of telemetry work. The handler builds
// one of these at connection-handling completion time and hands it to the
// sink; everything past that point runs off the request path.
type Task struct {
	kind taskKind

	row       domaintelemetry.ProxyRequest
	broadcast bool

	hitKind string // "rule", "domain", "src_ip", "dst_ip", "src_port", "dst_port"
	hitID   string
}

// NewRequestTask builds the task submitted once per completed connection
// episode. broadcast controls whether the row is also published to the
// Broadcaster's "dashboard" group.
func NewRequestTask(row domaintelemetry.ProxyRequest, broadcast bool) Task {
	return Task{kind: kindRequestRow, row: row, broadcast: broadcast}
}

// Metrics is the subset of Prometheus instruments the sink records against.
// Constructed once at process start and shared with other components.
type Metrics struct {
	QueueDepth prometheus.Gauge
	DropsTotal prometheus.Counter
	TasksTotal *prometheus.CounterVec
}

// Sink is the bounded-channel worker pool draining Tasks to a Store and
// Broadcaster. Zero value is not usable; use New.
type Sink struct {
	store       outbound.Store
	broadcaster outbound.Broadcaster
	log         *slog.Logger
	metrics     *Metrics

	queue       chan Task
	workerCount int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// Config controls queue sizing and worker concurrency.
type Config struct {
	QueueSize   int
	WorkerCount int
}

// DefaultConfig matches the teacher's bounded-queue-with-drop-oldest
// sizing for its audit pipeline, scaled for a higher-throughput proxy path.
func DefaultConfig() Config {
	return Config{QueueSize: 4096, WorkerCount: 4}
}

// New constructs a Sink. Call Start to begin draining.
func New(store outbound.Store, broadcaster outbound.Broadcaster, metrics *Metrics, log *slog.Logger, cfg Config) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	return &Sink{
		store:       store,
		broadcaster: broadcaster,
		log:         log,
		metrics:     metrics,
		queue:       make(chan Task, cfg.QueueSize),
		workerCount: cfg.WorkerCount,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Stop is called.
func (s *Sink) Start(ctx context.Context) {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

func (s *Sink) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case task := <-s.queue:
			s.process(ctx, task)
			if s.metrics != nil {
				s.metrics.QueueDepth.Set(float64(len(s.queue)))
			}
		}
	}
}

// Submit enqueues task without blocking the caller. If the queue is full,
// the oldest queued task is dropped to make room — correctness of
// forwarding never depends on telemetry keeping up.
func (s *Sink) Submit(task Task) {
	select {
	case s.queue <- task:
		if s.metrics != nil {
			s.metrics.TasksTotal.WithLabelValues("submitted").Inc()
		}
		return
	default:
	}

	// Queue full: drop the oldest entry, then try once more.
	select {
	case <-s.queue:
		if s.metrics != nil {
			s.metrics.DropsTotal.Inc()
		}
	default:
	}
	select {
	case s.queue <- task:
	default:
		// Another submitter won the race for the freed slot; drop ours too.
		if s.metrics != nil {
			s.metrics.DropsTotal.Inc()
		}
	}
}

func (s *Sink) process(ctx context.Context, task Task) {
	switch task.kind {
	case kindRequestRow:
		s.processRequestRow(ctx, task)
	case kindHitIncrement:
		s.processHitIncrement(ctx, task)
	}
}

func (s *Sink) processRequestRow(ctx context.Context, task Task) {
	row := task.row
	var blockedDelta int64
	if row.Blocked {
		blockedDelta = 1
	}
	if err := s.store.UpsertDomainStats(ctx, row.Hostname, 1, row.ContentLength, blockedDelta); err != nil {
		s.log.Warn("telemetry: upsert domain stats failed", "hostname", row.Hostname, "error", err)
	}

	if _, err := s.store.AppendProxyRequest(ctx, row); err != nil {
		s.log.Warn("telemetry: append proxy request failed", "hostname", row.Hostname, "error", err)
		return
	}

	if task.broadcast {
		event := domaintelemetry.NewRequestEvent{Type: "new_request", Request: row.ToListView()}
		if err := s.broadcaster.Publish(ctx, "dashboard", event); err != nil {
			s.log.Debug("telemetry: broadcast publish failed", "error", err)
		}
	}

	if row.Blocked && s.metrics != nil {
		s.metrics.TasksTotal.WithLabelValues("blocked").Inc()
	}
}

func (s *Sink) processHitIncrement(ctx context.Context, task Task) {
	var err error
	switch task.hitKind {
	case "rule":
		err = s.store.IncrementRuleHit(ctx, task.hitID)
	case "domain":
		err = s.store.IncrementDomainHit(ctx, task.hitID)
	case "src_ip", "dst_ip":
		err = s.store.IncrementIPHit(ctx, task.hitID)
	case "src_port", "dst_port":
		err = s.store.IncrementPortHit(ctx, task.hitID)
	}
	if err != nil {
		s.log.Warn("telemetry: hit increment failed", "kind", task.hitKind, "id", task.hitID, "error", err)
	}
}

// Stop signals all workers to exit and waits for them to drain in-flight
// tasks' current iteration. Queued-but-unstarted tasks are discarded.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// RecordRuleHit implements blockpolicy.HitRecorder.
func (s *Sink) RecordRuleHit(id string) { s.submitHit("rule", id) }

// RecordDomainHit implements blockpolicy.HitRecorder.
func (s *Sink) RecordDomainHit(id string) { s.submitHit("domain", id) }

// RecordIPHit implements blockpolicy.HitRecorder. The direction that fired
// is not known at this call site; callers needing src/dst distinction in
// counters should use submitHit directly with the specific kind.
func (s *Sink) RecordIPHit(id string) { s.submitHit("src_ip", id) }

// RecordPortHit implements blockpolicy.HitRecorder.
func (s *Sink) RecordPortHit(id string) { s.submitHit("src_port", id) }

func (s *Sink) submitHit(kind, id string) {
	s.Submit(Task{kind: kindHitIncrement, hitKind: kind, hitID: id})
}

// SubmitRequest is the convenience entry point ConnectionHandler uses at the
// end of every episode: build the row, decide whether to broadcast it, and
// hand it to the sink without blocking.
func (s *Sink) SubmitRequest(row domaintelemetry.ProxyRequest, broadcast bool) {
	s.Submit(NewRequestTask(row, broadcast))
}
