// Package core contains the sync engine: it drains the operation queue
// against the remote adapter, runs detected conflicts through the resolver,
// applies retry outcomes and records history and metrics.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isaacmuchunu/offsync/internal/conflict"
	"github.com/isaacmuchunu/offsync/internal/connectivity"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/queue"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/isaacmuchunu/offsync/internal/store"
	"golang.org/x/sync/errgroup"
)

// Defaults for Options.
const (
	DefaultBatchSize   = 50
	DefaultInterval    = 5 * time.Minute
	DefaultCallTimeout = 30 * time.Second
	DefaultResolvedBy  = "operator"
)

// Options tunes the engine.
type Options struct {
	BatchSize   int
	Interval    time.Duration // periodic trigger
	CallTimeout time.Duration // per remote call
	Queue       queue.Options
	Policy      conflict.Policy
	Custom      conflict.CustomFunc
	Logger      *slog.Logger
	Now         func() time.Time
}

// Deps are the collaborators the engine drives. Backend and Adapter are
// required. A nil Monitor means the engine considers itself always online.
type Deps struct {
	Backend   store.Backend
	Adapter   remote.Adapter
	Monitor   *connectivity.Monitor
	Poller    *connectivity.Poller
	Observers []Observer
}

// Engine is the sync orchestrator. At most one pass runs at a time; a pass
// requested while another is running returns immediately.
type Engine struct {
	backend   store.Backend
	queue     *queue.Queue
	adapter   remote.Adapter
	detector  *conflict.Detector
	resolver  *conflict.Resolver
	monitor   *connectivity.Monitor
	poller    *connectivity.Poller
	observers []Observer

	batchSize   int
	interval    time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	syncing atomic.Bool

	mu      sync.Mutex
	metrics models.SyncMetrics

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs an engine. Call Init before use.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if deps.Adapter == nil {
		return nil, errors.New("engine: remote adapter is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Queue.Logger == nil {
		opts.Queue.Logger = opts.Logger
	}
	if opts.Queue.Now == nil {
		opts.Queue.Now = opts.Now
	}
	if deps.Monitor == nil {
		deps.Monitor = connectivity.NewMonitor(true, opts.Logger)
	}

	return &Engine{
		backend:     deps.Backend,
		queue:       queue.New(deps.Backend, opts.Queue),
		adapter:     deps.Adapter,
		detector:    conflict.NewDetector(deps.Adapter, opts.Now),
		resolver:    conflict.NewResolver(opts.Policy, opts.Custom, opts.Now),
		monitor:     deps.Monitor,
		poller:      deps.Poller,
		observers:   deps.Observers,
		batchSize:   opts.BatchSize,
		interval:    opts.Interval,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
		now:         opts.Now,
	}, nil
}

// Queue exposes the operation store.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Monitor exposes the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Init loads the persisted queue, recovering operations an interrupted pass
// left Processing, and rebuilds the metric counters from stored history.
func (e *Engine) Init(ctx context.Context) error {
	recovered, err := e.queue.Load(ctx)
	if err != nil {
		return err
	}

	history, err := e.backend.ListHistory(ctx, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	resolutions, err := e.backend.ListResolutions(ctx, 0)
	if err != nil {
		return fmt.Errorf("load resolutions: %w", err)
	}
	dead, err := e.backend.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}
	conflicts, err := e.backend.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("load conflicts: %w", err)
	}

	var m models.SyncMetrics
	// History is newest first; replay oldest first so the last entry wins.
	for i := len(history) - 1; i >= 0; i-- {
		recordPass(&m, history[i])
	}
	for _, r := range resolutions {
		if !r.Pending() {
			m.ConflictsResolved++
		}
	}
	m.DeadLettered = len(dead)
	m.PendingConflicts = len(conflicts)

	e.mu.Lock()
	e.metrics = m
	e.mu.Unlock()

	e.logger.Info("sync engine initialized",
		"queued", e.queue.Len(), "recovered", recovered,
		"dead_letters", len(dead), "pending_conflicts", len(conflicts))
	return nil
}

// Start runs the periodic trigger, the connectivity trigger and, when
// configured, the connectivity poller. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.cancel = cancel
	e.group = g

	events, unsubscribe := e.monitor.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Online {
					e.TriggerSync(gctx)
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				e.TriggerSync(gctx)
			}
		}
	})

	if e.poller != nil {
		g.Go(func() error {
			e.poller.Run(gctx)
			return nil
		})
	}

	e.logger.Info("sync triggers started", "interval", e.interval)
	return nil
}

// Shutdown stops the triggers and waits for an in-flight pass to finish.
func (e *Engine) Shutdown() error {
	e.runMu.Lock()
	cancel, g := e.cancel, e.group
	e.cancel, e.group = nil, nil
	e.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	e.logger.Info("sync engine stopped")
	return err
}

// TriggerSync runs a pass if the device is online, nothing is running and
// some operation is due. Trigger sources never cancel a running pass, so
// the pass runs detached from ctx's cancellation.
func (e *Engine) TriggerSync(ctx context.Context) {
	if !e.monitor.Online() || e.syncing.Load() || !e.queue.HasEligible(nil) {
		return
	}
	if _, err := e.PerformSync(context.WithoutCancel(ctx)); err != nil {
		e.logger.Error("sync pass aborted", "error", err)
	}
}

// Metrics returns a snapshot of the running counters.
func (e *Engine) Metrics() models.SyncMetrics {
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m.LastSyncAt != nil {
		t := *m.LastSyncAt
		m.LastSyncAt = &t
	}
	m.QueueDepth = e.queue.Len()
	return m
}

func (e *Engine) updateMetrics(fn func(m *models.SyncMetrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.metrics)
}

// recordPass folds one history entry into the counters.
func recordPass(m *models.SyncMetrics, h *models.SyncHistoryEntry) {
	switch h.Status {
	case models.HistorySuccess:
		m.SuccessfulSyncs++
	case models.HistoryPartial:
		m.PartialSyncs++
	case models.HistoryError:
		m.FailedSyncs++
	}
	m.OperationsSynced += h.SuccessCount
	m.OperationsFailed += h.FailureCount
	at := h.StartedAt.Add(h.Duration)
	m.LastSyncAt = &at
	m.LastSyncStatus = h.Status
}
