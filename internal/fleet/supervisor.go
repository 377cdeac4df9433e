// Package fleet admits submitted tasks into a bounded worker pool, enforces
// per-user concurrency, tracks live sandbox handles, and sweeps sandboxes
// whose owning process died.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"asynccode/internal/metrics"
	"asynccode/internal/sandbox"
	"asynccode/internal/store"
)

// RunFunc executes one claimed task to a terminal state. The credential is
// passed by value and never stored.
type RunFunc func(ctx context.Context, t *store.Task, credential string)

var (
	// ErrQueueFull is returned when no admission slot is available.
	ErrQueueFull = errors.New("task queue is full")
	// ErrShuttingDown is returned for submissions after Shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// Config carries the supervisor knobs.
type Config struct {
	Workers      int
	PerUserLimit int
	QueueDepth   int
	// SandboxLifetime bounds one task's total wall clock, sandbox included.
	// Zero disables the bound.
	SandboxLifetime time.Duration
	SweepInterval   time.Duration
	OrphanAge       time.Duration
	DrainTimeout    time.Duration
}

type item struct {
	task       *store.Task
	credential string
}

// Supervisor owns the worker pool and the orphan sweeper.
type Supervisor struct {
	cfg     Config
	run     RunFunc
	driver  sandbox.Driver
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []item
	reserved int
	active   map[string]int
	handles  map[int64]string
	cancels  map[int64]context.CancelFunc
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	sweepDone  chan struct{}
}

func New(run RunFunc, driver sandbox.Driver, st store.Store, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PerUserLimit <= 0 {
		cfg.PerUserLimit = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 100
	}
	s := &Supervisor{
		cfg:     cfg,
		run:     run,
		driver:  driver,
		store:   st,
		metrics: m,
		logger:  logger,
		active:  make(map[string]int),
		handles: make(map[int64]string),
		cancels: make(map[int64]context.CancelFunc),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetRun installs the task execution function. The supervisor doubles as the
// runner's handle registry, so the two are built in sequence and joined here
// before Start.
func (s *Supervisor) SetRun(run RunFunc) {
	s.run = run
}

// Start launches the workers and the orphan sweeper. The given context is
// the parent of every task context; cancelling it begins a hard stop.
func (s *Supervisor) Start(ctx context.Context) {
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	if s.cfg.SweepInterval > 0 {
		s.sweepDone = make(chan struct{})
		go s.sweepLoop()
	}
}

// TryReserve claims an admission slot ahead of task creation, so a full
// queue is rejected before anything is persisted. A successful reservation
// must be followed by Enqueue or Release.
func (s *Supervisor) TryReserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if len(s.queue)+s.reserved >= s.cfg.QueueDepth {
		return ErrQueueFull
	}
	s.reserved++
	return nil
}

// Release returns an unused reservation, e.g. when task creation failed.
func (s *Supervisor) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved > 0 {
		s.reserved--
	}
}

// Enqueue hands a created task to the pool, consuming its reservation.
func (s *Supervisor) Enqueue(t *store.Task, credential string) {
	s.mu.Lock()
	if s.reserved > 0 {
		s.reserved--
	}
	if s.closed {
		s.mu.Unlock()
		s.failQueued(t, "rejected during shutdown")
		return
	}
	s.queue = append(s.queue, item{task: t, credential: credential})
	s.metrics.QueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for {
		it, ok := s.dequeue()
		if !ok {
			return
		}
		s.execute(it)
	}
}

// dequeue returns the oldest queued item whose user is under the per-user
// limit. Skipping an over-limit user's items keeps that user's submission
// order intact without blocking everyone behind them.
func (s *Supervisor) dequeue() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return item{}, false
		}
		for i := range s.queue {
			it := s.queue[i]
			if s.active[it.task.UserID] >= s.cfg.PerUserLimit {
				continue
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.active[it.task.UserID]++
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
			return it, true
		}
		s.cond.Wait()
	}
}

func (s *Supervisor) execute(it item) {
	var ctx context.Context
	var cancel context.CancelFunc
	if s.cfg.SandboxLifetime > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, s.cfg.SandboxLifetime)
	} else {
		ctx, cancel = context.WithCancel(s.baseCtx)
	}
	s.mu.Lock()
	s.cancels[it.task.ID] = cancel
	s.mu.Unlock()

	s.run(ctx, it.task, it.credential)
	cancel()

	s.mu.Lock()
	delete(s.cancels, it.task.ID)
	s.active[it.task.UserID]--
	if s.active[it.task.UserID] <= 0 {
		delete(s.active, it.task.UserID)
	}
	s.mu.Unlock()
	// A per-user slot opened; wake everyone so skipped items get rechecked.
	s.cond.Broadcast()
}

// Cancel stops a task. A queued task is removed and finalized immediately;
// a running one gets its context cancelled and the runner finalizes it.
// Returns false when the task is in neither place.
func (s *Supervisor) Cancel(taskID int64) bool {
	s.mu.Lock()
	for i := range s.queue {
		if s.queue[i].task.ID == taskID {
			t := s.queue[i].task
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
			s.mu.Unlock()
			s.failQueued(t, "cancelled before execution")
			return true
		}
	}
	if cancel, ok := s.cancels[taskID]; ok {
		s.mu.Unlock()
		cancel()
		return true
	}
	s.mu.Unlock()
	return false
}

// failQueued finalizes a task that never reached a worker.
func (s *Supervisor) failQueued(t *store.Task, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reason := store.ReasonShutdown
	now := time.Now().UTC()
	err := s.store.UpdateStatus(ctx, t.ID, store.StatusFailed, store.Fields{
		Reason:      &reason,
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Error("could not finalize queued task", "task", t.ID, "error", err)
		return
	}
	s.metrics.TasksFailed.WithLabelValues(string(reason)).Inc()
}

// RegisterHandle records a live sandbox for a running task.
func (s *Supervisor) RegisterHandle(taskID int64, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[taskID] = handle
}

// ReleaseHandle forgets a task's sandbox after teardown.
func (s *Supervisor) ReleaseHandle(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, taskID)
}

// LiveHandles snapshots the handles currently owned by running tasks.
func (s *Supervisor) LiveHandles() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]bool, len(s.handles))
	for _, h := range s.handles {
		live[h] = true
	}
	return live
}

func (s *Supervisor) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.baseCtx)
		}
	}
}

// Sweep tears down sandboxes that no live task owns and whose age exceeds
// the orphan threshold, failing any task row still marked running on them.
// Safe to run repeatedly; a handle already gone is not an error.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.metrics.SweepRuns.Inc()
	infos, err := s.driver.List(ctx)
	if err != nil {
		s.logger.Error("orphan sweep: listing sandboxes failed", "error", err)
		return
	}
	live := s.LiveHandles()
	for _, info := range infos {
		// Only touch handles this engine provably named.
		if _, ok := sandbox.TaskIDFromHandle(info.Handle); !ok {
			continue
		}
		if live[info.Handle] {
			continue
		}
		if time.Since(info.CreatedAt) < s.cfg.OrphanAge {
			continue
		}
		s.logger.Warn("tearing down orphaned sandbox", "handle", info.Handle, "age", time.Since(info.CreatedAt).Round(time.Minute))
		if err := s.driver.Teardown(ctx, info.Handle); err != nil {
			s.logger.Error("orphan teardown failed", "handle", info.Handle, "error", err)
			continue
		}
		s.metrics.SweptSandboxes.Inc()
		s.metrics.SandboxesTornDown.Inc()

		t, err := s.store.RunningBySandbox(ctx, info.Handle)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("orphan sweep: store lookup failed", "handle", info.Handle, "error", err)
			continue
		}
		reason := store.ReasonOrphan
		msg := "sandbox outlived its supervisor and was reclaimed"
		now := time.Now().UTC()
		err = s.store.UpdateStatus(ctx, t.ID, store.StatusFailed, store.Fields{
			Reason:      &reason,
			Error:       &msg,
			CompletedAt: &now,
		})
		if err != nil {
			s.logger.Error("orphan sweep: could not finalize task", "task", t.ID, "error", err)
			continue
		}
		s.metrics.TasksFailed.WithLabelValues(string(reason)).Inc()
	}
}

// Shutdown drains the pool: queued tasks are finalized immediately, running
// tasks get until the drain deadline, then their contexts are cancelled and
// the runners finalize them as shut down.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.metrics.QueueDepth.Set(0)
	s.mu.Unlock()
	s.cond.Broadcast()

	for i := range queued {
		s.failQueued(queued[i].task, "engine shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := s.cfg.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		s.logger.Warn("drain deadline passed, cancelling running tasks")
		s.baseCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		s.baseCancel()
		<-done
	}

	s.baseCancel()
	if s.sweepDone != nil {
		<-s.sweepDone
	}
	return nil
}
