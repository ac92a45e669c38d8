// Package prefetch runs background page fetches for producer nodes.
//
// Scheduler provides:
//   - a bounded worker pool (at most MaxConcurrency fetches running)
//   - a priority queue of pending fetches, highest priority first, FIFO on ties
//   - de-duplication: one outstanding fetch per range ID
//   - a completion callback that runs while the range ID is still held; a
//     fetch requested for the same range during the callback is queued once
//     the callback returns
//
// A worker that finishes a task keeps its slot and runs the next pending
// task itself, so workers never submit to their own pool.
//
// Thread Safety: all methods are safe for concurrent use.
package prefetch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/metrics"
	"github.com/kartikbazzad/docquery/internal/producer"
)

// RunFunc performs one fetch for a node.
type RunFunc func(ctx context.Context, n *producer.Node) producer.FetchResult

// CompleteFunc receives every task's result exactly once.
type CompleteFunc func(n *producer.Node, res producer.FetchResult)

// PriorityFunc ranks a node when it is scheduled; higher runs first.
type PriorityFunc func(n *producer.Node) int

type task struct {
	node     *producer.Node
	priority int
	seq      uint64
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler bounds and orders background fetches.
type Scheduler struct {
	pool           *ants.Pool
	run            RunFunc
	complete       CompleteFunc
	maxConcurrency int
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  taskHeap
	inflight map[string]struct{} // pending or running, by range ID
	// completing holds range IDs whose completion callback is running. A
	// non-nil task is a fetch requested meanwhile.
	completing map[string]*task
	running    int // tasks holding a worker slot
	seq        uint64
	stopped    bool

	outstanding int           // tasks not yet completed
	idle        chan struct{} // closed while outstanding == 0
	stopOnce    sync.Once
}

// NewScheduler creates a scheduler running at most maxConcurrency fetches.
func NewScheduler(maxConcurrency int, run RunFunc, complete CompleteFunc, log *slog.Logger) (*Scheduler, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: max concurrency must be positive, got %d", errors.ErrInvalidConfig, maxConcurrency)
	}
	if log == nil {
		log = logger.Get()
	}
	s := &Scheduler{
		run:            run,
		complete:       complete,
		maxConcurrency: maxConcurrency,
		logger:         log,
		inflight:       make(map[string]struct{}),
		completing:     make(map[string]*task),
		idle:           make(chan struct{}),
	}
	close(s.idle)
	pool, err := ants.NewPool(maxConcurrency, ants.WithPanicHandler(func(v any) {
		s.logger.Error("prefetch worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("prefetch pool: %w", err)
	}
	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// TryScheduleFetch queues a fetch for n. It returns false when a fetch for
// the same range is already outstanding or the scheduler is stopped. A call
// made while the range's completion callback runs is accepted and the fetch
// starts after the callback returns.
func (s *Scheduler) TryScheduleFetch(n *producer.Node, priority PriorityFunc) bool {
	p := 0
	if priority != nil {
		p = priority(n)
	}
	id := n.ID()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		metrics.PrefetchSubmitted.WithLabelValues("stopped").Inc()
		return false
	}
	if again, ok := s.completing[id]; ok {
		if again != nil {
			s.mu.Unlock()
			metrics.PrefetchSubmitted.WithLabelValues("duplicate").Inc()
			return false
		}
		s.completing[id] = s.newTaskLocked(n, p)
		s.mu.Unlock()
		metrics.PrefetchSubmitted.WithLabelValues("accepted").Inc()
		return true
	}
	if _, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		metrics.PrefetchSubmitted.WithLabelValues("duplicate").Inc()
		return false
	}
	s.inflight[id] = struct{}{}
	heap.Push(&s.pending, s.newTaskLocked(n, p))
	ready := s.takeLocked()
	s.mu.Unlock()

	metrics.PrefetchSubmitted.WithLabelValues("accepted").Inc()
	s.start(ready)
	return true
}

func (s *Scheduler) newTaskLocked(n *producer.Node, priority int) *task {
	s.seq++
	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding++
	return &task{node: n, priority: priority, seq: s.seq}
}

// takeLocked pops as many pending tasks as there are free slots.
func (s *Scheduler) takeLocked() []*task {
	var ready []*task
	for s.running < s.maxConcurrency && s.pending.Len() > 0 {
		ready = append(ready, heap.Pop(&s.pending).(*task))
		s.running++
	}
	return ready
}

// start hands tasks that already hold a slot to the pool. Only callers
// outside the pool's workers reach it.
func (s *Scheduler) start(ready []*task) {
	for _, t := range ready {
		t := t
		if err := s.pool.Submit(func() { s.work(t) }); err != nil {
			s.fail(t, fmt.Errorf("%w: %v", errors.ErrSchedulerStopped, err))
		}
	}
}

// work runs t and then every task finish hands back, holding one slot
// throughout.
func (s *Scheduler) work(t *task) {
	for t != nil {
		metrics.PrefetchRunning.Inc()
		res := s.safeRun(t.node)
		metrics.PrefetchRunning.Dec()
		t = s.finish(t, res)
	}
}

// fail completes t and the tasks queued behind its slot without running
// them.
func (s *Scheduler) fail(t *task, err error) {
	for t != nil {
		t = s.finish(t, producer.FetchResult{Err: err})
	}
}

func (s *Scheduler) safeRun(n *producer.Node) (res producer.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("prefetch task panic", "range", n.ID(), "panic", r)
			res = producer.FetchResult{Err: fmt.Errorf("prefetch panic for range %s: %v", n.ID(), r)}
		}
	}()
	return s.run(s.ctx, n)
}

// finish reports t's result, queues a fetch requested during the callback,
// and returns the next task for the calling worker. It returns nil once the
// worker's slot is released.
func (s *Scheduler) finish(t *task, res producer.FetchResult) *task {
	id := t.node.ID()
	s.mu.Lock()
	delete(s.inflight, id)
	s.completing[id] = nil
	s.mu.Unlock()

	if s.complete != nil {
		s.complete(t.node, res)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if again := s.completing[id]; again != nil {
		s.inflight[id] = struct{}{}
		heap.Push(&s.pending, again)
	}
	delete(s.completing, id)
	s.doneLocked()
	if s.pending.Len() > 0 {
		return heap.Pop(&s.pending).(*task)
	}
	s.running--
	return nil
}

// Stop cancels running fetches and rejects new ones. Tasks already queued
// still run, observe the cancelled context and complete. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		pending := s.pending.Len()
		running := s.running
		s.mu.Unlock()
		s.cancel()
		s.logger.Info("prefetch scheduler stopped", "pending", pending, "running", running)
	})
}

// Dispose stops the scheduler, fails queued tasks through the completion
// callback without running them, and releases the worker pool without
// waiting for running fetches.
func (s *Scheduler) Dispose() {
	s.Stop()

	s.mu.Lock()
	queued := make([]*task, 0, s.pending.Len())
	for s.pending.Len() > 0 {
		t := heap.Pop(&s.pending).(*task)
		delete(s.inflight, t.node.ID())
		queued = append(queued, t)
	}
	s.mu.Unlock()

	canceled := errors.Canceled(s.ctx.Err())
	for _, t := range queued {
		if s.complete != nil {
			s.complete(t.node, producer.FetchResult{Err: canceled})
		}
		s.done()
	}
	s.pool.Release()
}

func (s *Scheduler) done() {
	s.mu.Lock()
	s.doneLocked()
	s.mu.Unlock()
}

func (s *Scheduler) doneLocked() {
	s.outstanding--
	if s.outstanding == 0 {
		close(s.idle)
	}
}

// Wait blocks until no task is outstanding or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Canceled(ctx.Err())
	}
}

// Running returns the number of tasks holding a slot.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending returns the number of queued tasks not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Outstanding reports whether a fetch for the range ID is queued, running or
// still reporting its result.
func (s *Scheduler) Outstanding(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return true
	}
	_, ok := s.completing[id]
	return ok
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// MaxConcurrency returns the worker bound.
func (s *Scheduler) MaxConcurrency() int {
	return s.maxConcurrency
}
