// Package execution drives a cross-partition query: it creates one producer
// per partition range, primes and prefetches their pages, and keeps the
// shared bookkeeping (charge, buffered rows, diagnostics, continuation)
// consistent while a consumer drains the forest.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/kartikbazzad/docquery/internal/continuation"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/forest"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/metrics"
	"github.com/kartikbazzad/docquery/internal/prefetch"
	"github.com/kartikbazzad/docquery/internal/producer"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// State is the driver lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	// pageGrowth is the factor a page size grows by after every completed page.
	pageGrowth = 1.6
	// maxResponseBytes caps the free-space requirement for a reschedule at
	// the rows a 4 MiB response is expected to hold.
	maxResponseBytes = 4 << 20
)

// ErrNodeEmpty is returned by Take when the node has no buffered row.
var ErrNodeEmpty = errors.New("producer has no buffered row")

// FilterHook returns an extra predicate for one range. Ordered queries use
// it to resume ranges from the last emitted sort key.
type FilterHook func(ctx context.Context, r routing.KeyRange) (string, error)

// Seed is where one range starts reading. Filter is an extra predicate the
// range resumes under, as recorded in its continuation entry.
type Seed struct {
	Range  routing.KeyRange
	Token  continuation.Token
	Skip   int
	Filter string
}

// Options configures a Driver.
type Options struct {
	Collection           string
	Query                query.Spec
	Fetcher              producer.PageFetcher
	MaxConcurrency       int   // 0 disables prefetch
	MaxBufferedItemCount int64 // backpressure bound on fetched, unconsumed rows
	MaxPageSize          int
	// Policy orders the forest. Defaults to Ordered on the query's sort
	// key when the query has one, Unordered otherwise.
	Policy forest.Policy
	// Equal detects a new sort key for active-producer tracking.
	Equal      func(a, b query.Row) bool
	Retry      *errors.RetryController
	Classifier *errors.Classifier
	Logger     *slog.Logger
}

// Driver owns every producer of one query.
//
// Concurrency Model:
//   - the consumer calls TryInitialize once, then Take, Refill, ReplaceSplit
//     and Retire from one goroutine
//   - prefetch completions call OnFetchComplete from worker goroutines
//   - charge, buffered count, lifecycle and validity are atomics; the node
//     arena and sort-key tracking are guarded by mu
type Driver struct {
	opts      Options
	forest    *forest.Forest
	scheduler *prefetch.Scheduler
	logger    *slog.Logger

	charge   *ChargeTracker
	diags    *DiagnosticsBag
	buffered *atomic.Int64
	valid    *atomic.Bool
	state    *atomic.Int32
	started  *atomic.Bool

	mu        sync.Mutex
	nodes     map[string]*liveNode
	lastRow   query.Row
	hasLast   bool
	lastRange routing.KeyRange
}

// liveNode is an arena slot. counted is the node's share of the buffered
// counter, so retiring a node releases exactly what it added. respBytes and
// respItems accumulate the node's response sizes.
type liveNode struct {
	node      *producer.Node
	counted   int64
	respBytes int64
	respItems int64
}

// New creates a driver. Nothing is fetched until TryInitialize.
func New(opts Options) (*Driver, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", errors.ErrInvalidConfig)
	}
	if opts.MaxConcurrency < 0 || opts.MaxBufferedItemCount < 0 || opts.MaxPageSize < 0 {
		return nil, fmt.Errorf("%w: negative limit", errors.ErrInvalidConfig)
	}
	if opts.MaxPageSize == 0 {
		opts.MaxPageSize = 1000
	}
	if opts.MaxBufferedItemCount == 0 {
		opts.MaxBufferedItemCount = 10000
	}
	if opts.Policy == nil {
		if opts.Query.Ordered() {
			opts.Policy = forest.Ordered(query.OrderByComparer(opts.Query.OrderBy))
		} else {
			opts.Policy = forest.Unordered()
		}
	}
	if opts.Equal == nil {
		opts.Equal = query.SortKeyEqual
	}
	if opts.Classifier == nil {
		opts.Classifier = errors.NewClassifier()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}

	d := &Driver{
		opts:     opts,
		forest:   forest.New(opts.Policy),
		logger:   opts.Logger.With("collection", opts.Collection),
		charge:   NewChargeTracker(),
		diags:    &DiagnosticsBag{},
		buffered: atomic.NewInt64(0),
		valid:    atomic.NewBool(true),
		state:    atomic.NewInt32(int32(StateInitializing)),
		started:  atomic.NewBool(false),
		nodes:    make(map[string]*liveNode),
	}
	if opts.MaxConcurrency > 0 {
		s, err := prefetch.NewScheduler(opts.MaxConcurrency, d.runPrefetch, d.OnFetchComplete, d.logger)
		if err != nil {
			return nil, err
		}
		d.scheduler = s
	}
	return d, nil
}

func (d *Driver) runPrefetch(ctx context.Context, n *producer.Node) producer.FetchResult {
	return n.Fetch(ctx)
}

func (d *Driver) priority(n *producer.Node) int {
	return d.opts.Policy.Priority(n)
}

// TryInitialize creates one producer per range, resuming from tokens keyed
// by range ID.
func (d *Driver) TryInitialize(ctx context.Context, ranges []routing.KeyRange, pageSize int, tokens map[string]continuation.Token, deferFirstPage bool, filter string, hook FilterHook) error {
	seeds := make([]Seed, len(ranges))
	for i, r := range ranges {
		seeds[i] = Seed{Range: r, Token: tokens[r.ID]}
	}
	return d.TryInitializeSeeds(ctx, seeds, pageSize, deferFirstPage, filter, hook)
}

// TryInitializeSeeds is TryInitialize with per-range skip counts.
//
// Unless deferFirstPage is set, every range's first page is fetched before
// it is admitted, one range at a time, and prefetch picks the range up from
// that page's completion. With deferFirstPage the range is handed to
// prefetch right away. Any failure aborts the whole initialization: no
// producer is left behind and prefetch is stopped.
func (d *Driver) TryInitializeSeeds(ctx context.Context, seeds []Seed, pageSize int, deferFirstPage bool, filter string, hook FilterHook) error {
	if !d.valid.Load() {
		return errors.ErrDriverClosed
	}
	if !d.started.CAS(false, true) {
		return errors.ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		d.abort()
		return errors.Canceled(err)
	}

	log := logger.FromContext(ctx, d.logger)
	created := make([]*producer.Node, 0, len(seeds))
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			d.abort()
			return errors.Canceled(err)
		}

		rangeFilter := query.And(filter, seed.Filter)
		if hook != nil {
			extra, err := hook(ctx, seed.Range)
			if err != nil {
				d.abort()
				return fmt.Errorf("%w: filter for %s: %w", errors.ErrInitFailed, seed.Range, err)
			}
			rangeFilter = query.And(rangeFilter, extra)
		}

		n := d.newNode(seed, pageSize, rangeFilter)
		if err := d.register(n); err != nil {
			d.abort()
			return fmt.Errorf("%w: %w", errors.ErrInitFailed, err)
		}
		created = append(created, n)

		if deferFirstPage {
			if d.scheduler != nil {
				d.scheduler.TryScheduleFetch(n, d.priority)
			}
			continue
		}
		// the first page's completion queues the next one
		res, fetched := n.EnsureBuffered(ctx)
		if fetched {
			d.OnFetchComplete(n, res)
		}
		if res.Err != nil {
			d.abort()
			if errors.IsCanceled(res.Err) {
				return errors.Canceled(res.Err)
			}
			return fmt.Errorf("%w: %w", errors.ErrInitFailed, res.Err)
		}
	}

	for _, n := range created {
		if !n.HasMoreResults() {
			d.forget(n)
			continue
		}
		if err := d.forest.Push(n); err != nil {
			d.abort()
			return fmt.Errorf("%w: %w", errors.ErrInitFailed, err)
		}
	}

	if d.forest.Len() == 0 {
		d.state.Store(int32(StateDone))
	} else {
		d.state.Store(int32(StateDraining))
	}
	log.Info("query initialized",
		"ranges", len(seeds),
		"resident", d.forest.Len(),
		"buffered", d.BufferedItemCount(),
		"prefetch", d.scheduler != nil,
		"deferred", deferFirstPage,
	)
	return nil
}

func (d *Driver) newNode(seed Seed, pageSize int, filter string) *producer.Node {
	if pageSize <= 0 {
		pageSize = producer.DefaultPageSize
	}
	return producer.New(producer.Options{
		Range:      seed.Range,
		Fetcher:    d.opts.Fetcher,
		Collection: d.opts.Collection,
		Query:      d.opts.Query,
		Filter:     filter,
		Token:      seed.Token,
		Skip:       seed.Skip,
		PageSize:   pageSize,
		Retry:      d.opts.Retry,
		Classifier: d.opts.Classifier,
		Logger:     d.logger,
	})
}

// register adds n to the arena; range IDs are unique among live nodes.
func (d *Driver) register(n *producer.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[n.ID()]; ok {
		return fmt.Errorf("%w: %s", forest.ErrDuplicateNode, n.ID())
	}
	d.nodes[n.ID()] = &liveNode{node: n}
	return nil
}

// forget drops n from the arena and releases its share of the buffered
// counter.
func (d *Driver) forget(n *producer.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgetLocked(n)
}

func (d *Driver) forgetLocked(n *producer.Node) {
	ln, ok := d.nodes[n.ID()]
	if !ok || ln.node != n {
		return
	}
	delete(d.nodes, n.ID())
	if ln.counted != 0 {
		d.buffered.Sub(ln.counted)
		metrics.BufferedItems.Sub(float64(ln.counted))
	}
}

// countBuffered moves n's share of the buffered counter by delta. Nodes no
// longer in the arena are not counted.
func (d *Driver) countBuffered(n *producer.Node, delta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ln, ok := d.nodes[n.ID()]
	if !ok || ln.node != n {
		return
	}
	ln.counted += delta
	d.buffered.Add(delta)
	metrics.BufferedItems.Add(float64(delta))
}

// release empties the arena and the forest.
func (d *Driver) release() {
	d.mu.Lock()
	for _, ln := range d.nodes {
		d.forest.Remove(ln.node.ID())
		d.forgetLocked(ln.node)
	}
	d.mu.Unlock()
}

func (d *Driver) abort() {
	d.valid.Store(false)
	if d.scheduler != nil {
		d.scheduler.Dispose()
	}
	d.release()
	d.state.Store(int32(StateDone))
}

// OnFetchComplete folds one fetch result into the shared bookkeeping, grows
// the node's page size and reschedules it when there is room. It is the
// completion callback of every prefetch task and is called directly after
// synchronous fetches. After Stop it does nothing.
func (d *Driver) OnFetchComplete(n *producer.Node, res producer.FetchResult) {
	if !d.valid.Load() {
		return
	}
	d.charge.Add(res.Charge)
	if res.ItemsBuffered > 0 {
		d.countBuffered(n, int64(res.ItemsBuffered))
	}
	d.diags.Append(res.Diagnostics...)

	if res.Err != nil {
		if !errors.IsCanceled(res.Err) {
			d.logger.Debug("fetch completed with error", "range", n.ID(), "error", res.Err)
		}
		return
	}
	if res.Pages == 0 {
		return
	}

	size := NextPageSize(n.PageSize(), d.opts.MaxPageSize)
	n.SetPageSize(size)

	if d.scheduler != nil && n.HasMoreBackendResults() {
		if need, live := d.rescheduleNeed(n, size, res); live && d.FreeItemSpace() > need {
			d.scheduler.TryScheduleFetch(n, d.priority)
		}
	}
}

// rescheduleNeed records res's response size for n and returns the free
// space a reschedule of n requires: the next page size, or fewer rows when
// n's rows so far put such a page past maxResponseBytes. live is false once
// n has left the arena.
func (d *Driver) rescheduleNeed(n *producer.Node, size int, res producer.FetchResult) (need int64, live bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ln, ok := d.nodes[n.ID()]
	if !ok || ln.node != n {
		return 0, false
	}
	ln.respBytes += int64(res.ResponseBytes)
	ln.respItems += int64(res.Items)

	need = int64(size)
	if ln.respBytes > 0 && ln.respItems > 0 {
		perResponse := maxResponseBytes * ln.respItems / ln.respBytes
		if perResponse < 1 {
			perResponse = 1
		}
		if perResponse < need {
			need = perResponse
		}
	}
	return need, true
}

// NextPageSize applies the page growth factor, capped at max.
func NextPageSize(size, max int) int {
	next := int(float64(size) * pageGrowth)
	if next > max {
		next = max
	}
	return next
}

// Take consumes the head row of n, which the consumer popped from the
// forest. In ordered mode it also tracks which producers contributed to the
// latest sort key.
func (d *Driver) Take(n *producer.Node) (query.Row, error) {
	if !d.valid.Load() {
		return query.Row{}, errors.ErrDriverClosed
	}
	row, ok := n.Pop()
	if !ok {
		if err := n.Err(); err != nil {
			return query.Row{}, err
		}
		return query.Row{}, fmt.Errorf("%w: %s", ErrNodeEmpty, n.ID())
	}
	d.countBuffered(n, -1)

	if d.opts.Policy.Ordered() {
		d.mu.Lock()
		if !d.hasLast || !d.opts.Equal(d.lastRow, row) {
			for _, other := range d.nodes {
				other.node.SetActive(false)
			}
		}
		n.SetActive(true)
		d.lastRow = row
		d.hasLast = true
		d.lastRange = n.Range()
		d.mu.Unlock()
	}

	if d.scheduler != nil && n.Buffered() == 0 && n.HasMoreBackendResults() {
		d.scheduler.TryScheduleFetch(n, d.priority)
	}
	return row, nil
}

// Refill makes sure n has a buffered row, fetching synchronously if no
// prefetch already did. A node that failed returns its error.
func (d *Driver) Refill(ctx context.Context, n *producer.Node) error {
	if !d.valid.Load() {
		return errors.ErrDriverClosed
	}
	if err := ctx.Err(); err != nil {
		return errors.Canceled(err)
	}
	res, fetched := n.EnsureBuffered(ctx)
	if fetched {
		d.OnFetchComplete(n, res)
	}
	if res.Err != nil {
		return res.Err
	}
	return n.Err()
}

// ReplaceSplit swaps a node whose range was split for its children, read
// from the refreshed topology. The children resume from the parent's
// continuation and are primed before being admitted.
func (d *Driver) ReplaceSplit(ctx context.Context, n *producer.Node, ranges []routing.KeyRange) ([]*producer.Node, error) {
	if !d.valid.Load() {
		return nil, errors.ErrDriverClosed
	}
	entry, ok := n.Continuation()
	d.forest.Remove(n.ID())
	d.forget(n)
	if !ok {
		d.markDoneIfEmpty()
		return nil, nil
	}

	mapping, err := continuation.Resolve(ranges, []continuation.Entry{entry})
	if err != nil {
		return nil, err
	}

	var children []*producer.Node
	for _, r := range ranges {
		token, mapped := mapping.Tokens[r.ID]
		if !mapped {
			continue
		}
		child := d.newNode(Seed{Range: r, Token: token, Skip: mapping.Skips[r.ID]}, n.PageSize(), n.Filter())
		child.SetActive(n.IsActive())
		if err := d.register(child); err != nil {
			d.discard(children)
			return nil, err
		}
		children = append(children, child)
	}

	for _, child := range children {
		if d.scheduler != nil {
			d.scheduler.TryScheduleFetch(child, d.priority)
		}
		if err := d.Refill(ctx, child); err != nil {
			d.discard(children)
			d.markDoneIfEmpty()
			return nil, err
		}
	}

	var admitted []*producer.Node
	for _, child := range children {
		if !child.HasMoreResults() {
			d.forget(child)
			continue
		}
		if err := d.forest.Push(child); err != nil {
			d.discard(children)
			return nil, err
		}
		admitted = append(admitted, child)
	}
	d.markDoneIfEmpty()

	metrics.SplitsHandled.Inc()
	d.logger.Info("partition split handled",
		"range", n.Range().String(),
		"children", len(children),
		"token", string(entry.Token),
	)
	return admitted, nil
}

func (d *Driver) discard(nodes []*producer.Node) {
	for _, n := range nodes {
		d.forest.Remove(n.ID())
		d.forget(n)
	}
}

// Retire removes n for good, typically once it has no more results.
func (d *Driver) Retire(n *producer.Node) {
	d.forest.Remove(n.ID())
	d.forget(n)
	d.markDoneIfEmpty()
}

func (d *Driver) markDoneIfEmpty() {
	if d.forest.Len() == 0 && d.liveCount() == 0 {
		d.state.CAS(int32(StateDraining), int32(StateDone))
	}
}

func (d *Driver) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

// Requeue pushes a node the consumer popped back into the forest, or retires
// it when it has nothing left.
func (d *Driver) Requeue(n *producer.Node) error {
	if !n.HasMoreResults() && n.Err() == nil {
		d.Retire(n)
		return nil
	}
	return d.forest.Push(n)
}

// ActiveProducers lists the producers a continuation must keep, sorted by
// range Min. Ordered queries keep the forest root and every producer that
// contributed to the latest sort key. Unordered queries keep every producer
// with results left.
func (d *Driver) ActiveProducers() []*producer.Node {
	root, hasRoot := d.forest.Peek()

	d.mu.Lock()
	out := make([]*producer.Node, 0, len(d.nodes))
	for _, ln := range d.nodes {
		n := ln.node
		if !n.HasMoreResults() {
			continue
		}
		if !d.opts.Policy.Ordered() || n.IsActive() || (hasRoot && n == root) {
			out = append(out, n)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Range().Min < out[j].Range().Min })
	return out
}

// ContinuationState snapshots where a resumed query must restart.
func (d *Driver) ContinuationState() continuation.State {
	state := continuation.State{Charge: d.charge.Total()}
	for _, n := range d.ActiveProducers() {
		if e, ok := n.Continuation(); ok {
			state.Entries = append(state.Entries, e)
		}
	}
	if d.opts.Policy.Ordered() {
		d.mu.Lock()
		if d.hasLast {
			state.OrderBy = append([]any(nil), d.lastRow.OrderBy...)
			boundary := d.lastRange
			state.Boundary = &boundary
		}
		d.mu.Unlock()
	}
	return state
}

// FreeItemSpace is how many more rows may be buffered before prefetch
// backs off. It goes negative when a page overshoots.
func (d *Driver) FreeItemSpace() int64 {
	return d.opts.MaxBufferedItemCount - d.buffered.Load()
}

func (d *Driver) BufferedItemCount() int64 { return d.buffered.Load() }

func (d *Driver) Charge() float64 { return d.charge.Total() }

// DrainDiagnostics returns and clears the diagnostics gathered so far.
func (d *Driver) DrainDiagnostics() []producer.Diagnostic { return d.diags.Drain() }

func (d *Driver) Forest() *forest.Forest { return d.forest }

func (d *Driver) State() State { return State(d.state.Load()) }

// Ordered reports whether the merge follows a sort key.
func (d *Driver) Ordered() bool { return d.opts.Policy.Ordered() }

// Node returns the live node for a range ID.
func (d *Driver) Node(id string) (*producer.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ln, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return ln.node, true
}

// Scheduler returns the prefetch scheduler, nil when prefetch is disabled.
func (d *Driver) Scheduler() *prefetch.Scheduler { return d.scheduler }

// Stop invalidates the driver and cancels background fetches. Late
// completions are ignored.
func (d *Driver) Stop() {
	if !d.valid.CAS(true, false) {
		return
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.logger.Debug("driver stopped", "charge", d.charge.Total(), "buffered", d.buffered.Load())
}

// Close stops the driver and releases its producers and workers.
func (d *Driver) Close() {
	d.Stop()
	if d.scheduler != nil {
		d.scheduler.Dispose()
	}
	d.release()
	d.state.Store(int32(StateDone))
}
