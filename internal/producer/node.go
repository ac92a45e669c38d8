package producer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/kartikbazzad/docquery/internal/continuation"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/metrics"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// Fetch modes, used as metric labels.
const (
	ModePrefetch = "prefetch"
	ModeSync     = "sync"
)

// DefaultPageSize is used when Options.PageSize is not positive.
const DefaultPageSize = 100

// Options configures a Node.
type Options struct {
	Range      routing.KeyRange
	Fetcher    PageFetcher
	Collection string
	Query      query.Spec
	Filter     string             // per-range predicate, see PageRequest.Filter
	Token      continuation.Token // where to resume, "" for the start
	Skip       int                // rows of the first page already consumed
	PageSize   int
	Retry      *errors.RetryController
	Classifier *errors.Classifier
	Logger     *slog.Logger
}

// FetchResult is what a fetch reports to the completion hook.
type FetchResult struct {
	Pages         int // backend pages read, 0 when the fetch was a no-op
	Items         int // rows the backend returned, including skipped ones
	ItemsBuffered int
	Charge        float64
	Diagnostics   []Diagnostic
	ResponseBytes int
	Err           error
}

// bufferedPage remembers the token that produced it so that a partially
// consumed page can be re-read on resume.
type bufferedPage struct {
	token    continuation.Token
	rows     []query.Row
	consumed int
}

func (p *bufferedPage) remaining() int {
	return len(p.rows) - p.consumed
}

// Node is one partition range's producer: a queue of fetched pages plus the
// token for the next backend page.
//
// Concurrency Model:
//   - at most one fetch runs at a time, guarded by a context-aware semaphore
//   - buffer, token and failure state are protected by mu
//   - page size and active flag are atomics read by foreground and written by
//     completion callbacks
type Node struct {
	rng        routing.KeyRange
	fetcher    PageFetcher
	collection string
	query      query.Spec
	filter     string
	retry      *errors.RetryController
	classifier *errors.Classifier
	logger     *slog.Logger

	sem      chan struct{}
	pageSize *atomic.Int64
	active   *atomic.Bool

	mu      sync.Mutex
	pages   []*bufferedPage
	next    continuation.Token
	hasMore bool
	skip    int
	err     error
}

// New creates a Node positioned at opts.Token. Nothing is fetched yet.
func New(opts Options) *Node {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	retry := opts.Retry
	if retry == nil {
		retry = errors.NoRetry()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = errors.NewClassifier()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	skip := opts.Skip
	if skip < 0 {
		skip = 0
	}
	return &Node{
		rng:        opts.Range,
		fetcher:    opts.Fetcher,
		collection: opts.Collection,
		query:      opts.Query,
		filter:     opts.Filter,
		retry:      retry,
		classifier: classifier,
		logger:     log.With("range", opts.Range.ID),
		sem:        make(chan struct{}, 1),
		pageSize:   atomic.NewInt64(int64(pageSize)),
		active:     atomic.NewBool(false),
		next:       opts.Token,
		hasMore:    true,
		skip:       skip,
	}
}

// ID is the range ID; it identifies the node everywhere.
func (n *Node) ID() string { return n.rng.ID }

// Range returns the key range this node reads.
func (n *Node) Range() routing.KeyRange { return n.rng }

// Filter returns the per-range predicate the node was built with.
func (n *Node) Filter() string { return n.filter }

func (n *Node) PageSize() int { return int(n.pageSize.Load()) }

func (n *Node) SetPageSize(size int) { n.pageSize.Store(int64(size)) }

// IsActive reports whether the node contributed to the current sort key.
func (n *Node) IsActive() bool { return n.active.Load() }

func (n *Node) SetActive(active bool) { n.active.Store(active) }

// Fetching reports whether a fetch holds the node right now.
func (n *Node) Fetching() bool { return len(n.sem) > 0 }

// Fetch reads one backend page into the buffer. It is a no-op once the
// backend is exhausted or the node has failed.
func (n *Node) Fetch(ctx context.Context) FetchResult {
	if err := n.acquire(ctx); err != nil {
		return FetchResult{Err: err}
	}
	defer n.release()

	n.mu.Lock()
	if n.err != nil || !n.hasMore {
		err := n.err
		n.mu.Unlock()
		return FetchResult{Err: err}
	}
	n.mu.Unlock()
	return n.fetchPage(ctx, ModePrefetch)
}

// EnsureBuffered fetches until the buffer holds a row or the backend is
// exhausted. It does nothing if rows are already buffered, so it is safe to
// race with a background Fetch. fetched reports whether any page was read.
func (n *Node) EnsureBuffered(ctx context.Context) (FetchResult, bool) {
	if err := n.acquire(ctx); err != nil {
		return FetchResult{Err: err}, false
	}
	defer n.release()

	var total FetchResult
	fetched := false
	for {
		n.mu.Lock()
		done := n.err != nil || !n.hasMore || n.bufferedLocked() > 0
		err := n.err
		n.mu.Unlock()
		if done {
			if !fetched {
				total.Err = err
			}
			return total, fetched
		}

		res := n.fetchPage(ctx, ModeSync)
		fetched = true
		total.Pages += res.Pages
		total.Items += res.Items
		total.ItemsBuffered += res.ItemsBuffered
		total.Charge += res.Charge
		total.ResponseBytes += res.ResponseBytes
		total.Diagnostics = append(total.Diagnostics, res.Diagnostics...)
		if res.Err != nil {
			total.Err = res.Err
			return total, fetched
		}
	}
}

func (n *Node) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Canceled(err)
	}
	select {
	case n.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Canceled(ctx.Err())
	}
}

func (n *Node) release() {
	<-n.sem
}

// fetchPage performs one backend read. The caller holds the semaphore.
func (n *Node) fetchPage(ctx context.Context, mode string) FetchResult {
	n.mu.Lock()
	req := PageRequest{
		Collection: n.collection,
		Range:      n.rng,
		Token:      n.next,
		PageSize:   n.PageSize(),
		Query:      n.query,
		Filter:     n.filter,
	}
	n.mu.Unlock()

	var (
		page         *Page
		failedCharge float64
		attempts     int
	)
	start := time.Now()
	err := n.retry.Retry(ctx, func() error {
		attempts++
		p, err := n.fetcher.FetchNextPage(ctx, req)
		if err != nil {
			if be, ok := errors.AsBackendError(err); ok {
				failedCharge += be.Charge
			}
			return err
		}
		page = p
		return nil
	}, n.classifier)
	elapsed := time.Since(start)

	diag := Diagnostic{
		ActivityID: uuid.NewString(),
		RangeID:    n.rng.ID,
		StartedAt:  start,
		Duration:   elapsed,
		StatusCode: 200,
	}

	if err != nil {
		diag.Charge = failedCharge
		diag.Err = err.Error()
		if be, ok := errors.AsBackendError(err); ok {
			diag.StatusCode = be.StatusCode
		}
		if ctx.Err() != nil || errors.IsCanceled(err) {
			err = errors.Canceled(err)
			metrics.RecordFetch(mode, "canceled", elapsed)
			n.logger.Debug("fetch canceled", "activity_id", diag.ActivityID)
			return FetchResult{Charge: failedCharge, Diagnostics: []Diagnostic{diag}, Err: err}
		}
		err = fmt.Errorf("%w: range %s: %w", errors.ErrProducerFailed, n.rng, err)
		n.mu.Lock()
		n.err = err
		n.mu.Unlock()
		metrics.RecordFetch(mode, strconv.Itoa(diag.StatusCode), elapsed)
		n.logger.Warn("fetch failed",
			"activity_id", diag.ActivityID,
			"attempts", attempts,
			"error", err,
		)
		return FetchResult{Charge: failedCharge, Diagnostics: []Diagnostic{diag}, Err: err}
	}

	n.mu.Lock()
	consumed := n.skip
	if consumed > len(page.Rows) {
		consumed = len(page.Rows)
	}
	n.skip -= consumed
	buffered := len(page.Rows) - consumed
	if buffered > 0 {
		n.pages = append(n.pages, &bufferedPage{token: req.Token, rows: page.Rows, consumed: consumed})
	}
	n.next = page.Token
	n.hasMore = page.Token != ""
	n.mu.Unlock()

	diag.Charge = failedCharge + page.Charge
	diag.ItemCount = len(page.Rows)
	metrics.RecordFetch(mode, "200", elapsed)
	n.logger.Debug("page fetched",
		"activity_id", diag.ActivityID,
		"mode", mode,
		"items", len(page.Rows),
		"page_size", req.PageSize,
		"more", page.Token != "",
	)

	diags := make([]Diagnostic, 0, len(page.Diagnostics)+1)
	diags = append(diags, page.Diagnostics...)
	diags = append(diags, diag)
	return FetchResult{
		Pages:         1,
		Items:         len(page.Rows),
		ItemsBuffered: buffered,
		Charge:        diag.Charge,
		Diagnostics:   diags,
		ResponseBytes: page.ResponseBytes,
	}
}

// Current returns the head row without consuming it.
func (n *Node) Current() (query.Row, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pages) == 0 {
		return query.Row{}, false
	}
	head := n.pages[0]
	return head.rows[head.consumed], true
}

// Pop consumes the head row.
func (n *Node) Pop() (query.Row, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pages) == 0 {
		return query.Row{}, false
	}
	head := n.pages[0]
	row := head.rows[head.consumed]
	head.consumed++
	if head.remaining() == 0 {
		n.pages[0] = nil
		n.pages = n.pages[1:]
	}
	return row, true
}

// Buffered returns the number of fetched, unconsumed rows.
func (n *Node) Buffered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bufferedLocked()
}

func (n *Node) bufferedLocked() int {
	total := 0
	for _, p := range n.pages {
		total += p.remaining()
	}
	return total
}

// HasMoreResults reports whether rows are buffered or still on the backend.
func (n *Node) HasMoreResults() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pages) > 0 || n.hasMore
}

// HasMoreBackendResults reports whether another backend page exists.
func (n *Node) HasMoreBackendResults() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasMore && n.err == nil
}

// Err returns the failure of the last fetch, if it was not retried away.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Continuation returns where a resumed query must restart this range: the
// token of the page holding the next unconsumed row, and how many rows of
// that page were already consumed, under the node's filter. ok is false once
// the range is done.
func (n *Node) Continuation() (continuation.Entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pages) > 0 {
		head := n.pages[0]
		return continuation.Entry{Token: head.token, Range: n.rng, Skip: head.consumed, Filter: n.filter}, true
	}
	if !n.hasMore {
		return continuation.Entry{}, false
	}
	return continuation.Entry{Token: n.next, Range: n.rng, Skip: n.skip, Filter: n.filter}, true
}
