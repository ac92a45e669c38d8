// Package merge turns the producers of an execution driver into one row
// stream. It resolves caller continuations against the live topology,
// replaces ranges that split mid-drain and emits resumable continuation
// tokens.
package merge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kartikbazzad/docquery/internal/continuation"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/execution"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/producer"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// maxSplitsPerNext bounds how many consecutive splits one Next call absorbs
// before giving up on a range.
const maxSplitsPerNext = 8

// Options configures a Stream.
type Options struct {
	Collection           string
	Query                query.Spec
	Fetcher              producer.PageFetcher
	Topology             *routing.Cache
	PageSize             int
	MaxConcurrency       int
	MaxBufferedItemCount int64
	MaxPageSize          int
	DeferFirstPage       bool
	Retry                *errors.RetryController
	Logger               *slog.Logger
}

// Page is one batch of rows returned to a caller.
type Page struct {
	Rows         []query.Row
	Continuation string
	Charge       float64
	Diagnostics  []producer.Diagnostic
}

// Stream yields the rows of one cross-partition query.
type Stream struct {
	opts     Options
	id       string
	driver   *execution.Driver
	logger   *slog.Logger
	returned int
	// prior is the charge carried in by the continuation the stream resumed.
	prior float64
	// reported is the part of the charge already handed out by NextPage.
	reported float64
}

// Open starts a query, resuming from cont when it is non-empty.
func Open(ctx context.Context, opts Options, cont string) (*Stream, error) {
	if opts.Topology == nil {
		return nil, fmt.Errorf("%w: topology is required", errors.ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	state, err := continuation.Decode(cont)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		opts:  opts,
		id:    uuid.NewString(),
		prior: state.Charge,
	}
	s.logger = opts.Logger.With("query", s.id, "collection", opts.Collection)
	ctx = logger.WithQueryID(ctx, s.id)

	for attempt := 0; ; attempt++ {
		err = s.start(ctx, state, attempt > 0)
		if err == nil {
			return s, nil
		}
		// a range split after the topology was cached; plan again from a
		// fresh routing map
		if !errors.IsPartitionGone(err) || attempt >= maxSplitsPerNext {
			return nil, err
		}
		s.logger.Debug("range gone during initialization, replanning", "attempt", attempt+1)
	}
}

func (s *Stream) start(ctx context.Context, state continuation.State, refresh bool) error {
	seeds, hook, err := s.plan(ctx, state, refresh)
	if err != nil {
		return err
	}
	d, err := execution.New(execution.Options{
		Collection:           s.opts.Collection,
		Query:                s.opts.Query,
		Fetcher:              s.opts.Fetcher,
		MaxConcurrency:       s.opts.MaxConcurrency,
		MaxBufferedItemCount: s.opts.MaxBufferedItemCount,
		MaxPageSize:          s.opts.MaxPageSize,
		Retry:                s.opts.Retry,
		Logger:               s.logger,
	})
	if err != nil {
		return err
	}
	if err := d.TryInitializeSeeds(ctx, seeds, s.opts.PageSize, s.opts.DeferFirstPage, "", hook); err != nil {
		d.Close()
		return err
	}
	s.driver = d
	return nil
}

// plan maps the continuation onto the current ranges. Ranges the
// continuation names resume from their token under their recorded filter. An
// ordered query restarts the others from the last emitted sort key; an
// unordered query has already drained them.
func (s *Stream) plan(ctx context.Context, state continuation.State, refresh bool) ([]execution.Seed, execution.FilterHook, error) {
	ranges, err := s.opts.Topology.Ranges(ctx, s.opts.Collection, refresh)
	if err != nil {
		return nil, nil, err
	}
	if state.IsEmpty() {
		seeds := make([]execution.Seed, len(ranges))
		for i, r := range ranges {
			seeds[i] = execution.Seed{Range: r}
		}
		return seeds, nil, nil
	}

	mapping, err := continuation.Resolve(ranges, state.Entries)
	if errors.Is(err, errors.ErrStructuralContinuation) && !refresh {
		// the cached topology may predate the continuation
		ranges, err = s.opts.Topology.Ranges(ctx, s.opts.Collection, true)
		if err != nil {
			return nil, nil, err
		}
		mapping, err = continuation.Resolve(ranges, state.Entries)
	}
	if err != nil {
		return nil, nil, err
	}

	ordered := s.opts.Query.Ordered()
	if ordered && len(state.OrderBy) > 0 && state.Boundary == nil {
		return nil, nil, fmt.Errorf("%w: sort key without a boundary range", errors.ErrInvalidContinuation)
	}

	seeds := make([]execution.Seed, 0, len(ranges))
	resumed := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		if token, ok := mapping.Tokens[r.ID]; ok {
			seeds = append(seeds, execution.Seed{
				Range:  r,
				Token:  token,
				Skip:   mapping.Skips[r.ID],
				Filter: mapping.Filters[r.ID],
			})
			continue
		}
		if !ordered {
			continue
		}
		resumed[r.ID] = true
		seeds = append(seeds, execution.Seed{Range: r})
	}

	var hook execution.FilterHook
	if ordered && len(state.OrderBy) > 0 {
		order := *s.opts.Query.OrderBy
		last := state.OrderBy[0]
		boundary := *state.Boundary
		hook = func(_ context.Context, r routing.KeyRange) (string, error) {
			if !resumed[r.ID] {
				return "", nil
			}
			// ranges after the last emitter may still hold rows tied with it
			return query.ResumeAfter(&order, last, r.Min >= boundary.MaxExclusive)
		}
	}
	s.logger.Debug("continuation resolved",
		"entries", len(state.Entries),
		"ranges", len(ranges),
		"seeds", len(seeds),
		"target", mapping.TargetIndex,
	)
	return seeds, hook, nil
}

// ID identifies the stream in logs.
func (s *Stream) ID() string { return s.id }

// Next returns the next row. ok is false once the query is drained or its
// limit is reached.
func (s *Stream) Next(ctx context.Context) (query.Row, bool, error) {
	if s.opts.Query.Limit > 0 && s.returned >= s.opts.Query.Limit {
		return query.Row{}, false, nil
	}
	f := s.driver.Forest()
	splits := 0
	for {
		if err := ctx.Err(); err != nil {
			return query.Row{}, false, errors.Canceled(err)
		}
		n, ok := f.Pop()
		if !ok {
			return query.Row{}, false, nil
		}
		if _, has := n.Current(); has {
			row, err := s.driver.Take(n)
			if err != nil {
				return query.Row{}, false, err
			}
			if err := s.driver.Requeue(n); err != nil {
				return query.Row{}, false, err
			}
			s.returned++
			return row, true, nil
		}

		err := s.driver.Refill(ctx, n)
		switch {
		case err == nil:
			if _, has := n.Current(); !has {
				s.driver.Retire(n)
				continue
			}
			if err := f.Push(n); err != nil {
				return query.Row{}, false, err
			}
		case errors.IsPartitionGone(err) && splits < maxSplitsPerNext:
			splits++
			if err := s.replace(ctx, n); err != nil {
				return query.Row{}, false, err
			}
		case errors.IsCanceled(err):
			// cancellation is not sticky; keep the node for a later continuation
			if perr := f.Push(n); perr != nil {
				return query.Row{}, false, perr
			}
			return query.Row{}, false, err
		default:
			return query.Row{}, false, err
		}
	}
}

func (s *Stream) replace(ctx context.Context, n *producer.Node) error {
	ranges, err := s.opts.Topology.Ranges(ctx, s.opts.Collection, true)
	if err != nil {
		return err
	}
	children, err := s.driver.ReplaceSplit(ctx, n, ranges)
	if err != nil {
		return err
	}
	s.logger.Debug("range replaced", "range", n.ID(), "children", len(children))
	return nil
}

// NextPage returns up to max rows with the continuation that follows them
// and the charge spent since the previous page.
func (s *Stream) NextPage(ctx context.Context, max int) (Page, error) {
	var page Page
	for max <= 0 || len(page.Rows) < max {
		row, ok, err := s.Next(ctx)
		if err != nil {
			return Page{}, err
		}
		if !ok {
			break
		}
		page.Rows = append(page.Rows, row)
	}
	cont, err := s.Continuation()
	if err != nil {
		return Page{}, err
	}
	page.Continuation = cont
	total := s.driver.Charge()
	page.Charge = total - s.reported
	s.reported = total
	page.Diagnostics = s.driver.DrainDiagnostics()
	return page, nil
}

// Continuation returns a token that resumes the query after the last row
// returned by Next, or "" when nothing is left.
func (s *Stream) Continuation() (string, error) {
	if s.driver.State() == execution.StateDone {
		return "", nil
	}
	if s.opts.Query.Limit > 0 && s.returned >= s.opts.Query.Limit {
		return "", nil
	}
	state := s.driver.ContinuationState()
	if len(state.Entries) == 0 {
		return "", nil
	}
	state.Charge += s.prior
	return continuation.Encode(state)
}

// Charge is the total charge of the query, including the part spent before
// it was resumed.
func (s *Stream) Charge() float64 { return s.prior + s.driver.Charge() }

// Driver exposes the underlying execution driver.
func (s *Stream) Driver() *execution.Driver { return s.driver }

// Close releases the stream's producers and workers.
func (s *Stream) Close() {
	s.driver.Close()
	s.logger.Debug("query closed", "returned", s.returned, "charge", s.Charge())
}
