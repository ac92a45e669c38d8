package merge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/docquery/internal/continuation"
	"github.com/kartikbazzad/docquery/internal/emulator"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

const coll = "orders"

type fixture struct {
	store *emulator.Store
	cache *routing.Cache
}

func newFixture(t *testing.T, partitions, docs int) *fixture {
	t.Helper()
	s, err := emulator.New(logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.CreateCollection(coll, partitions))
	for i := 0; i < docs; i++ {
		require.NoError(t, s.Upsert(coll, emulator.Document{
			ID:           fmt.Sprintf("o%03d", i),
			PartitionKey: fmt.Sprintf("customer-%d", i),
			Body:         map[string]any{"n": i, "group": i % 4},
		}))
	}
	ranges, err := s.ReadRanges(context.Background(), coll)
	require.NoError(t, err)
	for _, r := range ranges {
		held := 0
		for i := 0; i < docs; i++ {
			if r.ContainsKey(emulator.EffectivePartitionKey(fmt.Sprintf("customer-%d", i))) {
				held++
			}
		}
		require.Positive(t, held, "range %s holds no documents", r.ID)
	}
	cache, err := routing.NewCache(s, 8, logger.Discard())
	require.NoError(t, err)
	return &fixture{store: s, cache: cache}
}

func (f *fixture) options(q query.Spec, concurrency int) Options {
	return Options{
		Collection:           coll,
		Query:                q,
		Fetcher:              f.store,
		Topology:             f.cache,
		PageSize:             5,
		MaxConcurrency:       concurrency,
		MaxBufferedItemCount: 100,
		MaxPageSize:          20,
		Logger:               logger.Discard(),
	}
}

func (f *fixture) open(t *testing.T, opts Options, cont string) *Stream {
	t.Helper()
	s, err := Open(context.Background(), opts, cont)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func drain(t *testing.T, s *Stream) []query.Row {
	t.Helper()
	var out []query.Row
	for {
		row, ok, err := s.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, row)
	}
}

func assertEachOnce(t *testing.T, rows []query.Row, want int) {
	t.Helper()
	seen := make(map[string]int, len(rows))
	for _, r := range rows {
		seen[r.ID]++
	}
	assert.Len(t, seen, want)
	for id, c := range seen {
		assert.Equal(t, 1, c, "row %s returned %d times", id, c)
	}
}

func assertSorted(t *testing.T, rows []query.Row, order *query.OrderSpec) {
	t.Helper()
	cmp := query.OrderByComparer(order)
	for i := 1; i < len(rows); i++ {
		assert.LessOrEqual(t, cmp(rows[i-1], rows[i]), 0, "row %d (%s) out of order", i, rows[i].ID)
	}
}

func TestDrain(t *testing.T) {
	tests := []struct {
		name        string
		query       query.Spec
		concurrency int
	}{
		{"unordered", query.Spec{}, 0},
		{"unordered prefetch", query.Spec{}, 3},
		{"ordered ascending", query.Spec{OrderBy: &query.OrderSpec{Field: "n", Asc: true}}, 2},
		{"ordered descending ties", query.Spec{OrderBy: &query.OrderSpec{Field: "group", Asc: false}}, 2},
		{"filtered", query.Spec{Filter: `doc.group == 1`, OrderBy: &query.OrderSpec{Field: "n", Asc: true}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 4, 80)
			s := f.open(t, f.options(tt.query, tt.concurrency), "")
			rows := drain(t, s)

			want := 80
			if tt.query.Filter != "" {
				want = 20
			}
			assertEachOnce(t, rows, want)
			if tt.query.Ordered() {
				assertSorted(t, rows, tt.query.OrderBy)
			}
			cont, err := s.Continuation()
			require.NoError(t, err)
			assert.Empty(t, cont)
			assert.Positive(t, s.Charge())
		})
	}
}

func TestPauseAndResume(t *testing.T) {
	tests := []struct {
		name     string
		query    query.Spec
		pageSize int
	}{
		{"unordered", query.Spec{}, 7},
		{"ordered ascending", query.Spec{OrderBy: &query.OrderSpec{Field: "n", Asc: true}}, 6},
		{"ordered ties ascending", query.Spec{OrderBy: &query.OrderSpec{Field: "group", Asc: true}}, 9},
		{"ordered ties descending", query.Spec{OrderBy: &query.OrderSpec{Field: "group", Asc: false}}, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3, 60)
			opts := f.options(tt.query, 2)

			var (
				all    []query.Row
				cont   string
				charge float64
				pages  int
			)
			for {
				s, err := Open(context.Background(), opts, cont)
				require.NoError(t, err)
				page, err := s.NextPage(context.Background(), tt.pageSize)
				require.NoError(t, err)
				charge = s.Charge()
				s.Close()

				all = append(all, page.Rows...)
				pages++
				require.Less(t, pages, 100, "continuation does not make progress")
				if page.Continuation == "" {
					break
				}
				assert.Len(t, page.Rows, tt.pageSize)
				cont = page.Continuation
			}

			assertEachOnce(t, all, 60)
			if tt.query.Ordered() {
				assertSorted(t, all, tt.query.OrderBy)
			}
			assert.Positive(t, charge)
		})
	}
}

func TestOrderedResumeKeepsRangeFilter(t *testing.T) {
	f := newFixture(t, 3, 60)
	order := &query.OrderSpec{Field: "group", Asc: true}
	opts := f.options(query.Spec{OrderBy: order}, 2)

	var (
		all    []query.Row
		cont   string
		listed map[string]bool
	)
	for pages := 0; ; pages++ {
		require.Less(t, pages, 100, "continuation does not make progress")
		s, err := Open(context.Background(), opts, cont)
		require.NoError(t, err)
		page, err := s.NextPage(context.Background(), 9)
		require.NoError(t, err)
		s.Close()
		all = append(all, page.Rows...)
		if page.Continuation == "" {
			break
		}

		state, err := continuation.Decode(page.Continuation)
		require.NoError(t, err)
		// a range restarted from the sort key keeps that predicate when it
		// is listed later
		next := map[string]bool{}
		for _, e := range state.Entries {
			next[e.Range.ID] = true
			if cont != "" && !listed[e.Range.ID] {
				assert.NotEmpty(t, e.Filter, "range %s lost its resume predicate", e.Range.ID)
			}
		}
		listed = next
		cont = page.Continuation
	}

	assertEachOnce(t, all, 60)
	assertSorted(t, all, order)
}

func TestSplitDuringDrain(t *testing.T) {
	for _, q := range []query.Spec{{}, {OrderBy: &query.OrderSpec{Field: "n", Asc: true}}} {
		t.Run(fmt.Sprintf("ordered=%v", q.Ordered()), func(t *testing.T) {
			f := newFixture(t, 2, 50)
			s := f.open(t, f.options(q, 0), "")

			var rows []query.Row
			for i := 0; i < 10; i++ {
				row, ok, err := s.Next(context.Background())
				require.NoError(t, err)
				require.True(t, ok)
				rows = append(rows, row)
			}

			ranges, err := f.store.ReadRanges(context.Background(), coll)
			require.NoError(t, err)
			for _, r := range ranges {
				_, err := f.store.Split(coll, r.ID)
				require.NoError(t, err)
			}

			rows = append(rows, drain(t, s)...)
			assertEachOnce(t, rows, 50)
			if q.Ordered() {
				assertSorted(t, rows, q.OrderBy)
			}
		})
	}
}

func TestResumeAfterSplit(t *testing.T) {
	f := newFixture(t, 1, 30)
	opts := f.options(query.Spec{}, 0)
	opts.MaxPageSize = 5

	s, err := Open(context.Background(), opts, "")
	require.NoError(t, err)
	page, err := s.NextPage(context.Background(), 5)
	require.NoError(t, err)
	s.Close()
	require.NotEmpty(t, page.Continuation)

	state, err := continuation.Decode(page.Continuation)
	require.NoError(t, err)
	require.Len(t, state.Entries, 1)
	require.Zero(t, state.Entries[0].Skip)

	_, err = f.store.Split(coll, state.Entries[0].Range.ID)
	require.NoError(t, err)

	resumed := f.open(t, opts, page.Continuation)
	rows := append(page.Rows, drain(t, resumed)...)
	assertEachOnce(t, rows, 30)
}

func TestLimit(t *testing.T) {
	f := newFixture(t, 3, 40)
	s := f.open(t, f.options(query.Spec{Limit: 12, OrderBy: &query.OrderSpec{Field: "n", Asc: true}}, 2), "")
	rows := drain(t, s)
	require.Len(t, rows, 12)
	for i, r := range rows {
		assert.Equal(t, fmt.Sprintf("o%03d", i), r.ID)
	}
	cont, err := s.Continuation()
	require.NoError(t, err)
	assert.Empty(t, cont)
}

func TestOpenErrors(t *testing.T) {
	f := newFixture(t, 2, 10)

	_, err := Open(context.Background(), f.options(query.Spec{}, 0), "not-a-token!")
	assert.ErrorIs(t, err, errors.ErrInvalidContinuation)

	_, err = Open(context.Background(), Options{Collection: coll, Fetcher: f.store}, "")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	// a continuation over a range the collection never had
	foreign, err := continuation.Encode(continuation.State{Entries: []continuation.Entry{{
		Token: "",
		Range: routing.KeyRange{ID: "z", Min: "1234", MaxExclusive: "5678"},
	}}})
	require.NoError(t, err)
	_, err = Open(context.Background(), f.options(query.Spec{}, 0), foreign)
	assert.ErrorIs(t, err, errors.ErrStructuralContinuation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Open(ctx, f.options(query.Spec{}, 0), "")
	assert.True(t, errors.IsCanceled(err))
}

func TestNextHonoursContext(t *testing.T) {
	f := newFixture(t, 2, 10)
	s := f.open(t, f.options(query.Spec{}, 0), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Next(ctx)
	assert.ErrorIs(t, err, errors.ErrCanceled)

	assertEachOnce(t, drain(t, s), 10)
}
