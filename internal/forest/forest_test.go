package forest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/producer"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// primedNode returns a node whose single page holds keys, already buffered.
func primedNode(t *testing.T, id, min string, keys ...any) *producer.Node {
	t.Helper()
	rows := make([]query.Row, len(keys))
	for i, k := range keys {
		rows[i] = query.Row{ID: id, OrderBy: []any{k}}
	}
	fetcher := producer.PageFetcherFunc(func(ctx context.Context, req producer.PageRequest) (*producer.Page, error) {
		return &producer.Page{Rows: rows}, nil
	})
	n := producer.New(producer.Options{
		Range:   routing.KeyRange{ID: id, Min: min, MaxExclusive: min + "F"},
		Fetcher: fetcher,
		Logger:  logger.Discard(),
	})
	if len(keys) > 0 {
		res, _ := n.EnsureBuffered(context.Background())
		require.NoError(t, res.Err)
	}
	return n
}

func popAll(f *Forest) []string {
	var out []string
	for {
		n, ok := f.Pop()
		if !ok {
			return out
		}
		out = append(out, n.ID())
	}
}

func TestOrderedForestUsesHeadRowThenMin(t *testing.T) {
	f := New(Ordered(query.OrderByComparer(&query.OrderSpec{Field: "k", Asc: true})))
	require.NoError(t, f.Push(primedNode(t, "c", "30", 5.0)))
	require.NoError(t, f.Push(primedNode(t, "a", "10", 7.0)))
	require.NoError(t, f.Push(primedNode(t, "b", "20", 5.0)))
	require.NoError(t, f.Push(primedNode(t, "d", "40", 1.0)))

	root, ok := f.Peek()
	require.True(t, ok)
	assert.Equal(t, "d", root.ID())
	assert.Equal(t, 4, f.Len())

	// ties on the head row fall back to range min
	assert.Equal(t, []string{"d", "b", "c", "a"}, popAll(f))
}

func TestOrderedForestRekeysOnPush(t *testing.T) {
	f := New(Ordered(query.OrderByComparer(&query.OrderSpec{Field: "k", Asc: true})))
	a := primedNode(t, "a", "10", 1.0, 9.0)
	b := primedNode(t, "b", "20", 5.0)
	require.NoError(t, f.Push(a))
	require.NoError(t, f.Push(b))

	n, _ := f.Pop()
	require.Equal(t, "a", n.ID())
	_, ok := n.Pop()
	require.True(t, ok)
	require.NoError(t, f.Push(n))

	root, _ := f.Peek()
	assert.Equal(t, "b", root.ID())
}

func TestUnorderedForestPrefersReadyRanges(t *testing.T) {
	f := New(Unordered())
	require.NoError(t, f.Push(primedNode(t, "a", "10")))
	require.NoError(t, f.Push(primedNode(t, "c", "30", "x")))
	require.NoError(t, f.Push(primedNode(t, "b", "20", "y")))

	assert.Equal(t, []string{"b", "c", "a"}, popAll(f))
	assert.False(t, f.Policy().Ordered())
}

func TestForestRejectsDuplicatesAndRemoves(t *testing.T) {
	f := New(Unordered())
	a := primedNode(t, "a", "10", 1)
	require.NoError(t, f.Push(a))
	assert.ErrorIs(t, f.Push(a), ErrDuplicateNode)

	require.NoError(t, f.Push(primedNode(t, "b", "20", 1)))
	require.NoError(t, f.Push(primedNode(t, "c", "00", 1)))

	nodes := f.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "c", nodes[0].ID())
	assert.Equal(t, "b", nodes[2].ID())

	assert.True(t, f.Remove("a"))
	assert.False(t, f.Remove("a"))
	assert.False(t, f.Contains("a"))
	assert.Equal(t, []string{"c", "b"}, popAll(f))

	// a popped node may come back
	require.NoError(t, f.Push(a))
	assert.True(t, f.Contains("a"))
}

func TestPolicyPriorityFavoursEmptierBuffers(t *testing.T) {
	p := Unordered()
	full := primedNode(t, "a", "10", 1, 2, 3)
	light := primedNode(t, "b", "20", 1)
	assert.Greater(t, p.Priority(light), p.Priority(full))
}
