package forest

import (
	"github.com/kartikbazzad/docquery/internal/producer"
	"github.com/kartikbazzad/docquery/internal/query"
)

// Key is a node's position in the forest, captured when the node is pushed.
type Key struct {
	Head     query.Row
	HasHead  bool
	Buffered int
	Min      string
}

// KeyOf snapshots n.
func KeyOf(n *producer.Node) Key {
	head, ok := n.Current()
	return Key{Head: head, HasHead: ok, Buffered: n.Buffered(), Min: n.Range().Min}
}

// Policy decides merge order and prefetch priority.
type Policy interface {
	Key(n *producer.Node) Key
	Less(a, b Key) bool
	// Priority ranks a node for prefetch; higher runs first.
	Priority(n *producer.Node) int
	// Ordered reports whether the merge follows a row comparator.
	Ordered() bool
}

type orderedPolicy struct {
	cmp query.RowComparer
}

// Ordered merges by head row under cmp, ties broken by range Min so that
// the merge order is total and repeatable.
func Ordered(cmp query.RowComparer) Policy {
	return orderedPolicy{cmp: cmp}
}

func (orderedPolicy) Key(n *producer.Node) Key { return KeyOf(n) }

func (p orderedPolicy) Less(a, b Key) bool {
	// a node without a head row needs a refill before it can be compared
	if a.HasHead != b.HasHead {
		return !a.HasHead
	}
	if a.HasHead {
		if c := p.cmp(a.Head, b.Head); c != 0 {
			return c < 0
		}
	}
	return a.Min < b.Min
}

func (orderedPolicy) Priority(n *producer.Node) int { return -n.Buffered() }

func (orderedPolicy) Ordered() bool { return true }

type unorderedPolicy struct{}

// Unordered drains ranges in key-space order, preferring ranges that have
// rows ready.
func Unordered() Policy {
	return unorderedPolicy{}
}

func (unorderedPolicy) Key(n *producer.Node) Key { return KeyOf(n) }

func (unorderedPolicy) Less(a, b Key) bool {
	if a.HasHead != b.HasHead {
		return a.HasHead
	}
	return a.Min < b.Min
}

func (unorderedPolicy) Priority(n *producer.Node) int { return -n.Buffered() }

func (unorderedPolicy) Ordered() bool { return false }
