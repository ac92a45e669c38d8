// Package forest keeps the resident producers of a query in merge order.
package forest

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kartikbazzad/docquery/internal/producer"
)

// ErrDuplicateNode is returned when a node with the same range ID is
// already resident.
var ErrDuplicateNode = errors.New("node already in forest")

type entry struct {
	key  Key
	node *producer.Node
}

// nodeHeap is the container/heap backing store.
type nodeHeap struct {
	policy  Policy
	entries []entry
}

func (h *nodeHeap) Len() int { return len(h.entries) }
func (h *nodeHeap) Less(i, j int) bool {
	return h.policy.Less(h.entries[i].key, h.entries[j].key)
}
func (h *nodeHeap) Swap(i, j int)      { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *nodeHeap) Push(x interface{}) { h.entries = append(h.entries, x.(entry)) }
func (h *nodeHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = entry{}
	h.entries = h.entries[:n-1]
	return e
}

// Forest is a priority queue of producer nodes. A node's key is recomputed
// every time it is pushed, so callers pop a node, consume from it and push
// it back.
//
// Foreground consumers and background completions may both push; every
// method takes the forest lock.
type Forest struct {
	mu   sync.Mutex
	heap nodeHeap
	ids  map[string]struct{}
}

// New creates an empty forest ordered by policy.
func New(policy Policy) *Forest {
	return &Forest{
		heap: nodeHeap{policy: policy},
		ids:  make(map[string]struct{}),
	}
}

// Policy returns the ordering policy.
func (f *Forest) Policy() Policy {
	return f.heap.policy
}

// Push inserts n under a freshly computed key.
func (f *Forest) Push(n *producer.Node) error {
	key := f.heap.policy.Key(n)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[n.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID())
	}
	f.ids[n.ID()] = struct{}{}
	heap.Push(&f.heap, entry{key: key, node: n})
	return nil
}

// Peek returns the root without removing it.
func (f *Forest) Peek() (*producer.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heap.Len() == 0 {
		return nil, false
	}
	return f.heap.entries[0].node, true
}

// Pop removes and returns the root.
func (f *Forest) Pop() (*producer.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heap.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&f.heap).(entry)
	delete(f.ids, e.node.ID())
	return e.node, true
}

// Remove drops the node with the given range ID.
func (f *Forest) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; !ok {
		return false
	}
	for i, e := range f.heap.entries {
		if e.node.ID() == id {
			heap.Remove(&f.heap, i)
			delete(f.ids, id)
			return true
		}
	}
	return false
}

// Contains reports whether a node with the range ID is resident.
func (f *Forest) Contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}

func (f *Forest) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Nodes returns the resident nodes sorted by range Min.
func (f *Forest) Nodes() []*producer.Node {
	f.mu.Lock()
	out := make([]*producer.Node, 0, f.heap.Len())
	for _, e := range f.heap.entries {
		out = append(out, e.node)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Range().Min < out[j].Range().Min })
	return out
}
