package execution

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/kartikbazzad/docquery/internal/metrics"
	"github.com/kartikbazzad/docquery/internal/producer"
)

// ChargeTracker accumulates request charge from concurrent completions.
type ChargeTracker struct {
	total *atomic.Float64
}

func NewChargeTracker() *ChargeTracker {
	return &ChargeTracker{total: atomic.NewFloat64(0)}
}

func (c *ChargeTracker) Add(charge float64) {
	if charge == 0 {
		return
	}
	c.total.Add(charge)
	metrics.RequestCharge.Add(charge)
}

func (c *ChargeTracker) Total() float64 {
	return c.total.Load()
}

// Drain returns the accumulated charge and resets it to zero.
func (c *ChargeTracker) Drain() float64 {
	for {
		old := c.total.Load()
		if c.total.CAS(old, 0) {
			return old
		}
	}
}

// DiagnosticsBag collects per-fetch diagnostics until the consumer drains
// them.
type DiagnosticsBag struct {
	mu    sync.Mutex
	items []producer.Diagnostic
}

func (b *DiagnosticsBag) Append(diags ...producer.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(b.items, diags...)
	b.mu.Unlock()
}

// Drain swaps out everything collected so far.
func (b *DiagnosticsBag) Drain() []producer.Diagnostic {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

func (b *DiagnosticsBag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
