// Package producer wraps one partition range's paged backend reads.
package producer

import (
	"context"
	"time"

	"github.com/kartikbazzad/docquery/internal/continuation"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// PageFetcher reads one page of query results from one partition range.
type PageFetcher interface {
	FetchNextPage(ctx context.Context, req PageRequest) (*Page, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, req PageRequest) (*Page, error)

func (f PageFetcherFunc) FetchNextPage(ctx context.Context, req PageRequest) (*Page, error) {
	return f(ctx, req)
}

// PageRequest addresses one page.
type PageRequest struct {
	Collection string
	Range      routing.KeyRange
	Token      continuation.Token // "" reads from the start of the range
	PageSize   int
	Query      query.Spec
	// Filter is an extra per-range predicate ANDed with Query.Filter.
	Filter string
}

// Page is one backend response. An empty Token means the range is exhausted.
type Page struct {
	Rows          []query.Row
	Token         continuation.Token
	Charge        float64
	Diagnostics   []Diagnostic
	ResponseBytes int
}

// Diagnostic describes one backend round trip.
type Diagnostic struct {
	ActivityID string        `json:"activityId"`
	RangeID    string        `json:"rangeId"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Charge     float64       `json:"charge"`
	ItemCount  int           `json:"itemCount"`
	StatusCode int           `json:"statusCode"`
	Err        string        `json:"error,omitempty"`
}

// FetchError is the failure a PageFetcher reports for a backend status.
type FetchError = errors.BackendError

// NewFetchError builds a FetchError.
func NewFetchError(status, subStatus int, msg string) *FetchError {
	return errors.NewBackendError(status, subStatus, msg)
}

// IsPartitionGone reports a fetch against a range that has since split.
func IsPartitionGone(err error) bool {
	return errors.IsPartitionGone(err)
}

// IsThrottled reports a fetch rejected for rate.
func IsThrottled(err error) bool {
	return errors.IsThrottled(err)
}
