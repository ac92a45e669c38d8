// Package continuation maps caller-supplied resume tokens onto the current
// partition topology.
//
// A caller that paused a cross-partition query holds one (Token, KeyRange)
// pair per range it was reading. By the time it resumes, the backend may
// have split some of those ranges. Resolve finds, for every supplied range,
// the current ranges that exactly tile its span and hands each of them the
// parent's token. Merges (fewer, wider ranges) are not supported.
//
// Resolve is pure: it does not log, cache or touch shared state.
package continuation

import (
	"fmt"
	"sort"

	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// Token is an opaque per-range resume marker. The empty token means "start
// of range".
type Token string

// Entry is one resumable range: the token to fetch with and the range it was
// issued against. Skip counts rows already consumed from the page Token
// fetches. Filter is the extra predicate the range was being read with; the
// token is only meaningful under it.
type Entry struct {
	Token  Token            `json:"token,omitempty"`
	Range  routing.KeyRange `json:"range"`
	Skip   int              `json:"skip,omitempty"`
	Filter string           `json:"filter,omitempty"`
}

// SplitMapping is the resolver output.
type SplitMapping struct {
	// TargetIndex is the index, in the current range list, of the range whose
	// Min equals the smallest Min among the supplied entries.
	TargetIndex int
	// Tokens maps current range IDs to the token they resume from.
	Tokens map[string]Token
	// Skips carries a supplied skip count through to a range that replaced
	// its parent one-for-one. Split children start at skip 0.
	Skips map[string]int
	// Filters carries a supplied per-range predicate to every replacement.
	Filters map[string]string
}

var (
	ErrNoRanges             = fmt.Errorf("%w: no current ranges", errors.ErrInvalidContinuation)
	ErrNoContinuation       = fmt.Errorf("%w: no continuation entries supplied", errors.ErrInvalidContinuation)
	ErrTooManyContinuations = fmt.Errorf("%w: more continuation entries than current ranges", errors.ErrInvalidContinuation)
)

// StructuralError reports continuation state that cannot be laid over the
// current topology. It signals stale caller state or backend topology
// corruption and is never recovered from.
type StructuralError struct {
	Range  routing.KeyRange
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural continuation error for %s: %s", e.Range, e.Reason)
}

func (e *StructuralError) Unwrap() error {
	return errors.ErrStructuralContinuation
}

func structural(r routing.KeyRange, format string, args ...any) error {
	return &StructuralError{Range: r, Reason: fmt.Sprintf(format, args...)}
}

// Resolve maps supplied (token, range) pairs onto ranges, the current sorted,
// non-overlapping routing map.
func Resolve(ranges []routing.KeyRange, supplied []Entry) (*SplitMapping, error) {
	if len(ranges) == 0 {
		return nil, ErrNoRanges
	}
	if len(supplied) == 0 {
		return nil, ErrNoContinuation
	}
	if len(supplied) > len(ranges) {
		return nil, fmt.Errorf("%w: %d entries, %d ranges", ErrTooManyContinuations, len(supplied), len(ranges))
	}

	minEntry := supplied[0]
	for _, e := range supplied[1:] {
		if e.Range.Min < minEntry.Range.Min {
			minEntry = e
		}
	}
	target := routing.IndexOfMin(ranges, minEntry.Range.Min)
	if target < 0 {
		return nil, structural(minEntry.Range, "no current range starts at %q", minEntry.Range.Min)
	}

	mapping := &SplitMapping{
		TargetIndex: target,
		Tokens:      make(map[string]Token, len(supplied)),
		Skips:       make(map[string]int),
		Filters:     make(map[string]string),
	}

	for _, e := range supplied {
		replacements := containedIn(ranges, e.Range)
		if len(replacements) == 0 {
			return nil, structural(e.Range, "range is unknown to the current topology")
		}
		if err := checkTiling(e.Range, replacements); err != nil {
			return nil, err
		}
		for _, r := range replacements {
			if _, dup := mapping.Tokens[r.ID]; dup {
				return nil, structural(e.Range, "current range %s is claimed by more than one continuation entry", r)
			}
			mapping.Tokens[r.ID] = e.Token
			if e.Filter != "" {
				mapping.Filters[r.ID] = e.Filter
			}
		}
		if len(replacements) == 1 && e.Skip > 0 {
			mapping.Skips[replacements[0].ID] = e.Skip
		}
	}

	return mapping, nil
}

// containedIn returns the ranges fully inside parent, ordered by Min.
func containedIn(ranges []routing.KeyRange, parent routing.KeyRange) []routing.KeyRange {
	start := sort.Search(len(ranges), func(i int) bool { return ranges[i].Min >= parent.Min })
	var out []routing.KeyRange
	for i := start; i < len(ranges) && ranges[i].Min < parent.MaxExclusive; i++ {
		if parent.Contains(ranges[i]) {
			out = append(out, ranges[i])
		}
	}
	return out
}

// checkTiling verifies the replacement set covers exactly the parent span,
// contiguously and without overlap.
func checkTiling(parent routing.KeyRange, replacements []routing.KeyRange) error {
	first, last := replacements[0], replacements[len(replacements)-1]
	if parent.Min != first.Min {
		return structural(parent, "first replacement %s does not start at parent min", first)
	}
	if parent.MaxExclusive != last.MaxExclusive {
		return structural(parent, "last replacement %s does not end at parent max", last)
	}
	for i := 1; i < len(replacements); i++ {
		prev, next := replacements[i-1], replacements[i]
		if next.Min < prev.MaxExclusive {
			return structural(parent, "replacements %s and %s overlap", prev, next)
		}
		// Ranges always tile the key space, so a gap means the topology is
		// inconsistent.
		if next.Min != prev.MaxExclusive {
			return structural(parent, "gap between replacements %s and %s", prev, next)
		}
	}
	return nil
}
