// Package routing describes the partition key space and where it is served.
//
// The key space is split into contiguous, non-overlapping KeyRanges sorted by
// Min. Effective partition keys are upper-case hex strings, so plain string
// comparison orders them.
package routing

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// MinInclusive is the lowest effective partition key.
	MinInclusive = ""
	// MaxExclusive is above every effective partition key.
	MaxExclusive = "FF"
)

var (
	ErrNoRanges          = errors.New("routing map has no ranges")
	ErrEmptyRange        = errors.New("key range is empty")
	ErrUnsortedRanges    = errors.New("key ranges are not sorted by min")
	ErrOverlappingRanges = errors.New("key ranges overlap")
)

// KeyRange is a contiguous slice of the partitioned key space: [Min, MaxExclusive).
type KeyRange struct {
	ID           string `json:"id,omitempty" yaml:"id"`
	Min          string `json:"min" yaml:"min"`
	MaxExclusive string `json:"max" yaml:"max"`
}

// FullRange covers the whole key space.
func FullRange(id string) KeyRange {
	return KeyRange{ID: id, Min: MinInclusive, MaxExclusive: MaxExclusive}
}

func (r KeyRange) String() string {
	if r.ID == "" {
		return fmt.Sprintf("[%q,%q)", r.Min, r.MaxExclusive)
	}
	return fmt.Sprintf("%s[%q,%q)", r.ID, r.Min, r.MaxExclusive)
}

// IsEmpty reports whether the range covers no keys.
func (r KeyRange) IsEmpty() bool {
	return r.Min >= r.MaxExclusive
}

// ContainsKey reports whether key falls inside the range.
func (r KeyRange) ContainsKey(key string) bool {
	return key >= r.Min && key < r.MaxExclusive
}

// Contains reports whether other lies fully inside r.
func (r KeyRange) Contains(other KeyRange) bool {
	return other.Min >= r.Min && other.MaxExclusive <= r.MaxExclusive
}

// Overlaps reports whether the two ranges share any key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	return r.Min < other.MaxExclusive && other.Min < r.MaxExclusive
}

// SameSpan compares bounds and ignores IDs.
func (r KeyRange) SameSpan(other KeyRange) bool {
	return r.Min == other.Min && r.MaxExclusive == other.MaxExclusive
}

// Validate checks the invariant every routing map must hold: sorted by Min,
// non-empty spans, no overlap.
func Validate(ranges []KeyRange) error {
	if len(ranges) == 0 {
		return ErrNoRanges
	}
	for i, r := range ranges {
		if r.IsEmpty() {
			return fmt.Errorf("%w: %s", ErrEmptyRange, r)
		}
		if i == 0 {
			continue
		}
		prev := ranges[i-1]
		if r.Min < prev.Min {
			return fmt.Errorf("%w: %s before %s", ErrUnsortedRanges, prev, r)
		}
		if r.Min < prev.MaxExclusive {
			return fmt.Errorf("%w: %s and %s", ErrOverlappingRanges, prev, r)
		}
	}
	return nil
}

// Sort orders ranges by Min in place.
func Sort(ranges []KeyRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Min < ranges[j].Min })
}

// Clone copies a range list.
func Clone(ranges []KeyRange) []KeyRange {
	out := make([]KeyRange, len(ranges))
	copy(out, ranges)
	return out
}

// IndexOfMin returns the index of the range whose Min equals min, using binary
// search over a sorted list, or -1.
func IndexOfMin(ranges []KeyRange, min string) int {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].Min >= min })
	if i < len(ranges) && ranges[i].Min == min {
		return i
	}
	return -1
}

// Overlapping returns the ranges of a sorted list that overlap span.
func Overlapping(ranges []KeyRange, span KeyRange) []KeyRange {
	var out []KeyRange
	for _, r := range ranges {
		if r.Overlaps(span) {
			out = append(out, r)
		}
	}
	return out
}
