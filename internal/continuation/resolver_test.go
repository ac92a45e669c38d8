package continuation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/routing"
)

func kr(id, min, max string) routing.KeyRange {
	return routing.KeyRange{ID: id, Min: min, MaxExclusive: max}
}

func TestResolveNoSplit(t *testing.T) {
	ranges := []routing.KeyRange{kr("a", "", "40"), kr("b", "40", "80"), kr("c", "80", "FF")}
	supplied := []Entry{
		{Token: "tb", Range: kr("b", "40", "80"), Skip: 3},
		{Token: "tc", Range: kr("c", "80", "FF")},
	}

	m, err := Resolve(ranges, supplied)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TargetIndex)
	assert.Equal(t, map[string]Token{"b": "tb", "c": "tc"}, m.Tokens)
	assert.Equal(t, map[string]int{"b": 3}, m.Skips)
}

func TestResolveSplitChildrenInheritToken(t *testing.T) {
	// "b" split into b1 and b2 since the token was issued.
	ranges := []routing.KeyRange{kr("a", "", "40"), kr("b1", "40", "60"), kr("b2", "60", "80"), kr("c", "80", "FF")}
	supplied := []Entry{
		{Token: "tb", Range: kr("b", "40", "80"), Skip: 2},
		{Token: "tc", Range: kr("c", "80", "FF")},
	}

	m, err := Resolve(ranges, supplied)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TargetIndex)
	assert.Equal(t, Token("tb"), m.Tokens["b1"])
	assert.Equal(t, Token("tb"), m.Tokens["b2"])
	assert.Equal(t, Token("tc"), m.Tokens["c"])
	assert.NotContains(t, m.Tokens, "a")
	assert.Empty(t, m.Skips)
}

func TestResolveSplitChildrenInheritFilter(t *testing.T) {
	ranges := []routing.KeyRange{kr("a", "", "40"), kr("b1", "40", "60"), kr("b2", "60", "80")}
	supplied := []Entry{
		{Token: "ta", Range: kr("a", "", "40")},
		{Token: "", Range: kr("b", "40", "80"), Filter: `doc.n > 3.0`},
	}

	m, err := Resolve(ranges, supplied)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b1": `doc.n > 3.0`, "b2": `doc.n > 3.0`}, m.Filters)
	assert.Equal(t, Token(""), m.Tokens["b1"])
}

func TestResolveRepeatedSplit(t *testing.T) {
	// [A,F) split into [A,C) and [C,F), then [A,C) split again.
	ranges := []routing.KeyRange{kr("ab", "A0", "B0"), kr("bc", "B0", "C0"), kr("cf", "C0", "F0")}
	supplied := []Entry{
		{Token: "t1", Range: kr("ac", "A0", "C0")},
		{Token: "t2", Range: kr("cf", "C0", "F0")},
	}

	m, err := Resolve(ranges, supplied)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TargetIndex)
	assert.Equal(t, map[string]Token{"ab": "t1", "bc": "t1", "cf": "t2"}, m.Tokens)
}

func TestResolveTargetIsSmallestMin(t *testing.T) {
	ranges := []routing.KeyRange{kr("a", "", "40"), kr("b", "40", "80"), kr("c", "80", "FF")}
	supplied := []Entry{
		{Token: "tc", Range: kr("c", "80", "FF")},
		{Token: "ta", Range: kr("a", "", "40")},
	}
	m, err := Resolve(ranges, supplied)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TargetIndex)
}

func TestResolveInputErrors(t *testing.T) {
	ranges := []routing.KeyRange{kr("a", "", "FF")}

	_, err := Resolve(nil, []Entry{{Range: kr("a", "", "FF")}})
	assert.ErrorIs(t, err, ErrNoRanges)
	assert.ErrorIs(t, err, errors.ErrInvalidContinuation)

	_, err = Resolve(ranges, nil)
	assert.ErrorIs(t, err, ErrNoContinuation)

	_, err = Resolve(ranges, []Entry{{Range: kr("x", "", "80")}, {Range: kr("y", "80", "FF")}})
	assert.ErrorIs(t, err, ErrTooManyContinuations)
}

func TestResolveStructuralErrors(t *testing.T) {
	ranges := []routing.KeyRange{kr("a", "", "40"), kr("b1", "40", "60"), kr("b2", "60", "80"), kr("c", "80", "FF")}

	cases := []struct {
		name     string
		supplied []Entry
	}{
		{"min not in topology", []Entry{{Range: kr("x", "50", "80")}}},
		// pretends a merge happened: supplied range is narrower than the current one
		{"merged range", []Entry{{Range: kr("a1", "", "20")}}},
		{"max mismatch", []Entry{{Range: kr("b", "40", "70")}}},
		{"claimed twice", []Entry{
			{Range: kr("b", "40", "80")},
			{Range: kr("b2", "60", "80")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(ranges, tc.supplied)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrStructuralContinuation)
			var se *StructuralError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestResolveGapIsStructural(t *testing.T) {
	// not a valid routing map, but the resolver must not paper over it
	ranges := []routing.KeyRange{kr("b1", "40", "50"), kr("b2", "60", "80")}
	_, err := Resolve(ranges, []Entry{{Range: kr("b", "40", "80")}})
	assert.ErrorIs(t, err, errors.ErrStructuralContinuation)
}

func TestStateRoundTrip(t *testing.T) {
	s := State{
		Entries: []Entry{
			{Token: "t1", Range: kr("a", "", "80"), Skip: 4},
			{Range: kr("b", "80", "FF"), Filter: `doc.kind >= "walnut"`},
		},
		OrderBy:  []any{"walnut"},
		Boundary: &routing.KeyRange{ID: "a", Min: "", MaxExclusive: "80"},
		Charge:   12.5,
	}
	tok, err := Encode(s)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	got, err := Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestStateEmptyAndMalformed(t *testing.T) {
	tok, err := Encode(State{})
	require.NoError(t, err)
	assert.Equal(t, "", tok)

	s, err := Decode("")
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())

	_, err = Decode("!!not-base64!!")
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.ErrorIs(t, err, errors.ErrInvalidContinuation)

	bad, err := Encode(State{Entries: []Entry{{Range: kr("a", "80", "80")}}})
	require.NoError(t, err)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrMalformedToken)
}
