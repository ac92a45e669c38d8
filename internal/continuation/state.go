package continuation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// State is the serialisable continuation of a cross-partition query: one
// entry per range that must resume from its own token. Charge is the request
// charge consumed so far.
//
// Ordered queries also record the last emitted sort key and the range that
// emitted it. Ranges without an entry resume from that key: strictly after
// it when they start before Boundary ends, at or after it otherwise.
type State struct {
	Entries  []Entry           `json:"ranges"`
	OrderBy  []any             `json:"orderBy,omitempty"`
	Boundary *routing.KeyRange `json:"boundary,omitempty"`
	Charge   float64           `json:"charge,omitempty"`
}

// ErrMalformedToken is returned by Decode for strings it did not produce.
var ErrMalformedToken = fmt.Errorf("%w: malformed continuation token", errors.ErrInvalidContinuation)

// IsEmpty reports whether the state resumes nothing, meaning the query is
// either finished or not started.
func (s State) IsEmpty() bool {
	return len(s.Entries) == 0
}

// Encode renders the state as an opaque URL-safe string. An empty state
// encodes to "".
func Encode(s State) (string, error) {
	if s.IsEmpty() {
		return "", nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode continuation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a string produced by Encode. "" decodes to the empty state.
func Decode(token string) (State, error) {
	var s State
	if token == "" {
		return s, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	for _, e := range s.Entries {
		if e.Range.IsEmpty() || e.Skip < 0 {
			return State{}, fmt.Errorf("%w: bad entry for %s", ErrMalformedToken, e.Range)
		}
	}
	return s, nil
}
