package emulator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kartikbazzad/docquery/internal/continuation"
	"github.com/kartikbazzad/docquery/internal/query"
)

// position is a row's place in a scan: sort key, then effective partition
// key, then id. Tokens encode the position of the last row returned, so
// they stay meaningful after the range splits.
type position struct {
	Key any    `json:"k,omitempty"`
	EPK string `json:"e"`
	ID  string `json:"i"`
}

func (p position) compare(o position, order *query.OrderSpec) int {
	if order != nil {
		if c := query.CompareValues(p.Key, o.Key); c != 0 {
			if !order.Asc {
				return -c
			}
			return c
		}
	}
	if c := strings.Compare(p.EPK, o.EPK); c != 0 {
		return c
	}
	return strings.Compare(p.ID, o.ID)
}

func encodePosition(p position) (continuation.Token, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return continuation.Token(base64.RawURLEncoding.EncodeToString(raw)), nil
}

func decodePosition(t continuation.Token) (*position, error) {
	if t == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(t))
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	var p position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	return &p, nil
}
