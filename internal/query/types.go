// Package query describes cross-partition queries and the rows they return.
package query

import "encoding/json"

// Spec is a query as sent to every partition.
type Spec struct {
	Filter  string     `json:"filter,omitempty"` // CEL predicate over doc, "" matches all
	OrderBy *OrderSpec `json:"orderBy,omitempty"`
	Limit   int        `json:"limit,omitempty"` // max rows, 0 = no limit
}

// Ordered reports whether the query needs a sorted merge.
func (s Spec) Ordered() bool {
	return s.OrderBy != nil && s.OrderBy.Field != ""
}

// OrderSpec specifies sort order.
type OrderSpec struct {
	Field string `json:"field"`
	Asc   bool   `json:"asc"`
}

// Row is one result document.
type Row struct {
	ID           string          `json:"id"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	// OrderBy holds the sort key values the backend computed for this row.
	OrderBy []any `json:"orderBy,omitempty"`
}

// Field reads a top-level field of the row payload.
func (r Row) Field(name string) (any, bool) {
	return ExtractField(r.Payload, name)
}

// ExtractField reads a top-level field from a JSON document.
func ExtractField(payload []byte, field string) (any, bool) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false
	}
	v, ok := doc[field]
	return v, ok
}
