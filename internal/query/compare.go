package query

import (
	"encoding/json"
	"strings"
)

// RowComparer orders two rows: negative when a sorts first.
type RowComparer func(a, b Row) int

// type ranks for mixed-type sort keys
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankOther
)

// CompareValues orders sort key values. Values of different kinds sort
// null < bool < number < string; numbers compare as float64.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch ra {
	case rankNull:
		return 0
	case rankBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case rankNumber:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return strings.Compare(string(ja), string(jb))
}

// OrderByComparer compares rows by their computed sort keys in the direction
// of spec. A nil spec treats every row as equal.
func OrderByComparer(spec *OrderSpec) RowComparer {
	asc := spec == nil || spec.Asc
	return func(a, b Row) int {
		n := len(a.OrderBy)
		if len(b.OrderBy) < n {
			n = len(b.OrderBy)
		}
		for i := 0; i < n; i++ {
			if c := CompareValues(a.OrderBy[i], b.OrderBy[i]); c != 0 {
				if !asc {
					return -c
				}
				return c
			}
		}
		return cmpInt(len(a.OrderBy), len(b.OrderBy))
	}
}

// SortKeyEqual reports whether two rows carry the same sort key.
func SortKeyEqual(a, b Row) bool {
	return SortKeysEqual(a.OrderBy, b.OrderBy)
}

// SortKeysEqual compares two sort keys value by value.
func SortKeysEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if CompareValues(a[i], b[i]) != 0 {
			return false
		}
	}
	return true
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case string:
		return rankString
	}
	if _, ok := toFloat(v); ok {
		return rankNumber
	}
	return rankOther
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
