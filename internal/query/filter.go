package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ErrInvalidFilter is returned for filter expressions that do not compile or
// do not yield a boolean.
var ErrInvalidFilter = errors.New("invalid filter expression")

// Filter evaluates CEL predicates over a document bound to the variable doc.
// Compiled programs are cached per expression.
type Filter struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewFilter creates a Filter with doc declared as a map of dynamic values.
func NewFilter() (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	return &Filter{env: env}, nil
}

// Compile checks expr and caches its program.
func (f *Filter) Compile(expr string) error {
	_, err := f.program(expr)
	return err
}

func (f *Filter) program(expr string) (cel.Program, error) {
	if val, ok := f.prgCache.Load(expr); ok {
		return val.(cel.Program), nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, issues.Err())
	}
	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, err)
	}
	f.prgCache.Store(expr, prg)
	return prg, nil
}

// Match evaluates expr against doc. The empty expression matches everything.
func (f *Filter) Match(expr string, doc map[string]any) (bool, error) {
	switch strings.TrimSpace(expr) {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	prg, err := f.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"doc": doc})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q did not return a boolean", ErrInvalidFilter, expr)
	}
	return result, nil
}

// And joins predicates, skipping empty ones. A single predicate is returned
// as is.
func And(exprs ...string) string {
	var parts []string
	for _, e := range exprs {
		if e = strings.TrimSpace(e); e != "" {
			parts = append(parts, e)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	for i, e := range parts {
		parts[i] = "(" + e + ")"
	}
	return strings.Join(parts, " && ")
}

// Literal renders v as a CEL literal. Numbers always render as doubles so
// they compare cleanly against decoded JSON.
func Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		return strconv.Quote(x), nil
	}
	if f, ok := toFloat(v); ok {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s, nil
	}
	return "", fmt.Errorf("%w: no literal form for %T", ErrInvalidFilter, v)
}

// ResumeAfter builds the predicate selecting rows that sort after last under
// order, or at-or-after it when inclusive. Rows missing the field sort as
// null.
func ResumeAfter(order *OrderSpec, last any, inclusive bool) (string, error) {
	if order == nil || order.Field == "" {
		return "", nil
	}
	field := strconv.Quote(order.Field)
	present := fmt.Sprintf("(%s in doc && doc[%s] != null)", field, field)
	absent := "!" + present

	if last == nil {
		switch {
		case order.Asc && inclusive:
			return "true", nil
		case order.Asc:
			return present, nil
		case inclusive:
			return absent, nil
		default:
			return "false", nil
		}
	}

	lit, err := Literal(last)
	if err != nil {
		return "", err
	}
	op := ">"
	if !order.Asc {
		op = "<"
	}
	if inclusive {
		op += "="
	}
	pred := fmt.Sprintf("%s && doc[%s] %s %s", present, field, op, lit)
	if !order.Asc {
		// nulls sort first, so a descending scan ends with them
		pred = fmt.Sprintf("(%s) || %s", pred, absent)
	}
	return pred, nil
}
