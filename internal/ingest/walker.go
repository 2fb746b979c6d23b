package ingest

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Walker selects records out of a parsed document.
type Walker interface {
	Query(root any, selector string) ([]Record, error)
}

// Record is one selected object.
type Record map[string]any

// JSONWalker implements Walker with JSONPath selectors.
type JSONWalker struct {
	cache map[string]jp.Expr
}

func NewJSONWalker() *JSONWalker {
	return &JSONWalker{cache: make(map[string]jp.Expr)}
}

// Query returns every object matched by selector. Non-object matches are
// reported as an error; a loader never guesses at their shape.
func (w *JSONWalker) Query(root any, selector string) ([]Record, error) {
	x, ok := w.cache[selector]
	if !ok {
		var err error
		x, err = jp.ParseString(selector)
		if err != nil {
			return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
		}
		w.cache[selector] = x
	}

	results := x.Get(root)
	out := make([]Record, 0, len(results))
	for i, r := range results {
		obj, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want object, got %T", selector, i, r)
		}
		out = append(out, Record(obj))
	}
	return out, nil
}

func (r Record) str(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

func (r Record) float(key string) (*float64, error) {
	switch v := r[key].(type) {
	case nil:
		return nil, nil
	case float64:
		return &v, nil
	case int64:
		f := float64(v)
		return &f, nil
	}
	return nil, fmt.Errorf("field %q: want number, got %T", key, r[key])
}

func (r Record) integer(key string) (int64, bool, error) {
	switch v := r[key].(type) {
	case nil:
		return 0, false, nil
	case int64:
		return v, true, nil
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true, nil
		}
	}
	return 0, false, fmt.Errorf("field %q: want integer, got %v", key, r[key])
}

func (r Record) boolean(key string) (bool, bool, error) {
	switch v := r[key].(type) {
	case nil:
		return false, false, nil
	case bool:
		return v, true, nil
	}
	return false, false, fmt.Errorf("field %q: want boolean, got %T", key, r[key])
}
