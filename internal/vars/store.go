// Package vars is the per-execution variable scope. Every node that
// declares an outputVariable writes here, and every templated config field
// reads back through {{path.to.value}} interpolation.
package vars

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Store is one execution's name->value mapping. Safe for concurrent use;
// streaming ticks write bindings while the orchestrator reads templates.
type Store struct {
	mu     sync.RWMutex
	values map[string]any

	// OnMissing, when set, is called once per unresolvable template path.
	// The orchestrator uses it to append a warning to the execution log;
	// a missing field degrades to an empty string rather than aborting
	// the run.
	OnMissing func(path string)
}

// New creates an empty store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Seed creates a store pre-populated with the trigger payload.
func Seed(seed map[string]any) *Store {
	s := New()
	for k, v := range seed {
		s.values[k] = v
	}
	return s
}

// Set stores a value under name. Last write wins within a run.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Get returns the value bound to name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Snapshot returns a shallow copy of the current scope, used for the audit
// record at the end of a run.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Resolve looks up a dotted/bracket path into the scope, e.g.
// "orderResult.orderid" or "depth.bids[0].price".
func (s *Store) Resolve(path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil || len(segs) == 0 {
		return nil, false
	}

	s.mu.RLock()
	cur, ok := s.values[segs[0].field]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cur, ok = index(cur, segs[0].indexes)
	if !ok {
		return nil, false
	}

	for _, seg := range segs[1:] {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, false
		}
		cur, ok = m[seg.field]
		if !ok {
			return nil, false
		}
		cur, ok = index(cur, seg.indexes)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Interpolate replaces every {{path}} occurrence in template with the
// string form of the resolved value. Unresolvable paths render as "" and
// report through OnMissing.
func (s *Store) Interpolate(template string) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : start+end])
		if v, ok := s.Resolve(path); ok {
			b.WriteString(Stringify(v))
		} else if s.OnMissing != nil {
			s.OnMissing(path)
		}
		rest = rest[start+end+2:]
	}
}

// Stringify renders a value the way templates expect: numbers without a
// trailing ".0", structured values as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// Number coerces a value to float64 for arithmetic. Math and condition
// nodes fail their evaluation when coercion fails.
func Number(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", t)
		}
		return f, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}

// segment is one dotted component with optional [i] indexes.
type segment struct {
	field   string
	indexes []int
}

func splitPath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		field := part
		var idx []int
		for {
			open := strings.Index(field, "[")
			if open < 0 {
				break
			}
			closeAt := strings.Index(field, "]")
			if closeAt < open {
				return nil, fmt.Errorf("unbalanced brackets in %q", part)
			}
			i, err := strconv.Atoi(field[open+1 : closeAt])
			if err != nil {
				return nil, fmt.Errorf("bad index in %q", part)
			}
			idx = append(idx, i)
			field = field[:open] + field[closeAt+1:]
		}
		if field == "" && len(segs) == 0 {
			return nil, fmt.Errorf("path starts with index")
		}
		segs = append(segs, segment{field: field, indexes: idx})
	}
	return segs, nil
}

func index(v any, indexes []int) (any, bool) {
	for _, i := range indexes {
		arr, ok := v.([]any)
		if !ok || i < 0 || i >= len(arr) {
			return nil, false
		}
		v = arr[i]
	}
	return v, true
}
