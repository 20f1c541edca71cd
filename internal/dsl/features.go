package dsl

import "github.com/algomatic/screener-service/internal/fields"

// ReferencedFields walks the condition tree and returns the canonical names
// of every field it references, in first-seen order. Unknown names are
// skipped.
func ReferencedFields(conds []Condition) []string {
	seen := make(map[string]bool)
	var out []string
	walk(conds, func(c Condition) bool {
		name := fieldOf(c)
		if name == "" {
			return true
		}
		f, ok := fields.Resolve(name)
		if !ok || seen[f.Name()] {
			return true
		}
		seen[f.Name()] = true
		out = append(out, f.Name())
		return true
	})
	return out
}

// FirstTemporal returns the first Temporal condition in depth-first document
// order, or nil.
func FirstTemporal(conds []Condition) *Temporal {
	var found *Temporal
	walk(conds, func(c Condition) bool {
		if t, ok := c.(Temporal); ok {
			found = &t
			return false
		}
		return true
	})
	return found
}

// walk visits conditions depth-first until visit returns false.
func walk(conds []Condition, visit func(Condition) bool) bool {
	for _, c := range conds {
		if !visit(c) {
			return false
		}
		if l, ok := c.(Logical); ok {
			if !walk(l.Conditions, visit) {
				return false
			}
		}
	}
	return true
}

func fieldOf(c Condition) string {
	switch n := c.(type) {
	case Simple:
		return n.Field
	case Range:
		return n.Field
	case Temporal:
		return n.Field
	}
	return ""
}
