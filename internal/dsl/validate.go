package dsl

import (
	"encoding/json"
	"fmt"

	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/fields"
)

// Validate checks a request for structural and semantic problems and returns
// the first one found as an *errs.Error. Validation is pure: no store access.
//
// Operators are not checked here; the compiler owns the operator whitelist
// and reports UNSUPPORTED_OPERATOR.
func Validate(req Request) (Validated, error) {
	if req.Version != 0 && req.Version != CurrentVersion {
		return Validated{}, errs.New(errs.InvalidDSL, "unsupported version %d", req.Version)
	}
	if len(req.Conditions) == 0 {
		return Validated{}, errs.New(errs.InvalidDSL, "conditions must be a non-empty array")
	}
	if req.Limit < 0 || req.Limit > MaxLimit {
		return Validated{}, errs.New(errs.InvalidDSL, "limit %d outside 1..%d", req.Limit, MaxLimit)
	}

	for i, c := range req.Conditions {
		if err := validateCondition(c, fmt.Sprintf("[%d]", i), 1); err != nil {
			return Validated{}, err
		}
	}

	if err := checkContradictions(req.Conditions); err != nil {
		return Validated{}, err
	}

	out := Request{
		Version:    CurrentVersion,
		Conditions: cloneConditions(req.Conditions),
		Limit:      req.Limit,
	}
	return Validated{req: out, valid: true}, nil
}

func validateCondition(c Condition, path string, depth int) error {
	switch n := c.(type) {
	case Simple:
		if err := checkField(n.Field, path); err != nil {
			return err
		}
		if n.Value == nil {
			return errs.New(errs.InvalidDSL, "%s: %s requires a value", path, n.Field)
		}

	case Range:
		if err := checkField(n.Field, path); err != nil {
			return err
		}
		if n.Min >= n.Max {
			return errs.New(errs.InvalidRange, "%s: %s min %v must be below max %v", path, n.Field, n.Min, n.Max)
		}

	case Temporal:
		if err := checkField(n.Field, path); err != nil {
			return err
		}
		if n.Aggregation == "" {
			return errs.New(errs.AmbiguousTemporalRule, "%s: %s has a window but no aggregation", path, n.Field)
		}
		switch n.Aggregation {
		case All, Any, Trend:
		default:
			return errs.New(errs.InvalidDSL, "%s: unknown aggregation %q", path, n.Aggregation)
		}
		// An aggregation alone is unambiguous; only a window needs one.
		if w := n.Window; w != nil {
			if w.Period != Quarter && w.Period != Year {
				return errs.New(errs.InvalidDSL, "%s: unknown window period %q", path, w.Period)
			}
			if w.Count < 1 {
				return errs.New(errs.InvalidDSL, "%s: window count must be >= 1", path)
			}
		}
		if n.Value == nil {
			return errs.New(errs.InvalidDSL, "%s: %s requires a value", path, n.Field)
		}

	case Logical:
		if n.Logic != And && n.Logic != Or {
			return errs.New(errs.InvalidDSL, "%s: logic must be AND or OR, got %q", path, n.Logic)
		}
		if len(n.Conditions) == 0 {
			return errs.New(errs.InvalidDSL, "%s: %s requires non-empty conditions", path, n.Logic)
		}
		if depth+1 > MaxDepth {
			return errs.New(errs.InvalidDSL, "%s: nesting deeper than %d levels", path, MaxDepth)
		}
		for i, child := range n.Conditions {
			if err := validateCondition(child, fmt.Sprintf("%s.conditions[%d]", path, i), depth+1); err != nil {
				return err
			}
		}

	case nil:
		return errs.New(errs.InvalidDSL, "%s: empty condition", path)

	default:
		return errs.New(errs.InvalidDSL, "%s: unknown condition type %T", path, c)
	}
	return nil
}

func checkField(name, path string) error {
	if name == "" {
		return errs.New(errs.InvalidDSL, "%s: missing field", path)
	}
	if !fields.Known(name) {
		return errs.New(errs.InvalidField, "%s: unknown field %q", path, name)
	}
	return nil
}

// checkContradictions rejects top-level "<" and ">" comparisons on the same
// field that no value can satisfy. Rules nested in Logical nodes are not
// inspected. Aliases group with their canonical field.
func checkContradictions(conds []Condition) error {
	type bounds struct {
		lt, gt *float64
	}
	byField := make(map[fields.Field]*bounds)
	var order []fields.Field

	for _, c := range conds {
		s, ok := c.(Simple)
		if !ok {
			continue
		}
		v, ok := toFloat(s.Value)
		if !ok {
			continue
		}
		f, _ := fields.Resolve(s.Field)
		b := byField[f]
		if b == nil {
			b = &bounds{}
			byField[f] = b
			order = append(order, f)
		}
		switch s.Operator {
		case "<":
			if b.lt == nil {
				b.lt = &v
			}
		case ">":
			if b.gt == nil {
				b.gt = &v
			}
		}
	}

	for _, f := range order {
		b := byField[f]
		if b.lt != nil && b.gt != nil && *b.gt >= *b.lt {
			return errs.New(errs.UnsatisfiableRule,
				"%s cannot be both > %v and < %v", f.Name(), *b.gt, *b.lt)
		}
	}
	return nil
}

// toFloat normalises the numeric types a request can carry, whether decoded
// from JSON or built in Go.
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
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
