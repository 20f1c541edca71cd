// Package dsl provides the screener filter language.
//
// A screen is a Request holding a list of Conditions. Each Condition is one of
// four node kinds: Simple comparisons, Ranges, Temporal comparisons carrying a
// lookback window, and Logical AND/OR groups. The list itself is an implicit
// AND. Requests come from JSON (see Parse) and must pass Validate before the
// query compiler will accept them.
package dsl

import (
	"strings"
)

// CurrentVersion is the canonical schema version produced and accepted by Parse.
const CurrentVersion = 1

// Limits applied when a request does not specify one, and the hard ceiling.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// MaxDepth bounds Logical nesting. The root list is depth 1.
const MaxDepth = 8

// Logic joins the children of a Logical node.
type Logic string

const (
	And Logic = "AND"
	Or  Logic = "OR"
)

// Period is the unit of a temporal window.
type Period string

const (
	Quarter Period = "quarter"
	Year    Period = "year"
)

// Aggregation says how a temporal comparison applies across its window.
type Aggregation string

const (
	All   Aggregation = "ALL"
	Any   Aggregation = "ANY"
	Trend Aggregation = "TREND"
)

// Window is a lookback over fiscal periods.
type Window struct {
	Period Period `json:"period"`
	Count  int    `json:"count"`
}

// Condition is a node of the filter tree. The set of implementations is
// closed; switch on the concrete type.
type Condition interface {
	conditionNode()
}

// Simple compares a field against a value.
type Simple struct {
	Field    string
	Operator string
	Value    any
}

// Range requires Min <= field <= Max.
type Range struct {
	Field string
	Min   float64
	Max   float64
}

// Temporal is a comparison qualified by a lookback window. The query matches
// on the latest period; the window travels to the result as time context.
type Temporal struct {
	Field       string
	Operator    string
	Value       any
	Window      *Window
	Aggregation Aggregation
}

// Logical groups conditions under AND or OR.
type Logical struct {
	Logic      Logic
	Conditions []Condition
}

func (Simple) conditionNode()   {}
func (Range) conditionNode()    {}
func (Temporal) conditionNode() {}
func (Logical) conditionNode()  {}

// Request is one screen: conditions plus a row cap.
type Request struct {
	Version    int
	Conditions []Condition
	Limit      int
}

// Validated is a Request that passed Validate. It can only be produced by
// Validate and is never modified afterwards.
type Validated struct {
	req   Request
	valid bool
}

// Request returns the validated request.
func (v Validated) Request() Request {
	return v.req
}

// Conditions returns the top-level condition list.
func (v Validated) Conditions() []Condition {
	return v.req.Conditions
}

// Limit returns the effective row cap.
func (v Validated) Limit() int {
	if v.req.Limit <= 0 {
		return DefaultLimit
	}
	return v.req.Limit
}

// Valid reports whether v came out of Validate.
func (v Validated) Valid() bool {
	return v.valid
}

func normalizeLogic(s string) Logic {
	return Logic(strings.ToUpper(strings.TrimSpace(s)))
}

func normalizeAggregation(s string) Aggregation {
	return Aggregation(strings.ToUpper(strings.TrimSpace(s)))
}

func normalizePeriod(p Period) Period {
	return Period(strings.ToLower(strings.TrimSpace(string(p))))
}

func cloneConditions(conds []Condition) []Condition {
	if conds == nil {
		return nil
	}
	out := make([]Condition, len(conds))
	for i, c := range conds {
		switch n := c.(type) {
		case Logical:
			n.Conditions = cloneConditions(n.Conditions)
			out[i] = n
		case Temporal:
			if n.Window != nil {
				w := *n.Window
				n.Window = &w
			}
			n.Value = cloneValue(n.Value)
			out[i] = n
		case Simple:
			n.Value = cloneValue(n.Value)
			out[i] = n
		default:
			out[i] = c
		}
	}
	return out
}

func cloneValue(v any) any {
	if list, ok := v.([]any); ok {
		cp := make([]any, len(list))
		copy(cp, list)
		return cp
	}
	return v
}
