package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/algomatic/screener-service/internal/errs"
)

// node is the JSON wire form of a Condition. Which fields are set decides the
// node kind: logic → Logical, between → Range, window/aggregation → Temporal,
// otherwise Simple.
type node struct {
	Field       string    `json:"field,omitempty"`
	Operator    string    `json:"operator,omitempty"`
	Value       any       `json:"value,omitempty"`
	Between     []float64 `json:"between,omitempty"`
	Window      *Window   `json:"window,omitempty"`
	Aggregation string    `json:"aggregation,omitempty"`
	Logic       string    `json:"logic,omitempty"`
	Conditions  []node    `json:"conditions,omitempty"`
}

type envelope struct {
	Version    int             `json:"version,omitempty"`
	Conditions *[]node         `json:"conditions,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Meta       *legacyMeta     `json:"meta,omitempty"`
}

// Parse decodes a screen request. It accepts the canonical
// {"conditions": [...]} shape and the legacy {"filter": {"and": [...]}} shape,
// which is converted to the canonical form.
func Parse(raw []byte) (Request, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return Request{}, errs.New(errs.InvalidDSL, "empty request body")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Request{}, errs.Wrap(errs.InvalidDSL, err, "invalid JSON")
	}

	if env.Conditions == nil && len(env.Filter) > 0 {
		return fromLegacy(env)
	}
	if env.Conditions == nil {
		return Request{}, errs.New(errs.InvalidDSL, "missing conditions array")
	}

	conds, err := fromNodes(*env.Conditions, "conditions")
	if err != nil {
		return Request{}, err
	}

	version := env.Version
	if version == 0 {
		version = CurrentVersion
	}

	return Request{Version: version, Conditions: conds, Limit: env.Limit}, nil
}

func fromNodes(nodes []node, path string) ([]Condition, error) {
	out := make([]Condition, 0, len(nodes))
	for i, n := range nodes {
		c, err := fromNode(n, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func fromNode(n node, path string) (Condition, error) {
	switch {
	case n.Logic != "":
		children, err := fromNodes(n.Conditions, path+".conditions")
		if err != nil {
			return nil, err
		}
		return Logical{Logic: normalizeLogic(n.Logic), Conditions: children}, nil

	case n.Between != nil:
		if len(n.Between) != 2 {
			return nil, errs.New(errs.InvalidDSL, "%s: between requires [min, max], got %d values", path, len(n.Between))
		}
		return Range{Field: n.Field, Min: n.Between[0], Max: n.Between[1]}, nil

	case n.Window != nil || n.Aggregation != "":
		var w *Window
		if n.Window != nil {
			cp := *n.Window
			cp.Period = normalizePeriod(cp.Period)
			w = &cp
		}
		return Temporal{
			Field:       n.Field,
			Operator:    n.Operator,
			Value:       n.Value,
			Window:      w,
			Aggregation: normalizeAggregation(n.Aggregation),
		}, nil

	case strings.EqualFold(n.Operator, "between"):
		lo, hi, ok := numericPair(n.Value)
		if !ok {
			return nil, errs.New(errs.InvalidDSL, "%s: between requires value: [min, max]", path)
		}
		return Range{Field: n.Field, Min: lo, Max: hi}, nil

	default:
		return Simple{Field: n.Field, Operator: n.Operator, Value: n.Value}, nil
	}
}

func toNode(c Condition) node {
	switch n := c.(type) {
	case Simple:
		return node{Field: n.Field, Operator: n.Operator, Value: n.Value}
	case Range:
		return node{Field: n.Field, Between: []float64{n.Min, n.Max}}
	case Temporal:
		return node{Field: n.Field, Operator: n.Operator, Value: n.Value, Window: n.Window, Aggregation: string(n.Aggregation)}
	case Logical:
		children := make([]node, len(n.Conditions))
		for i, child := range n.Conditions {
			children[i] = toNode(child)
		}
		return node{Logic: string(n.Logic), Conditions: children}
	}
	return node{}
}

// MarshalJSON renders the request in the canonical shape.
func (r Request) MarshalJSON() ([]byte, error) {
	nodes := make([]node, len(r.Conditions))
	for i, c := range r.Conditions {
		nodes[i] = toNode(c)
	}
	version := r.Version
	if version == 0 {
		version = CurrentVersion
	}
	return json.Marshal(struct {
		Version    int    `json:"version"`
		Conditions []node `json:"conditions"`
		Limit      int    `json:"limit,omitempty"`
	}{version, nodes, r.Limit})
}

// UnmarshalJSON decodes a request with Parse, so embedded requests accept the
// same shapes as top-level ones.
func (r *Request) UnmarshalJSON(data []byte) error {
	req, err := Parse(data)
	if err != nil {
		return err
	}
	*r = req
	return nil
}
