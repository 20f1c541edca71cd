package dsl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/algomatic/screener-service/internal/errs"
)

// legacyNode is the older filter shape: {"and": [...]}, {"or": [...]} or a
// {field, operator, value} leaf.
type legacyNode struct {
	And      []legacyNode    `json:"and"`
	Or       []legacyNode    `json:"or"`
	Not      json.RawMessage `json:"not"`
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    any             `json:"value"`
}

type legacyMeta struct {
	Sector   string `json:"sector"`
	Exchange string `json:"exchange"`
}

// fromLegacy converts {"filter": ..., "meta": ..., "limit": N} into the
// canonical request. A root "and" is flattened into the top-level list, a
// root "or" becomes a single Logical node and meta filters are appended as
// equality conditions.
func fromLegacy(env envelope) (Request, error) {
	var root legacyNode
	if err := json.Unmarshal(env.Filter, &root); err != nil {
		return Request{}, errs.Wrap(errs.InvalidDSL, err, "invalid filter")
	}

	var conds []Condition
	if root.And != nil && root.Or == nil && root.Not == nil {
		for i, child := range root.And {
			c, err := fromLegacyNode(child, fmt.Sprintf("filter.and[%d]", i))
			if err != nil {
				return Request{}, err
			}
			conds = append(conds, c)
		}
	} else {
		c, err := fromLegacyNode(root, "filter")
		if err != nil {
			return Request{}, err
		}
		conds = append(conds, c)
	}

	if env.Meta != nil {
		if env.Meta.Sector != "" {
			conds = append(conds, Simple{Field: "sector", Operator: "=", Value: env.Meta.Sector})
		}
		if env.Meta.Exchange != "" {
			conds = append(conds, Simple{Field: "exchange", Operator: "=", Value: env.Meta.Exchange})
		}
	}

	return Request{Version: CurrentVersion, Conditions: conds, Limit: env.Limit}, nil
}

func fromLegacyNode(n legacyNode, path string) (Condition, error) {
	groups := 0
	for _, set := range []bool{n.And != nil, n.Or != nil, n.Not != nil} {
		if set {
			groups++
		}
	}
	if groups > 1 {
		return nil, errs.New(errs.InvalidDSL, "%s: only one of and/or/not is allowed per node", path)
	}

	switch {
	case n.Not != nil:
		return nil, errs.New(errs.InvalidDSL, "%s: not is no longer supported", path)
	case n.And != nil:
		return legacyGroup(And, n.And, path+".and")
	case n.Or != nil:
		return legacyGroup(Or, n.Or, path+".or")
	}

	switch strings.ToLower(n.Operator) {
	case "exists":
		return nil, errs.New(errs.InvalidDSL, "%s: exists is no longer supported", path)
	case "between":
		lo, hi, ok := numericPair(n.Value)
		if !ok {
			return nil, errs.New(errs.InvalidDSL, "%s: between requires value: [min, max]", path)
		}
		return Range{Field: n.Field, Min: lo, Max: hi}, nil
	case "in":
		return Simple{Field: n.Field, Operator: "IN", Value: n.Value}, nil
	}
	return Simple{Field: n.Field, Operator: n.Operator, Value: n.Value}, nil
}

func legacyGroup(logic Logic, nodes []legacyNode, path string) (Condition, error) {
	children := make([]Condition, 0, len(nodes))
	for i, child := range nodes {
		c, err := fromLegacyNode(child, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return Logical{Logic: logic, Conditions: children}, nil
}

func numericPair(v any) (float64, float64, bool) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return 0, 0, false
	}
	lo, ok1 := list[0].(float64)
	hi, ok2 := list[1].(float64)
	return lo, hi, ok1 && ok2
}
