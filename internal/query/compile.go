// Package query compiles validated screener conditions into one
// parameterized Postgres statement.
//
// Field names reach SQL only through the field registry and every value is
// bound as a $n parameter, so no request text is ever interpolated.
package query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/fields"
)

// Compiled is a statement ready for execution. Values[i] binds to $(i+1).
type Compiled struct {
	Text   string
	Values []any
}

// The lateral joins pick each ticker's latest quarter and latest price before
// WHERE runs, so conditions only ever see the current row and an older
// quarter or price can never satisfy them.
const (
	fromClause = "FROM companies\n" +
		"JOIN LATERAL (\n" +
		"  SELECT * FROM fundamentals_quarterly AS fq\n" +
		"  WHERE fq.ticker = companies.ticker\n" +
		"  ORDER BY fq.period_end DESC\n" +
		"  LIMIT 1\n" +
		") AS fundamentals ON true\n" +
		"JOIN LATERAL (\n" +
		"  SELECT * FROM price_history AS ph\n" +
		"  WHERE ph.ticker = companies.ticker\n" +
		"  ORDER BY ph.time DESC\n" +
		"  LIMIT 1\n" +
		") AS price_history ON true"
	orderClause = "ORDER BY companies.ticker"
)

// selectClause is fixed for the process lifetime.
var selectClause = buildSelect()

func buildSelect() string {
	cols := make([]string, 0, len(fields.Selectable()))
	for _, f := range fields.Selectable() {
		cols = append(cols, "  "+f.Column()+" AS "+f.Name())
	}
	return "SELECT DISTINCT ON (companies.ticker)\n" + strings.Join(cols, ",\n")
}

// paramSink hands out placeholders in the order values are bound.
type paramSink struct {
	values []any
}

func (p *paramSink) bind(v any) string {
	p.values = append(p.values, v)
	return "$" + strconv.Itoa(len(p.values))
}

// Compile builds the screener statement for a validated request: the latest
// fundamentals and price row per ticker, filtered by the conditions and
// capped by the request limit, which is bound as the last parameter.
func Compile(v dsl.Validated) (Compiled, error) {
	if !v.Valid() {
		return Compiled{}, errs.New(errs.InvalidDSL, "request has not been validated")
	}

	var sink paramSink
	where, err := compileList(v.Conditions(), dsl.And, &sink)
	if err != nil {
		return Compiled{}, err
	}
	limit := sink.bind(v.Limit())

	text := selectClause + "\n" +
		fromClause + "\n" +
		"WHERE " + where + "\n" +
		orderClause + "\n" +
		"LIMIT " + limit

	return Compiled{Text: text, Values: sink.values}, nil
}

// CompileCondition compiles a single condition into a WHERE fragment with its
// own parameter numbering starting at $1.
func CompileCondition(c dsl.Condition) (Compiled, error) {
	var sink paramSink
	text, err := compileCondition(c, &sink)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{Text: text, Values: sink.values}, nil
}

func compileList(conds []dsl.Condition, logic dsl.Logic, sink *paramSink) (string, error) {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		part, err := compileCondition(c, sink)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " "+string(logic)+" "), nil
}

func compileCondition(c dsl.Condition, sink *paramSink) (string, error) {
	switch n := c.(type) {
	case dsl.Simple:
		col, err := column(n.Field)
		if err != nil {
			return "", err
		}
		return compileComparison(col, n.Operator, n.Value, sink)

	case dsl.Temporal:
		// Matches on the latest period; the window is reported, not queried.
		col, err := column(n.Field)
		if err != nil {
			return "", err
		}
		return compileComparison(col, n.Operator, n.Value, sink)

	case dsl.Range:
		col, err := column(n.Field)
		if err != nil {
			return "", err
		}
		lo := sink.bind(n.Min)
		hi := sink.bind(n.Max)
		return col + " BETWEEN " + lo + " AND " + hi, nil

	case dsl.Logical:
		if n.Logic != dsl.And && n.Logic != dsl.Or {
			return "", errs.New(errs.InvalidDSL, "unknown logic %q", n.Logic)
		}
		if len(n.Conditions) == 0 {
			return "", errs.New(errs.InvalidDSL, "%s group has no conditions", n.Logic)
		}
		inner, err := compileList(n.Conditions, n.Logic, sink)
		if err != nil {
			return "", err
		}
		return "(" + inner + ")", nil
	}
	return "", errs.New(errs.InvalidDSL, "unknown condition type %T", c)
}

func column(name string) (string, error) {
	f, ok := fields.Resolve(name)
	if !ok {
		return "", errs.New(errs.InvalidField, "unknown field %q", name)
	}
	return f.Column(), nil
}

var operators = map[string]bool{
	"<": true, ">": true, "<=": true, ">=": true,
	"=": true, "!=": true, "<>": true,
	"LIKE": true, "ILIKE": true,
	"IN": true, "NOT IN": true,
}

func normalizeOperator(op string) string {
	return strings.ToUpper(strings.Join(strings.Fields(op), " "))
}

func compileComparison(col, rawOp string, value any, sink *paramSink) (string, error) {
	op := normalizeOperator(rawOp)
	if !operators[op] {
		return "", errs.New(errs.UnsupportedOperator, "unsupported operator %q", rawOp)
	}

	list, isList := asList(value)

	switch op {
	case "IN", "NOT IN":
		if !isList {
			if op == "NOT IN" {
				return col + " != " + sink.bind(value), nil
			}
			return col + " IN (" + sink.bind(value) + ")", nil
		}
		if len(list) == 0 {
			return "", errs.New(errs.InvalidDSL, "%s requires a non-empty list", op)
		}
		placeholders := make([]string, len(list))
		for i, item := range list {
			placeholders[i] = sink.bind(item)
		}
		return col + " " + op + " (" + strings.Join(placeholders, ", ") + ")", nil

	case "LIKE", "ILIKE":
		if isList {
			return "", errs.New(errs.InvalidDSL, "%s requires a single pattern", op)
		}
		if s, ok := value.(string); ok && !strings.Contains(s, "%") {
			value = "%" + s + "%"
		}
		return col + " " + op + " " + sink.bind(value), nil
	}

	if isList {
		return "", errs.New(errs.InvalidDSL, "operator %s requires a single value", op)
	}
	return fmt.Sprintf("%s %s %s", col, op, sink.bind(value)), nil
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
