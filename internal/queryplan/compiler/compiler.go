// Package compiler lowers a validated queryplan.Plan into deterministic SQL
// for a read-only, DuckDB-flavored dialect. The same Plan always compiles to
// byte-identical SQL, and every identifier/value is escaped. Escaping does
// not hide blocklisted words: a quoted identifier or string value such as
// "update" still makes the output fail sqlpolicy.Validate.
package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/csvanalyst/agent-server/internal/queryplan"
)

// identifierPattern is the closed set of characters an unquoted identifier
// may contain; anything else is a compilation error.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxColumnsWithoutAggregation backs the advisory exfiltration heuristic.
const maxColumnsWithoutAggregation = 20

// Error reports a plan that cannot be lowered to SQL: an invalid identifier,
// an unsupported operator, or a value of the wrong shape for its operator.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "compiler: " + e.Reason
}

func newError(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Compile lowers plan to a single SQL string. The plan is assumed to have
// already passed queryplan.Plan.Validate; Compile re-derives identifier and
// value safety independently so a caller who skips Validate still cannot
// produce unsafe SQL.
func Compile(plan queryplan.Plan) (string, error) {
	selectClause, err := buildSelect(plan)
	if err != nil {
		return "", err
	}
	fromClause, err := buildFrom(plan)
	if err != nil {
		return "", err
	}
	whereClause, err := buildWhere(plan)
	if err != nil {
		return "", err
	}
	groupByClause, err := buildGroupBy(plan)
	if err != nil {
		return "", err
	}
	orderByClause, err := buildOrderBy(plan)
	if err != nil {
		return "", err
	}

	parts := []string{selectClause, fromClause}
	if whereClause != "" {
		parts = append(parts, whereClause)
	}
	if groupByClause != "" {
		parts = append(parts, groupByClause)
	}
	if orderByClause != "" {
		parts = append(parts, orderByClause)
	}
	parts = append(parts, buildLimit(plan))

	return strings.Join(parts, "\n"), nil
}

func buildSelect(plan queryplan.Plan) (string, error) {
	if len(plan.Select) == 0 {
		return "SELECT *", nil
	}
	columns := make([]string, 0, len(plan.Select))
	for _, item := range plan.Select {
		switch s := item.(type) {
		case queryplan.Column:
			if s.Name == "" {
				return "", newError("select column is missing a name")
			}
			col, err := escapeIdentifier(s.Name)
			if err != nil {
				return "", err
			}
			if s.Alias != "" {
				alias, err := escapeIdentifier(s.Alias)
				if err != nil {
					return "", err
				}
				col += " AS " + alias
			}
			columns = append(columns, col)
		case queryplan.Aggregation:
			col, err := buildAggregation(s)
			if err != nil {
				return "", err
			}
			columns = append(columns, col)
		default:
			return "", newError("unsupported select item %T", item)
		}
	}
	if len(columns) == 0 {
		return "", newError("no columns in SELECT clause")
	}
	return "SELECT\n  " + strings.Join(columns, ",\n  "), nil
}

func buildAggregation(agg queryplan.Aggregation) (string, error) {
	column, err := escapeIdentifier(agg.Column)
	if err != nil {
		return "", err
	}
	alias, err := escapeIdentifier(agg.Alias)
	if err != nil {
		return "", err
	}
	switch agg.Func {
	case queryplan.AggCountDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s) AS %s", column, alias), nil
	case queryplan.AggCount, queryplan.AggSum, queryplan.AggAvg, queryplan.AggMin, queryplan.AggMax:
		return fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(string(agg.Func)), column, alias), nil
	default:
		return "", newError("unsupported aggregation function %q", agg.Func)
	}
}

func buildFrom(plan queryplan.Plan) (string, error) {
	table, err := escapeIdentifier(plan.Table)
	if err != nil {
		return "", err
	}
	return "FROM " + table, nil
}

func buildWhere(plan queryplan.Plan) (string, error) {
	if len(plan.Filters) == 0 {
		return "", nil
	}
	conditions := make([]string, 0, len(plan.Filters))
	for _, f := range plan.Filters {
		cond, err := buildFilter(f)
		if err != nil {
			return "", err
		}
		conditions = append(conditions, cond)
	}
	return "WHERE\n  " + strings.Join(conditions, "\n  AND "), nil
}

func buildFilter(f queryplan.Filter) (string, error) {
	column, err := escapeIdentifier(f.Column)
	if err != nil {
		return "", err
	}
	switch f.Op {
	case queryplan.OpIsNull:
		return column + " IS NULL", nil
	case queryplan.OpIsNotNull:
		return column + " IS NOT NULL", nil
	case queryplan.OpEQ, queryplan.OpNE, queryplan.OpLT, queryplan.OpLTE, queryplan.OpGT, queryplan.OpGTE:
		val, err := formatValue(f.Value)
		if err != nil {
			return "", err
		}
		return column + " " + sqlComparator(f.Op) + " " + val, nil
	case queryplan.OpIn:
		values, ok := f.Value.([]any)
		if !ok || len(values) == 0 {
			return "", newError("operator 'in' requires a non-empty list value")
		}
		formatted := make([]string, len(values))
		for i, v := range values {
			fv, err := formatValue(v)
			if err != nil {
				return "", err
			}
			formatted[i] = fv
		}
		return column + " IN (" + strings.Join(formatted, ", ") + ")", nil
	case queryplan.OpBetween:
		values, ok := f.Value.([]any)
		if !ok || len(values) != 2 {
			return "", newError("operator 'between' requires exactly two values")
		}
		low, err := formatValue(values[0])
		if err != nil {
			return "", err
		}
		high, err := formatValue(values[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", column, low, high), nil
	case queryplan.OpContains:
		pattern, err := likeValue(f.Value)
		if err != nil {
			return "", err
		}
		return column + " LIKE '%" + escapeLikePattern(pattern) + "%'", nil
	case queryplan.OpStartsWith:
		pattern, err := likeValue(f.Value)
		if err != nil {
			return "", err
		}
		return column + " LIKE '" + escapeLikePattern(pattern) + "%'", nil
	case queryplan.OpEndsWith:
		pattern, err := likeValue(f.Value)
		if err != nil {
			return "", err
		}
		return column + " LIKE '%" + escapeLikePattern(pattern) + "'", nil
	default:
		return "", newError("unsupported filter operator %q", f.Op)
	}
}

func sqlComparator(op queryplan.FilterOperator) string {
	switch op {
	case queryplan.OpNE:
		return "!="
	default:
		return string(op)
	}
}

func likeValue(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", newError("contains/startswith/endswith require a string value")
	}
	return s, nil
}

func buildGroupBy(plan queryplan.Plan) (string, error) {
	if len(plan.GroupBy) == 0 {
		return "", nil
	}
	columns := make([]string, len(plan.GroupBy))
	for i, c := range plan.GroupBy {
		esc, err := escapeIdentifier(c)
		if err != nil {
			return "", err
		}
		columns[i] = esc
	}
	return "GROUP BY " + strings.Join(columns, ", "), nil
}

func buildOrderBy(plan queryplan.Plan) (string, error) {
	if len(plan.OrderBy) == 0 {
		return "", nil
	}
	items := make([]string, len(plan.OrderBy))
	for i, o := range plan.OrderBy {
		expr, err := escapeIdentifier(o.Expr)
		if err != nil {
			return "", err
		}
		direction := strings.ToUpper(string(o.Direction))
		if direction == "" {
			direction = "ASC"
		}
		items[i] = expr + " " + direction
	}
	return "ORDER BY " + strings.Join(items, ", "), nil
}

func buildLimit(plan queryplan.Plan) string {
	return "LIMIT " + strconv.Itoa(plan.EffectiveLimit())
}

// escapeIdentifier validates identifier against identifierPattern and
// returns it double-quoted. Any character outside [A-Za-z0-9_] (after
// stripping pre-existing double quotes) is a compilation error.
func escapeIdentifier(identifier string) (string, error) {
	trimmed := strings.Trim(identifier, `"`)
	if !identifierPattern.MatchString(trimmed) {
		return "", newError("invalid identifier %q: only alphanumeric and underscore allowed", identifier)
	}
	return `"` + trimmed + `"`, nil
}

// formatValue renders v as a SQL literal: NULL, TRUE/FALSE, a bare number,
// or a single-quoted string with internal quotes doubled.
func formatValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", nil
	default:
		return "", newError("unsupported value type %T", v)
	}
}

func escapeLikePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "%", `\%`)
	pattern = strings.ReplaceAll(pattern, "_", `\_`)
	pattern = strings.ReplaceAll(pattern, "'", "''")
	return pattern
}

// LooksSuspicious applies the advisory data-exfiltration heuristic: a plan
// with no aggregations, more than maxColumnsWithoutAggregation plain
// columns, and either no filters or a limit above the default 200 is
// flagged. This is advisory only — Compile does not consult it, and callers
// decide whether to act on a true result.
func LooksSuspicious(plan queryplan.Plan) bool {
	hasAgg := false
	for _, item := range plan.Select {
		if _, ok := item.(queryplan.Aggregation); ok {
			hasAgg = true
			break
		}
	}
	if hasAgg {
		return false
	}
	if len(plan.Select) <= maxColumnsWithoutAggregation {
		return false
	}
	return len(plan.Filters) == 0 || plan.EffectiveLimit() > queryplan.DefaultLimit
}
