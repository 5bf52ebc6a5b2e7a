// Package queryplan defines the structured query DSL that the agent turn
// engine and the fast-execution path use to describe a tabular query without
// the caller writing raw SQL. A Plan is validated up front; the
// internal/queryplan/compiler package lowers a valid Plan to deterministic
// SQL.
package queryplan

import (
	"encoding/json"
	"fmt"
)

// FilterOperator enumerates the comparison operators a Filter may use.
type FilterOperator string

// Supported filter operators.
const (
	OpEQ         FilterOperator = "="
	OpNE         FilterOperator = "!="
	OpLT         FilterOperator = "<"
	OpLTE        FilterOperator = "<="
	OpGT         FilterOperator = ">"
	OpGTE        FilterOperator = ">="
	OpIn         FilterOperator = "in"
	OpBetween    FilterOperator = "between"
	OpContains   FilterOperator = "contains"
	OpStartsWith FilterOperator = "startswith"
	OpEndsWith   FilterOperator = "endswith"
	OpIsNull     FilterOperator = "is_null"
	OpIsNotNull  FilterOperator = "is_not_null"
)

// AggregationFunc enumerates the supported aggregation functions.
type AggregationFunc string

// Supported aggregation functions.
const (
	AggCount         AggregationFunc = "count"
	AggCountDistinct AggregationFunc = "count_distinct"
	AggSum           AggregationFunc = "sum"
	AggAvg           AggregationFunc = "avg"
	AggMin           AggregationFunc = "min"
	AggMax           AggregationFunc = "max"
)

// SortDirection enumerates ORDER BY directions.
type SortDirection string

// Supported sort directions.
const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// Filter is a single WHERE predicate. Value's required shape depends on Op:
// a two-element slice for Between, a non-empty slice for In, a scalar for
// equality/ordering operators, and nil for the Is(Not)Null operators.
type Filter struct {
	Column string         `json:"column"`
	Op     FilterOperator `json:"op"`
	Value  any            `json:"value,omitempty"`
}

// SelectItem is implemented by Column and Aggregation: the two kinds of
// entries a Plan's Select list may contain.
type SelectItem interface {
	isSelectItem()
}

// Column is a plain (non-aggregated) column reference, optionally renamed
// with Alias.
type Column struct {
	Name  string `json:"column"`
	Alias string `json:"alias,omitempty"`
}

func (Column) isSelectItem() {}

// Aggregation is an aggregated select entry, e.g. SUM(total) AS revenue.
type Aggregation struct {
	Func   AggregationFunc `json:"func"`
	Column string          `json:"column"`
	Alias  string          `json:"alias"`
}

func (Aggregation) isSelectItem() {}

// OrderBy is a single ORDER BY term.
type OrderBy struct {
	Expr      string        `json:"expr"`
	Direction SortDirection `json:"direction"`
}

// DefaultLimit is applied when a Plan does not set Limit explicitly.
const DefaultLimit = 200

// MaxLimit is the largest row limit a Plan may request.
const MaxLimit = 1000

// Plan is a structured, validated query: the input to the compiler.
type Plan struct {
	DatasetID string       `json:"dataset_id"`
	Table     string       `json:"table"`
	Select    []SelectItem `json:"select,omitempty"`
	Filters   []Filter     `json:"filters,omitempty"`
	GroupBy   []string     `json:"group_by,omitempty"`
	OrderBy   []OrderBy    `json:"order_by,omitempty"`
	Limit     int          `json:"limit,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// UnmarshalJSON decodes a Plan whose select list mixes Column and
// Aggregation entries, discriminating on the presence of a "func" field
// (Aggregation) since SelectItem is a closed interface encoding/json cannot
// construct on its own.
func (p *Plan) UnmarshalJSON(data []byte) error {
	type alias struct {
		DatasetID string            `json:"dataset_id"`
		Table     string            `json:"table"`
		Select    []json.RawMessage `json:"select,omitempty"`
		Filters   []Filter          `json:"filters,omitempty"`
		GroupBy   []string          `json:"group_by,omitempty"`
		OrderBy   []OrderBy         `json:"order_by,omitempty"`
		Limit     int               `json:"limit,omitempty"`
		Notes     string            `json:"notes,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.DatasetID = a.DatasetID
	p.Table = a.Table
	p.Filters = a.Filters
	p.GroupBy = a.GroupBy
	p.OrderBy = a.OrderBy
	p.Limit = a.Limit
	p.Notes = a.Notes
	if a.Select == nil {
		p.Select = nil
		return nil
	}
	p.Select = make([]SelectItem, len(a.Select))
	for i, raw := range a.Select {
		item, err := decodeSelectItem(raw)
		if err != nil {
			return fmt.Errorf("select[%d]: %w", i, err)
		}
		p.Select[i] = item
	}
	return nil
}

func decodeSelectItem(raw json.RawMessage) (SelectItem, error) {
	var probe struct {
		Func string `json:"func"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if probe.Func != "" {
		var agg Aggregation
		if err := json.Unmarshal(raw, &agg); err != nil {
			return nil, err
		}
		return agg, nil
	}
	var col Column
	if err := json.Unmarshal(raw, &col); err != nil {
		return nil, err
	}
	return col, nil
}

// EffectiveLimit returns plan.Limit, or DefaultLimit when unset.
func (p Plan) EffectiveLimit() int {
	if p.Limit <= 0 {
		return DefaultLimit
	}
	return p.Limit
}

// Validate checks the structural invariants that must hold before a Plan can
// be compiled: required identifiers, a non-empty Select when present,
// operator/value shape agreement, group_by coverage for mixed
// column/aggregation selects, and the limit bound.
func (p Plan) Validate() error {
	if p.DatasetID == "" {
		return fmt.Errorf("queryplan: dataset_id is required")
	}
	if p.Table == "" {
		return fmt.Errorf("queryplan: table is required")
	}
	if p.Select != nil && len(p.Select) == 0 {
		return fmt.Errorf("queryplan: select list cannot be empty if provided")
	}
	if p.Limit != 0 && (p.Limit < 1 || p.Limit > MaxLimit) {
		return fmt.Errorf("queryplan: limit must be in [1, %d], got %d", MaxLimit, p.Limit)
	}
	for i, f := range p.Filters {
		if err := f.validate(); err != nil {
			return fmt.Errorf("queryplan: filter %d: %w", i, err)
		}
	}
	return p.validateAggregationMix()
}

func (f Filter) validate() error {
	if f.Column == "" {
		return fmt.Errorf("column is required")
	}
	switch f.Op {
	case OpIsNull, OpIsNotNull:
		if f.Value != nil {
			return fmt.Errorf("operator %q should not have a value", f.Op)
		}
	case OpIn:
		vals, ok := f.Value.([]any)
		if !ok || len(vals) == 0 {
			return fmt.Errorf("operator 'in' requires a non-empty list value")
		}
	case OpBetween:
		vals, ok := f.Value.([]any)
		if !ok || len(vals) != 2 {
			return fmt.Errorf("operator 'between' requires a list of exactly 2 values")
		}
	default:
		if f.Value == nil {
			return fmt.Errorf("operator %q requires a value", f.Op)
		}
	}
	return nil
}

func (p Plan) validateAggregationMix() error {
	if len(p.Select) == 0 {
		return nil
	}
	var hasAgg, hasPlain bool
	var plainColumns []string
	for _, item := range p.Select {
		switch s := item.(type) {
		case Aggregation:
			hasAgg = true
		case Column:
			hasPlain = true
			if s.Name != "" {
				plainColumns = append(plainColumns, s.Name)
			}
		}
	}
	if !(hasAgg && hasPlain) {
		return nil
	}
	if len(p.GroupBy) == 0 {
		return fmt.Errorf("queryplan: group_by is required when mixing aggregations with plain columns")
	}
	inGroupBy := make(map[string]struct{}, len(p.GroupBy))
	for _, c := range p.GroupBy {
		inGroupBy[c] = struct{}{}
	}
	for _, c := range plainColumns {
		if _, ok := inGroupBy[c]; !ok {
			return fmt.Errorf("queryplan: column %q must be in group_by when using aggregations", c)
		}
	}
	return nil
}
