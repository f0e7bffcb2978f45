package executor

import "encoding/json"

// Stage.SerializedPlan carries one of the structs below, JSON-encoded. The
// core model treats a stage's logical plan as opaque bytes (spec.md §3); the
// executor only needs to know which of the 8 fixed stage types it is
// looking at to pick the right decode target.

// FilterPlan keeps rows where Column Op Value is true.
type FilterPlan struct {
	Column string
	Op     string // "eq", "neq", "lt", "lte", "gt", "gte"
	Value  any
}

// ProjectPlan keeps only the named columns, in order.
type ProjectPlan struct {
	Columns []string
}

// AggregatePlan groups by GroupBy and reduces AggColumn with Func.
type AggregatePlan struct {
	GroupBy   []string
	AggColumn string
	Func      string // "sum", "count", "avg", "min", "max"
}

// JoinPlan hash-joins the build-side (first DependsOn stage) against the
// probe-side (second DependsOn stage) on equal keys.
type JoinPlan struct {
	BuildKey string
	ProbeKey string
}

// SortPlan orders rows by Column, ascending unless Desc.
type SortPlan struct {
	Column string
	Desc   bool
}

// ExchangePlan drives pkg/exchange for an EXCHANGE stage.
type ExchangePlan struct {
	Kind    string // "shuffle" or "broadcast"
	Columns []string
	Targets []string // worker endpoints
}

func decodePlan(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
