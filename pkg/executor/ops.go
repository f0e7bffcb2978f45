package executor

import (
	"fmt"
	"sort"

	"github.com/cuemby/shardql/pkg/types"
)

// mergeBatches concatenates same-schema batches row-wise, the shape every
// dependsOn stage's output partitions are combined into before a non-SCAN
// operator runs.
func mergeBatches(batches []types.RecordBatch) types.RecordBatch {
	if len(batches) == 0 {
		return types.RecordBatch{}
	}
	out := types.RecordBatch{Schema: batches[0].Schema}
	out.Columns = make([]types.Column, len(out.Schema.ColumnNames))
	for i, name := range out.Schema.ColumnNames {
		out.Columns[i].Name = name
	}
	for _, b := range batches {
		for i, name := range out.Schema.ColumnNames {
			idx := b.ColumnIndex(name)
			if idx < 0 {
				continue
			}
			out.Columns[i].Values = append(out.Columns[i].Values, b.Columns[idx].Values...)
		}
		out.RowCount += b.RowCount
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// compare returns -1/0/1 ordering a against b, falling back to string
// comparison when either value is non-numeric.
func compare(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func matchesFilter(v any, op string, target any) bool {
	c := compare(v, target)
	switch op {
	case "eq":
		return c == 0
	case "neq":
		return c != 0
	case "lt":
		return c < 0
	case "lte":
		return c <= 0
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	default:
		return false
	}
}

func filterBatch(batch types.RecordBatch, plan FilterPlan) types.RecordBatch {
	colIdx := batch.ColumnIndex(plan.Column)
	out := types.RecordBatch{Schema: batch.Schema, Columns: make([]types.Column, len(batch.Columns))}
	for i, c := range batch.Columns {
		out.Columns[i].Name = c.Name
	}
	if colIdx < 0 {
		return out
	}
	for row := 0; row < batch.RowCount; row++ {
		if !matchesFilter(batch.Columns[colIdx].Values[row], plan.Op, plan.Value) {
			continue
		}
		for i, c := range batch.Columns {
			out.Columns[i].Values = append(out.Columns[i].Values, c.Values[row])
		}
		out.RowCount++
	}
	return out
}

func projectBatch(batch types.RecordBatch, plan ProjectPlan) types.RecordBatch {
	out := types.RecordBatch{Schema: types.Schema{ColumnNames: plan.Columns}, RowCount: batch.RowCount}
	out.Columns = make([]types.Column, len(plan.Columns))
	for i, name := range plan.Columns {
		idx := batch.ColumnIndex(name)
		out.Columns[i].Name = name
		if idx >= 0 {
			out.Columns[i].Values = batch.Columns[idx].Values
		}
	}
	return out
}

func sortBatch(batch types.RecordBatch, plan SortPlan) types.RecordBatch {
	colIdx := batch.ColumnIndex(plan.Column)
	idxs := make([]int, batch.RowCount)
	for i := range idxs {
		idxs[i] = i
	}
	if colIdx >= 0 {
		values := batch.Columns[colIdx].Values
		sort.SliceStable(idxs, func(i, j int) bool {
			c := compare(values[idxs[i]], values[idxs[j]])
			if plan.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	out := types.RecordBatch{Schema: batch.Schema, Columns: make([]types.Column, len(batch.Columns)), RowCount: batch.RowCount}
	for i, c := range batch.Columns {
		out.Columns[i].Name = c.Name
		out.Columns[i].Values = make([]any, batch.RowCount)
		for j, srcRow := range idxs {
			out.Columns[i].Values[j] = c.Values[srcRow]
		}
	}
	return out
}

// groupKey renders a row's group-by columns into a comparable map key.
func groupKey(batch types.RecordBatch, groupBy []string, row int) string {
	key := ""
	for _, name := range groupBy {
		idx := batch.ColumnIndex(name)
		if idx < 0 {
			continue
		}
		key += fmt.Sprintf("%v\x1f", batch.Columns[idx].Values[row])
	}
	return key
}

func aggregateBatch(batch types.RecordBatch, plan AggregatePlan) types.RecordBatch {
	type acc struct {
		groupValues []any
		sum, count  float64
		min, max    float64
		seenMinMax  bool
	}
	groups := make(map[string]*acc)
	order := make([]string, 0)
	aggIdx := batch.ColumnIndex(plan.AggColumn)

	for row := 0; row < batch.RowCount; row++ {
		k := groupKey(batch, plan.GroupBy, row)
		a, ok := groups[k]
		if !ok {
			vals := make([]any, len(plan.GroupBy))
			for i, name := range plan.GroupBy {
				idx := batch.ColumnIndex(name)
				if idx >= 0 {
					vals[i] = batch.Columns[idx].Values[row]
				}
			}
			a = &acc{groupValues: vals}
			groups[k] = a
			order = append(order, k)
		}
		a.count++
		if aggIdx >= 0 {
			if f, ok := asFloat(batch.Columns[aggIdx].Values[row]); ok {
				a.sum += f
				if !a.seenMinMax || f < a.min {
					a.min = f
				}
				if !a.seenMinMax || f > a.max {
					a.max = f
				}
				a.seenMinMax = true
			}
		}
	}

	out := types.RecordBatch{Schema: types.Schema{ColumnNames: append(append([]string{}, plan.GroupBy...), plan.Func+"_"+plan.AggColumn)}}
	out.Columns = make([]types.Column, len(out.Schema.ColumnNames))
	for i, name := range out.Schema.ColumnNames {
		out.Columns[i].Name = name
	}
	for _, k := range order {
		a := groups[k]
		for i, v := range a.groupValues {
			out.Columns[i].Values = append(out.Columns[i].Values, v)
		}
		var result float64
		switch plan.Func {
		case "sum":
			result = a.sum
		case "count":
			result = a.count
		case "avg":
			if a.count > 0 {
				result = a.sum / a.count
			}
		case "min":
			result = a.min
		case "max":
			result = a.max
		}
		out.Columns[len(plan.GroupBy)].Values = append(out.Columns[len(plan.GroupBy)].Values, result)
		out.RowCount++
	}
	return out
}

// joinBatches builds a hash index over build keyed by plan.BuildKey, then
// probes it with probe rows keyed by plan.ProbeKey, emitting every
// matching pair's combined columns (build columns first, then probe).
func joinBatches(build, probe types.RecordBatch, plan JoinPlan) types.RecordBatch {
	buildIdx := build.ColumnIndex(plan.BuildKey)
	probeIdx := probe.ColumnIndex(plan.ProbeKey)

	names := append(append([]string{}, build.Schema.ColumnNames...), probe.Schema.ColumnNames...)
	out := types.RecordBatch{Schema: types.Schema{ColumnNames: names}}
	out.Columns = make([]types.Column, len(names))
	for i, n := range names {
		out.Columns[i].Name = n
	}
	if buildIdx < 0 || probeIdx < 0 {
		return out
	}

	index := make(map[string][]int, build.RowCount)
	for row := 0; row < build.RowCount; row++ {
		k := fmt.Sprintf("%v", build.Columns[buildIdx].Values[row])
		index[k] = append(index[k], row)
	}

	for probeRow := 0; probeRow < probe.RowCount; probeRow++ {
		k := fmt.Sprintf("%v", probe.Columns[probeIdx].Values[probeRow])
		for _, buildRow := range index[k] {
			col := 0
			for _, c := range build.Columns {
				out.Columns[col].Values = append(out.Columns[col].Values, c.Values[buildRow])
				col++
			}
			for _, c := range probe.Columns {
				out.Columns[col].Values = append(out.Columns[col].Values, c.Values[probeRow])
				col++
			}
			out.RowCount++
		}
	}
	return out
}
