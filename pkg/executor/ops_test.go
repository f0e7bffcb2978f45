package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/shardql/pkg/types"
)

func sampleBatch() types.RecordBatch {
	return types.RecordBatch{
		Schema: types.Schema{ColumnNames: []string{"id", "region", "amount"}},
		Columns: []types.Column{
			{Name: "id", Values: []any{1, 2, 3, 4}},
			{Name: "region", Values: []any{"us", "eu", "us", "eu"}},
			{Name: "amount", Values: []any{10.0, 20.0, 30.0, 40.0}},
		},
		RowCount: 4,
	}
}

func TestFilterBatch(t *testing.T) {
	out := filterBatch(sampleBatch(), FilterPlan{Column: "region", Op: "eq", Value: "us"})
	assert.Equal(t, 2, out.RowCount)
	idx := out.ColumnIndex("id")
	assert.Equal(t, []any{1, 3}, out.Columns[idx].Values)
}

func TestFilterBatchNumericComparison(t *testing.T) {
	out := filterBatch(sampleBatch(), FilterPlan{Column: "amount", Op: "gt", Value: 25.0})
	assert.Equal(t, 2, out.RowCount)
}

func TestProjectBatch(t *testing.T) {
	out := projectBatch(sampleBatch(), ProjectPlan{Columns: []string{"region"}})
	assert.Equal(t, []string{"region"}, out.Schema.ColumnNames)
	assert.Equal(t, 4, out.RowCount)
}

func TestSortBatchAscending(t *testing.T) {
	out := sortBatch(sampleBatch(), SortPlan{Column: "amount", Desc: false})
	idx := out.ColumnIndex("id")
	assert.Equal(t, []any{1, 2, 3, 4}, out.Columns[idx].Values)
}

func TestSortBatchDescending(t *testing.T) {
	out := sortBatch(sampleBatch(), SortPlan{Column: "amount", Desc: true})
	idx := out.ColumnIndex("id")
	assert.Equal(t, []any{4, 3, 2, 1}, out.Columns[idx].Values)
}

func TestAggregateBatchSum(t *testing.T) {
	out := aggregateBatch(sampleBatch(), AggregatePlan{GroupBy: []string{"region"}, AggColumn: "amount", Func: "sum"})
	assert.Equal(t, 2, out.RowCount)
	sumIdx := out.ColumnIndex("sum_amount")
	regionIdx := out.ColumnIndex("region")
	totals := map[string]float64{}
	for i, region := range out.Columns[regionIdx].Values {
		totals[region.(string)] = out.Columns[sumIdx].Values[i].(float64)
	}
	assert.Equal(t, 40.0, totals["us"])
	assert.Equal(t, 60.0, totals["eu"])
}

func TestAggregateBatchCount(t *testing.T) {
	out := aggregateBatch(sampleBatch(), AggregatePlan{GroupBy: []string{"region"}, AggColumn: "amount", Func: "count"})
	countIdx := out.ColumnIndex("count_amount")
	for _, v := range out.Columns[countIdx].Values {
		assert.Equal(t, 2.0, v)
	}
}

func TestJoinBatches(t *testing.T) {
	build := types.RecordBatch{
		Schema:   types.Schema{ColumnNames: []string{"region", "rate"}},
		Columns:  []types.Column{{Name: "region", Values: []any{"us", "eu"}}, {Name: "rate", Values: []any{1.1, 0.9}}},
		RowCount: 2,
	}
	probe := sampleBatch()
	out := joinBatches(build, probe, JoinPlan{BuildKey: "region", ProbeKey: "region"})
	assert.Equal(t, 4, out.RowCount)
	assert.Contains(t, out.Schema.ColumnNames, "rate")
	assert.Contains(t, out.Schema.ColumnNames, "amount")
}

func TestMergeBatches(t *testing.T) {
	a := sampleBatch()
	b := sampleBatch()
	out := mergeBatches([]types.RecordBatch{a, b})
	assert.Equal(t, 8, out.RowCount)
}

func TestMergeBatchesEmpty(t *testing.T) {
	out := mergeBatches(nil)
	assert.Equal(t, 0, out.RowCount)
}
