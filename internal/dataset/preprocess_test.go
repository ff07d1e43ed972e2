package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func textTable(name string, values ...string) *Table {
	rows := make([][]string, len(values))
	for i, v := range values {
		rows[i] = []string{v}
	}
	return FromRecords("t", []string{name}, rows)
}

func TestPreprocessThresholds(t *testing.T) {
	cases := []struct {
		name   string
		column string
		values []string
		want   Kind
		stage  string
	}{
		{
			name:   "strict dates",
			column: "day",
			values: []string{"2023-01-01", "2023-01-02", "2023-01-03", "2023-01-04", "2023-01-05"},
			want:   KindDateTime,
			stage:  StageStrictDate,
		},
		{
			name:   "lenient dates",
			column: "day",
			values: []string{"Jan 15, 2023", "February 3, 2023", "March 9, 2023", "April 1, 2023", "May 30, 2023"},
			want:   KindDateTime,
			stage:  StageLenientDate,
		},
		{
			name:   "numbers after cleaning",
			column: "price",
			values: []string{"$1,200.50", "$30", "$99.99", "$5", "$7"},
			want:   KindNumeric,
			stage:  StageNumeric,
		},
		{
			name:   "below threshold stays text",
			column: "when",
			values: []string{"2023-01-01", "2023-01-02", "2023-01-03", "2023-01-04", "2023-01-05", "2023-01-06", "2023-01-07", "unknown", "unknown", "unknown"},
			want:   KindText,
			stage:  StageBelowThreshold,
		},
		{
			name:   "codes stay text",
			column: "code",
			values: []string{"A1-B2", "C3-D4", "E5-F6", "G7-H8", "J9-K1"},
			want:   KindText,
			stage:  StageBelowThreshold,
		},
		{
			name:   "identifier columns are skipped",
			column: "Customer_ID",
			values: []string{"2023-01-01", "2023-01-02"},
			want:   KindText,
			stage:  StageSkippedID,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tbl := textTable(tc.column, tc.values...)
			decisions := PreprocessTable(tbl, 0.8, "2006-01-02")
			assert.Equal(t, tc.want, tbl.Columns[0].Kind)
			if assert.Len(t, decisions, 1) {
				assert.Equal(t, tc.stage, decisions[0].Stage)
			}
		})
	}
}

func TestPreprocessRatioIgnoresMissingCells(t *testing.T) {
	tbl := textTable("day", "2023-01-01", "", "2023-01-03", "NA", "2023-01-05")
	PreprocessTable(tbl, 0.8, "2006-01-02")
	col := tbl.Columns[0]
	assert.Equal(t, KindDateTime, col.Kind)
	assert.Equal(t, []bool{false, true, false, true, false}, col.Null)
}

func TestPreprocessSkipsColumnsWithoutDigits(t *testing.T) {
	tbl := textTable("region", "north", "south")
	assert.Empty(t, PreprocessTable(tbl, 0.8, "2006-01-02"))
	assert.Equal(t, KindText, tbl.Columns[0].Kind)
}

func TestPreprocessCustomLayout(t *testing.T) {
	tbl := textTable("day", "15/01/2023", "16/01/2023")
	d := PreprocessTable(tbl, 0.8, "02/01/2006")
	assert.Equal(t, StageStrictDate, d[0].Stage)
	assert.Equal(t, "2023-01-16", tbl.Columns[0].Format(1))
}
