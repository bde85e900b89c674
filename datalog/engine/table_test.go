package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wbrown/janus-dataflow/datalog"
)

func TestResultTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		r := &Result{Query: "q", Columns: []string{"?e"}}
		assert.Equal(t, "_Columns: [?e]_\n\n_No rows_\n", r.Table())
	})

	t.Run("rows", func(t *testing.T) {
		r := &Result{
			Query:    "q",
			Columns:  []string{"?name", "?age"},
			Rows:     []datalog.Tuple{{datalog.String("ann"), datalog.Int(30)}, {datalog.String("bob"), datalog.MustRational(1, 3)}},
			Frontier: 4,
		}
		out := r.Table()
		assert.Contains(t, out, "| ?name")
		assert.Contains(t, out, "|---")
		assert.Contains(t, out, "ann")
		assert.NotContains(t, out, `"ann"`, "strings are shown unquoted")
		assert.Contains(t, out, "1/3")
		assert.Contains(t, out, "_2 rows as of 3_")
	})
}

func TestDiffTable(t *testing.T) {
	d := Diff{
		Query:   "adults",
		Time:    2,
		Columns: []string{"?e"},
		Added:   []datalog.Tuple{{datalog.Ref(7)}},
		Removed: []datalog.Tuple{{datalog.Ref(3)}},
	}
	out := d.Table()
	assert.Contains(t, out, "| ±")
	assert.Regexp(t, `\|\s*-\s*\|\s*3\s*\|`, out)
	assert.Regexp(t, `\|\s*\+\s*\|\s*7\s*\|`, out)
	assert.Contains(t, out, "_adults at 2: +1 -1_")
}
