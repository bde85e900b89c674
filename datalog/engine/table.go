package engine

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/wbrown/janus-dataflow/datalog"
)

// Table renders the result as a markdown table
func (r *Result) Table() string {
	if len(r.Rows) == 0 {
		return fmt.Sprintf("_Columns: %v_\n\n_No rows_\n", r.Columns)
	}
	var sb strings.Builder
	writeTable(&sb, r.Columns, "", r.Rows, nil)
	// rows only exist once a time has closed
	fmt.Fprintf(&sb, "\n_%d rows as of %d_\n", len(r.Rows), r.Frontier-1)
	return sb.String()
}

// Table renders the diff as a markdown table with a leading column
// marking each row added (+) or removed (-)
func (d Diff) Table() string {
	var sb strings.Builder
	writeTable(&sb, d.Columns, "±", d.Added, d.Removed)
	fmt.Fprintf(&sb, "\n_%s at %d: +%d -%d_\n", d.Query, d.Time, len(d.Added), len(d.Removed))
	return sb.String()
}

func writeTable(sb *strings.Builder, columns []string, sign string, added, removed []datalog.Tuple) {
	headers := columns
	if sign != "" {
		headers = append([]string{sign}, columns...)
	}
	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}

	table := tablewriter.NewTable(sb,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)

	row := func(prefix string, tuple datalog.Tuple) []string {
		cells := make([]string, 0, len(headers))
		if sign != "" {
			cells = append(cells, prefix)
		}
		for _, v := range tuple {
			cells = append(cells, v.Display())
		}
		return cells
	}
	for _, t := range removed {
		table.Append(row("-", t))
	}
	for _, t := range added {
		table.Append(row("+", t))
	}
	table.Render()
}
