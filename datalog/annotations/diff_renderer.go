package annotations

import (
	"fmt"

	"github.com/fatih/color"
)

// DiffInfo summarises one delivered diff for rendering
type DiffInfo struct {
	Query   string
	Time    interface{}
	Added   int
	Removed int
}

// DiffRenderer provides pretty-printing for diff summaries
type DiffRenderer struct {
	useColor bool
}

// NewDiffRenderer creates a new diff renderer
func NewDiffRenderer(useColor bool) *DiffRenderer {
	return &DiffRenderer{useColor: useColor}
}

// RenderDiff renders a diff summary as a string
func (r *DiffRenderer) RenderDiff(diff DiffInfo) string {
	if r.useColor {
		return fmt.Sprintf("%s%s%s%s%s%s",
			color.BlueString("Diff("),
			color.CyanString(diff.Query),
			color.BlueString(fmt.Sprintf(" @%v, ", diff.Time)),
			color.GreenString("+%d", diff.Added),
			color.RedString(" -%d", diff.Removed),
			color.BlueString(")"))
	}

	return fmt.Sprintf("Diff(%s @%v, +%d -%d)", diff.Query, diff.Time, diff.Added, diff.Removed)
}
