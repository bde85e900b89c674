package arrangement

import (
	"fmt"

	"github.com/wbrown/janus-dataflow/datalog"
)

type viewKind uint8

const (
	viewEmpty viewKind = iota
	viewBefore
	viewThrough
)

// View selects which updates of a trace a read accumulates.
type View struct {
	kind viewKind
	time datalog.Time
}

// Empty sees nothing
func Empty() View { return View{kind: viewEmpty} }

// Before sees updates at times strictly below t
func Before(t datalog.Time) View { return View{kind: viewBefore, time: t} }

// Through sees updates at times up to and including t
func Through(t datalog.Time) View { return View{kind: viewThrough, time: t} }

// Includes reports whether an update at t is visible
func (v View) Includes(t datalog.Time) bool {
	switch v.kind {
	case viewBefore:
		return t < v.time
	case viewThrough:
		return t <= v.time
	}
	return false
}

func (v View) String() string {
	switch v.kind {
	case viewBefore:
		return fmt.Sprintf("before(%d)", v.time)
	case viewThrough:
		return fmt.Sprintf("through(%d)", v.time)
	}
	return "empty"
}
