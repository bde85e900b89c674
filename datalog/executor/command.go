package executor

import (
	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

type commandKind uint8

const (
	cmdBuild commandKind = iota
	cmdDrop
	cmdInstall
	cmdUninstall
	cmdEpoch
	cmdStop
)

func (k commandKind) String() string {
	switch k {
	case cmdBuild:
		return "build"
	case cmdDrop:
		return "drop"
	case cmdInstall:
		return "install"
	case cmdUninstall:
		return "uninstall"
	case cmdEpoch:
		return "epoch"
	case cmdStop:
		return "stop"
	}
	return "unknown"
}

// command is broadcast to every worker in the same order
type command struct {
	kind commandKind

	desc arrangement.Descriptor // build, drop

	plan   *planner.Plan // install
	replay bool
	at     datalog.Time // install replay time, epoch time

	query string         // uninstall
	facts []datalog.Fact // epoch: this worker's share

	reply chan<- error // nil for asynchronous commands
}
