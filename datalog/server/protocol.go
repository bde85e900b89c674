package server

import (
	"fmt"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/engine"
)

// Request ops
const (
	OpDeclare    = "declare"
	OpTransact   = "transact"
	OpAdvance    = "advance"
	OpRegister   = "register"
	OpUnregister = "unregister"
	OpInterest   = "interest"
	OpUninterest = "uninterest"
	OpSource     = "source"
	OpResult     = "result"
)

// Request is one client message. Which fields apply depends on Op.
type Request struct {
	ID string `json:"id,omitempty"`
	Op string `json:"op"`

	// declare: attribute; register, unregister, interest, result: query
	Name        string `json:"name,omitempty"`
	Cardinality string `json:"cardinality,omitempty"`
	Type        string `json:"type,omitempty"`

	// register
	Query string `json:"query,omitempty"`

	// transact, advance, source
	Facts []Fact        `json:"facts,omitempty"`
	Time  *datalog.Time `json:"time,omitempty"`

	// source
	Path       string            `json:"path,omitempty"`
	Base       datalog.Entity    `json:"base,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Fact is the wire form of a fact. A zero Diff asserts.
type Fact struct {
	E    datalog.Entity `json:"e"`
	A    string         `json:"a"`
	V    datalog.Value  `json:"v"`
	Diff datalog.Diff   `json:"diff,omitempty"`
}

func (f Fact) fact() datalog.Fact {
	diff := f.Diff
	if diff == 0 {
		diff = 1
	}
	return datalog.Fact{E: f.E, A: datalog.AttributeFromKeyword(f.A), V: f.V, Diff: diff}
}

func (r *Request) time() (datalog.Time, error) {
	if r.Time == nil {
		return 0, fmt.Errorf("%s: missing time", r.Op)
	}
	return *r.Time, nil
}

// Message types sent to clients
const (
	TypeAck    = "ack"
	TypeError  = "error"
	TypeDiff   = "diff"
	TypeResult = "result"
	TypeClosed = "closed"
)

// Message is one server message: a reply to a request, or a diff pushed
// to an interested connection.
type Message struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`

	Query    string          `json:"query,omitempty"`
	Time     *datalog.Time   `json:"time,omitempty"`
	Columns  []string        `json:"columns,omitempty"`
	Added    []datalog.Tuple `json:"added,omitempty"`
	Removed  []datalog.Tuple `json:"removed,omitempty"`
	Rows     []datalog.Tuple `json:"rows,omitempty"`
	Frontier *datalog.Time   `json:"frontier,omitempty"`
	Facts    int             `json:"facts,omitempty"`
}

func diffMessage(d engine.Diff) Message {
	t := d.Time
	return Message{
		Type:    TypeDiff,
		Query:   d.Query,
		Time:    &t,
		Columns: d.Columns,
		Added:   d.Added,
		Removed: d.Removed,
	}
}

func resultMessage(id string, r *engine.Result) Message {
	f := r.Frontier
	return Message{
		Type:     TypeResult,
		ID:       id,
		Query:    r.Query,
		Columns:  r.Columns,
		Rows:     r.Rows,
		Frontier: &f,
	}
}
