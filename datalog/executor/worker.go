package executor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
)

// worker owns one partition of every arrangement and a replica of every
// installed dataflow. Only the worker goroutine mutates its traces;
// snapshot readers take mu to find a trace.
type worker struct {
	id      int
	peers   int
	coord   *Coordinator
	ep      *Endpoint
	cmds    chan command
	opts    Options
	handler annotations.Handler

	mu     sync.RWMutex
	traces map[string]*arrangement.Trace

	// secondary arrangements of each derived relation, sorted by ID
	indexes map[string][]arrangement.Descriptor

	dataflows map[string]*dataflow
	installed []string
	producers map[string]int   // installed dataflows computing each relation
	poisoned  map[string]error // relations left inconsistent by a failed fixed point
	published datalog.Time
	failed    error
}

func newWorker(id int, c *Coordinator) *worker {
	return &worker{
		id:        id,
		peers:     len(c.workers),
		coord:     c,
		ep:        c.fabric.Endpoint(id),
		cmds:      make(chan command, c.opts.QueueDepth),
		opts:      c.opts,
		handler:   c.opts.Handler,
		traces:    make(map[string]*arrangement.Trace),
		indexes:   make(map[string][]arrangement.Descriptor),
		dataflows: make(map[string]*dataflow),
		producers: make(map[string]int),
		poisoned:  make(map[string]error),
	}
}

func (w *worker) loop() {
	defer w.coord.wg.Done()
	for cmd := range w.cmds {
		if cmd.kind == cmdStop {
			if cmd.reply != nil {
				cmd.reply <- nil
			}
			return
		}

		err := w.failed
		if err == nil {
			if err = w.handle(cmd); err != nil {
				w.failed = w.coord.fail(w.id, cmd.kind, err)
				err = w.failed
			}
		}
		if cmd.reply != nil {
			cmd.reply <- err
		}
	}
}

// handle runs one command. Any error it returns is fatal to the engine.
func (w *worker) handle(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: worker %d: panic in %s: %v", datalog.ErrWorkerFailed, w.id, cmd.kind, r)
		}
	}()

	switch cmd.kind {
	case cmdBuild:
		return w.build(cmd.desc)
	case cmdDrop:
		w.drop(cmd.desc)
	case cmdInstall:
		return w.install(cmd.plan, cmd.at, cmd.replay)
	case cmdUninstall:
		w.uninstall(cmd.query)
	case cmdEpoch:
		return w.epoch(cmd.at, cmd.facts)
	}
	return nil
}

// build materialises this worker's partition of an arrangement. A
// secondary arrangement is filled from the primary one of its attribute
// or relation, moving updates to the owners of their new keys with
// their times intact.
func (w *worker) build(desc arrangement.Descriptor) error {
	if _, ok := w.traces[desc.ID()]; ok {
		return nil
	}
	tr := arrangement.NewTrace(desc)
	if primary := primaryOf(desc); primary != nil {
		src, err := w.trace(*primary)
		if err != nil {
			return err
		}
		out := make([][]Record, w.peers)
		pdesc := src.Descriptor()
		src.Updates(func(key, val datalog.Tuple, t datalog.Time, diff datalog.Diff) {
			row := pdesc.Join(key, val)
			d := row.Project(desc.Key).Partition(w.peers)
			out[d] = append(out[d], Record{Row: row, Time: t, Diff: diff})
		})
		in, err := w.ep.Exchange(out)
		if err != nil {
			return err
		}
		for _, r := range in {
			tr.UpdateRow(r.Row, r.Time, r.Diff)
		}
	}
	tr.Publish(w.published)

	w.mu.Lock()
	w.traces[desc.ID()] = tr
	w.mu.Unlock()
	if isIndex(desc) {
		idx := append(w.indexes[desc.Name], desc)
		sort.Slice(idx, func(i, j int) bool { return idx[i].ID() < idx[j].ID() })
		w.indexes[desc.Name] = idx
	}
	return nil
}

// primaryOf returns the arrangement a secondary one is filled from
func primaryOf(desc arrangement.Descriptor) *arrangement.Descriptor {
	switch {
	case desc.Source == arrangement.Base && !desc.IsPrimary():
		p := arrangement.Forward(desc.Attribute())
		return &p
	case isIndex(desc):
		p := arrangement.Presence(desc.Name, desc.Arity)
		return &p
	}
	return nil
}

// isIndex reports a secondary arrangement of a derived relation
func isIndex(desc arrangement.Descriptor) bool {
	return desc.Source == arrangement.Derived && !desc.Counts && !desc.IsPresence()
}

func (w *worker) drop(desc arrangement.Descriptor) {
	w.mu.Lock()
	delete(w.traces, desc.ID())
	w.mu.Unlock()

	switch {
	case isIndex(desc):
		idx := w.indexes[desc.Name]
		for i, d := range idx {
			if d.ID() == desc.ID() {
				idx = append(idx[:i:i], idx[i+1:]...)
				break
			}
		}
		if len(idx) == 0 {
			delete(w.indexes, desc.Name)
		} else {
			w.indexes[desc.Name] = idx
		}
	case desc.IsPresence():
		delete(w.poisoned, desc.Name)
	}
}

func (w *worker) snapshot(desc arrangement.Descriptor) *arrangement.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if tr, ok := w.traces[desc.ID()]; ok {
		return tr.Snapshot()
	}
	return nil
}

// epoch processes this worker's share of the facts at t.
func (w *worker) epoch(t datalog.Time, facts []datalog.Fact) error {
	start := time.Now()
	ep := newEpoch(t, false)
	for _, f := range facts {
		tr, err := w.trace(arrangement.Forward(f.A))
		if err != nil {
			return err
		}
		row := datalog.Tuple{datalog.Ref(f.E), f.V}
		tr.UpdateRow(row, t, f.Diff)
		ep.base[f.A] = append(ep.base[f.A], Record{Row: row, Time: t, Diff: f.Diff})
	}
	for a, rows := range ep.base {
		ep.base[a] = Consolidate(rows)
	}

	total, err := w.ep.AllReduce(int64(len(facts)))
	if err != nil {
		return err
	}
	if total > 0 {
		w.checkCardinality(ep)
		if err := w.maintainSecondary(ep); err != nil {
			return err
		}
		for _, name := range w.installed {
			if err := w.evaluate(w.dataflows[name], ep); err != nil {
				return err
			}
		}
	}

	if w.id == 0 {
		w.handler.Emit(annotations.EpochProcessed, start, map[string]interface{}{
			"time":      t,
			"facts":     total,
			"dataflows": len(w.installed),
			"workers":   w.peers,
		})
	}
	w.finish(t)
	return nil
}

// checkCardinality warns about entities holding more than one live value
// of a cardinality-one attribute. The facts are kept.
func (w *worker) checkCardinality(ep *epoch) {
	for a, rows := range ep.base {
		spec, ok := w.coord.schema.Attribute(a)
		if !ok || spec.Cardinality != datalog.CardinalityOne {
			continue
		}
		tr, err := w.trace(arrangement.Forward(a))
		if err != nil {
			continue
		}
		checked := make(map[datalog.Value]bool)
		for _, r := range rows {
			e := r.Row[0]
			if r.Diff <= 0 || checked[e] {
				continue
			}
			checked[e] = true
			var live []string
			tr.Lookup(datalog.Tuple{e}, ep.newView(), func(val datalog.Tuple, diff datalog.Diff) {
				if diff > 0 {
					live = append(live, val[0].String())
				}
			})
			if len(live) > 1 {
				w.handler.Emit(annotations.CardinalityViolation, time.Now(), map[string]interface{}{
					"attribute": a.Keyword(),
					"entity":    e.String(),
					"values":    live,
					"time":      ep.time,
				})
			}
		}
	}
}

// maintainSecondary routes the base delta into every secondary base
// arrangement, in descriptor order so all workers exchange in step.
func (w *worker) maintainSecondary(ep *epoch) error {
	var secondary []*arrangement.Trace
	for _, tr := range w.traces {
		if d := tr.Descriptor(); d.Source == arrangement.Base && !d.IsPrimary() {
			secondary = append(secondary, tr)
		}
	}
	sort.Slice(secondary, func(i, j int) bool {
		return secondary[i].Descriptor().ID() < secondary[j].Descriptor().ID()
	})

	for _, tr := range secondary {
		desc := tr.Descriptor()
		in, err := w.toKeys(desc, ep.base[desc.Attribute()])
		if err != nil {
			return err
		}
		for _, r := range in {
			tr.UpdateRow(r.Row, r.Time, r.Diff)
		}
	}
	return nil
}

// finish compacts and publishes every trace, then reports that all times
// up to t are complete.
func (w *worker) finish(t datalog.Time) {
	for _, tr := range w.traces {
		if !w.opts.RetainHistory {
			tr.Compact(t)
		}
		tr.Publish(t)
	}
	w.published = t

	for _, name := range w.installed {
		w.coord.progress.Report(w.id, name, t+1)
	}
	w.coord.progress.Report(w.id, Engine, t+1)
}
