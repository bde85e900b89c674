package executor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

// Output receives what the workers produce. Emit is called by every
// worker for its own share of a dataflow's output at a time, always
// before that worker reports the time complete. Calls are concurrent.
type Output interface {
	Emit(query string, time datalog.Time, rows []Record)
	Fail(query string, err error)
}

// Coordinator drives a fixed set of workers. Commands are broadcast to
// every worker in one global order; synchronous commands return once
// every worker has acknowledged.
type Coordinator struct {
	schema   arrangement.Schema
	output   Output
	opts     Options
	progress *Progress
	fabric   *Fabric
	workers  []*worker
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	errMu sync.Mutex
	err   error
}

// NewCoordinator starts the workers
func NewCoordinator(schema arrangement.Schema, output Output, listener ProgressListener, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		schema:   schema,
		output:   output,
		opts:     opts,
		progress: NewProgress(opts.Workers, listener),
		fabric:   NewFabric(opts.Workers, opts.ExchangeTimeout, opts.ExchangeRetries, opts.Handler),
		workers:  make([]*worker, opts.Workers),
	}
	for i := range c.workers {
		c.workers[i] = newWorker(i, c)
	}
	c.wg.Add(len(c.workers))
	for _, w := range c.workers {
		go w.loop()
	}
	return c
}

// Workers returns the number of workers
func (c *Coordinator) Workers() int {
	return len(c.workers)
}

// Progress returns the progress tracker
func (c *Coordinator) Progress() *Progress {
	return c.progress
}

// Err returns the failure that poisoned the workers, if any
func (c *Coordinator) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// fail records the first fatal worker error, releases every worker
// blocked on the fabric and returns the error as the worker should
// report it.
func (c *Coordinator) fail(worker int, kind commandKind, err error) error {
	if !errors.Is(err, datalog.ErrWorkerFailed) {
		err = fmt.Errorf("%w: worker %d: %s: %v", datalog.ErrWorkerFailed, worker, kind, err)
	}

	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.errMu.Unlock()

	if first {
		c.fabric.Abort()
		c.progress.Poison(err)
		c.opts.Handler.Emit(annotations.WorkerFailed, time.Now(), map[string]interface{}{
			"worker":  worker,
			"command": kind.String(),
			"error":   err,
		})
	}
	return err
}

// send enqueues per-worker commands in the global order
func (c *Coordinator) send(cmd func(i int) command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return datalog.ErrClosed
	}
	for i, w := range c.workers {
		w.cmds <- cmd(i)
	}
	return nil
}

// call broadcasts cmd and waits for every worker's reply
func (c *Coordinator) call(cmd command) error {
	replies := make(chan error, len(c.workers))
	cmd.reply = replies
	if err := c.send(func(int) command { return cmd }); err != nil {
		return err
	}
	var first error
	for range c.workers {
		if err := <-replies; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildArrangement materialises desc on every worker
func (c *Coordinator) BuildArrangement(desc arrangement.Descriptor) error {
	return c.call(command{kind: cmdBuild, desc: desc})
}

// DropArrangement removes desc from every worker
func (c *Coordinator) DropArrangement(desc arrangement.Descriptor) error {
	return c.call(command{kind: cmdDrop, desc: desc})
}

// Snapshot returns one worker's latest published partition of desc
func (c *Coordinator) Snapshot(desc arrangement.Descriptor, worker int) *arrangement.Snapshot {
	if worker < 0 || worker >= len(c.workers) {
		return nil
	}
	return c.workers[worker].snapshot(desc)
}

// Install adds a compiled plan to every worker. With replay, the workers
// first evaluate it against the arrangements as of at, and the output is
// emitted at at. Progress for the plan starts at at either way.
func (c *Coordinator) Install(plan *planner.Plan, at datalog.Time, replay bool) error {
	c.progress.Register(plan.Query, at)
	err := c.call(command{kind: cmdInstall, plan: plan, at: at, replay: replay})
	if err != nil {
		c.progress.Remove(plan.Query)
	}
	return err
}

// Uninstall removes a dataflow from every worker. Once it returns no
// worker emits output for query.
func (c *Coordinator) Uninstall(query string) error {
	err := c.call(command{kind: cmdUninstall, query: query})
	c.progress.Remove(query)
	return err
}

// Epoch hands the consolidated facts of a closed time to the workers,
// split by entity. It returns without waiting.
func (c *Coordinator) Epoch(t datalog.Time, facts []datalog.Fact) error {
	if err := c.Err(); err != nil {
		return err
	}
	shares := make([][]datalog.Fact, len(c.workers))
	for _, f := range facts {
		d := datalog.Tuple{datalog.Ref(f.E)}.Partition(len(c.workers))
		shares[d] = append(shares[d], f)
	}
	return c.send(func(i int) command {
		return command{kind: cmdEpoch, at: t, facts: shares[i]}
	})
}

// Stop lets the workers drain their queues and waits for them to exit.
// Stopping twice is a no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for _, w := range c.workers {
		w.cmds <- command{kind: cmdStop}
	}
	c.mu.Unlock()
	c.wg.Wait()
}
