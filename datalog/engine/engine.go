// Package engine is the process-wide entry point. It ties the fact store,
// the arrangement manager, the worker coordinator and the diff dispatcher
// together behind one serialised API: declare attributes, ingest and
// advance time, register queries and subscribe to their diffs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/executor"
	"github.com/wbrown/janus-dataflow/datalog/parser"
	"github.com/wbrown/janus-dataflow/datalog/planner"
	"github.com/wbrown/janus-dataflow/datalog/query"
	"github.com/wbrown/janus-dataflow/datalog/storage"
	"github.com/wbrown/janus-dataflow/datalog/store"
)

// Engine owns every component of a running dataflow system
type Engine struct {
	opts     Options
	store    *store.Store
	manager  *arrangement.Manager
	coord    *executor.Coordinator
	dispatch *dispatcher
	parse    *planner.QueryCache

	mu      sync.Mutex
	queries map[string]*registration
	rules   *ruleRegistry
	closed  bool
}

// registration is a live query and the arrangements it holds
type registration struct {
	name    string
	text    string
	plan    *planner.Plan
	handles []*arrangement.Handle
	rules   []string // named rules bound while the query is live
	at      datalog.Time
}

type sinkFunc func(t datalog.Time, facts []datalog.Fact) error

func (f sinkFunc) Epoch(t datalog.Time, facts []datalog.Fact) error { return f(t, facts) }

// New starts an engine and its workers
func New(opts Options) *Engine {
	e := &Engine{
		opts:     opts,
		dispatch: newDispatcher(opts.Handler),
		parse:    planner.NewQueryCache(opts.ParseCacheSize),
		queries:  make(map[string]*registration),
		rules:    newRuleRegistry(),
	}
	e.store = store.NewStore(sinkFunc(func(t datalog.Time, facts []datalog.Fact) error {
		return e.coord.Epoch(t, facts)
	}), opts.Handler)
	e.coord = executor.NewCoordinator(e.store, e.dispatch, e.dispatch.advance, opts.executor())
	e.manager = arrangement.NewManager(e.store, e.coord, opts.Handler)
	return e
}

// Workers returns the number of workers
func (e *Engine) Workers() int {
	return e.coord.Workers()
}

// Err returns the failure that poisoned the engine, if any
func (e *Engine) Err() error {
	return e.coord.Err()
}

func (e *Engine) check() error {
	if e.closed {
		return datalog.ErrClosed
	}
	return e.coord.Err()
}

// DeclareAttribute registers an attribute and builds its forward
// arrangement. Redeclaring it identically is a no-op.
func (e *Engine) DeclareAttribute(name datalog.Attribute, card datalog.Cardinality, typ datalog.ValueType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	created, err := e.store.DeclareAttribute(name, card, typ)
	if err != nil || !created {
		return err
	}
	return e.manager.Pin(arrangement.Forward(datalog.InternAttribute(string(name))))
}

// Attribute returns the declaration of a
func (e *Engine) Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool) {
	return e.store.Attribute(a)
}

// Attributes returns the declared schema, sorted by name
func (e *Engine) Attributes() []datalog.AttributeSpec {
	return e.store.Attributes()
}

// Ingest adds facts at time at; see store.Store.Ingest
func (e *Engine) Ingest(facts []datalog.Fact, at datalog.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	return e.store.Ingest(facts, at)
}

// Advance closes every time up to and including to
func (e *Engine) Advance(to datalog.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	return e.store.Advance(to)
}

// Frontier returns the lowest time still open for ingest
func (e *Engine) Frontier() datalog.Time {
	return e.store.Frontier()
}

// WaitFrontier blocks until every worker has finished time t
func (e *Engine) WaitFrontier(ctx context.Context, t datalog.Time) error {
	return e.coord.Progress().Wait(ctx, executor.Engine, t)
}

// Register compiles a query description and installs it under name. If
// times have already closed, its first diff carries the full result as
// of the last closed time. A rejected registration leaves no state.
func (e *Engine) Register(name, text string) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	if _, ok := e.queries[name]; ok {
		return fmt.Errorf("register %s: %w", name, datalog.ErrQueryExists)
	}

	at, replay := datalog.Time(0), false
	if f := e.store.Frontier(); f > 0 {
		at, replay = f-1, true
	}
	reg, err := e.install(name, text, at, replay, false)
	if err != nil {
		return err
	}
	e.queries[name] = reg
	e.opts.Handler.Emit(annotations.QueryRegistered, start, map[string]interface{}{
		"query":  name,
		"time":   at,
		"replay": replay,
	})
	return nil
}

// install compiles text, acquires its arrangements and installs the
// plan at at. Everything acquired is given back on failure. A one-off
// evaluation computes private copies of its rules and keeps only the
// result as of at.
func (e *Engine) install(name, text string, at datalog.Time, replay, eval bool) (*registration, error) {
	start := time.Now()
	plan, q, err := e.compile(name, text, eval)
	if err != nil {
		return nil, err
	}
	e.opts.Handler.Emit(annotations.QueryPlanCreated, start, map[string]interface{}{
		"query":        name,
		"strata":       len(plan.Strata),
		"arrangements": len(plan.Arrangements),
	})

	reg := &registration{name: name, text: text, plan: plan, at: at}
	for _, desc := range plan.Arrangements {
		h, err := e.manager.GetOrBuild(desc)
		if err != nil {
			e.release(reg)
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		reg.handles = append(reg.handles, h)
	}

	if eval {
		e.dispatch.addAt(name, plan.Output.Columns, at)
	} else {
		e.dispatch.add(name, plan.Output.Columns, at)
	}
	if err := e.coord.Install(plan, at, replay); err != nil {
		e.dispatch.remove(name)
		e.release(reg)
		return nil, fmt.Errorf("install %s: %w", name, err)
	}
	if !eval {
		reg.rules = plan.Rules
		e.rules.acquire(plan.Rules, q.Rules)
	}
	return reg, nil
}

// compile parses text and plans it against the schema and the rules
// of registered queries.
func (e *Engine) compile(name, text string, eval bool) (*planner.Plan, *query.Query, error) {
	q, err := e.parse.GetOrParse(text, parser.ParseQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if !eval {
		if err := e.rules.check(name, q.Rules); err != nil {
			return nil, nil, err
		}
	}
	plan, err := planner.CompileWith(name, q, e.store, planner.Options{Rules: e.rules, Private: eval})
	if err != nil {
		return nil, nil, err
	}
	return plan, q, nil
}

func (e *Engine) release(reg *registration) error {
	var errs []error
	for _, h := range reg.handles {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	reg.handles = nil
	return errors.Join(errs...)
}

// Unregister removes a query. Its subscriptions end and output still in
// flight is discarded. Unregistering an unknown name is a no-op.
func (e *Engine) Unregister(name string) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.queries[name]
	if !ok {
		return nil
	}
	delete(e.queries, name)
	err := e.uninstall(reg)
	e.opts.Handler.Emit(annotations.QueryUnregistered, start, map[string]interface{}{
		"query": name,
	})
	return err
}

func (e *Engine) uninstall(reg *registration) error {
	e.dispatch.remove(reg.name)
	e.rules.release(reg.rules)
	reg.rules = nil
	if e.closed {
		return nil
	}
	err := e.coord.Uninstall(reg.name)
	if errors.Is(err, datalog.ErrClosed) {
		err = nil
	}
	return errors.Join(err, e.release(reg))
}

// Subscribe opens a stream of the query's diffs. When the query already
// has rows, the first diff carries all of them.
func (e *Engine) Subscribe(name string) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, datalog.ErrClosed
	}
	return e.dispatch.subscribe(name)
}

// Result returns the query's accumulated result
func (e *Engine) Result(name string) (*Result, error) {
	return e.dispatch.result(name)
}

// Queries returns the registered query names, sorted
func (e *Engine) Queries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.queries))
	for name := range e.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rules returns the names of the rules registered queries publish,
// sorted. Any later description may call them.
func (e *Engine) Rules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules.names()
}

// Explain renders the compiled plan of a registered query
func (e *Engine) Explain(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.queries[name]
	if !ok {
		return "", fmt.Errorf("explain %s: %w", name, datalog.ErrUnknownQuery)
	}
	return reg.plan.String(), nil
}

// Evaluate computes a query description once against the closed times,
// without registering it. With AsOf it looks at an earlier time, which
// needs RetainHistory unless that time is the last closed one.
func (e *Engine) Evaluate(ctx context.Context, text string, opts ...EvalOption) (*Result, error) {
	var cfg evalConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	name := "eval-" + uuid.NewString()

	e.mu.Lock()
	if err := e.check(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	frontier := e.store.Frontier()
	if cfg.hasAsOf && cfg.asOf >= frontier {
		e.mu.Unlock()
		return nil, fmt.Errorf("evaluate as of %d, frontier %d: %w", cfg.asOf, frontier, datalog.ErrOutOfOrderTime)
	}
	if frontier == 0 {
		// nothing closed: validate only
		defer e.mu.Unlock()
		plan, _, err := e.compile(name, text, true)
		if err != nil {
			return nil, err
		}
		return &Result{Query: name, Columns: plan.Output.Columns}, nil
	}

	at := frontier - 1
	if cfg.hasAsOf {
		if cfg.asOf < at && !e.opts.RetainHistory {
			e.mu.Unlock()
			return nil, fmt.Errorf("evaluate as of %d: %w", cfg.asOf, datalog.ErrHistoryCompacted)
		}
		at = cfg.asOf
	}
	reg, err := e.install(name, text, at, true, true)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.uninstall(reg)
	}()

	if err := e.coord.Progress().Wait(ctx, name, at); err != nil {
		return nil, err
	}
	return e.dispatch.result(name)
}

// AttachJournal makes every later declaration, ingest and advance
// durable in j before it is applied.
func (e *Engine) AttachJournal(j store.Journal) {
	e.store.AttachJournal(j)
}

// Recover replays a journal into a fresh engine and then attaches it, so
// input after recovery is journaled too. It returns the number of
// entries replayed.
func (e *Engine) Recover(j *storage.BadgerJournal) (int, error) {
	n := 0
	err := j.Replay(func(entry storage.Entry) error {
		n++
		switch entry.Kind {
		case storage.EntryDeclare:
			return e.DeclareAttribute(entry.Spec.Name, entry.Spec.Cardinality, entry.Spec.Type)
		case storage.EntryIngest:
			return e.Ingest(entry.Facts, entry.Time)
		case storage.EntryAdvance:
			return e.Advance(entry.Time)
		}
		return fmt.Errorf("journal entry %d: %s: %w", entry.Seq, entry.Kind, storage.ErrCorruptEntry)
	})
	if err != nil {
		return n, fmt.Errorf("recover: %w", err)
	}
	e.AttachJournal(j)
	return n, nil
}

// Close ends every subscription and stops the workers. Closing twice is
// a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.queries = make(map[string]*registration)
	e.rules = newRuleRegistry()
	e.dispatch.closeAll()
	e.coord.Stop()
	return nil
}
