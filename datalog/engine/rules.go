package engine

import (
	"fmt"
	"sort"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/planner"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// ruleRegistry holds the named rules of registered queries. A name is
// bound to one definition while any query that defines it is live, so
// later descriptions may call it without restating it.
type ruleRegistry struct {
	rules map[string]*ruleEntry
}

type ruleEntry struct {
	defs []query.Rule
	text string
	refs int
}

func newRuleRegistry() *ruleRegistry {
	return &ruleRegistry{rules: make(map[string]*ruleEntry)}
}

// Rule implements planner.RuleSource
func (r *ruleRegistry) Rule(name string) ([]query.Rule, bool) {
	e, ok := r.rules[name]
	if !ok {
		return nil, false
	}
	return e.defs, true
}

// check rejects rules whose name is bound to a different definition
func (r *ruleRegistry) check(queryName string, rules []query.Rule) error {
	for name, defs := range group(rules) {
		e, ok := r.rules[name]
		if !ok {
			continue
		}
		if text := planner.RuleText(defs); text != e.text {
			return &datalog.CompileError{
				Query:  queryName,
				Clause: name,
				Err:    fmt.Errorf("%w: %s is already defined as %s", datalog.ErrRuleConflict, name, e.text),
			}
		}
	}
	return nil
}

// acquire binds every rule the plan computes. Rules the description
// defined are taken from it; imported ones are already bound.
func (r *ruleRegistry) acquire(names []string, rules []query.Rule) {
	defs := group(rules)
	for _, name := range names {
		e, ok := r.rules[name]
		if !ok {
			e = &ruleEntry{defs: defs[name], text: planner.RuleText(defs[name])}
			r.rules[name] = e
		}
		e.refs++
	}
}

func (r *ruleRegistry) release(names []string) {
	for _, name := range names {
		e, ok := r.rules[name]
		if !ok {
			continue
		}
		if e.refs--; e.refs <= 0 {
			delete(r.rules, name)
		}
	}
}

func (r *ruleRegistry) names() []string {
	out := make([]string, 0, len(r.rules))
	for name := range r.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func group(rules []query.Rule) map[string][]query.Rule {
	out := make(map[string][]query.Rule)
	for _, r := range rules {
		out[r.Name] = append(out[r.Name], r)
	}
	return out
}
