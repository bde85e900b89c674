package planner

import (
	"fmt"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// edge is a dependency of a relation on a relation its body reads
type edge struct {
	to      string
	negated bool
	clause  query.Clause
}

// tarjan finds strongly connected components. Components are emitted
// callees first, which is the evaluation order of strata.
type tarjan struct {
	edges   map[string][]edge
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	next    int
	result  [][]string
}

func (t *tarjan) visit(v string) {
	t.index[v] = t.next
	t.lowlink[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, e := range t.edges[v] {
		if _, seen := t.index[e.to]; !seen {
			t.visit(e.to)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[e.to])
		} else if t.onStack[e.to] {
			t.lowlink[v] = min(t.lowlink[v], t.index[e.to])
		}
	}

	if t.lowlink[v] == t.index[v] {
		var comp []string
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		// discovery order within a component keeps plans deterministic
		for i, j := 0, len(comp)-1; i < j; i, j = i+1, j-1 {
			comp[i], comp[j] = comp[j], comp[i]
		}
		t.result = append(t.result, comp)
	}
}

// stratify orders relations into strata and rejects negation through
// recursion
func (c *compiler) stratify() ([][]string, error) {
	t := &tarjan{
		edges:   c.edges,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for _, rel := range c.order {
		if _, seen := t.index[rel]; !seen {
			t.visit(rel)
		}
	}

	component := make(map[string]int)
	for i, comp := range t.result {
		for _, rel := range comp {
			component[rel] = i
		}
	}
	for _, rel := range c.order {
		for _, e := range c.edges[rel] {
			if e.negated && component[e.to] == component[rel] {
				return nil, c.errorf(e.clause, fmt.Errorf("%w: %s depends negatively on itself",
					datalog.ErrUnstratifiableNegation, c.display(rel)))
			}
		}
	}
	return t.result, nil
}

// recursive reports whether a component depends on itself
func (c *compiler) recursive(comp []string) bool {
	if len(comp) > 1 {
		return true
	}
	for _, e := range c.edges[comp[0]] {
		if e.to == comp[0] {
			return true
		}
	}
	return false
}

func (c *compiler) display(rel string) string {
	if rel == findRelation {
		return "query"
	}
	return rel
}
