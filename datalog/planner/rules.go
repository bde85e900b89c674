package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/wbrown/janus-dataflow/datalog/query"
)

// RuleSource resolves rules a description calls but does not define
type RuleSource interface {
	Rule(name string) ([]query.Rule, bool)
}

// Options tune compilation.
type Options struct {
	// Rules resolves rule calls not defined by the description itself.
	Rules RuleSource

	// Private qualifies every relation with the query name, so the plan
	// shares no derived arrangement with any other query.
	Private bool
}

// RuleText is the canonical text of a rule's definitions. Two rule
// groups with the same text define the same relation.
func RuleText(defs []query.Rule) string {
	parts := make([]string, len(defs))
	for i, r := range defs {
		parts[i] = r.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

// nameRelations assigns every relation its arrangement name. Rule
// relations are named after their definitions and everything those
// read, so equal rules compiled for different queries name one shared
// relation. The result relation always belongs to its query.
func (c *compiler) nameRelations(components [][]string) {
	c.names = make(map[string]string, len(c.order))
	for _, comp := range components {
		if c.opts.Private || comp[0] == findRelation {
			for _, local := range comp {
				c.names[local] = c.name + ":" + local
			}
			continue
		}

		member := make(map[string]bool, len(comp))
		for _, local := range comp {
			member[local] = true
		}
		var parts []string
		for _, local := range comp {
			for _, def := range c.defs[local] {
				parts = append(parts, c.canonical(local, def, member))
			}
		}
		sort.Strings(parts)
		sum := xxhash.Sum64String(strings.Join(parts, "\n"))
		for _, local := range comp {
			c.names[local] = fmt.Sprintf("%s#%016x", baseName(local), sum)
		}
	}
}

// canonical renders a definition with every relation it reads outside
// its own component replaced by that relation's name
func (c *compiler) canonical(local string, def definition, member map[string]bool) string {
	var sb strings.Builder
	sb.WriteString("(" + baseName(local))
	for _, p := range def.params {
		sb.WriteString(" " + p.String())
	}
	sb.WriteString(")")
	for _, it := range def.items {
		sb.WriteByte(' ')
		if it.call == nil {
			sb.WriteString(it.clause.String())
			continue
		}
		callee := it.call.Name
		if member[callee] {
			callee = baseName(callee)
		} else {
			callee = c.names[callee]
		}
		if it.negated {
			sb.WriteString("!")
		}
		sb.WriteString("(" + callee)
		for _, a := range it.call.Args {
			sb.WriteString(" " + a.String())
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// baseName drops the counter of auxiliary relations, which depends on
// clause order in the enclosing description
func baseName(local string) string {
	if strings.HasPrefix(local, notPrefix) {
		return strings.TrimSuffix(notPrefix, "_")
	}
	return local
}
