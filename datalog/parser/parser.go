package parser

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/edn"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// ParseQuery parses a query description from EDN format
func ParseQuery(input string) (*query.Query, error) {
	// Parse as EDN first
	node, err := edn.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("EDN parse error: %w", err)
	}

	// Must be a vector
	if node.Type != edn.NodeVector {
		return nil, fmt.Errorf("query must be a vector, got %v", node.Type)
	}

	return parseQueryVector(node)
}

// parseQueryVector parses a query from an EDN vector node
func parseQueryVector(node *edn.Node) (*query.Query, error) {
	q := &query.Query{}

	i := 0
	for i < len(node.Nodes) {
		if node.Nodes[i].Type != edn.NodeKeyword {
			return nil, fmt.Errorf("expected keyword at position %d, got %v", i, node.Nodes[i].Type)
		}

		keyword := node.Nodes[i].Value
		i++

		// Every section runs until the next keyword
		start := i
		for i < len(node.Nodes) && node.Nodes[i].Type != edn.NodeKeyword {
			i++
		}
		section := node.Nodes[start:i]

		switch keyword {
		case ":find":
			for j := range section {
				elem, err := parseFindElement(&section[j])
				if err != nil {
					return nil, fmt.Errorf("error parsing find element: %w", err)
				}
				q.Find = append(q.Find, elem)
			}

		case ":with":
			for j := range section {
				sym := query.Symbol(section[j].Value)
				if section[j].Type != edn.NodeSymbol || !sym.IsVariable() {
					return nil, fmt.Errorf(":with must contain variables, got %s", section[j])
				}
				q.With = append(q.With, sym)
			}

		case ":where":
			for j := range section {
				clause, err := parseClause(&section[j])
				if err != nil {
					return nil, fmt.Errorf("error parsing clause %s: %w", section[j], err)
				}
				q.Where = append(q.Where, clause)
			}

		case ":rules":
			if len(section) != 1 || section[0].Type != edn.NodeVector {
				return nil, fmt.Errorf(":rules must be followed by a single vector")
			}
			rules, err := parseRules(&section[0])
			if err != nil {
				return nil, err
			}
			q.Rules = append(q.Rules, rules...)

		default:
			return nil, fmt.Errorf("unknown query clause: %s", keyword)
		}
	}

	// Validate query
	if len(q.Find) == 0 {
		return nil, fmt.Errorf("query must have at least one find variable")
	}
	if len(q.Where) == 0 {
		return nil, fmt.Errorf("query must have at least one where clause")
	}

	return q, nil
}

// parseFindElement parses a find element (variable or aggregate)
func parseFindElement(node *edn.Node) (query.FindElement, error) {
	switch node.Type {
	case edn.NodeSymbol:
		// Simple variable
		sym := query.Symbol(node.Value)
		if !sym.IsVariable() {
			return nil, fmt.Errorf("find clause must contain variables, got %s", sym)
		}
		return query.FindVariable{Symbol: sym}, nil

	case edn.NodeList:
		if len(node.Nodes) > 0 && node.Nodes[0].Type == edn.NodeSymbol && node.Nodes[0].Value == "pull" {
			return parsePull(node)
		}
		// Aggregate function (sum ?x), (count ?x), etc.
		if len(node.Nodes) != 2 {
			return nil, fmt.Errorf("aggregate function must have exactly 2 elements: function and argument")
		}
		if node.Nodes[0].Type != edn.NodeSymbol || node.Nodes[1].Type != edn.NodeSymbol {
			return nil, fmt.Errorf("aggregate must be (function ?variable), got %s", node)
		}

		fn := node.Nodes[0].Value
		argSym := query.Symbol(node.Nodes[1].Value)
		if !argSym.IsVariable() {
			return nil, fmt.Errorf("aggregate argument must be a variable, got %s", argSym)
		}

		// Validate function name
		if _, err := query.NewAggregate(fn); err != nil {
			return nil, err
		}

		return query.FindAggregate{Function: fn, Arg: argSym}, nil

	default:
		return nil, fmt.Errorf("find element must be a symbol or list, got %v", node.Type)
	}
}

// parsePull parses (pull ?e [:attr ...])
func parsePull(node *edn.Node) (query.FindPull, error) {
	if len(node.Nodes) != 3 || node.Nodes[1].Type != edn.NodeSymbol || node.Nodes[2].Type != edn.NodeVector {
		return query.FindPull{}, fmt.Errorf("pull must be (pull ?variable [:attribute ...]), got %s", node)
	}
	sym := query.Symbol(node.Nodes[1].Value)
	if !sym.IsVariable() {
		return query.FindPull{}, fmt.Errorf("pull target must be a variable, got %s", sym)
	}
	pull := query.FindPull{Symbol: sym}
	for _, attr := range node.Nodes[2].Nodes {
		if attr.Type != edn.NodeKeyword {
			return query.FindPull{}, fmt.Errorf("pull attributes must be keywords, got %s", attr)
		}
		pull.Attributes = append(pull.Attributes, datalog.AttributeFromKeyword(attr.Value))
	}
	if len(pull.Attributes) == 0 {
		return query.FindPull{}, fmt.Errorf("pull requires at least one attribute")
	}
	return pull, nil
}

// parseClause parses a where clause or rule body clause
func parseClause(node *edn.Node) (query.Clause, error) {
	switch node.Type {
	case edn.NodeVector:
		return parsePattern(node)
	case edn.NodeList:
		if len(node.Nodes) == 0 || node.Nodes[0].Type != edn.NodeSymbol {
			return nil, fmt.Errorf("list clause must start with a symbol")
		}
		if node.Nodes[0].Value == "not" {
			return parseNot(node)
		}
		return parseRuleCall(node)
	default:
		return nil, fmt.Errorf("clause must be a vector or list, got %v", node.Type)
	}
}

// parsePattern parses a pattern from an EDN vector
func parsePattern(node *edn.Node) (query.Clause, error) {
	// Check if this is a function/expression pattern [(fn ...) ...]
	if len(node.Nodes) >= 1 && node.Nodes[0].Type == edn.NodeList {
		// Check if it's an expression [(fn ...) ?binding]
		if len(node.Nodes) == 2 && node.Nodes[1].Type == edn.NodeSymbol {
			sym := query.Symbol(node.Nodes[1].Value)
			if sym.IsVariable() {
				return parseExpression(&node.Nodes[0], sym)
			}
		}
		// Otherwise it's a predicate function pattern [(fn ...)]
		if len(node.Nodes) == 1 {
			return parsePredicate(&node.Nodes[0])
		}
		return nil, fmt.Errorf("function pattern must be [(fn ...)] or [(fn ...) ?binding]")
	}

	// Otherwise it's a data pattern
	if len(node.Nodes) != 3 {
		return nil, fmt.Errorf("data pattern must have 3 elements, got %d", len(node.Nodes))
	}

	pattern := &query.DataPattern{
		Elements: make([]query.PatternElement, len(node.Nodes)),
	}

	for i := range node.Nodes {
		elem, err := parsePatternElement(&node.Nodes[i])
		if err != nil {
			return nil, fmt.Errorf("error parsing pattern element %d: %w", i, err)
		}
		pattern.Elements[i] = elem
	}

	// Attribute position must name an attribute
	if c, ok := pattern.Elements[1].(query.Constant); !ok || c.Value.Kind() != datalog.KindAttribute {
		return nil, fmt.Errorf("pattern attribute must be a keyword, got %s", pattern.Elements[1])
	}

	// Integer constants in entity position are entity references
	if c, ok := pattern.Elements[0].(query.Constant); ok {
		if n, isInt := c.Value.AsInt(); isInt && n >= 0 {
			pattern.Elements[0] = query.Constant{Value: datalog.Ref(datalog.Entity(n))}
		} else if c.Value.Kind() != datalog.KindRef {
			return nil, fmt.Errorf("pattern entity must be a variable or entity id, got %s", c)
		}
	}

	return pattern, nil
}

// parseFunctionCall splits (fn arg...) into its name and two terms
func parseFunctionCall(node *edn.Node) (string, query.Term, query.Term, error) {
	if len(node.Nodes) != 3 {
		return "", nil, nil, fmt.Errorf("%s must have exactly two arguments", node)
	}
	if node.Nodes[0].Type != edn.NodeSymbol {
		return "", nil, nil, fmt.Errorf("function name must be a symbol, got %v", node.Nodes[0].Type)
	}

	left, err := parseTerm(&node.Nodes[1])
	if err != nil {
		return "", nil, nil, err
	}
	right, err := parseTerm(&node.Nodes[2])
	if err != nil {
		return "", nil, nil, err
	}
	return node.Nodes[0].Value, left, right, nil
}

// parsePredicate parses a comparison such as (>= ?age 18)
func parsePredicate(node *edn.Node) (*query.Comparison, error) {
	fn, left, right, err := parseFunctionCall(node)
	if err != nil {
		return nil, err
	}
	op, ok := query.ParseCompareOp(fn)
	if !ok {
		return nil, fmt.Errorf("unknown predicate: %s", fn)
	}
	return &query.Comparison{Op: op, Left: left, Right: right}, nil
}

// parseExpression parses an arithmetic expression and its binding variable
func parseExpression(node *edn.Node, binding query.Symbol) (*query.Expression, error) {
	fn, left, right, err := parseFunctionCall(node)
	if err != nil {
		return nil, err
	}
	op, ok := query.ParseArithmeticOp(fn)
	if !ok {
		return nil, fmt.Errorf("unknown function: %s", fn)
	}
	return &query.Expression{
		Function: query.ArithmeticFunction{Op: op, Left: left, Right: right},
		Binding:  binding,
	}, nil
}

// parseTerm parses a predicate or function argument
func parseTerm(node *edn.Node) (query.Term, error) {
	elem, err := parsePatternElement(node)
	if err != nil {
		return nil, err
	}
	switch e := elem.(type) {
	case query.Variable:
		return query.VariableTerm{Symbol: e.Name}, nil
	case query.Constant:
		return query.ConstantTerm{Value: e.Value}, nil
	default:
		return nil, fmt.Errorf("blank is not allowed as an argument")
	}
}

// parseRuleCall parses a rule invocation (name arg...)
func parseRuleCall(node *edn.Node) (*query.RuleCall, error) {
	call := &query.RuleCall{Name: node.Nodes[0].Value}
	for i := 1; i < len(node.Nodes); i++ {
		arg, err := parsePatternElement(&node.Nodes[i])
		if err != nil {
			return nil, fmt.Errorf("error parsing argument %d of %s: %w", i, call.Name, err)
		}
		call.Args = append(call.Args, arg)
	}
	return call, nil
}

// parseNot parses (not clause...)
func parseNot(node *edn.Node) (*query.NotClause, error) {
	if len(node.Nodes) < 2 {
		return nil, fmt.Errorf("not requires at least one clause")
	}
	not := &query.NotClause{}
	for i := 1; i < len(node.Nodes); i++ {
		clause, err := parseClause(&node.Nodes[i])
		if err != nil {
			return nil, err
		}
		not.Clauses = append(not.Clauses, clause)
	}
	return not, nil
}

// parseRules parses [[(name ?a ?b) clause...] ...]
func parseRules(node *edn.Node) ([]query.Rule, error) {
	var rules []query.Rule
	for i := range node.Nodes {
		def := &node.Nodes[i]
		if def.Type != edn.NodeVector || len(def.Nodes) < 2 || def.Nodes[0].Type != edn.NodeList {
			return nil, fmt.Errorf("rule must be [(name ?args...) clauses...], got %s", def)
		}

		head := &def.Nodes[0]
		if len(head.Nodes) == 0 || head.Nodes[0].Type != edn.NodeSymbol {
			return nil, fmt.Errorf("rule head must start with a name, got %s", head)
		}
		rule := query.Rule{Name: head.Nodes[0].Value}
		for _, param := range head.Nodes[1:] {
			sym := query.Symbol(param.Value)
			if param.Type != edn.NodeSymbol || !sym.IsVariable() {
				return nil, fmt.Errorf("rule %s parameters must be variables, got %s", rule.Name, param)
			}
			rule.Params = append(rule.Params, sym)
		}

		for j := 1; j < len(def.Nodes); j++ {
			clause, err := parseClause(&def.Nodes[j])
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
			}
			rule.Body = append(rule.Body, clause)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// parsePatternElement parses a variable, blank or literal
func parsePatternElement(node *edn.Node) (query.PatternElement, error) {
	if node.Type == edn.NodeSymbol {
		sym := query.Symbol(node.Value)
		if sym.IsVariable() {
			return query.Variable{Name: sym}, nil
		} else if node.Value == "_" {
			return query.Blank{}, nil
		}
		return nil, fmt.Errorf("invalid symbol in pattern: %s", node.Value)
	}

	v, err := ParseValue(node)
	if err != nil {
		return nil, err
	}
	return query.Constant{Value: v}, nil
}

// ParseValue converts an EDN literal into a Value. Keywords become
// attribute values, #ref n an entity reference and #uuid "..." an
// external identifier.
func ParseValue(node *edn.Node) (datalog.Value, error) {
	switch node.Type {
	case edn.NodeKeyword:
		return datalog.AttributeValue(datalog.AttributeFromKeyword(node.Value)), nil

	case edn.NodeString:
		return datalog.String(node.Value), nil

	case edn.NodeInt:
		n, err := node.AsInt()
		if err != nil {
			return datalog.Value{}, fmt.Errorf("invalid integer: %w", err)
		}
		return datalog.Int(n), nil

	case edn.NodeRatio:
		num, den, err := node.AsRatio()
		if err != nil {
			return datalog.Value{}, fmt.Errorf("invalid ratio: %w", err)
		}
		return datalog.Rational(num, den)

	case edn.NodeBool:
		b, _ := node.AsBool()
		return datalog.Bool(b), nil

	case edn.NodeTagged:
		return parseTagged(node)

	default:
		return datalog.Value{}, fmt.Errorf("unsupported literal %s of type %v", node, node.Type)
	}
}

func parseTagged(node *edn.Node) (datalog.Value, error) {
	switch node.Tag {
	case "ref":
		n, err := node.Tagged.AsInt()
		if err != nil || n < 0 {
			return datalog.Value{}, fmt.Errorf("#ref requires a non-negative integer, got %s", node.Tagged)
		}
		return datalog.Ref(datalog.Entity(n)), nil
	case "uuid":
		if node.Tagged.Type != edn.NodeString {
			return datalog.Value{}, fmt.Errorf("#uuid requires a string, got %s", node.Tagged)
		}
		id, err := uuid.Parse(node.Tagged.Value)
		if err != nil {
			return datalog.Value{}, fmt.Errorf("invalid #uuid: %w", err)
		}
		return datalog.UUID(id), nil
	default:
		return datalog.Value{}, fmt.Errorf("unsupported tag #%s", node.Tag)
	}
}

// ParseFacts parses a transaction: a vector of [e :attr v] assertions,
// [:db/add e :attr v] assertions and [:db/retract e :attr v] retractions.
func ParseFacts(input string) ([]datalog.Fact, error) {
	node, err := edn.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("EDN parse error: %w", err)
	}
	if node.Type != edn.NodeVector {
		return nil, fmt.Errorf("transaction must be a vector, got %v", node.Type)
	}

	facts := make([]datalog.Fact, 0, len(node.Nodes))
	for i := range node.Nodes {
		fact, err := parseFact(&node.Nodes[i])
		if err != nil {
			return nil, fmt.Errorf("fact %d: %w", i, err)
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func parseFact(node *edn.Node) (datalog.Fact, error) {
	if node.Type != edn.NodeVector {
		return datalog.Fact{}, fmt.Errorf("fact must be a vector, got %s", node)
	}
	elems := node.Nodes
	diff := datalog.Diff(1)
	if len(elems) == 4 && elems[0].Type == edn.NodeKeyword {
		switch elems[0].Value {
		case ":db/add":
		case ":db/retract":
			diff = -1
		default:
			return datalog.Fact{}, fmt.Errorf("unknown operation %s", elems[0].Value)
		}
		elems = elems[1:]
	}
	if len(elems) != 3 {
		return datalog.Fact{}, fmt.Errorf("fact must be [e :attr v], got %s", node)
	}

	var e datalog.Entity
	switch ev, err := ParseValue(&elems[0]); {
	case err != nil:
		return datalog.Fact{}, err
	case ev.Kind() == datalog.KindInt:
		n, _ := ev.AsInt()
		if n < 0 {
			return datalog.Fact{}, fmt.Errorf("entity id must be non-negative, got %d", n)
		}
		e = datalog.Entity(n)
	case ev.Kind() == datalog.KindRef:
		e, _ = ev.AsRef()
	default:
		return datalog.Fact{}, fmt.Errorf("entity must be an integer id, got %s", elems[0])
	}

	if elems[1].Type != edn.NodeKeyword || !strings.HasPrefix(elems[1].Value, ":") {
		return datalog.Fact{}, fmt.Errorf("attribute must be a keyword, got %s", elems[1])
	}
	v, err := ParseValue(&elems[2])
	if err != nil {
		return datalog.Fact{}, err
	}

	return datalog.Fact{E: e, A: datalog.AttributeFromKeyword(elems[1].Value), V: v, Diff: diff}, nil
}
