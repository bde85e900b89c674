package edn

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeType represents the type of EDN node
type NodeType int

const (
	NodeNil NodeType = iota
	NodeBool
	NodeInt
	NodeRatio
	NodeFloat
	NodeString
	NodeSymbol
	NodeKeyword
	NodeList
	NodeVector
	NodeMap
	NodeSet
	NodeTagged
)

var nodeNames = [...]string{
	NodeNil:     "nil",
	NodeBool:    "bool",
	NodeInt:     "int",
	NodeRatio:   "ratio",
	NodeFloat:   "float",
	NodeString:  "string",
	NodeSymbol:  "symbol",
	NodeKeyword: "keyword",
	NodeList:    "list",
	NodeVector:  "vector",
	NodeMap:     "map",
	NodeSet:     "set",
	NodeTagged:  "tagged",
}

// String returns the node type name
func (t NodeType) String() string {
	if int(t) < len(nodeNames) {
		return nodeNames[t]
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}

// Node represents an EDN value
type Node struct {
	Type   NodeType
	Line   int
	Col    int
	Value  string // For atoms
	Nodes  []Node // For collections
	Tag    string // For tagged values
	Tagged *Node  // For tagged values
}

// String returns the node in EDN syntax
func (n Node) String() string {
	switch n.Type {
	case NodeNil:
		return "nil"
	case NodeString:
		return strconv.Quote(n.Value)
	case NodeList:
		return "(" + joinNodes(n.Nodes) + ")"
	case NodeVector:
		return "[" + joinNodes(n.Nodes) + "]"
	case NodeMap:
		return "{" + joinNodes(n.Nodes) + "}"
	case NodeSet:
		return "#{" + joinNodes(n.Nodes) + "}"
	case NodeTagged:
		return "#" + n.Tag + " " + n.Tagged.String()
	default:
		return n.Value
	}
}

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, node := range nodes {
		parts[i] = node.String()
	}
	return strings.Join(parts, " ")
}

// Errorf builds a SyntaxError positioned at this node
func (n Node) Errorf(format string, args ...interface{}) error {
	return syntaxErrorf(n.Line, n.Col, format, args...)
}

// AsInt returns the int value of an int node
func (n Node) AsInt() (int64, error) {
	if n.Type != NodeInt {
		return 0, n.Errorf("expected int, got %s", n.Type)
	}
	return strconv.ParseInt(strings.TrimRight(n.Value, "N"), 10, 64)
}

// AsRatio returns the numerator and denominator of a ratio node
func (n Node) AsRatio() (int64, int64, error) {
	if n.Type != NodeRatio {
		return 0, 0, n.Errorf("expected ratio, got %s", n.Type)
	}
	num, den, _ := strings.Cut(n.Value, "/")
	a, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseInt(den, 10, 64)
	return a, b, err
}

// AsBool returns the bool value of a bool node
func (n Node) AsBool() (bool, error) {
	if n.Type != NodeBool {
		return false, n.Errorf("expected bool, got %s", n.Type)
	}
	return n.Value == "true", nil
}

// IsSymbol reports whether the node is the given symbol
func (n Node) IsSymbol(name string) bool {
	return n.Type == NodeSymbol && n.Value == name
}

// IsKeyword reports whether the node is the given keyword
func (n Node) IsKeyword(name string) bool {
	return n.Type == NodeKeyword && n.Value == name
}

// IsCollection returns true if the node is a collection type
func (n Node) IsCollection() bool {
	return n.Type == NodeList || n.Type == NodeVector || n.Type == NodeMap || n.Type == NodeSet
}
