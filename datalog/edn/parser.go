package edn

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Character validation for symbols
	symbolChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.*+!-_?$%&=<>/#'"

	intPattern   = regexp.MustCompile(`^[+-]?\d+N?$`)
	ratioPattern = regexp.MustCompile(`^[+-]?\d+/\d+$`)
	floatPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?([eE][+-]?\d+)?M?$`)
)

// Parser parses EDN tokens into an AST
type Parser struct {
	lexer *Lexer
}

// NewParser creates a new parser
func NewParser(lexer *Lexer) *Parser {
	return &Parser{lexer: lexer}
}

// Parse parses a single EDN value from input
func Parse(input string) (*Node, error) {
	lexer := NewLexer(input)
	if err := lexer.Lex(); err != nil {
		return nil, err
	}

	parser := NewParser(lexer)
	node, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	if tok := lexer.PeekToken(); tok.Type != TokenEOF {
		return nil, syntaxErrorf(tok.Line, tok.Col, "unexpected trailing input %s", tok)
	}
	return node, nil
}

// ParseAll parses every EDN value in input
func ParseAll(input string) ([]Node, error) {
	lexer := NewLexer(input)
	if err := lexer.Lex(); err != nil {
		return nil, err
	}
	return NewParser(lexer).ParseAll()
}

// Parse reads a single value, skipping discarded forms
func (p *Parser) Parse() (*Node, error) {
	for {
		node, err := p.readNode()
		if err != nil || node != nil {
			return node, err
		}
	}
}

// ParseAll reads all values until EOF
func (p *Parser) ParseAll() ([]Node, error) {
	var nodes []Node
	for p.lexer.PeekToken().Type != TokenEOF {
		node, err := p.readNode()
		if err != nil {
			return nil, err
		}
		if node != nil {
			nodes = append(nodes, *node)
		}
	}
	return nodes, nil
}

// readNode reads a single node. A nil node with no error is a #_ discard.
func (p *Parser) readNode() (*Node, error) {
	token := p.lexer.PeekToken()

	switch token.Type {
	case TokenEOF:
		return nil, syntaxErrorf(token.Line, token.Col, "unexpected EOF")
	case TokenString:
		p.lexer.NextToken()
		return &Node{Type: NodeString, Value: token.Value, Line: token.Line, Col: token.Col}, nil
	case TokenAtom:
		return p.readAtom()
	case TokenLeftParen:
		return p.readSeq(NodeList, TokenRightParen)
	case TokenLeftBracket:
		return p.readSeq(NodeVector, TokenRightBracket)
	case TokenLeftBrace:
		node, err := p.readSeq(NodeMap, TokenRightBrace)
		if err == nil && len(node.Nodes)%2 != 0 {
			return nil, node.Errorf("map must have even number of elements")
		}
		return node, err
	case TokenSetOpen:
		return p.readSeq(NodeSet, TokenRightBrace)
	default:
		return nil, syntaxErrorf(token.Line, token.Col, "unexpected token %s", token.Type)
	}
}

// readAtom reads and classifies an atom
func (p *Parser) readAtom() (*Node, error) {
	token := p.lexer.NextToken()
	value := token.Value
	node := &Node{Value: value, Line: token.Line, Col: token.Col}

	switch {
	case value == "nil":
		node.Type = NodeNil
	case value == "true" || value == "false":
		node.Type = NodeBool
	case value == "#_":
		if _, err := p.readNode(); err != nil {
			return nil, err
		}
		return nil, nil
	case strings.HasPrefix(value, "#"):
		tagged, err := p.Parse()
		if err != nil {
			return nil, err
		}
		node.Type = NodeTagged
		node.Tag = value[1:]
		node.Tagged = tagged
		node.Value = ""
	case strings.HasPrefix(value, ":"):
		if err := validateKeyword(value); err != nil {
			return nil, syntaxErrorf(token.Line, token.Col, "%v", err)
		}
		node.Type = NodeKeyword
	case intPattern.MatchString(value):
		node.Type = NodeInt
	case ratioPattern.MatchString(value):
		node.Type = NodeRatio
	case floatPattern.MatchString(value):
		node.Type = NodeFloat
	default:
		if err := validateSymbol(value); err != nil {
			return nil, syntaxErrorf(token.Line, token.Col, "%v", err)
		}
		node.Type = NodeSymbol
	}
	return node, nil
}

// readSeq reads the elements of a collection up to its closing token
func (p *Parser) readSeq(typ NodeType, closing TokenType) (*Node, error) {
	start := p.lexer.NextToken()

	node := &Node{Type: typ, Line: start.Line, Col: start.Col}
	for {
		token := p.lexer.PeekToken()
		if token.Type == closing {
			p.lexer.NextToken()
			return node, nil
		}
		if token.Type == TokenEOF {
			return nil, syntaxErrorf(start.Line, start.Col, "unterminated %s", typ)
		}

		child, err := p.readNode()
		if err != nil {
			return nil, err
		}
		if child != nil {
			node.Nodes = append(node.Nodes, *child)
		}
	}
}

// Validation functions

func validateSymbol(s string) error {
	if s == "" {
		return &SyntaxError{Msg: "empty symbol"}
	}
	if unicode.IsDigit(rune(s[0])) {
		return &SyntaxError{Msg: "symbol cannot start with digit: " + s}
	}
	for _, ch := range strings.ToUpper(s) {
		if !strings.ContainsRune(symbolChars, ch) {
			return &SyntaxError{Msg: "invalid character '" + string(ch) + "' in symbol: " + s}
		}
	}
	return nil
}

func validateKeyword(s string) error {
	if len(s) == 1 {
		return &SyntaxError{Msg: "empty keyword"}
	}
	return validateSymbol(s[1:])
}
