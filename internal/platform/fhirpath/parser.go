package fhirpath

import (
	"fmt"
	"strings"
)

// ============================================================================
// Parser — recursive descent
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func parse(expression string) (*astNode, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
	return root, nil
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("expected token kind %d but got %q at position %d", kind, t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//
//	implies          (1)
//	or  xor          (2)
//	and              (3)
//	= != < > <= >= ~ (4)
//	|                (5)  — union
//	+ -              (6)  — additive
//	* /              (7)  — multiplicative
//	unary - .[]()    (8+) — handled by parseUnary/parsePostfix
func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, opValue := p.infixInfo(tok)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &astNode{kind: kind, children: []*astNode{left, right}}
		if kind == ndCompare || kind == ndArith {
			node.value = opValue
		}
		left = node
	}
	return left, nil
}

func (p *parser) infixInfo(tok token) (int, nodeKind, string) {
	switch {
	case tok.kind == tkIdent && tok.value == "implies":
		return 1, ndImplies, "implies"
	case tok.kind == tkIdent && tok.value == "or":
		return 2, ndOr, "or"
	case tok.kind == tkIdent && tok.value == "xor":
		return 2, ndXor, "xor"
	case tok.kind == tkIdent && tok.value == "and":
		return 3, ndAnd, "and"
	case tok.kind == tkEq:
		return 4, ndCompare, "="
	case tok.kind == tkNe:
		return 4, ndCompare, "!="
	case tok.kind == tkLt:
		return 4, ndCompare, "<"
	case tok.kind == tkGt:
		return 4, ndCompare, ">"
	case tok.kind == tkLe:
		return 4, ndCompare, "<="
	case tok.kind == tkGe:
		return 4, ndCompare, ">="
	case tok.kind == tkEquiv:
		return 4, ndCompare, "~"
	case tok.kind == tkPipe:
		return 5, ndUnion, "|"
	case tok.kind == tkPlus:
		return 6, ndArith, "+"
	case tok.kind == tkMinus:
		return 6, ndArith, "-"
	case tok.kind == tkStar:
		return 7, ndArith, "*"
	case tok.kind == tkSlash:
		return 7, ndArith, "/"
	}
	return -1, 0, ""
}

func (p *parser) parseUnary() (*astNode, error) {
	if tok := p.peek(); tok.kind == tkMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &astNode{kind: ndArith, value: "neg", children: []*astNode{operand}}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		if tok.kind == tkDot {
			p.advance()
			next := p.peek()
			if next.kind != tkIdent {
				return nil, fmt.Errorf("expected identifier after '.' at position %d", next.pos)
			}
			ident := p.advance()

			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgList()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tkRParen); err != nil {
					return nil, err
				}
				node = &astNode{
					kind:     ndFunction,
					value:    ident.value,
					children: append([]*astNode{node}, args...),
				}
			} else {
				right := &astNode{kind: ndPath, value: ident.value}
				node = &astNode{kind: ndDot, children: []*astNode{node, right}}
			}
		} else if tok.kind == tkLBrack {
			p.advance()
			idxExpr, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			node = &astNode{kind: ndIndex, children: []*astNode{node, idxExpr}}
		} else {
			break
		}
	}
	return node, nil
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.peek()

	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		return &astNode{kind: ndLiteral, value: numberLiteral(tok.value)}, nil

	case tkDateTime:
		p.advance()
		return &astNode{kind: ndLiteral, value: dateTimeLiteral(tok.value)}, nil

	case tkIdent:
		p.advance()
		name := tok.value

		if name == "true" {
			return &astNode{kind: ndLiteral, value: true}, nil
		}
		if name == "false" {
			return &astNode{kind: ndLiteral, value: false}, nil
		}

		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return &astNode{kind: ndFunction, value: name, children: args}, nil
		}

		return &astNode{kind: ndPath, value: name}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, nil
}

// dateTimeLiteral and numberLiteral are marker types distinguishing a
// parsed @-literal or numeric literal's raw text from an ordinary string
// literal, so eval.go can tell them apart by Go type and defer actual
// parsing to when the value is used.
type dateTimeLiteral string
type numberLiteral string

func isIntegerLiteralText(s string) bool {
	return !strings.Contains(s, ".")
}
