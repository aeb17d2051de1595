// Package calc provides the calculator tool: arithmetic expression
// evaluation with +, -, *, /, and parentheses.
package calc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/athanor-ai/athanor"
)

const schema = `{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "description": "Arithmetic expression to evaluate, e.g. \"2+3\" or \"(1.5*4)/2\""}
	},
	"required": ["expression"]
}`

// Tool returns the calculator catalog entry.
func Tool() *athanor.Tool {
	return &athanor.Tool{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression. Supports +, -, *, / and parentheses.",
		Category:    athanor.CategoryBackground,
		InputSchema: schema,
		Handler:     handle,
	}
}

func handle(_ context.Context, inv athanor.Invocation) (string, error) {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(inv.Args, &params); err != nil {
		return "", athanor.ToolErr(athanor.KindValidationError, inv.CallID, "invalid args: %v", err)
	}
	v, err := eval(params.Expression)
	if err != nil {
		return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "%v", err)
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

// eval parses and evaluates with a small recursive-descent parser.
func eval(expr string) (float64, error) {
	p := &parser{input: expr}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

// term := factor (('*'|'/') factor)*
func (p *parser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

// factor := number | '(' expr ')' | '-' factor
func (p *parser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(p.input[start:p.pos]), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
		}
		return v, nil
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
}
