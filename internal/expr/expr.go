// Package expr evaluates the restricted arithmetic language available to
// math and condition nodes: + - * / % ** with standard precedence,
// parentheses, and {{...}} template operands resolved against the
// execution's variable scope. The grammar is deliberately tiny and
// side-effect free; workflows get arithmetic and interpolation, not a
// scripting language.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/flowquant/flowquant/internal/vars"
)

// EvaluationError reports an expression that cannot be computed. It is
// branch-local: the orchestrator logs it and prunes the node's
// descendants without failing the whole run.
type EvaluationError struct {
	Expr string
	Msg  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("cannot evaluate %q: %s", e.Expr, e.Msg)
}

func evalErrf(expr, format string, args ...any) error {
	return &EvaluationError{Expr: expr, Msg: fmt.Sprintf(format, args...)}
}

// Eval resolves templates in the expression against scope, then parses
// and computes it. Division or modulo by zero is an EvaluationError, not
// an infinity; the workflow author handles it with a condition node.
func Eval(expression string, scope *vars.Store) (float64, error) {
	resolved := expression
	if scope != nil {
		resolved = scope.Interpolate(expression)
	}
	p := &parser{src: resolved, orig: expression}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, evalErrf(p.orig, "unexpected %q at offset %d", p.src[p.pos:], p.pos)
	}
	return v, nil
}

// parser is a recursive-descent parser over the resolved expression.
// Grammar, lowest precedence first:
//
//	expr   = term   { ("+" | "-") term }
//	term   = power  { ("*" | "/" | "%") power }
//	power  = unary  [ "**" power ]          (right-associative)
//	unary  = [ "-" | "+" ] primary
//	primary= number | "(" expr ")"
type parser struct {
	src  string
	orig string
	pos  int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

func (p *parser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *parser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peek() == '*' && !p.lookingAt("**"):
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.peek() == '/':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, evalErrf(p.orig, "division by zero")
			}
			left /= right
		case p.peek() == '%':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, evalErrf(p.orig, "modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *parser) lookingAt(s string) bool {
	return strings.HasPrefix(p.src[p.pos:], s)
}

func (p *parser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.lookingAt("**") {
		p.pos += 2
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *parser) parseUnary() (float64, error) {
	p.skipSpace()
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (float64, error) {
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, evalErrf(p.orig, "missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		// Exponent notation: 1.5e-3
		if (c == 'e' || c == 'E') && p.pos > start {
			next := p.pos + 1
			if next < len(p.src) && (p.src[next] == '+' || p.src[next] == '-') {
				next++
			}
			if next < len(p.src) && p.src[next] >= '0' && p.src[next] <= '9' {
				p.pos = next + 1
				continue
			}
		}
		break
	}
	if p.pos == start {
		if start >= len(p.src) {
			return 0, evalErrf(p.orig, "unexpected end of expression")
		}
		return 0, evalErrf(p.orig, "unexpected character %q at offset %d", p.src[start], start)
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, evalErrf(p.orig, "operand %q is not numeric", p.src[start:p.pos])
	}
	return v, nil
}
