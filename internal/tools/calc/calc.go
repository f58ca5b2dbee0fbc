// Package calc evaluates plain arithmetic expressions without handing
// the input to any general-purpose interpreter.
//
// The grammar is numbers, + - * /, the Unicode operators × ÷ −, unary
// signs, and parentheses. Integer arithmetic stays integral until a
// division or a decimal literal is involved, and results print the way a
// Python REPL would: "4", "1500.0", "0.5".
package calc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrDivideByZero is returned for any division by zero.
var ErrDivideByZero = errors.New("division by zero")

// ErrSyntax wraps every parse failure.
var ErrSyntax = errors.New("invalid syntax")

// maxExactInt is the largest magnitude a float64 holds without losing
// integer precision.
const maxExactInt = 1 << 53

// maxDepth bounds parenthesis nesting.
const maxDepth = 100

type value struct {
	f     float64
	isInt bool
}

// Eval parses and evaluates expr, returning the formatted result.
func Eval(expr string) (string, error) {
	v, err := evaluate(expr)
	if err != nil {
		return "", err
	}
	return format(v), nil
}

// Float evaluates expr and returns the raw result.
func Float(expr string) (float64, error) {
	v, err := evaluate(expr)
	if err != nil {
		return 0, err
	}
	return v.f, nil
}

func evaluate(expr string) (value, error) {
	p := &parser{src: normalize(expr)}
	p.skipSpace()
	if p.eof() {
		return value{}, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	v, err := p.expr()
	if err != nil {
		return value{}, err
	}
	p.skipSpace()
	if !p.eof() {
		return value{}, p.unexpected()
	}
	return v, nil
}

var replacer = strings.NewReplacer("×", "*", "÷", "/", "−", "-")

func normalize(s string) string { return replacer.Replace(s) }

type parser struct {
	src   string
	pos   int
	depth int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.eof() {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(p.src[p.pos:])
	return r
}

func (p *parser) skipSpace() {
	for !p.eof() {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += size
	}
}

func (p *parser) unexpected() error {
	if p.eof() {
		return fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	return fmt.Errorf("%w: unexpected %q at position %d", ErrSyntax, p.peek(), p.pos)
}

// expr = term { ("+" | "-") term }
func (p *parser) expr() (value, error) {
	left, err := p.term()
	if err != nil {
		return value{}, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return value{}, err
		}
		if op == '+' {
			left = arith(left, right, left.f+right.f)
		} else {
			left = arith(left, right, left.f-right.f)
		}
	}
}

// term = unary { ("*" | "/") unary }
func (p *parser) term() (value, error) {
	left, err := p.unary()
	if err != nil {
		return value{}, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return value{}, err
		}
		if op == '*' {
			left = arith(left, right, left.f*right.f)
			continue
		}
		if right.f == 0 {
			return value{}, ErrDivideByZero
		}
		left = value{f: left.f / right.f}
	}
}

// unary = ("+" | "-") unary | primary
func (p *parser) unary() (value, error) {
	p.skipSpace()
	switch p.peek() {
	case '+':
		p.pos++
		return p.unary()
	case '-':
		p.pos++
		v, err := p.unary()
		if err != nil {
			return value{}, err
		}
		v.f = -v.f
		return v, nil
	}
	return p.primary()
}

// primary = number | "(" expr ")"
func (p *parser) primary() (value, error) {
	p.skipSpace()
	r := p.peek()
	switch {
	case r == '(':
		p.pos++
		p.depth++
		if p.depth > maxDepth {
			return value{}, fmt.Errorf("%w: expression nested too deeply", ErrSyntax)
		}
		v, err := p.expr()
		if err != nil {
			return value{}, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return value{}, p.unexpected()
		}
		p.pos++
		p.depth--
		return v, nil
	case r == '.' || (r >= '0' && r <= '9'):
		return p.number()
	}
	return value{}, p.unexpected()
}

func (p *parser) number() (value, error) {
	start := p.pos
	isInt := true
	digits := 0
	for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
		digits++
	}
	if !p.eof() && p.src[p.pos] == '.' {
		isInt = false
		p.pos++
		for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
			digits++
		}
	}
	if digits == 0 {
		p.pos = start
		return value{}, p.unexpected()
	}
	if !p.eof() && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
		isInt = false
		p.pos++
		if !p.eof() && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
			p.pos++
		}
		expDigits := 0
		for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
			expDigits++
		}
		if expDigits == 0 {
			return value{}, fmt.Errorf("%w: malformed exponent in %q", ErrSyntax, p.src[start:p.pos])
		}
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return value{}, fmt.Errorf("%w: bad number %q", ErrSyntax, p.src[start:p.pos])
	}
	return value{f: f, isInt: isInt}, nil
}

// arith keeps integer results integral while they stay exact.
func arith(a, b value, result float64) value {
	isInt := a.isInt && b.isInt && math.Abs(result) < maxExactInt
	return value{f: result, isInt: isInt}
}

func format(v value) string {
	if v.isInt {
		return strconv.FormatInt(int64(v.f), 10)
	}
	f := v.f
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
