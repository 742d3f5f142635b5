// predicate.go validates restricted condition expressions: boolean
// combinators over comparisons on parameters.<name> and
// wiring.<step>.<field>. No function calls, no side effects.
//
// Grammar:
//
//	expr       = andExpr { "||" andExpr }
//	andExpr    = unary { "&&" unary }
//	unary      = [ "!" ] primary
//	primary    = "(" expr ")" | comparison
//	comparison = operand op operand
//	op         = "==" | "!=" | "<" | "<=" | ">" | ">="
//	operand    = reference | number | string | true | false | null
//	reference  = "parameters." ident | "wiring." int "." ident {"." ident}

package synthesis

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidatePredicate checks an expression against the restricted grammar.
// The empty string is valid (no condition).
func ValidatePredicate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	p := &predParser{input: expr}
	if err := p.parseExpr(); err != nil {
		return fmt.Errorf("invalid predicate %q: %w", expr, err)
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return fmt.Errorf("invalid predicate %q: trailing input at offset %d", expr, p.pos)
	}
	return nil
}

type predParser struct {
	input string
	pos   int
}

func (p *predParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *predParser) accept(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *predParser) parseExpr() error {
	if err := p.parseAnd(); err != nil {
		return err
	}
	for p.accept("||") {
		if err := p.parseAnd(); err != nil {
			return err
		}
	}
	return nil
}

func (p *predParser) parseAnd() error {
	if err := p.parseUnary(); err != nil {
		return err
	}
	for p.accept("&&") {
		if err := p.parseUnary(); err != nil {
			return err
		}
	}
	return nil
}

func (p *predParser) parseUnary() error {
	p.skipSpace()
	// "!" but not "!=".
	if p.pos < len(p.input) && p.input[p.pos] == '!' &&
		(p.pos+1 >= len(p.input) || p.input[p.pos+1] != '=') {
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *predParser) parsePrimary() error {
	if p.accept("(") {
		if err := p.parseExpr(); err != nil {
			return err
		}
		if !p.accept(")") {
			return fmt.Errorf("missing closing parenthesis at offset %d", p.pos)
		}
		return nil
	}
	return p.parseComparison()
}

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *predParser) parseComparison() error {
	if err := p.parseOperand(); err != nil {
		return err
	}
	p.skipSpace()
	matched := false
	for _, op := range comparisonOps {
		if p.accept(op) {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("expected comparison operator at offset %d", p.pos)
	}
	return p.parseOperand()
}

func (p *predParser) parseOperand() error {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return fmt.Errorf("unexpected end of expression")
	}

	switch c := p.input[p.pos]; {
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c == '-' || unicode.IsDigit(rune(c)):
		return p.parseNumber()
	}

	ident := p.readIdentPath()
	if ident == "" {
		return fmt.Errorf("expected operand at offset %d", p.pos)
	}
	switch {
	case ident == "true", ident == "false", ident == "null":
		return nil
	case strings.HasPrefix(ident, SourceParameters+"."), strings.HasPrefix(ident, SourceWiring+"."):
		if _, err := ParseSource(ident); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown reference %q", ident)
}

func (p *predParser) parseString(quote byte) error {
	p.pos++
	for p.pos < len(p.input) {
		if p.input[p.pos] == quote {
			p.pos++
			return nil
		}
		p.pos++
	}
	return fmt.Errorf("unterminated string literal")
}

func (p *predParser) parseNumber() error {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start || (p.pos == start+1 && p.input[start] == '-') {
		return fmt.Errorf("malformed number at offset %d", start)
	}
	return nil
}

// readIdentPath consumes a dotted identifier path: letters, digits,
// underscores, and dots.
func (p *predParser) readIdentPath() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}
