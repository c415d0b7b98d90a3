package filter

import (
	"strconv"
	"strings"

	"github.com/misterdjules/moray/internal/apperr"
)

// Parse reads a filter expression, e.g. (&(age>=18)(name=a*)), into an
// AST. Syntax errors report InvalidQuery.
func Parse(input string) (Filter, error) {
	p := &parser{input: input}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.input) {
		return nil, p.errorf("trailing data at offset %d", p.pos)
	}
	return f, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) errorf(format string, args ...any) error {
	return apperr.New(apperr.InvalidQuery, "invalid filter %q: "+format,
		append([]any{p.input}, args...)...)
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) expect(c byte) error {
	got, ok := p.peek()
	if !ok || got != c {
		return p.errorf("expected %q at offset %d", string(c), p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) parseFilter() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	c, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of input")
	}

	var f Filter
	var err error
	switch c {
	case '&':
		p.pos++
		var children []Filter
		if children, err = p.parseFilterList(); err == nil {
			f = &And{Filters: children}
		}
	case '|':
		p.pos++
		var children []Filter
		if children, err = p.parseFilterList(); err == nil {
			f = &Or{Filters: children}
		}
	case '!':
		p.pos++
		var child Filter
		if child, err = p.parseFilter(); err == nil {
			f = &Not{Filter: child}
		}
	default:
		f, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) parseFilterList() ([]Filter, error) {
	var out []Filter
	for {
		c, ok := p.peek()
		if !ok {
			return nil, p.errorf("unexpected end of input")
		}
		if c == ')' {
			break
		}
		f, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, p.errorf("empty filter list")
	}
	return out, nil
}

// attrEnd marks the bytes that terminate an attribute name.
const attrEnd = "=<>~:()"

func (p *parser) parseItem() (Filter, error) {
	start := p.pos
	for p.pos < len(p.input) && !strings.ContainsRune(attrEnd, rune(p.input[p.pos])) {
		p.pos++
	}
	attr := p.input[start:p.pos]
	if attr == "" {
		return nil, p.errorf("missing attribute at offset %d", start)
	}

	c, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of input")
	}
	switch c {
	case '=':
		p.pos++
		return p.parseRHS(attr)
	case '>', '<':
		op := c
		p.pos++
		if err := p.expect('='); err != nil {
			return nil, err
		}
		segs, err := p.parseValueSegments()
		if err != nil {
			return nil, err
		}
		if len(segs) != 1 {
			return nil, p.errorf("wildcard not allowed in ordering match on %q", attr)
		}
		if op == '>' {
			return &GreaterEq{Attribute: attr, Value: segs[0]}, nil
		}
		return &LessEq{Attribute: attr, Value: segs[0]}, nil
	case '~':
		p.pos++
		if err := p.expect('='); err != nil {
			return nil, err
		}
		segs, err := p.parseValueSegments()
		if err != nil {
			return nil, err
		}
		if len(segs) != 1 {
			return nil, p.errorf("wildcard not allowed in approx match on %q", attr)
		}
		return &Approx{Attribute: attr, Value: segs[0]}, nil
	case ':':
		p.pos++
		return p.parseExtensible(attr)
	}
	return nil, p.errorf("unexpected %q at offset %d", string(c), p.pos)
}

// parseRHS handles everything after "attr=": presence, equality, or a
// substring match when unescaped wildcards appear in the value.
func (p *parser) parseRHS(attr string) (Filter, error) {
	if c, ok := p.peek(); ok && c == '*' {
		// Could be presence (attr=*) or a substring with empty initial.
		save := p.pos
		p.pos++
		if c, ok := p.peek(); ok && c == ')' {
			return &Present{Attribute: attr}, nil
		}
		p.pos = save
	}

	segs, err := p.parseValueSegments()
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 {
		return &Equality{Attribute: attr, Value: segs[0]}, nil
	}
	return &Substring{
		Attribute: attr,
		Initial:   segs[0],
		Any:       segs[1 : len(segs)-1],
		Final:     segs[len(segs)-1],
	}, nil
}

func (p *parser) parseExtensible(attr string) (Filter, error) {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ':' {
		p.pos++
	}
	rule := p.input[start:p.pos]
	if rule == "" {
		return nil, p.errorf("missing matching rule at offset %d", start)
	}
	if err := p.expect(':'); err != nil {
		return nil, err
	}
	if err := p.expect('='); err != nil {
		return nil, err
	}
	segs, err := p.parseValueSegments()
	if err != nil {
		return nil, err
	}
	// Wildcards stay embedded in the value; the compiler expands them
	// for substring matching rules.
	return &Extensible{Attribute: attr, Rule: rule, Value: strings.Join(segs, "*")}, nil
}

// parseValueSegments reads a value up to the closing paren, resolving
// \xx hex escapes, and splits it on unescaped '*' wildcards.
func (p *parser) parseValueSegments() ([]string, error) {
	segs := []string{}
	var cur strings.Builder
	for {
		c, ok := p.peek()
		if !ok {
			return nil, p.errorf("unterminated value")
		}
		switch c {
		case ')':
			segs = append(segs, cur.String())
			return segs, nil
		case '(':
			return nil, p.errorf("unescaped %q in value at offset %d", "(", p.pos)
		case '*':
			segs = append(segs, cur.String())
			cur.Reset()
			p.pos++
		case '\\':
			if p.pos+2 >= len(p.input) {
				return nil, p.errorf("truncated escape at offset %d", p.pos)
			}
			n, err := strconv.ParseUint(p.input[p.pos+1:p.pos+3], 16, 8)
			if err != nil {
				return nil, p.errorf("bad escape at offset %d", p.pos)
			}
			cur.WriteByte(byte(n))
			p.pos += 3
		default:
			cur.WriteByte(c)
			p.pos++
		}
	}
}
