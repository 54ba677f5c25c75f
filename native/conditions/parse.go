package conditions

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnknownCondition is returned when an expression names a leaf the
// resolver does not know.
var ErrUnknownCondition = errors.New("conditions: unknown condition")

// Resolver maps a leaf name from an expression to a Condition instance.
type Resolver func(name string) (Condition, bool)

// BuiltinResolver resolves the stateless leaves shipped with the package.
func BuiltinResolver(name string) (Condition, bool) {
	switch name {
	case "always":
		return Always{}, true
	case "payer":
		return Payer{}, true
	case "receiver":
		return Receiver{}, true
	default:
		return nil, false
	}
}

// Chain tries each resolver in turn.
func Chain(resolvers ...Resolver) Resolver {
	return func(name string) (Condition, bool) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			if c, ok := r(name); ok {
				return c, true
			}
		}
		return nil, false
	}
}

type node struct {
	name     string
	children []*node
}

func (n *node) String() string {
	if len(n.children) == 0 {
		return n.name
	}
	parts := make([]string, len(n.children))
	for i, child := range n.children {
		parts[i] = child.String()
	}
	return n.name + "(" + strings.Join(parts, ",") + ")"
}

// Normalize returns the canonical spelling of expr (lowercase, no
// whitespace). An empty expression normalizes to "".
func Normalize(expr string) (string, error) {
	if strings.TrimSpace(expr) == "" {
		return "", nil
	}
	n, err := parseExpr(expr)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// Parse builds a Condition tree from an expression such as
// "and(receiver, not(payer))". An empty expression yields a nil Condition,
// meaning no restriction.
func Parse(expr string, resolve Resolver) (Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	n, err := parseExpr(expr)
	if err != nil {
		return nil, err
	}
	return build(n, resolve)
}

func build(n *node, resolve Resolver) (Condition, error) {
	switch n.name {
	case "and", "or", "not":
		if len(n.children) == 0 {
			return nil, fmt.Errorf("%w: %s()", ErrEmptyCombinator, n.name)
		}
		members := make([]Condition, 0, len(n.children))
		for _, child := range n.children {
			c, err := build(child, resolve)
			if err != nil {
				return nil, err
			}
			members = append(members, c)
		}
		switch n.name {
		case "and":
			return And(members...)
		case "or":
			return Or(members...)
		default:
			if len(members) != 1 {
				return nil, fmt.Errorf("conditions: not() takes exactly one member, got %d", len(members))
			}
			return Not(members[0])
		}
	}
	if len(n.children) > 0 {
		return nil, fmt.Errorf("conditions: %s does not accept members", n.name)
	}
	if resolve != nil {
		if c, ok := resolve(n.name); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, n.name)
}

type parser struct {
	src string
	pos int
}

func parseExpr(src string) (*node, error) {
	p := &parser{src: strings.ToLower(src)}
	n, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("conditions: unexpected %q at offset %d", p.src[p.pos:], p.pos)
	}
	return n, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) parseNode() (*node, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9' && p.pos > start) {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return nil, fmt.Errorf("conditions: expected name at offset %d", start)
	}
	n := &node{name: p.src[start:p.pos]}
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return n, nil
	}
	p.pos++
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == ')' {
		p.pos++
		return n, nil
	}
	for {
		child, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("conditions: unterminated %s(", n.name)
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return n, nil
		default:
			return nil, fmt.Errorf("conditions: unexpected %q at offset %d", p.src[p.pos], p.pos)
		}
	}
}
