package resolve

import (
	"fmt"
	"strings"
	"unicode"
)

// The eval expression language is deliberately tiny: quoted string literals,
// variable references, and '+' concatenation. Nothing else parses. Keeping
// the grammar closed rules out template injection through chat-controlled
// capture text.
//
//	expr   := term ('+' term)*
//	term   := string-literal | identifier
//	string := '"' ... '"' | '\'' ... '\''

type exprNode interface {
	eval(lookup func(name string) (string, bool)) (string, error)
}

type litNode struct{ value string }

func (n litNode) eval(func(string) (string, bool)) (string, error) {
	return n.value, nil
}

type varNode struct{ name string }

func (n varNode) eval(lookup func(string) (string, bool)) (string, error) {
	v, ok := lookup(n.name)
	if !ok {
		return "", fmt.Errorf("unknown variable %q", n.name)
	}
	return v, nil
}

type concatNode struct{ parts []exprNode }

func (n concatNode) eval(lookup func(string) (string, bool)) (string, error) {
	var b strings.Builder
	for _, p := range n.parts {
		s, err := p.eval(lookup)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

type tokenKind int

const (
	tokString tokenKind = iota
	tokIdent
	tokPlus
)

type exprToken struct {
	kind tokenKind
	text string
}

func lexExpr(src string) ([]exprToken, error) {
	var toks []exprToken
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '+':
			toks = append(toks, exprToken{kind: tokPlus})
			i++
		case r == '"' || r == '\'':
			quote := r
			i++
			var b strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\\' && i+1 < len(runes) {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if runes[i] == quote {
					closed = true
					i++
					break
				}
				b.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, exprToken{kind: tokString, text: b.String()})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			toks = append(toks, exprToken{kind: tokIdent, text: string(runes[start:i])})
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return toks, nil
}

// parseExpr parses the restricted expression grammar into an AST.
func parseExpr(src string) (exprNode, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	var parts []exprNode
	expectTerm := true
	for _, tok := range toks {
		if expectTerm {
			switch tok.kind {
			case tokString:
				parts = append(parts, litNode{value: tok.text})
			case tokIdent:
				parts = append(parts, varNode{name: tok.text})
			default:
				return nil, fmt.Errorf("expected literal or variable, got '+'")
			}
			expectTerm = false
		} else {
			if tok.kind != tokPlus {
				return nil, fmt.Errorf("expected '+' between terms")
			}
			expectTerm = true
		}
	}
	if expectTerm {
		return nil, fmt.Errorf("trailing '+'")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return concatNode{parts: parts}, nil
}
