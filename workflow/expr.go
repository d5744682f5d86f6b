package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expression is a compiled edge guard.
//
// Grammar: literals (numbers, "strings", true, false, null), dotted
// identifiers resolved against the environment, comparison operators
// ==, !=, >, <, >=, <=, logical &&, ||, ! and parentheses.
//
// The environment exposes three namespaces: vars (execution variables),
// outputs (node outputs by id) and status (node status by id), e.g.
//
//	outputs.classify.label == "refund" && status.lookup != "failed"
type Expression struct {
	src  string
	root exprNode
}

// CompileExpression parses src. Syntax errors are reported here, never at
// evaluation time.
func CompileExpression(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	p := &exprParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("expression %q: unexpected token %q", src, p.tokens[p.pos].value)
	}
	return &Expression{src: src, root: root}, nil
}

// String returns the source text.
func (e *Expression) String() string { return e.src }

// Eval evaluates the expression; missing paths resolve to null.
func (e *Expression) Eval(env map[string]any) bool {
	return truthy(e.root.eval(env))
}

// --- AST ---

type exprNode interface {
	eval(env map[string]any) any
}

type literal struct{ v any }

func (l literal) eval(map[string]any) any { return l.v }

type ident struct{ path []string }

func (i ident) eval(env map[string]any) any {
	var cur any = env
	for _, part := range i.path {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case map[string]string:
			cur = m[part]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

type notExpr struct{ x exprNode }

func (n notExpr) eval(env map[string]any) any { return !truthy(n.x.eval(env)) }

type logicalExpr struct {
	and         bool
	left, right exprNode
}

func (l logicalExpr) eval(env map[string]any) any {
	lv := truthy(l.left.eval(env))
	if l.and {
		return lv && truthy(l.right.eval(env))
	}
	return lv || truthy(l.right.eval(env))
}

type compareExpr struct {
	op          string
	left, right exprNode
}

func (c compareExpr) eval(env map[string]any) any {
	return compare(c.left.eval(env), c.op, c.right.eval(env))
}

// --- tokenizer ---

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
		case ch == '"' || ch == '\'':
			s, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = next
		case i+1 < len(runes) && isTwoCharOp(string(runes[i:i+2])):
			tokens = append(tokens, token{tkOp, string(runes[i : i+2])})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
		case isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negativeAllowed(tokens)):
			start := i
			i++
			for i < len(runes) && (isDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tkNumber, string(runes[start:i])})
		case unicode.IsLetter(ch) || ch == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.' || runes[i] == '-') {
				i++
			}
			tokens = append(tokens, token{tkIdent, string(runes[start:i])})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return tokens, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

// negativeAllowed reports whether '-' starts a number: at the start or after
// an operator or opening parenthesis.
func negativeAllowed(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	last := prev[len(prev)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteRune(runes[i])
			}
		case quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteRune(runes[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string at position %d", start)
}

// --- parser ---

type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if p.tokens[p.pos].value == op {
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{and: true, left: left, right: right}
	}
}

func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compareExpr{op: op, left: left, right: right}, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++

	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.value)
		}
		return literal{f}, nil
	case tkString:
		return literal{t.value}, nil
	case tkIdent:
		switch t.value {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		}
		return ident{path: strings.Split(t.value, ".")}, nil
	case tkLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return x, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.value)
}

// --- evaluation ---

// compare orders null below every value; two nulls are equal.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch {
		case left == nil && right == nil:
			return op == "==" || op == ">=" || op == "<="
		case op == "!=":
			return true
		case op == "==":
			return false
		case left == nil:
			return op == "<" || op == "<="
		default:
			return op == ">" || op == ">="
		}
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return orderOp(op, cmpFloat(lf, rf))
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			switch op {
			case "==":
				return lb == rb
			case "!=":
				return lb != rb
			}
			return false
		}
	}
	return orderOp(op, strings.Compare(fmt.Sprint(left), fmt.Sprint(right)))
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func orderOp(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
