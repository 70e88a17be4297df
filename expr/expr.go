// Package expr evaluates a restricted boolean/comparison grammar over the
// runtime state tree. It decides conditional edges and step guards without
// running arbitrary code: the grammar is closed, and anything outside it is
// a parse error.
//
// Permitted productions:
//
//	property access   state.a.b.c   (bare a.b is auto-prefixed with state.)
//	comparison        X op Y        op in === !== == != > < >= <=
//	boolean           X && Y, X || Y
//	literals          integers, decimals, quoted strings, true, false,
//	                  null, undefined
package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptic-labs/synapse/state"
)

// FallbackKey is the reserved routing key returned when a conditional
// edge's result matches no declared target, or when evaluation is aborted.
const FallbackKey = "__fallback__"

// ErrUnsafe reports that the expression source contains a forbidden
// identifier. Callers treat the expression as false and take the fallback
// route.
var ErrUnsafe = errors.New("expression contains forbidden identifier")

// ParseError reports malformed expression syntax.
type ParseError struct {
	Src string
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s", e.Src, e.Msg)
}

// Identifiers that abort evaluation wherever they appear as a path
// segment. These are escape hatches toward dynamic evaluation in the
// source environments that produce workflow configs; none of them has a
// legitimate meaning against the state tree.
var forbidden = map[string]bool{
	"eval": true, "Function": true, "constructor": true,
	"prototype": true, "__proto__": true, "require": true,
	"import": true, "process": true, "globalThis": true,
	"window": true, "this": true,
}

// undefined distinguishes a missing value from an explicit null.
type undefined struct{}

// Evaluate parses and evaluates src against the state tree, returning the
// expression's value. Property paths that do not resolve evaluate to
// undefined rather than erroring.
func Evaluate(src string, s *state.State) (any, error) {
	return EvaluateWith(src, s, nil)
}

// EvaluateWith is Evaluate with transient bindings (loop element bindings
// like item and index) consulted before the state tree.
func EvaluateWith(src string, s *state.State, extra map[string]any) (any, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, &ParseError{Src: src, Msg: "unexpected trailing input"}
	}
	return node.eval(s, extra), nil
}

// EvaluateBool evaluates src and coerces the result to a boolean. Malformed
// or unsafe expressions return false.
func EvaluateBool(src string, s *state.State, extra map[string]any) bool {
	v, err := EvaluateWith(src, s, extra)
	if err != nil {
		s.Logger().Warn("condition evaluation failed", "expr", src, "error", err)
		return false
	}
	return Truthy(v)
}

// ResolveTarget maps an evaluation result onto a conditional edge's targets:
// a stringified result matching a target key wins; failing that, a result
// matching a target value returns the corresponding key; otherwise
// FallbackKey.
func ResolveTarget(result any, targets map[string]string) string {
	key := Stringify(result)
	if _, ok := targets[key]; ok {
		return key
	}
	for k, v := range targets {
		if v == key {
			return k
		}
	}
	return FallbackKey
}

// Truthy coerces a value to a boolean with the loose semantics workflow
// configs expect: false, zero, empty string, null, and undefined are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefined:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return true
	case map[string]any:
		return true
	default:
		return true
	}
}

// Stringify renders a value the way target maps are keyed: strings pass
// through, numbers drop insignificant zeros, booleans are "true"/"false".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case undefined:
		return "undefined"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ── lexer ──────────────────────────────────────────────────────────────

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp  // comparison operator
	tokAnd // &&
	tokOr  // ||
	tokDot
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, &ParseError{Src: src, Msg: "single " + string(c)}
			}
			if c == '&' {
				toks = append(toks, token{kind: tokAnd})
			} else {
				toks = append(toks, token{kind: tokOr})
			}
			i += 2
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := scanOp(src[i:])
			if op == "" {
				return nil, &ParseError{Src: src, Msg: "bad operator at " + src[i:]}
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i += len(op)
		case c == '\'' || c == '"':
			end := i + 1
			for end < len(src) && src[end] != c {
				end++
			}
			if end >= len(src) {
				return nil, &ParseError{Src: src, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : end]})
			i = end + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			end := i + 1
			for end < len(src) && (src[end] >= '0' && src[end] <= '9' || src[end] == '.') {
				end++
			}
			// A trailing dot belongs to a path, never a number literal.
			if src[end-1] == '.' {
				end--
			}
			n, err := strconv.ParseFloat(src[i:end], 64)
			if err != nil {
				return nil, &ParseError{Src: src, Msg: "bad number " + src[i:end]}
			}
			toks = append(toks, token{kind: tokNumber, num: n})
			i = end
		case isIdentStart(c):
			end := i + 1
			for end < len(src) && isIdentPart(src[end]) {
				end++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:end]})
			i = end
		default:
			return nil, &ParseError{Src: src, Msg: "unexpected character " + string(c)}
		}
	}
	return toks, nil
}

func scanOp(s string) string {
	for _, op := range []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '$'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '-'
}

// ── parser ─────────────────────────────────────────────────────────────

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() (token, bool) {
	if p.done() {
		return token{}, false
	}
	return p.toks[p.pos], true
}

type node interface {
	eval(s *state.State, extra map[string]any) any
}

type litNode struct{ v any }

func (n litNode) eval(*state.State, map[string]any) any { return n.v }

type pathNode struct{ segments []string }

func (n pathNode) eval(s *state.State, extra map[string]any) any {
	segs := n.segments
	if segs[0] == "state" {
		segs = segs[1:]
	}
	if extra != nil {
		if v, ok := extra[segs[0]]; ok {
			if len(segs) == 1 {
				return v
			}
			if out, ok := state.Descend(v, segs[1:]); ok {
				return out
			}
			return undefined{}
		}
	}
	if v, ok := s.Lookup(strings.Join(segs, ".")); ok {
		return v
	}
	return undefined{}
}

type cmpNode struct {
	op          string
	left, right node
}

func (n cmpNode) eval(s *state.State, extra map[string]any) any {
	l := n.left.eval(s, extra)
	r := n.right.eval(s, extra)
	switch n.op {
	case "===":
		return strictEqual(l, r)
	case "!==":
		return !strictEqual(l, r)
	case "==":
		return looseEqual(l, r)
	case "!=":
		return !looseEqual(l, r)
	default:
		return relational(n.op, l, r)
	}
}

type boolNode struct {
	and         bool
	left, right node
}

func (n boolNode) eval(s *state.State, extra map[string]any) any {
	l := n.left.eval(s, extra)
	if n.and {
		if !Truthy(l) {
			return l
		}
		return n.right.eval(s, extra)
	}
	if Truthy(l) {
		return l
	}
	return n.right.eval(s, extra)
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolNode{and: false, left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = boolNode{and: true, left: left, right: right}
	}
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return left, nil
	}
	p.pos++
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return cmpNode{op: t.text, left: left, right: right}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, &ParseError{Src: p.src, Msg: "unexpected end of expression"}
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		return litNode{v: t.num}, nil
	case tokString:
		p.pos++
		return litNode{v: t.text}, nil
	case tokIdent:
		return p.parsePath()
	default:
		return nil, &ParseError{Src: p.src, Msg: "unexpected token"}
	}
}

func (p *parser) parsePath() (node, error) {
	var segs []string
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokIdent {
			return nil, &ParseError{Src: p.src, Msg: "expected identifier"}
		}
		if forbidden[t.text] {
			return nil, ErrUnsafe
		}
		segs = append(segs, t.text)
		p.pos++
		t, ok = p.peek()
		if !ok || t.kind != tokDot {
			break
		}
		p.pos++
	}
	switch {
	case len(segs) == 1 && segs[0] == "true":
		return litNode{v: true}, nil
	case len(segs) == 1 && segs[0] == "false":
		return litNode{v: false}, nil
	case len(segs) == 1 && segs[0] == "null":
		return litNode{v: nil}, nil
	case len(segs) == 1 && segs[0] == "undefined":
		return litNode{v: undefined{}}, nil
	}
	return pathNode{segments: segs}, nil
}

// ── comparison semantics ───────────────────────────────────────────────

func strictEqual(l, r any) bool {
	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if lok && rok {
		return lf == rf
	}
	if lok != rok {
		return false
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case nil:
		return r == nil
	case undefined:
		_, ok := r.(undefined)
		return ok
	default:
		return false
	}
}

func looseEqual(l, r any) bool {
	if strictEqual(l, r) {
		return true
	}
	// null and undefined are loosely equal to each other.
	if isNullish(l) && isNullish(r) {
		return true
	}
	lf, lok := coerceNumber(l)
	rf, rok := coerceNumber(r)
	if lok && rok {
		return lf == rf
	}
	return false
}

func relational(op string, l, r any) bool {
	lf, lok := coerceNumber(l)
	rf, rok := coerceNumber(r)
	if lok && rok {
		switch op {
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}
	ls, lok2 := l.(string)
	rs, rok2 := r.(string)
	if lok2 && rok2 {
		switch op {
		case ">":
			return ls > rs
		case "<":
			return ls < rs
		case ">=":
			return ls >= rs
		case "<=":
			return ls <= rs
		}
	}
	return false
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(undefined)
	return ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func coerceNumber(v any) (float64, bool) {
	if f, ok := asNumber(v); ok {
		return f, true
	}
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
