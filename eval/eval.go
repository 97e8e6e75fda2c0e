// Package eval implements the Condition & Data-Flow Evaluator: a pure,
// side-effect-free module that evaluates boolean edge conditions and
// projects data-flow mappings over a task's completion context.
//
// The expression grammar is deliberately small: comparisons, and/or/not,
// dot-path access, and literals. Undefined path access resolves to the null
// sentinel rather than faulting, and type-mismatched comparisons resolve to
// false rather than faulting — see Evaluate and Apply.
package eval

import (
	"strconv"
)

// Context is the task-completion context an expression is evaluated
// against: {result: <task.result>, input: <task.input_data>}.
type Context struct {
	Result map[string]any
	Input  map[string]any
}

// Evaluate compiles and evaluates a boolean condition expression against
// root. A malformed expression (outside the grammar) returns a non-nil
// error; a well-formed expression never errors, regardless of the data in
// root — see the package doc for the null/false-on-mismatch rules.
func Evaluate(expr string, root Context) (bool, error) {
	ast, err := parseExpr(expr)
	if err != nil {
		return false, err
	}
	v := evalNode(ast, root)
	b, _ := asBool(v)
	return b, nil
}

// Apply computes a target input delta from mappings, each pairing a target
// dot-path with a source expression evaluated against source. A mapping
// whose source expression resolves to absent is omitted from the result
// entirely (never null-stuffed). A nil or empty mappings yields an empty,
// non-nil map.
func Apply(mappings map[string]string, source Context) map[string]any {
	out := map[string]any{}
	for targetPath, srcExpr := range mappings {
		ast, err := parseExpr(srcExpr)
		if err != nil {
			// A malformed mapping expression contributes nothing; the
			// surrounding Propagation phase logs and treats the edge as
			// producing no delta for this key rather than failing the
			// source task.
			continue
		}
		v, present := evalNodePresence(ast, source)
		if !present {
			continue
		}
		out[targetPath] = v
	}
	return out
}

// absent is the internal zero value distinguishing "path resolved to JSON
// null" from "path did not resolve at all"; only path lookups need this
// distinction (Apply's absence rule), comparisons fold both into null.
type absent struct{}

func evalNode(e Expr, ctx Context) any {
	v, _ := evalNodePresence(e, ctx)
	return v
}

func evalNodePresence(e Expr, ctx Context) (any, bool) {
	switch n := e.(type) {
	case *LiteralExpr:
		return n.Value, true
	case *ListExpr:
		vals := make([]any, len(n.Elements))
		for i, el := range n.Elements {
			vals[i] = evalNode(el, ctx)
		}
		return vals, true
	case *PathExpr:
		return resolvePath(n, ctx)
	case *UnaryExpr:
		v := evalNode(n.Operand, ctx)
		b, _ := asBool(v)
		return !b, true
	case *BinaryExpr:
		return evalBinary(n, ctx), true
	default:
		return nil, false
	}
}

func resolvePath(p *PathExpr, ctx Context) (any, bool) {
	var cur any
	switch p.Root {
	case "result":
		cur = mapOrNil(ctx.Result)
	case "input":
		cur = mapOrNil(ctx.Input)
	default:
		return nil, false
	}
	for _, seg := range p.Segments {
		if cur == nil {
			return nil, false
		}
		switch container := cur.(type) {
		case map[string]any:
			v, ok := container[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, false
			}
			cur = container[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func mapOrNil(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func evalBinary(n *BinaryExpr, ctx Context) any {
	switch n.Op {
	case "and":
		l, _ := asBool(evalNode(n.Left, ctx))
		if !l {
			return false
		}
		r, _ := asBool(evalNode(n.Right, ctx))
		return r
	case "or":
		l, _ := asBool(evalNode(n.Left, ctx))
		if l {
			return true
		}
		r, _ := asBool(evalNode(n.Right, ctx))
		return r
	}

	leftVal, leftPresent := evalNodePresence(n.Left, ctx)
	rightVal, rightPresent := evalNodePresence(n.Right, ctx)
	if !leftPresent {
		leftVal = nil
	}
	if !rightPresent {
		rightVal = nil
	}
	return compare(n.Op, leftVal, rightVal)
}

// compare implements the numeric/edge-case policies: missing paths resolve
// to null, comparisons against null are false except "== null", mixed
// int/float comparisons numerically promote, and any other type mismatch
// resolves to false rather than raising.
func compare(op string, left, right any) bool {
	if op == "==" && left == nil && right == nil {
		return true
	}
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil
		default:
			return false
		}
	}

	if lf, lok := asNumber(left); lok {
		if rf, rok := asNumber(right); rok {
			return compareNumbers(op, lf, rf)
		}
		return false
	}
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			return compareStrings(op, ls, rs)
		}
		return false
	}
	if lb, lok := left.(bool); lok {
		if rb, rok := right.(bool); rok {
			switch op {
			case "==":
				return lb == rb
			case "!=":
				return lb != rb
			default:
				return false
			}
		}
		return false
	}
	// Lists and other composite types: only equality/inequality are
	// meaningful, and only when shapes match exactly.
	switch op {
	case "==":
		return deepEqual(left, right)
	case "!=":
		return !deepEqual(left, right)
	default:
		return false
	}
}

func compareNumbers(op string, l, r float64) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	default:
		return false
	}
}

func compareStrings(op string, l, r string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	default:
		return false
	}
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

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func deepEqual(a, b any) bool {
	aList, aOK := a.([]any)
	bList, bOK := b.([]any)
	if aOK && bOK {
		if len(aList) != len(bList) {
			return false
		}
		for i := range aList {
			if !deepEqual(aList[i], bList[i]) {
				return false
			}
		}
		return true
	}
	// Maps (and any other non-comparable type) never compare equal here;
	// the grammar has no object-literal syntax, so this only arises for
	// mismatched operand shapes, which the type-mismatch policy treats as
	// unequal rather than faulting (a bare == would panic on map operands).
	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap || bIsMap {
		return aIsMap && bIsMap && mapsEqual(aMap, bMap)
	}
	return a == b
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !deepEqual(v, bv) {
			return false
		}
	}
	return true
}
