package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Argument templates are JSON-shaped values whose string leaves may contain
// {{path}} placeholders. A leaf that is entirely one placeholder resolves to
// the referenced value with its native type preserved; a leaf mixing
// placeholders with literal text interpolates by string-coercing each
// reference. Paths support dotted field access and [n] indices (for example
// steps[0].result.id) and are evaluated against the run context. A path that
// resolves to nothing yields nil for a full leaf and the empty string inside
// an interpolation; resolution never fails a step.

// Context is the record template paths are evaluated against.
type Context struct {
	root map[string]any
}

// StepContext exposes one completed step to later templates.
type StepContext struct {
	Server string
	Tool   string
	Result any
}

// NewContext builds the resolution context from the triggering payload and
// the steps completed so far.
func NewContext(payload map[string]any, steps []StepContext) Context {
	stepList := make([]any, len(steps))
	for i, s := range steps {
		stepList[i] = map[string]any{
			"server": s.Server,
			"tool":   s.Tool,
			"result": s.Result,
		}
	}
	return Context{root: map[string]any{
		"payload": payload,
		"steps":   stepList,
	}}
}

// Template is a compiled argument template. Placeholders are parsed once at
// compile time; Resolve only walks the compiled tree.
type Template struct {
	root node
}

// CompileTemplate compiles an argument template. Malformed placeholder paths
// are compile errors, surfaced before any step runs.
func CompileTemplate(args map[string]any) (*Template, error) {
	root, err := compileNode(args)
	if err != nil {
		return nil, err
	}
	return &Template{root: root}, nil
}

// Resolve evaluates the template against ctx. The result always has the same
// shape as the source template.
func (t *Template) Resolve(ctx Context) map[string]any {
	resolved, _ := t.root.resolve(ctx).(map[string]any)
	return resolved
}

type node interface {
	resolve(ctx Context) any
}

type literalNode struct{ value any }

func (n literalNode) resolve(Context) any { return n.value }

type mapNode struct {
	keys   []string
	values []node
}

func (n mapNode) resolve(ctx Context) any {
	out := make(map[string]any, len(n.keys))
	for i, k := range n.keys {
		out[k] = n.values[i].resolve(ctx)
	}
	return out
}

type listNode struct{ items []node }

func (n listNode) resolve(ctx Context) any {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		out[i] = item.resolve(ctx)
	}
	return out
}

// exprNode is a leaf that is exactly one placeholder; it preserves the native
// type of the referenced value.
type exprNode struct{ path pathExpr }

func (n exprNode) resolve(ctx Context) any {
	v, _ := n.path.eval(ctx.root)
	return v
}

// interpNode is a leaf mixing literals and placeholders; every reference is
// coerced to its string form.
type interpNode struct{ parts []interpPart }

type interpPart struct {
	literal string
	path    pathExpr
}

func (n interpNode) resolve(ctx Context) any {
	var sb strings.Builder
	for _, p := range n.parts {
		if p.path == nil {
			sb.WriteString(p.literal)
			continue
		}
		if v, ok := p.path.eval(ctx.root); ok {
			sb.WriteString(coerceString(v))
		}
	}
	return sb.String()
}

func compileNode(v any) (node, error) {
	switch val := v.(type) {
	case map[string]any:
		n := mapNode{keys: make([]string, 0, len(val)), values: make([]node, 0, len(val))}
		for k, item := range val {
			child, err := compileNode(item)
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, k)
			n.values = append(n.values, child)
		}
		return n, nil
	case []any:
		n := listNode{items: make([]node, 0, len(val))}
		for _, item := range val {
			child, err := compileNode(item)
			if err != nil {
				return nil, err
			}
			n.items = append(n.items, child)
		}
		return n, nil
	case string:
		return compileString(val)
	default:
		return literalNode{value: v}, nil
	}
}

func compileString(s string) (node, error) {
	open := strings.Index(s, "{{")
	if open < 0 {
		return literalNode{value: s}, nil
	}

	var parts []interpPart
	rest := s
	for {
		open = strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			break
		}
		closing += open

		if open > 0 {
			parts = append(parts, interpPart{literal: rest[:open]})
		}
		expr := strings.TrimSpace(rest[open+2 : closing])
		path, err := parsePath(expr)
		if err != nil {
			return nil, err
		}
		parts = append(parts, interpPart{path: path})
		rest = rest[closing+2:]
	}
	if rest != "" {
		parts = append(parts, interpPart{literal: rest})
	}

	if len(parts) == 0 {
		return literalNode{value: s}, nil
	}
	// A leaf that is exactly one placeholder keeps the referenced value's
	// native type.
	if len(parts) == 1 && parts[0].path != nil {
		return exprNode{path: parts[0].path}, nil
	}
	return interpNode{parts: parts}, nil
}

// pathExpr is a parsed field/index access sequence.
type pathExpr []pathSeg

type pathSeg struct {
	field   string
	index   int
	isIndex bool
}

// parsePath parses expressions like "payload.branch" or "steps[0].result.id".
func parsePath(expr string) (pathExpr, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty path expression")
	}
	var path pathExpr
	for _, part := range strings.Split(expr, ".") {
		if part == "" {
			return nil, fmt.Errorf("path %q has an empty segment", expr)
		}
		field := part
		var indices []int
		for {
			open := strings.Index(field, "[")
			if open < 0 {
				break
			}
			closing := strings.Index(field, "]")
			if closing < open {
				return nil, fmt.Errorf("path %q has an unterminated index", expr)
			}
			idx, err := strconv.Atoi(field[open+1 : closing])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("path %q has an invalid index %q", expr, field[open+1:closing])
			}
			indices = append(indices, idx)
			field = field[:open] + field[closing+1:]
		}
		if field != "" {
			path = append(path, pathSeg{field: field})
		}
		for _, idx := range indices {
			path = append(path, pathSeg{index: idx, isIndex: true})
		}
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("path %q has no segments", expr)
	}
	return path, nil
}

// eval walks the context record. The bool result distinguishes "resolved to
// nil" from "path not present".
func (p pathExpr) eval(root map[string]any) (any, bool) {
	var current any = root
	for _, seg := range p {
		if seg.isIndex {
			list, ok := current.([]any)
			if !ok || seg.index >= len(list) {
				return nil, false
			}
			current = list[seg.index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg.field]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
