package plan

import (
	"fmt"
	"strings"
)

// maxMacroDepth bounds recursive macro expansion. A macro that keeps
// producing macro nodes past this depth aborts with an error instead of
// recursing forever.
const maxMacroDepth = 32

// Context carries what is known at plan-preparation time.
type Context struct {
	// Task is the natural-language description of the overall goal.
	Task string

	// Vars is the variable map visible to macros and substitutions.
	Vars map[string]any
}

// Options controls compilation behavior.
type Options struct {
	// Strict aborts compilation on the first error. Non-strict demotes
	// failures to warnings and drops the offending node.
	Strict bool

	// ExpandMacros enables the macro pass. When disabled, macro nodes
	// are dropped rather than forwarded to the validator.
	ExpandMacros bool

	// NormalizeAliases enables the alias table before macro detection.
	NormalizeAliases bool

	// RenderVars substitutes ${var} at compile time. Usually off: the
	// runtime renders per step against the live variable store.
	RenderVars bool
}

// DefaultOptions returns the normal compilation mode: macros and
// aliases on, strict off, compile-time rendering off.
func DefaultOptions() Options {
	return Options{ExpandMacros: true, NormalizeAliases: true}
}

// Result is the outcome of a compilation.
type Result struct {
	Steps    Plan
	Warnings []string
	Errors   []string
}

// OK reports whether compilation produced no errors.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// MacroFunc expands one macro node into raw child nodes. Children may
// themselves be macros; the compiler recurses.
type MacroFunc func(node map[string]any, ctx Context) ([]map[string]any, error)

// MacroRegistry maps macro names to expansion functions.
type MacroRegistry struct {
	macros map[string]MacroFunc
}

// NewMacroRegistry returns an empty registry.
func NewMacroRegistry() *MacroRegistry {
	return &MacroRegistry{macros: make(map[string]MacroFunc)}
}

// Register adds or replaces a macro. Names are case-insensitive.
func (r *MacroRegistry) Register(name string, fn MacroFunc) {
	r.macros[strings.ToLower(name)] = fn
}

// Has reports whether the named macro is registered.
func (r *MacroRegistry) Has(name string) bool {
	_, ok := r.macros[strings.ToLower(name)]
	return ok
}

// Expand runs the named macro against a node.
func (r *MacroRegistry) Expand(name string, node map[string]any, ctx Context) ([]map[string]any, error) {
	fn, ok := r.macros[strings.ToLower(name)]
	if !ok {
		return nil, NewUnknownMacroError(name)
	}
	return fn(node, ctx)
}

// DefaultRegistry returns a registry with the built-in macros: group,
// if_var, and foreach.
func DefaultRegistry() *MacroRegistry {
	r := NewMacroRegistry()
	r.Register("group", macroGroup)
	r.Register("if_var", macroIfVar)
	r.Register("foreach", macroForeach)
	return r
}

type aliasEntry struct {
	canonical string
	adapt     func(map[string]any) map[string]any
}

// aliases maps shorthand type names onto canonical ones, optionally
// adapting fields along the way.
var aliases = map[string]aliasEntry{
	"sleep":      {canonical: "wait"},
	"open":       {canonical: "goto"},
	"ensure_url": {canonical: "wait_url"},
	"dom_idle":   {canonical: "wait_dom_stable"},
	"assert_contains": {canonical: "assert_text", adapt: func(s map[string]any) map[string]any {
		if _, ok := s["match"]; !ok {
			s["match"] = "contains"
		}
		if _, ok := s["attr"]; !ok {
			s["attr"] = "text"
		}
		return s
	}},
	"extract_text": {canonical: "extract", adapt: func(s map[string]any) map[string]any {
		s["attr"] = "text"
		return s
	}},
	"press": {canonical: "press_key"},
	"keys":  {canonical: "hotkey"},
}

// Compiler turns a raw plan document into validated steps: alias
// normalization, macro expansion, then validation.
type Compiler struct {
	registry *MacroRegistry
	opts     Options
}

// NewCompiler builds a compiler. A nil registry gets the defaults.
func NewCompiler(registry *MacroRegistry, opts Options) *Compiler {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Compiler{registry: registry, opts: opts}
}

// Compile expands and validates a raw plan document against ctx.
func (c *Compiler) Compile(raw any, ctx Context) Result {
	var res Result

	items, ok := asList(raw)
	if !ok {
		res.Errors = append(res.Errors, "plan must be an array of steps or macros")
		return res
	}

	var flat []map[string]any
	for idx, node := range items {
		expanded, err := c.expandNode(node, ctx, 0)
		if err != nil {
			msg := fmt.Sprintf("macro expansion failed at step %d: %v", idx, err)
			if c.opts.Strict {
				res.Errors = append(res.Errors, msg)
				return res
			}
			res.Warnings = append(res.Warnings, msg)
			continue
		}
		flat = append(flat, expanded...)
	}

	validated := make(Plan, 0, len(flat))
	for i, node := range flat {
		if c.opts.RenderVars {
			node, _ = Render(node, ctx.Vars).(map[string]any)
		}
		if c.opts.NormalizeAliases {
			node = normalizeAlias(node)
		}
		st, err := ValidateStep(node)
		if err != nil {
			msg := fmt.Sprintf("step %d dropped by validator: %v", i, err)
			if c.opts.Strict {
				res.Errors = append(res.Errors, msg)
				return res
			}
			res.Warnings = append(res.Warnings, msg)
			continue
		}
		validated = append(validated, st)
	}

	res.Steps = validated
	return res
}

// Compile is the convenience entry point with default registry and
// options.
func Compile(raw any, ctx Context, opts Options) Result {
	return NewCompiler(nil, opts).Compile(raw, ctx)
}

// expandNode flattens one node: aliases first (which may turn a macro
// key into a type key), macro recursion second, plain steps pass
// through as a single node.
func (c *Compiler) expandNode(node any, ctx Context, depth int) ([]map[string]any, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return nil, nil
	}
	if c.opts.NormalizeAliases {
		m = normalizeAlias(m)
	}

	name := strings.ToLower(stringify(m["macro"]))
	if name == "" {
		return []map[string]any{m}, nil
	}

	if !c.opts.ExpandMacros {
		return nil, nil
	}
	if depth >= maxMacroDepth {
		return nil, &Error{
			Class:   ErrorClassUnknownMacro,
			Message: fmt.Sprintf("macro expansion depth exceeded at %q (max %d)", name, maxMacroDepth),
		}
	}
	if !c.registry.Has(name) {
		return nil, NewUnknownMacroError(name)
	}

	children, err := c.registry.Expand(name, m, ctx)
	if err != nil {
		return nil, err
	}
	var flat []map[string]any
	for _, ch := range children {
		sub, err := c.expandNode(ch, ctx, depth+1)
		if err != nil {
			return nil, err
		}
		flat = append(flat, sub...)
	}
	return flat, nil
}

// normalizeAlias rewrites an alias type (or alias macro key) to its
// canonical step type and adapts fields. Non-alias nodes pass through.
func normalizeAlias(node map[string]any) map[string]any {
	name := strings.ToLower(stringify(node["type"]))
	if name == "" {
		name = strings.ToLower(stringify(node["macro"]))
	}
	entry, ok := aliases[name]
	if !ok {
		return node
	}
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}
	out["type"] = entry.canonical
	delete(out, "macro")
	if entry.adapt != nil {
		out = entry.adapt(out)
	}
	return out
}

func asList(x any) ([]any, bool) {
	switch l := x.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// macroGroup flattens {"macro":"group","steps":[...]} into its children.
func macroGroup(node map[string]any, _ Context) ([]map[string]any, error) {
	return childSteps(node), nil
}

// macroIfVar emits its children when the condition over a context
// variable holds: equals compares stringified values, exists checks
// membership, and the bare form is truthiness.
func macroIfVar(node map[string]any, ctx Context) ([]map[string]any, error) {
	name := strings.TrimSpace(stringify(node["name"]))
	steps := childSteps(node)
	if name == "" || steps == nil {
		return nil, nil
	}

	val, present := ctx.Vars[name]
	var cond bool
	switch {
	case hasKey(node, "equals"):
		cond = stringify(val) == stringify(node["equals"])
	case hasKey(node, "exists"):
		cond = present == toBool(node["exists"], false)
	default:
		cond = truthy(val)
	}

	if !cond {
		return nil, nil
	}
	return steps, nil
}

// macroForeach repeats its children per list element, binding the alias
// (and alias.field projections for object elements) into a per-
// iteration variable scope and rendering ${...} at compile time.
func macroForeach(node map[string]any, ctx Context) ([]map[string]any, error) {
	steps := childSteps(node)
	if steps == nil {
		return nil, nil
	}
	alias := strings.TrimSpace(stringify(node["as"]))
	if alias == "" {
		alias = "item"
	}

	var seq []any
	switch l := node["list"].(type) {
	case string:
		seq, _ = ctx.Vars[l].([]any)
	case []any:
		seq = l
	}

	var out []map[string]any
	for _, it := range seq {
		local := make(map[string]any, len(ctx.Vars)+4)
		for k, v := range ctx.Vars {
			local[k] = v
		}
		local[alias] = it
		if obj, ok := it.(map[string]any); ok {
			for k, v := range obj {
				local[alias+"."+k] = v
			}
		}
		for _, st := range steps {
			if rendered, ok := Render(st, local).(map[string]any); ok {
				out = append(out, rendered)
			}
		}
	}
	return out, nil
}

func childSteps(node map[string]any) []map[string]any {
	raw, ok := node["steps"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
