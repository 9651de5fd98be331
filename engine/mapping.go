package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/stateflow/dsl"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MappingStep is one rule's execution snapshot, recorded for
// debugging: a failed rule records its error here instead of aborting
// the whole pipeline.
type MappingStep struct {
	Key     string
	Success bool
	Error   string
}

// ApplyInput computes exec_input = apply_input(context) for a state's
// InputMapping. A nil mapping is the identity: the whole
// context flows through unchanged.
func ApplyInput(m *dsl.MappingDSL, ctx Context) (interface{}, []MappingStep, error) {
	if m == nil {
		return cloneValue(ctx), nil, nil
	}
	return runMapping(m, ctx, ctx)
}

// ApplyOutput computes new_context = merge(context, apply_output(raw))
// for a state's OutputMapping. rawOutput is the source
// document rules select from; ctx is merged into.
func ApplyOutput(m *dsl.MappingDSL, ctx Context, rawOutput interface{}) (Context, []MappingStep, error) {
	if m == nil {
		merged := cloneContext(ctx)
		if asMap, ok := rawOutput.(map[string]interface{}); ok {
			for k, v := range asMap {
				merged[k] = v
			}
		}
		return merged, nil, nil
	}
	result, steps, err := runMapping(m, rawOutput, ctx)
	if err != nil {
		return ctx, steps, err
	}
	merged, ok := result.(Context)
	if !ok {
		merged = cloneContext(ctx)
	}
	return merged, steps, nil
}

// ApplyMapItemInjection merges the parent context with
// {item_context_key: item} before running a Map iterator's input
// mapping, so rules may reference "$.<item_context_key>.…".
func ApplyMapItemInjection(ctx Context, itemContextKey string, item interface{}) Context {
	injected := cloneContext(ctx)
	injected[itemContextKey] = item
	return injected
}

// runMapping applies preserve policy then each rule in topological
// order, writing into a fresh accumulator seeded from `preserveSource`
// (the context, for both input and output mappings) while resolvers
// read from `selectSource` (the context for input mappings, the raw
// output for output mappings).
func runMapping(m *dsl.MappingDSL, selectSource interface{}, preserveSource Context) (interface{}, []MappingStep, error) {
	order, err := topologicalSort(m.Rules)
	if err != nil {
		return nil, nil, err
	}

	acc := applyPreserve(m.Preserve, preserveSource)
	selectRoot, err := toJSONBytes(selectSource)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: mapping: marshal source: %w", err)
	}

	var steps []MappingStep
	for _, rule := range order {
		if rule.Condition != nil {
			ok, err := EvaluateChoice(*rule.Condition, selectSource)
			if err != nil {
				steps = append(steps, MappingStep{Key: rule.Key, Success: false, Error: err.Error()})
				continue
			}
			if !ok {
				continue
			}
		}
		val, err := resolveRule(rule, selectRoot, selectSource)
		if err != nil {
			steps = append(steps, MappingStep{Key: rule.Key, Success: false, Error: err.Error()})
			continue
		}
		writeKey(acc, rule.Key, val, rule.MergeStrategy)
		steps = append(steps, MappingStep{Key: rule.Key, Success: true})
	}
	return acc, steps, nil
}

func applyPreserve(p dsl.Preserve, source Context) Context {
	acc := make(Context, len(source))
	switch p.Mode {
	case dsl.PreserveAll, "":
		for k, v := range source {
			acc[k] = v
		}
	case dsl.PreserveNone:
		// acc stays empty.
	case dsl.PreserveSome:
		for _, k := range p.Keys {
			if v, ok := source[k]; ok {
				acc[k] = v
			}
		}
	}
	return acc
}

func resolveRule(rule dsl.Rule, root []byte, selectSource interface{}) (interface{}, error) {
	switch rule.Kind {
	case dsl.KindConstant:
		return rule.Value, nil
	case dsl.KindJSONPath:
		return jsonPathSelect(root, rule.Source), nil
	case dsl.KindExpr:
		return evalExpr(rule.Transform, selectSource)
	case dsl.KindTemplate:
		return renderTemplate(rule.Template, root), nil
	case dsl.KindSubMapping:
		sub := &dsl.MappingDSL{Rules: rule.SubMappings}
		result, _, err := runMapping(sub, selectSource, Context{})
		return result, err
	case dsl.KindFormField:
		v := jsonPathSelect(root, "$."+rule.FieldName)
		if v == nil {
			return rule.DefaultValue, nil
		}
		return v, nil
	default:
		return nil, fmt.Errorf("engine: mapping: unknown rule kind %q", rule.Kind)
	}
}

// jsonPathSelect returns the first match for path against root, or nil
// if it selects nothing.
func jsonPathSelect(root []byte, path string) interface{} {
	expr := strings.TrimPrefix(path, "$.")
	expr = strings.TrimPrefix(expr, "$")
	if expr == "" {
		var v interface{}
		_ = json.Unmarshal(root, &v)
		return v
	}
	res := gjson.GetBytes(root, expr)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// evalExpr supports the small expression grammar the original DSL's
// Expr rules use: a bare JSONPath ("$.foo"), or "concat(a, b, ...)"
// over JSONPath/literal arguments. Anything else is passed through as
// a literal string, mirroring how a Constant rule behaves for authors
// who didn't intend a real expression language.
func evalExpr(expr string, selectSource interface{}) (interface{}, error) {
	trimmed := strings.TrimSpace(expr)
	root, err := toJSONBytes(selectSource)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(trimmed, "$") {
		return jsonPathSelect(root, trimmed), nil
	}
	if strings.HasPrefix(trimmed, "concat(") && strings.HasSuffix(trimmed, ")") {
		args := strings.Split(trimmed[len("concat("):len(trimmed)-1], ",")
		var sb strings.Builder
		for _, a := range args {
			a = strings.TrimSpace(a)
			if strings.HasPrefix(a, "$") {
				sb.WriteString(fmt.Sprintf("%v", jsonPathSelect(root, a)))
			} else {
				sb.WriteString(strings.Trim(a, `"'`))
			}
		}
		return sb.String(), nil
	}
	return trimmed, nil
}

func renderTemplate(tmpl string, root []byte) string {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.Index(tmpl[i:], "}}")
			if end < 0 {
				out.WriteByte(tmpl[i])
				i++
				continue
			}
			path := strings.TrimSpace(tmpl[i+2 : i+end])
			out.WriteString(fmt.Sprintf("%v", jsonPathSelect(root, path)))
			i += end + 2
			continue
		}
		out.WriteByte(tmpl[i])
		i++
	}
	return out.String()
}

// writeKey writes value into acc at key using the rule's merge
// strategy. Dotted keys create intermediate objects.
func writeKey(acc Context, key string, value interface{}, strategy dsl.MergeStrategy) {
	b, err := json.Marshal(acc)
	if err != nil {
		return
	}
	path := sjsonPath(key)

	switch strategy {
	case dsl.MergeIgnore:
		if gjson.GetBytes(b, path).Exists() {
			return
		}
		setAndReplace(acc, path, value)
	case dsl.MergeAppend:
		cur := gjson.GetBytes(b, path)
		if cur.Exists() && !cur.IsArray() {
			// Degenerate case: the target holds a non-array, so fall
			// back to Overwrite.
			setAndReplace(acc, path, value)
			return
		}
		var arr []interface{}
		for _, v := range cur.Array() {
			arr = append(arr, v.Value())
		}
		arr = append(arr, value)
		setAndReplace(acc, path, arr)
	case dsl.MergeMerge:
		cur := gjson.GetBytes(b, path)
		curMap, curIsMap := cur.Value().(map[string]interface{})
		newMap, newIsMap := value.(map[string]interface{})
		if cur.Exists() && curIsMap && newIsMap {
			merged := make(map[string]interface{}, len(curMap)+len(newMap))
			for k, v := range curMap {
				merged[k] = v
			}
			for k, v := range newMap {
				merged[k] = v
			}
			setAndReplace(acc, path, merged)
			return
		}
		// Degenerate case: fall back to Overwrite.
		setAndReplace(acc, path, value)
	default: // dsl.MergeOverwrite and unset
		setAndReplace(acc, path, value)
	}
}

func setAndReplace(acc Context, path string, value interface{}) {
	b, err := json.Marshal(acc)
	if err != nil {
		return
	}
	out, err := sjson.SetBytes(b, path, value)
	if err != nil {
		return
	}
	var fresh Context
	if err := json.Unmarshal(out, &fresh); err != nil {
		return
	}
	for k := range acc {
		delete(acc, k)
	}
	for k, v := range fresh {
		acc[k] = v
	}
}

// sjsonPath rewrites a dotted mapping key into an sjson path. sjson
// already uses '.' as its path separator, so this is mostly pass
// through; it only needs to escape keys that themselves contain '.'.
func sjsonPath(key string) string {
	parts := strings.Split(key, ".")
	for i, p := range parts {
		if strings.ContainsAny(p, ".*") {
			parts[i] = strconv.Quote(p)
		}
	}
	return strings.Join(parts, ".")
}

func toJSONBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	default:
		return json.Marshal(v)
	}
}

func cloneContext(ctx Context) Context {
	out := make(Context, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// ErrCircularDependency is returned by topologicalSort when rules'
// DependsOn fields form a cycle.
type ErrCircularDependency struct {
	Keys []string
}

func (e *ErrCircularDependency) Error() string {
	return fmt.Sprintf("engine: mapping: circular dependency among rules %v", e.Keys)
}

// topologicalSort orders rules so that every rule appears after all
// rules named in its DependsOn. It is idempotent on already-sorted
// input since Kahn's algorithm over a DAG with
// a fixed rule order produces a unique valid ordering when the input
// order is itself already valid.
func topologicalSort(rules []dsl.Rule) ([]dsl.Rule, error) {
	byKey := make(map[string]dsl.Rule, len(rules))
	indegree := make(map[string]int, len(rules))
	dependents := make(map[string][]string)

	for _, r := range rules {
		byKey[r.Key] = r
		if _, ok := indegree[r.Key]; !ok {
			indegree[r.Key] = 0
		}
	}
	for _, r := range rules {
		for _, dep := range r.DependsOn {
			indegree[r.Key]++
			dependents[dep] = append(dependents[dep], r.Key)
		}
	}

	var queue []string
	for _, r := range rules {
		if indegree[r.Key] == 0 {
			queue = append(queue, r.Key)
		}
	}

	var order []dsl.Rule
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, byKey[key])
		for _, dep := range dependents[key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(rules) {
		var stuck []string
		for k, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, k)
			}
		}
		return nil, &ErrCircularDependency{Keys: stuck}
	}
	return order, nil
}
