// Package when evaluates job conditions and input templates.
//
// Expressions use HCL expression syntax restricted to variable access,
// comparison, logic and conditionals:
//
//	jobs.build.status == "completed" && inputs.deploy
//	jobs["lint-go"].output.warnings < 10 ? true : env.FORCE == "1"
//
// The roots are jobs.<id>.status, jobs.<id>.output, inputs.<key> and
// env.<KEY>. Job ids containing '-' must use index syntax. Function calls and
// for-expressions are rejected at parse time. An optional ${{ }} wrapper is
// accepted and stripped.
package when

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/teranos/relay/errors"
)

// Variable roots available to expressions
const (
	RootJobs   = "jobs"
	RootInputs = "inputs"
	RootEnv    = "env"
)

var (
	wrapperPattern  = regexp.MustCompile(`(?s)^\s*\$\{\{(.*)\}\}\s*$`)
	templatePattern = regexp.MustCompile(`\$\{\{\s*(.+?)\s*\}\}`)
)

// Expr is a parsed expression
type Expr struct {
	source string
	expr   hclsyntax.Expression
}

// Parse parses src, rejecting constructs outside the restricted grammar
func Parse(src string) (*Expr, error) {
	body := Unwrap(src)
	if strings.TrimSpace(body) == "" {
		return nil, errors.NewInvalidRequestError("empty expression")
	}

	expr, diags := hclsyntax.ParseExpression([]byte(body), "when", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, errors.Mark(errors.Newf("invalid expression %q: %s", body, diags.Error()), errors.ErrInvalidRequest)
	}

	if name, found := findUnsupported(expr); found {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("expression %q uses %s, which is not allowed", body, name),
			"conditions may only compare jobs.*, inputs.* and env.* values",
		)
	}

	for _, traversal := range expr.Variables() {
		switch root := traversal.RootName(); root {
		case RootJobs, RootInputs, RootEnv:
		default:
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("expression %q references unknown variable %q", body, root),
				"available roots: jobs, inputs, env",
			)
		}
	}

	return &Expr{source: body, expr: expr}, nil
}

// Unwrap strips an optional ${{ }} wrapper
func Unwrap(src string) string {
	if m := wrapperPattern.FindStringSubmatch(src); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(src)
}

// String returns the expression source without wrapper
func (e *Expr) String() string {
	return e.source
}

// JobRefs returns the job ids the expression reads, sorted
func (e *Expr) JobRefs() []string {
	seen := make(map[string]struct{})
	for _, traversal := range e.expr.Variables() {
		if traversal.RootName() != RootJobs || len(traversal) < 2 {
			continue
		}
		switch step := traversal[1].(type) {
		case hcl.TraverseAttr:
			seen[step.Name] = struct{}{}
		case hcl.TraverseIndex:
			if step.Key.Type() == cty.String && step.Key.IsKnown() && !step.Key.IsNull() {
				seen[step.Key.AsString()] = struct{}{}
			}
		}
	}
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

// Value evaluates the expression against scope
func (e *Expr) Value(scope Scope) (cty.Value, error) {
	val, diags := e.expr.Value(scope.evalContext())
	if diags.HasErrors() {
		return cty.NilVal, errors.Newf("evaluate %q: %s", e.source, diags.Error())
	}
	return val, nil
}

// Eval evaluates the expression as a condition.
// Evaluation errors, missing references, null, unknown and non-bool results
// all yield false.
func (e *Expr) Eval(scope Scope) bool {
	val, err := e.Value(scope)
	if err != nil || !val.IsWhollyKnown() || val.IsNull() || !val.Type().Equals(cty.Bool) {
		return false
	}
	return val.True()
}

// findUnsupported walks the AST looking for function calls and for-expressions
func findUnsupported(expr hclsyntax.Expression) (string, bool) {
	if expr == nil {
		return "", false
	}
	switch e := expr.(type) {
	case *hclsyntax.FunctionCallExpr:
		return "function " + e.Name + "()", true
	case *hclsyntax.ForExpr:
		return "a for expression", true
	case *hclsyntax.BinaryOpExpr:
		return firstUnsupported(e.LHS, e.RHS)
	case *hclsyntax.UnaryOpExpr:
		return findUnsupported(e.Val)
	case *hclsyntax.ConditionalExpr:
		return firstUnsupported(e.Condition, e.TrueResult, e.FalseResult)
	case *hclsyntax.TemplateExpr:
		return firstUnsupported(e.Parts...)
	case *hclsyntax.TemplateWrapExpr:
		return findUnsupported(e.Wrapped)
	case *hclsyntax.TupleConsExpr:
		return firstUnsupported(e.Exprs...)
	case *hclsyntax.ObjectConsExpr:
		for _, item := range e.Items {
			if name, found := firstUnsupported(item.KeyExpr, item.ValueExpr); found {
				return name, true
			}
		}
	case *hclsyntax.ObjectConsKeyExpr:
		return findUnsupported(e.Wrapped)
	case *hclsyntax.IndexExpr:
		return firstUnsupported(e.Collection, e.Key)
	case *hclsyntax.RelativeTraversalExpr:
		return findUnsupported(e.Source)
	case *hclsyntax.SplatExpr:
		return firstUnsupported(e.Source, e.Each)
	case *hclsyntax.ParenthesesExpr:
		return findUnsupported(e.Expression)
	}
	return "", false
}

func firstUnsupported(exprs ...hclsyntax.Expression) (string, bool) {
	for _, expr := range exprs {
		if name, found := findUnsupported(expr); found {
			return name, true
		}
	}
	return "", false
}

// jsonToCty converts arbitrary JSON into a cty value using its implied type.
// Invalid JSON becomes a string holding the raw text.
func jsonToCty(raw []byte) cty.Value {
	if len(raw) == 0 {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.StringVal(string(raw))
	}
	val, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return cty.StringVal(string(raw))
	}
	return val
}

func goToCty(v any) cty.Value {
	if v == nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	return jsonToCty(raw)
}

// ctyToGo converts a cty value back to plain Go values via JSON
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, errors.New("value is not known")
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, errors.Wrap(err, "convert result")
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "convert result")
	}
	return out, nil
}
