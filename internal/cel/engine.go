// Package cel wraps google/cel-go into the restricted, side-effect-free
// expression sub-language used by rule conditions and derived-role
// conditions (§4.1). CEL's own sandboxing (no I/O, no unbounded
// recursion, a declared and checked variable/function surface) already
// satisfies "restricted, non-Turing-complete" without a hand-rolled parser.
package cel

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/authzcore/engine/internal/pattern"
)

// Engine compiles and evaluates expressions against a fixed variable
// surface: principal/P, resource/R, request, context.
type Engine struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

// EvalContext holds the variable bindings available to an expression.
type EvalContext struct {
	Principal map[string]interface{}
	Resource  map[string]interface{}
	Request   map[string]interface{}
	Context   map[string]interface{}
	// Variables exposes a derived-role policy's named local sub-expressions
	// (§4.4) to conditions as variables.<name>.
	Variables map[string]interface{}
}

// NewEngine creates a CEL engine with the authorization-specific
// declarations and custom functions of §4.1.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("principal", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("P", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("R", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("request", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("context", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("variables", decls.NewMapType(decls.String, decls.Dyn)),
		),
		cel.Declarations(
			decls.NewFunction("hasRole",
				decls.NewOverload("hasRole_map_string",
					[]*exprpb.Type{decls.NewMapType(decls.String, decls.Dyn), decls.String},
					decls.Bool,
				),
			),
			decls.NewFunction("isOwner",
				decls.NewOverload("isOwner_map_map",
					[]*exprpb.Type{
						decls.NewMapType(decls.String, decls.Dyn),
						decls.NewMapType(decls.String, decls.Dyn),
					},
					decls.Bool,
				),
			),
			decls.NewFunction("inList",
				decls.NewOverload("inList_string_list",
					[]*exprpb.Type{decls.String, decls.NewListType(decls.String)},
					decls.Bool,
				),
			),
			decls.NewFunction("matches",
				decls.NewOverload("matches_string_string",
					[]*exprpb.Type{decls.String, decls.String},
					decls.Bool,
				),
			),
		),
		cel.Function("hasRole",
			cel.Overload("hasRole_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(hasRoleBinding),
			),
		),
		cel.Function("isOwner",
			cel.Overload("isOwner_map_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.MapType(cel.StringType, cel.DynType)},
				cel.BoolType,
				cel.BinaryBinding(isOwnerBinding),
			),
		),
		cel.Function("inList",
			cel.Overload("inList_string_list",
				[]*cel.Type{cel.StringType, cel.ListType(cel.StringType)},
				cel.BoolType,
				cel.BinaryBinding(inListBinding),
			),
		),
		cel.Function("matches",
			cel.Overload("matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(matchesBinding),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Compile parses, type-checks, and caches an expression, returning an
// executable program.
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed: %w", issues.Err())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

func bindVars(ctx *EvalContext) map[string]interface{} {
	variables := ctx.Variables
	if variables == nil {
		variables = map[string]interface{}{}
	}
	principal := newNullableMap(ctx.Principal)
	resource := newNullableMap(ctx.Resource)
	return map[string]interface{}{
		"principal": principal,
		"P":         principal,
		"resource":  resource,
		"R":         resource,
		"request":   newNullableMap(ctx.Request),
		"context":   newNullableMap(ctx.Context),
		"variables": variables,
	}
}

// Evaluate runs a compiled boolean-typed program. Every dotted-attribute
// access into principal/resource/request/context is resolved through
// nullableMap, which substitutes CEL's null for a missing key instead of
// raising a runtime error (§4.1), so a condition like
// `resource.attributes.ownerId == null` evaluates per spec rather than
// aborting the whole expression.
func (e *Engine) Evaluate(prog cel.Program, ctx *EvalContext) (bool, error) {
	result, _, err := prog.Eval(bindVars(ctx))
	if err != nil {
		return false, fmt.Errorf("CEL evaluation failed: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", result.Value())
	}
	return boolVal, nil
}

// EvaluateAny runs a compiled program of any checked output type, for
// callers (such as the variables sub-language of §4.4) that need a value
// rather than a boolean predicate.
func (e *Engine) EvaluateAny(prog cel.Program, ctx *EvalContext) (interface{}, error) {
	result, _, err := prog.Eval(bindVars(ctx))
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation failed: %w", err)
	}
	return result.Value(), nil
}

// EvaluateExpression compiles and evaluates a boolean expression in one call.
func (e *Engine) EvaluateExpression(expr string, ctx *EvalContext) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Evaluate(prog, ctx)
}

// Env exposes the underlying checked environment so callers can inspect an
// AST's reference map without recompiling it through a narrower API.
func (e *Engine) Env() *cel.Env {
	return e.env
}

// Check parses and type-checks expr without creating a program, returning
// the checked AST for static analysis (load-time condition validation in
// the policy package).
func (e *Engine) Check(expr string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed: %w", issues.Err())
	}
	return ast, nil
}

// ClearCache clears the compiled program cache.
func (e *Engine) ClearCache() {
	e.programs = sync.Map{}
}

// ParseIdentifiers parses expr (without type-checking, since a bare
// derived-role-name reference is not a declared variable) and returns
// every identifier, struct-select field name, and string literal token
// appearing in it. Used by the derived-role cycle detector's condition
// scan (§4.4) to find syntactic A -> B edges beyond parentRoles, by
// comparing these tokens against the set of known derived-role names.
func (e *Engine) ParseIdentifiers(expr string) ([]string, error) {
	ast, issues := e.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL parse failed: %w", issues.Err())
	}
	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("converting parsed CEL expression: %w", err)
	}
	var tokens []string
	collectIdentifiers(parsed.GetExpr(), &tokens)
	return tokens, nil
}

func collectIdentifiers(expr *exprpb.Expr, tokens *[]string) {
	if expr == nil {
		return
	}
	switch e := expr.GetExprKind().(type) {
	case *exprpb.Expr_IdentExpr:
		*tokens = append(*tokens, e.IdentExpr.GetName())
	case *exprpb.Expr_SelectExpr:
		*tokens = append(*tokens, e.SelectExpr.GetField())
		collectIdentifiers(e.SelectExpr.GetOperand(), tokens)
	case *exprpb.Expr_CallExpr:
		if e.CallExpr.GetTarget() != nil {
			collectIdentifiers(e.CallExpr.GetTarget(), tokens)
		}
		for _, arg := range e.CallExpr.GetArgs() {
			collectIdentifiers(arg, tokens)
		}
	case *exprpb.Expr_ListExpr:
		for _, elem := range e.ListExpr.GetElements() {
			collectIdentifiers(elem, tokens)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range e.StructExpr.GetEntries() {
			collectIdentifiers(entry.GetMapKey(), tokens)
			collectIdentifiers(entry.GetValue(), tokens)
		}
	case *exprpb.Expr_ComprehensionExpr:
		collectIdentifiers(e.ComprehensionExpr.GetIterRange(), tokens)
		collectIdentifiers(e.ComprehensionExpr.GetAccuInit(), tokens)
		collectIdentifiers(e.ComprehensionExpr.GetLoopCondition(), tokens)
		collectIdentifiers(e.ComprehensionExpr.GetLoopStep(), tokens)
		collectIdentifiers(e.ComprehensionExpr.GetResult(), tokens)
	case *exprpb.Expr_ConstExpr:
		if s, ok := e.ConstExpr.GetConstantKind().(*exprpb.Constant_StringValue); ok {
			*tokens = append(*tokens, s.StringValue)
		}
	}
}

// nullableMap wraps a map[string]interface{} as a CEL map value whose Get
// substitutes CEL's null for a missing key, instead of the "no such key"
// runtime error CEL's default map adapter raises. A Get miss returns
// another nullableMap over a nil map rather than bare null, so a further
// chained select (resource.attributes.owner.id when attributes itself is
// absent) keeps degrading to null instead of erroring on the next hop.
// Present values are adapted through the library's own default adapter,
// so existing behavior for non-missing keys is unchanged.
type nullableMap struct {
	data map[string]interface{}
}

func newNullableMap(data map[string]interface{}) *nullableMap {
	return &nullableMap{data: data}
}

var (
	_ ref.Val       = (*nullableMap)(nil)
	_ traits.Mapper = (*nullableMap)(nil)
)

func (m *nullableMap) ConvertToNative(typeDesc reflect.Type) (interface{}, error) {
	return types.DefaultTypeAdapter.NativeToValue(m.data).ConvertToNative(typeDesc)
}

func (m *nullableMap) ConvertToType(typeVal ref.Type) ref.Val {
	if typeVal == types.MapType {
		return m
	}
	return types.NewErr("type conversion error from 'map' to '%s'", typeVal)
}

// Equal implements §4.1's null comparison rule: a value resolved from a
// missing key is equal only to null, never to anything else (including
// another missing-key value being compared structurally).
func (m *nullableMap) Equal(other ref.Val) ref.Val {
	if m.data == nil {
		return types.Bool(other.Type() == types.NullType)
	}
	return types.DefaultTypeAdapter.NativeToValue(m.data).Equal(other)
}

func (m *nullableMap) Type() ref.Type {
	return types.MapType
}

func (m *nullableMap) Value() interface{} {
	return m.data
}

// Get implements traits.Indexer, resolving the `m["k"]` index operator and
// supplying Find's result for field selects.
func (m *nullableMap) Get(index ref.Val) ref.Val {
	if m.data == nil {
		return newNullableMap(nil)
	}
	key, ok := index.Value().(string)
	if !ok {
		return types.NewErr("unsupported map key type: %T", index.Value())
	}
	v, found := m.data[key]
	if !found {
		return newNullableMap(nil)
	}
	if nested, ok := v.(map[string]interface{}); ok {
		return newNullableMap(nested)
	}
	return types.DefaultTypeAdapter.NativeToValue(v)
}

// Find backs CEL's qualified field-select resolution (as opposed to Get,
// which backs the explicit `m["k"]` index operator). Returning found=true
// unconditionally, with Get supplying the null substitute for a miss, is
// what keeps a dotted select like `resource.attributes.ownerId` from
// raising CEL's own "no such key" error on an absent key.
func (m *nullableMap) Find(key ref.Val) (ref.Val, bool) {
	return m.Get(key), true
}

func (m *nullableMap) Contains(index ref.Val) ref.Val {
	if m.data == nil {
		return types.False
	}
	key, ok := index.Value().(string)
	if !ok {
		return types.False
	}
	_, found := m.data[key]
	return types.Bool(found)
}

func (m *nullableMap) Iterator() traits.Iterator {
	data := m.data
	if data == nil {
		data = map[string]interface{}{}
	}
	return types.DefaultTypeAdapter.NativeToValue(data).(traits.Mapper).Iterator()
}

func (m *nullableMap) Size() ref.Val {
	return types.Int(len(m.data))
}

// hasRoleBinding checks if a principal map has a specific role.
func hasRoleBinding(lhs, rhs ref.Val) ref.Val {
	principalMap, ok := lhs.Value().(map[string]interface{})
	if !ok {
		return types.False
	}
	role, ok := rhs.Value().(string)
	if !ok {
		return types.False
	}
	return types.Bool(hasRole(principalMap, role))
}

func hasRole(principalMap map[string]interface{}, role string) bool {
	switch roles := principalMap["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s == role {
				return true
			}
		}
	case []string:
		for _, r := range roles {
			if r == role {
				return true
			}
		}
	}
	return false
}

// isOwnerBinding checks if a principal owns a resource via
// resource.attributes.ownerId (or its `attr` alias).
func isOwnerBinding(lhs, rhs ref.Val) ref.Val {
	principalMap, ok := lhs.Value().(map[string]interface{})
	if !ok {
		return types.False
	}
	resourceMap, ok := rhs.Value().(map[string]interface{})
	if !ok {
		return types.False
	}

	principalID, _ := principalMap["id"].(string)

	if attrs, ok := resourceMap["attributes"].(map[string]interface{}); ok {
		if ownerID, ok := attrs["ownerId"].(string); ok {
			return types.Bool(principalID == ownerID)
		}
	}
	if attrs, ok := resourceMap["attr"].(map[string]interface{}); ok {
		if ownerID, ok := attrs["ownerId"].(string); ok {
			return types.Bool(principalID == ownerID)
		}
	}
	return types.False
}

// inListBinding checks if a string value is present in a list.
func inListBinding(lhs, rhs ref.Val) ref.Val {
	value, ok := lhs.Value().(string)
	if !ok {
		return types.False
	}

	switch list := rhs.Value().(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok && s == value {
				return types.True
			}
		}
	case []string:
		for _, item := range list {
			if item == value {
				return types.True
			}
		}
	}
	return types.False
}

// matchesBinding exposes the §4.2 principal-pattern matcher to condition
// expressions as matches(value, pattern): lets a rule condition reuse the
// same pattern language as rule-level principal/action selectors, e.g.
// `matches(resource.attr.team, "eng-*")`.
func matchesBinding(lhs, rhs ref.Val) ref.Val {
	value, ok := lhs.Value().(string)
	if !ok {
		return types.False
	}
	p, ok := rhs.Value().(string)
	if !ok {
		return types.False
	}
	m, err := pattern.CompilePrincipal(p)
	if err != nil {
		return types.False
	}
	return types.Bool(m.Matches(value, nil))
}
