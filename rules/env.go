// Package rules implements the routing rules engine: CEL predicates
// over the request attribute view, with actions that write the chosen
// routing group into a per-request result bag.
package rules

import (
	"fmt"
	"net/textproto"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

// RoutingGroupKey is the reserved result key holding the chosen group.
// Rules address it through the RESULTS_ROUTING_GROUP_KEY constant or
// the literal string, both refer to the same slot.
const RoutingGroupKey = "routingGroup"

// Environment builds and compiles CEL programs against the request
// attribute view.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables and member functions
// exposed to rule conditions and actions.
func NewEnvironment() (*Environment, error) {
	attrMap := cel.MapType(cel.StringType, cel.DynType)
	optString := cel.OptionalType(cel.StringType)

	env, err := cel.NewEnv(
		cel.OptionalTypes(),
		ext.Strings(),
		cel.Variable("trinoRequestUser", attrMap),
		cel.Variable("trinoQueryProperties", attrMap),
		cel.Variable("request", attrMap),
		cel.Variable("result", attrMap),
		cel.Variable("RESULTS_ROUTING_GROUP_KEY", cel.StringType),
		cel.Function("userExistsAndEquals",
			cel.MemberOverload("requestUser_userExistsAndEquals",
				[]*cel.Type{attrMap, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(userExistsAndEquals),
			),
		),
		cel.Function("getUser",
			cel.MemberOverload("requestUser_getUser",
				[]*cel.Type{attrMap},
				optString,
				cel.UnaryBinding(optionalAttr("user")),
			),
		),
		cel.Function("getQueryType",
			cel.MemberOverload("queryProperties_getQueryType",
				[]*cel.Type{attrMap},
				cel.StringType,
				cel.UnaryBinding(stringAttr("queryType")),
			),
		),
		cel.Function("getResourceGroupQueryType",
			cel.MemberOverload("queryProperties_getResourceGroupQueryType",
				[]*cel.Type{attrMap},
				cel.StringType,
				cel.UnaryBinding(stringAttr("resourceGroupQueryType")),
			),
		),
		cel.Function("getDefaultCatalog",
			cel.MemberOverload("queryProperties_getDefaultCatalog",
				[]*cel.Type{attrMap},
				optString,
				cel.UnaryBinding(optionalAttr("defaultCatalog")),
			),
		),
		cel.Function("getDefaultSchema",
			cel.MemberOverload("queryProperties_getDefaultSchema",
				[]*cel.Type{attrMap},
				optString,
				cel.UnaryBinding(optionalAttr("defaultSchema")),
			),
		),
		cel.Function("getTables",
			cel.MemberOverload("queryProperties_getTables",
				[]*cel.Type{attrMap},
				cel.ListType(cel.StringType),
				cel.UnaryBinding(listAttr("tables")),
			),
		),
		cel.Function("tablesContains",
			cel.MemberOverload("queryProperties_tablesContains",
				[]*cel.Type{attrMap, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(tablesContains),
			),
		),
		cel.Function("isNewQuerySubmission",
			cel.MemberOverload("queryProperties_isNewQuerySubmission",
				[]*cel.Type{attrMap},
				cel.BoolType,
				cel.UnaryBinding(boolAttr("newQuerySubmission")),
			),
		),
		cel.Function("getHeader",
			cel.MemberOverload("request_getHeader",
				[]*cel.Type{attrMap, cel.StringType},
				cel.StringType,
				cel.BinaryBinding(requestGetHeader),
			),
		),
		cel.Function("put",
			cel.MemberOverload("result_put",
				[]*cel.Type{attrMap, cel.StringType, cel.StringType},
				cel.StringType,
				cel.FunctionBinding(resultPut),
			),
		),
		cel.Function("isPresent",
			cel.MemberOverload("optional_string_isPresent",
				[]*cel.Type{optString},
				cel.BoolType,
				cel.UnaryBinding(optionalIsPresent),
			),
		),
		cel.Function("get",
			cel.MemberOverload("optional_string_get",
				[]*cel.Type{optString},
				cel.StringType,
				cel.UnaryBinding(optionalGet),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares a condition, ensuring the expression yields a
// boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares an action, which may yield any value and is
// executed for its side effect on the result bag.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("rules: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("rules: compile %q: %w", expr, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("rules: %q must return bool, got %s", expr, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("rules: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program, wantBool: wantBool}, nil
}

// Source returns the original expression for logging.
func (p Program) Source() string { return p.source }

// EvalBool executes a condition and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("rules: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("rules: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("rules: %q yielded non-bool result %T", p.source, val)
}

// Eval executes a program for its value or side effect.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("rules: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("rules: eval %q: %w", p.source, err)
	}
	return val.Value(), nil
}

func findAttr(v ref.Val, key string) (ref.Val, bool) {
	mapper, ok := v.(traits.Mapper)
	if !ok {
		return nil, false
	}
	return mapper.Find(types.String(key))
}

func stringAttr(key string) func(ref.Val) ref.Val {
	return func(receiver ref.Val) ref.Val {
		if v, found := findAttr(receiver, key); found {
			if s, ok := v.Value().(string); ok {
				return types.String(s)
			}
		}
		return types.String("")
	}
}

func optionalAttr(key string) func(ref.Val) ref.Val {
	return func(receiver ref.Val) ref.Val {
		if v, found := findAttr(receiver, key); found {
			if s, ok := v.Value().(string); ok && s != "" {
				return types.OptionalOf(types.String(s))
			}
		}
		return types.OptionalNone
	}
}

func boolAttr(key string) func(ref.Val) ref.Val {
	return func(receiver ref.Val) ref.Val {
		if v, found := findAttr(receiver, key); found {
			if b, ok := v.Value().(bool); ok {
				return types.Bool(b)
			}
		}
		return types.False
	}
}

func listAttr(key string) func(ref.Val) ref.Val {
	return func(receiver ref.Val) ref.Val {
		if v, found := findAttr(receiver, key); found {
			if _, ok := v.(traits.Lister); ok {
				return v
			}
		}
		return types.DefaultTypeAdapter.NativeToValue([]string{})
	}
}

func userExistsAndEquals(receiver, name ref.Val) ref.Val {
	want, ok := name.Value().(string)
	if !ok {
		return types.NewErr("rules: userExistsAndEquals expects a string")
	}
	v, found := findAttr(receiver, "user")
	if !found {
		return types.False
	}
	user, ok := v.Value().(string)
	return types.Bool(ok && user != "" && user == want)
}

func tablesContains(receiver, name ref.Val) ref.Val {
	want, ok := name.Value().(string)
	if !ok {
		return types.NewErr("rules: tablesContains expects a string")
	}
	v, found := findAttr(receiver, "tables")
	if !found {
		return types.False
	}
	tables, ok := v.Value().([]string)
	if !ok {
		return types.False
	}
	for _, t := range tables {
		if t == want {
			return types.True
		}
	}
	return types.False
}

func requestGetHeader(receiver, name ref.Val) ref.Val {
	key, ok := name.Value().(string)
	if !ok {
		return types.NewErr("rules: getHeader expects a string")
	}
	headers, found := findAttr(receiver, "headers")
	if !found {
		return types.String("")
	}
	if v, found := findAttr(headers, textproto.CanonicalMIMEHeaderKey(key)); found {
		if s, ok := v.Value().(string); ok {
			return types.String(s)
		}
	}
	return types.String("")
}

func resultPut(vals ...ref.Val) ref.Val {
	if len(vals) != 3 {
		return types.NewErr("rules: put expects a key and a value")
	}
	bag, ok := vals[0].Value().(map[string]any)
	if !ok {
		return types.NewErr("rules: put receiver is not the result bag")
	}
	key, ok := vals[1].Value().(string)
	if !ok {
		return types.NewErr("rules: put expects a string key")
	}
	value, ok := vals[2].Value().(string)
	if !ok {
		return types.NewErr("rules: put expects a string value")
	}
	bag[key] = value
	return vals[2]
}

func optionalIsPresent(v ref.Val) ref.Val {
	o, ok := v.(*types.Optional)
	if !ok {
		return types.NewErr("rules: isPresent expects an optional")
	}
	return types.Bool(o.HasValue())
}

func optionalGet(v ref.Val) ref.Val {
	o, ok := v.(*types.Optional)
	if !ok {
		return types.NewErr("rules: get expects an optional")
	}
	if !o.HasValue() {
		return types.NewErr("rules: get on an absent optional")
	}
	return o.GetValue()
}
