package expr

import (
	"context"
	"fmt"

	"github.com/louisbranch/proxyfeed/internal/diffpatch"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/platform/i18n"
)

// maxDepth bounds nested evaluation, including named-expression indirection,
// so every evaluation terminates.
const maxDepth = 64

// Capabilities are the effect seams injected by the host service. The
// evaluator has no defaults; invoking an unwired capability is a
// configuration error.
type Capabilities struct {
	// ExecuteQuery performs a cross-domain read, permission-checked unless
	// ignorePermissions is set by an internal caller.
	ExecuteQuery func(ctx context.Context, collection string, filter map[string]any, permissions map[string]any, ignorePermissions bool) (any, error)
	// ResolveNamedExpression loads a stored expression by id.
	ResolveNamedExpression func(ctx context.Context, id string) (*Node, error)
	// ExecuteHTTP performs an outbound call with the caller's token passed
	// through; it never authenticates on its own.
	ExecuteHTTP func(ctx context.Context, method, url string, body any, authToken string) (any, error)
}

// EvalFunc evaluates one node kind.
type EvalFunc func(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error)

// Evaluator walks expression trees using a registry of per-kind rules.
type Evaluator struct {
	caps     Capabilities
	registry map[Kind]EvalFunc
}

// New returns an evaluator with the default node kinds registered.
func New(caps Capabilities) *Evaluator {
	e := &Evaluator{caps: caps, registry: map[Kind]EvalFunc{}}
	e.Register(KindLiteralString, evalLiteral)
	e.Register(KindLiteralNumber, evalLiteral)
	e.Register(KindLiteralBoolean, evalLiteral)
	e.Register(KindLiteralNull, evalLiteral)
	e.Register(KindDotOperator, evalDot)
	e.Register(KindSymbolOperator, evalSymbol)
	e.Register(KindConcatArrays, evalConcatArrays)
	e.Register(KindObjectOfExpressions, evalObject)
	e.Register(KindCondition, evalCondition)
	e.Register(KindLabel, evalLabel)
	e.Register(KindNamedExpression, evalNamed)
	e.Register(KindQuery, evalQuery)
	e.Register(KindHTTP, evalHTTP)
	return e
}

// Register installs or replaces the rule for one node kind.
func (e *Evaluator) Register(kind Kind, fn EvalFunc) {
	e.registry[kind] = fn
}

// Evaluate computes the value of an expression tree. Failures are typed
// domain errors, never panics, so callers can distinguish "evaluated to
// false" from "failed to evaluate".
func (e *Evaluator) Evaluate(ctx context.Context, node *Node, scope Scope) (any, error) {
	return e.evaluate(ctx, node, scope, 0)
}

// Outcome is the boundary form of an evaluation result: a value plus an
// error string instead of a Go error, for callers that persist or compare
// outcomes.
type Outcome struct {
	Value any    `json:"value"`
	Err   string `json:"error,omitempty"`
}

// EvaluateChecked evaluates and folds any failure into the returned Outcome.
func (e *Evaluator) EvaluateChecked(ctx context.Context, node *Node, scope Scope) Outcome {
	value, err := e.evaluate(ctx, node, scope, 0)
	if err != nil {
		return Outcome{Err: err.Error()}
	}
	return Outcome{Value: value}
}

// EvaluateBool evaluates a condition expression; nil results count as false.
func (e *Evaluator) EvaluateBool(ctx context.Context, node *Node, scope Scope) (bool, error) {
	value, err := e.evaluate(ctx, node, scope, 0)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// EvaluateAt evaluates a child node at the given depth. Rules for custom
// kinds use it so depth accounting spans registered kinds.
func (e *Evaluator) EvaluateAt(ctx context.Context, node *Node, scope Scope, depth int) (any, error) {
	return e.evaluate(ctx, node, scope, depth)
}

func (e *Evaluator) evaluate(ctx context.Context, node *Node, scope Scope, depth int) (any, error) {
	if node == nil {
		return nil, nil
	}
	if depth > maxDepth {
		return nil, errors.New(errors.CodeExprEvaluationFailed, "expression nesting exceeds evaluation depth limit")
	}
	rule, ok := e.registry[node.Kind]
	if !ok {
		return nil, errors.WithMetadata(errors.CodeExprUnknownKind,
			fmt.Sprintf("unknown expression kind %q", node.Kind),
			map[string]string{"kind": string(node.Kind)})
	}
	return rule(ctx, e, node, scope, depth)
}

func evalLiteral(_ context.Context, _ *Evaluator, node *Node, _ Scope, _ int) (any, error) {
	if node.Kind == KindLiteralNull {
		return nil, nil
	}
	return node.Value, nil
}

func evalDot(_ context.Context, _ *Evaluator, node *Node, scope Scope, _ int) (any, error) {
	value, ok := scope.lookup(node.Source, node.Path)
	if !ok {
		return nil, errors.WithMetadata(errors.CodeExprScopePathUnresolved,
			fmt.Sprintf("unknown scope source %q", node.Source),
			map[string]string{"source": node.Source, "path": node.Path})
	}
	return diffpatch.DeepCopy(value), nil
}

func evalSymbol(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	left, err := e.evaluate(ctx, node.Left, scope, depth+1)
	if err != nil {
		return nil, err
	}

	// Short-circuit forms evaluate the right side lazily.
	switch node.Symbol {
	case "and", "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := e.evaluate(ctx, node.Right, scope, depth+1)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "or", "||":
		if truthy(left) {
			return true, nil
		}
		right, err := e.evaluate(ctx, node.Right, scope, depth+1)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "not", "!":
		return !truthy(left), nil
	}

	right, err := e.evaluate(ctx, node.Right, scope, depth+1)
	if err != nil {
		return nil, err
	}

	switch node.Symbol {
	case "==":
		return diffpatch.DeepEqual(left, right), nil
	case "!=":
		return !diffpatch.DeepEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(node.Symbol, left, right)
	case "+":
		if leftStr, ok := left.(string); ok {
			rightStr, _ := right.(string)
			return leftStr + rightStr, nil
		}
		return arithmetic(node.Symbol, left, right)
	case "-", "*", "/":
		return arithmetic(node.Symbol, left, right)
	case "in":
		list, ok := right.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range list {
			if diffpatch.DeepEqual(item, left) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, errors.WithMetadata(errors.CodeExprUnsupportedOperation,
			fmt.Sprintf("unsupported symbol %q", node.Symbol),
			map[string]string{"symbol": node.Symbol})
	}
}

func evalConcatArrays(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	result := []any{}
	for _, item := range node.Items {
		value, err := e.evaluate(ctx, item, scope, depth+1)
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		if list, ok := value.([]any); ok {
			result = append(result, list...)
			continue
		}
		result = append(result, value)
	}
	return result, nil
}

func evalObject(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	result := make(map[string]any, len(node.Fields))
	for key, field := range node.Fields {
		value, err := e.evaluate(ctx, field, scope, depth+1)
		if err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

func evalCondition(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	condition, err := e.evaluate(ctx, node.If, scope, depth+1)
	if err != nil {
		return nil, err
	}
	if truthy(condition) {
		return e.evaluate(ctx, node.Then, scope, depth+1)
	}
	return e.evaluate(ctx, node.Else, scope, depth+1)
}

func evalLabel(_ context.Context, _ *Evaluator, node *Node, scope Scope, _ int) (any, error) {
	return i18n.Resolve(node.Labels, scope.Locale), nil
}

func evalNamed(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	if e.caps.ResolveNamedExpression == nil {
		return nil, errors.New(errors.CodeExprCapabilityUnwired, "named expression resolver is not configured")
	}
	resolved, err := e.caps.ResolveNamedExpression(ctx, node.Ref)
	if err != nil {
		return nil, errors.Wrap(errors.CodeExprNamedMissing,
			fmt.Sprintf("resolve named expression %q", node.Ref), err)
	}
	if resolved == nil {
		return nil, errors.WithMetadata(errors.CodeExprNamedMissing,
			fmt.Sprintf("named expression %q not found", node.Ref),
			map[string]string{"id": node.Ref})
	}
	return e.evaluate(ctx, resolved, scope, depth+1)
}

func evalQuery(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	if e.caps.ExecuteQuery == nil {
		return nil, errors.New(errors.CodeExprCapabilityUnwired, "query executor is not configured")
	}
	if node.IgnorePermissions && !scope.AllowPermissionBypass {
		return nil, errors.New(errors.CodeExprBypassNotPermitted,
			"permission bypass is not reachable from this scope")
	}
	filter := make(map[string]any, len(node.Filter))
	for key, fieldNode := range node.Filter {
		value, err := e.evaluate(ctx, fieldNode, scope, depth+1)
		if err != nil {
			return nil, err
		}
		filter[key] = value
	}
	return e.caps.ExecuteQuery(ctx, node.Collection, filter, scope.UserPermissions, node.IgnorePermissions)
}

func evalHTTP(ctx context.Context, e *Evaluator, node *Node, scope Scope, depth int) (any, error) {
	if e.caps.ExecuteHTTP == nil {
		return nil, errors.New(errors.CodeExprCapabilityUnwired, "http executor is not configured")
	}
	urlValue, err := e.evaluate(ctx, node.URL, scope, depth+1)
	if err != nil {
		return nil, err
	}
	url, ok := urlValue.(string)
	if !ok {
		return nil, errors.New(errors.CodeExprTypeMismatch, "http operator url must evaluate to a string")
	}
	body, err := e.evaluate(ctx, node.Body, scope, depth+1)
	if err != nil {
		return nil, err
	}
	method := node.Method
	if method == "" {
		method = "GET"
	}
	return e.caps.ExecuteHTTP(ctx, method, url, body, scope.AuthToken)
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	default:
		if number, ok := numeric(value); ok {
			return number != 0
		}
		return true
	}
}

func compareOrdered(symbol string, left, right any) (any, error) {
	leftNum, leftOK := numeric(left)
	rightNum, rightOK := numeric(right)
	if leftOK && rightOK {
		switch symbol {
		case "<":
			return leftNum < rightNum, nil
		case "<=":
			return leftNum <= rightNum, nil
		case ">":
			return leftNum > rightNum, nil
		case ">=":
			return leftNum >= rightNum, nil
		}
	}
	leftStr, leftIsStr := left.(string)
	rightStr, rightIsStr := right.(string)
	if leftIsStr && rightIsStr {
		switch symbol {
		case "<":
			return leftStr < rightStr, nil
		case "<=":
			return leftStr <= rightStr, nil
		case ">":
			return leftStr > rightStr, nil
		case ">=":
			return leftStr >= rightStr, nil
		}
	}
	return nil, errors.New(errors.CodeExprTypeMismatch,
		fmt.Sprintf("operands of %q are not comparable", symbol))
}

func arithmetic(symbol string, left, right any) (any, error) {
	leftNum, leftOK := numeric(left)
	rightNum, rightOK := numeric(right)
	if !leftOK || !rightOK {
		return nil, errors.New(errors.CodeExprTypeMismatch,
			fmt.Sprintf("operands of %q are not numeric", symbol))
	}
	switch symbol {
	case "+":
		return leftNum + rightNum, nil
	case "-":
		return leftNum - rightNum, nil
	case "*":
		return leftNum * rightNum, nil
	case "/":
		if rightNum == 0 {
			return nil, errors.New(errors.CodeExprEvaluationFailed, "division by zero")
		}
		return leftNum / rightNum, nil
	}
	return nil, errors.New(errors.CodeExprUnsupportedOperation,
		fmt.Sprintf("unsupported arithmetic symbol %q", symbol))
}

func numeric(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	default:
		return 0, false
	}
}
