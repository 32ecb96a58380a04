// Package expr implements the interpreted expression language used by domain
// triggers, emitted fragments, and field-level authorization rules.
//
// Expressions are finite trees of typed nodes. Evaluation is a single
// recursive descent with one rule per node kind, registered in a kind→rule
// registry so new kinds can be added without touching the evaluator loop.
// Effects (cross-domain queries, named-expression lookup, outbound HTTP) are
// capabilities injected by the host service.
package expr

// Kind identifies the node kind of an expression.
type Kind string

const (
	// KindLiteralString yields a constant string.
	KindLiteralString Kind = "literalString"
	// KindLiteralNumber yields a constant number.
	KindLiteralNumber Kind = "literalNumber"
	// KindLiteralBoolean yields a constant boolean.
	KindLiteralBoolean Kind = "literalBoolean"
	// KindLiteralNull yields null.
	KindLiteralNull Kind = "literalNull"
	// KindDotOperator resolves a dotted path against the evaluation scope.
	KindDotOperator Kind = "dotOperator"
	// KindSymbolOperator applies a binary or unary symbolic operation.
	KindSymbolOperator Kind = "symbolOperator"
	// KindConcatArrays concatenates the array results of its items.
	KindConcatArrays Kind = "concatArraysOperator"
	// KindObjectOfExpressions builds an object by evaluating each field.
	KindObjectOfExpressions Kind = "objectOfExpressions"
	// KindCondition branches on a boolean condition.
	KindCondition Kind = "conditionOperator"
	// KindLabel resolves a per-locale label map against the scope locale.
	KindLabel Kind = "labelOperator"
	// KindNamedExpression evaluates a stored expression resolved by id.
	KindNamedExpression Kind = "namedExpression"
	// KindQuery performs a permission-checked cross-domain read.
	KindQuery Kind = "queryOperator"
	// KindHTTP performs an outbound HTTP call.
	KindHTTP Kind = "httpOperator"
)

// Node is one vertex of an expression tree. Only the fields relevant to its
// Kind are populated; trees are acyclic and finite.
type Node struct {
	Kind Kind `json:"expressionKind"`

	// Literal payload for the literal* kinds.
	Value any `json:"value,omitempty"`

	// Dot operator payload: Source is "context", "entity", or "permissions".
	Source string `json:"source,omitempty"`
	Path   string `json:"path,omitempty"`

	// Symbol operator payload. Right is nil for unary symbols.
	Symbol string `json:"symbol,omitempty"`
	Left   *Node  `json:"left,omitempty"`
	Right  *Node  `json:"right,omitempty"`

	// Concat-arrays payload.
	Items []*Node `json:"items,omitempty"`

	// Object-of-expressions payload.
	Fields map[string]*Node `json:"fields,omitempty"`

	// Condition payload.
	If   *Node `json:"if,omitempty"`
	Then *Node `json:"then,omitempty"`
	Else *Node `json:"else,omitempty"`

	// Label payload: locale tag → text.
	Labels map[string]string `json:"labels,omitempty"`

	// Named-expression payload.
	Ref string `json:"ref,omitempty"`

	// Query payload.
	Collection        string           `json:"collection,omitempty"`
	Filter            map[string]*Node `json:"filter,omitempty"`
	IgnorePermissions bool             `json:"ignorePermissions,omitempty"`

	// HTTP payload.
	Method string `json:"method,omitempty"`
	URL    *Node  `json:"url,omitempty"`
	Body   *Node  `json:"body,omitempty"`
}

// String returns a literal string node.
func String(value string) *Node {
	return &Node{Kind: KindLiteralString, Value: value}
}

// Number returns a literal number node.
func Number(value float64) *Node {
	return &Node{Kind: KindLiteralNumber, Value: value}
}

// Boolean returns a literal boolean node.
func Boolean(value bool) *Node {
	return &Node{Kind: KindLiteralBoolean, Value: value}
}

// Null returns a literal null node.
func Null() *Node {
	return &Node{Kind: KindLiteralNull}
}

// Dot returns a scope lookup node.
func Dot(source, path string) *Node {
	return &Node{Kind: KindDotOperator, Source: source, Path: path}
}

// Symbol2 returns a binary symbol operator node.
func Symbol2(symbol string, left, right *Node) *Node {
	return &Node{Kind: KindSymbolOperator, Symbol: symbol, Left: left, Right: right}
}

// Condition returns a conditional node.
func Condition(ifNode, thenNode, elseNode *Node) *Node {
	return &Node{Kind: KindCondition, If: ifNode, Then: thenNode, Else: elseNode}
}

// Object returns an object-of-expressions node.
func Object(fields map[string]*Node) *Node {
	return &Node{Kind: KindObjectOfExpressions, Fields: fields}
}
