// Package errors provides structured error handling for proxyfeed.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Transport errors
	CodeTransportTimeout   Code = "TRANSPORT_TIMEOUT"
	CodeTransportExhausted Code = "TRANSPORT_RETRIES_EXHAUSTED"
	CodeTransportRejected  Code = "TRANSPORT_REJECTED"

	// Capture errors
	CodeCaptureMissingTenant    Code = "CAPTURE_MISSING_TENANT"
	CodeCaptureBeforeImageGone  Code = "CAPTURE_BEFORE_IMAGE_MISSING"
	CodeCaptureHandleUnknown    Code = "CAPTURE_HANDLE_UNKNOWN"
	CodeCaptureEventImmutable   Code = "CAPTURE_EVENT_IMMUTABLE"
	CodeCaptureCollectionClosed Code = "CAPTURE_COLLECTION_NOT_TRACKED"

	// Expression errors
	CodeExprUnknownKind          Code = "EXPR_UNKNOWN_KIND"
	CodeExprNamedMissing         Code = "EXPR_NAMED_EXPRESSION_MISSING"
	CodeExprCapabilityUnwired    Code = "EXPR_CAPABILITY_NOT_CONFIGURED"
	CodeExprUnknownCollection    Code = "EXPR_UNKNOWN_COLLECTION"
	CodeExprBypassNotPermitted   Code = "EXPR_BYPASS_NOT_PERMITTED"
	CodeExprTypeMismatch         Code = "EXPR_TYPE_MISMATCH"
	CodeExprEvaluationFailed     Code = "EXPR_EVALUATION_FAILED"
	CodeExprScopePathUnresolved  Code = "EXPR_SCOPE_PATH_UNRESOLVED"
	CodeExprUnsupportedOperation Code = "EXPR_UNSUPPORTED_OPERATION"

	// Proxy errors
	CodeProxyUnknownDomain    Code = "PROXY_UNKNOWN_DOMAIN"
	CodeProxyEmptyContextKey  Code = "PROXY_EMPTY_CONTEXT_KEY"
	CodeProxyFieldNotWritable Code = "PROXY_FIELD_NOT_WRITABLE"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeStoreFailed Code = "STORE_FAILED"
)

// HTTPStatus maps an error code to the HTTP status used on the RPC surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound, CodeProxyUnknownDomain, CodeExprNamedMissing:
		return http.StatusNotFound
	case CodeProxyFieldNotWritable, CodeExprBypassNotPermitted:
		return http.StatusForbidden
	case CodeCaptureMissingTenant, CodeProxyEmptyContextKey, CodeTransportRejected,
		CodeExprUnknownCollection:
		return http.StatusBadRequest
	case CodeTransportTimeout, CodeTransportExhausted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
