// Package rpc implements the role/cmd envelope protocol services exchange
// events and queries over: a single POST endpoint carrying a routed JSON
// envelope, with bounded retries on the client side.
package rpc

import (
	"encoding/json"
	"time"
)

// Envelope is one routed request: Role selects the service facet, Cmd the
// operation, Origin names the sending service.
type Envelope struct {
	Role    string          `json:"role"`
	Cmd     string          `json:"cmd"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope reply.
type Response struct {
	OK      bool            `json:"ok"`
	Error   *ResponseError  `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResponseError carries a machine-readable failure across the wire.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// retryBackoff returns the delay before the given retry attempt,
// exponentially increasing and capped.
func retryBackoff(attempt int) time.Duration {
	backoff := time.Second << attempt
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	return backoff
}
