package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/louisbranch/proxyfeed/internal/platform/errors"
)

// HandlerFunc handles one role/cmd operation. The returned value is
// serialized as the reply payload.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Mux routes envelopes to registered role/cmd handlers.
type Mux struct {
	handlers map[string]map[string]HandlerFunc
}

// NewMux returns an empty envelope router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]map[string]HandlerFunc)}
}

// Handle registers a handler for one role/cmd pair.
func (m *Mux) Handle(role, cmd string, fn HandlerFunc) {
	if m.handlers[role] == nil {
		m.handlers[role] = make(map[string]HandlerFunc)
	}
	m.handlers[role][cmd] = fn
}

// Bind mounts the envelope endpoint on an echo router.
func (m *Mux) Bind(e *echo.Echo, path string, middleware ...echo.MiddlewareFunc) {
	e.POST(path, m.serve, middleware...)
}

func (m *Mux) serve(c echo.Context) error {
	var envelope Envelope
	if err := c.Bind(&envelope); err != nil {
		return c.JSON(http.StatusBadRequest, Response{
			OK:    false,
			Error: &ResponseError{Code: string(errors.CodeTransportRejected), Message: "malformed envelope"},
		})
	}

	byCmd, ok := m.handlers[envelope.Role]
	if !ok {
		return c.JSON(http.StatusNotFound, Response{
			OK:    false,
			Error: &ResponseError{Code: string(errors.CodeTransportRejected), Message: "unknown role " + envelope.Role},
		})
	}
	handler, ok := byCmd[envelope.Cmd]
	if !ok {
		return c.JSON(http.StatusNotFound, Response{
			OK:    false,
			Error: &ResponseError{Code: string(errors.CodeTransportRejected), Message: "unknown cmd " + envelope.Cmd},
		})
	}

	result, err := handler(c.Request().Context(), envelope.Payload)
	if err != nil {
		code := errors.CodeOf(err)
		return c.JSON(code.HTTPStatus(), Response{
			OK:    false,
			Error: &ResponseError{Code: string(code), Message: err.Error()},
		})
	}

	var payload json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, Response{
				OK:    false,
				Error: &ResponseError{Code: string(errors.CodeUnknown), Message: "encode reply payload"},
			})
		}
		payload = encoded
	}
	return c.JSON(http.StatusOK, Response{OK: true, Payload: payload})
}
