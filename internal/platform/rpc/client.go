package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/louisbranch/proxyfeed/internal/platform/errors"
)

// Client posts envelopes to a single remote endpoint.
//
// Transient failures (network errors, timeouts, 5xx) retry with exponential
// backoff until the attempt budget runs out; a definitive rejection (4xx)
// fails immediately and is never retried.
type Client struct {
	baseURL        string
	origin         string
	authToken      string
	httpClient     *http.Client
	attempts       int
	attemptTimeout time.Duration
	backoff        func(attempt int) time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAttempts sets the total attempt budget, including the first try.
func WithAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBackoff overrides the retry delay schedule.
func WithBackoff(fn func(attempt int) time.Duration) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.backoff = fn
		}
	}
}

// NewClient returns a Client posting to baseURL, identifying as origin.
func NewClient(baseURL, origin string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        baseURL,
		origin:         origin,
		httpClient:     &http.Client{},
		attempts:       5,
		attemptTimeout: 10 * time.Second,
		backoff:        retryBackoff,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call posts one envelope and decodes the reply payload into out when out is
// non-nil.
func (c *Client) Call(ctx context.Context, role, cmd string, payload, out any) error {
	if c == nil || c.baseURL == "" {
		return errors.New(errors.CodeUnknown, "rpc client is not configured")
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = encoded
	}
	body, err := json.Marshal(Envelope{Role: role, Cmd: cmd, Origin: c.origin, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}
		response, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return decodePayload(response, out)
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return errors.Wrap(errors.CodeTransportExhausted,
		fmt.Sprintf("rpc %s.%s failed after %d attempts", role, cmd, c.attempts), lastErr)
}

// attempt runs one HTTP exchange. The bool reports whether the failure is
// worth retrying.
func (c *Client) attempt(ctx context.Context, body []byte) (*Response, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, true, errors.Wrap(errors.CodeTransportTimeout, "rpc attempt timed out", err)
		}
		return nil, true, fmt.Errorf("post envelope: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if httpResponse.StatusCode >= 500 {
		return nil, true, fmt.Errorf("remote failure: status %d", httpResponse.StatusCode)
	}

	var response Response
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, true, fmt.Errorf("decode response: %w", err)
	}
	if httpResponse.StatusCode >= 400 || !response.OK {
		code := errors.CodeTransportRejected
		message := "request rejected"
		if response.Error != nil {
			code = errors.Code(response.Error.Code)
			message = response.Error.Message
		}
		return nil, false, errors.New(code, message)
	}
	return &response, false, nil
}

func decodePayload(response *Response, out any) error {
	if out == nil || response == nil || len(response.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
