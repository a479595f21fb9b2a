// Package virtual implements the service virtualization layer: per-service
// proxies that serve registered mock endpoints, apply middleware, select
// conditional/weighted responses, record interactions, and replay
// previously captured traffic. Every call goes through the service's
// circuit breaker.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Recording modes for a service proxy.
const (
	ModeMock        = "mock"        // serve only registered endpoints
	ModeReplay      = "replay"      // pre-populate endpoints from a recording
	ModeRecord      = "record"      // pass through and capture interactions
	ModePassthrough = "passthrough" // pass through without capturing
)

var (
	// ErrNoEndpoint is returned when no registered endpoint matches a request.
	ErrNoEndpoint = errors.New("no mock endpoint matches request")

	// ErrNoResponse is returned when every mock response's condition
	// rejected the request.
	ErrNoResponse = errors.New("no mock response matches request")
)

// Request is one HTTP-like call into a virtualized service.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`

	// PathParams holds values bound to {param} segments during pattern
	// matching. Populated by the proxy, not the caller.
	PathParams map[string]string `json:"path_params,omitempty"`
}

// Response is the virtualized service's reply.
type Response struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     map[string]any    `json:"body,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Middleware inspects or mutates a request before response selection.
// Returning an error aborts the call. state is the endpoint's mutable
// state map for stateful endpoints, nil otherwise.
type Middleware func(req *Request, state map[string]any) error

// MockResponse is one candidate reply for an endpoint. Condition is an
// expr-lang predicate over {request, state}; empty means always eligible.
// Probability is a relative weight among eligible responses (default 1).
type MockResponse struct {
	Condition   string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Probability float64           `json:"probability,omitempty" yaml:"probability,omitempty"`
	Status      int               `json:"status" yaml:"status"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`

	// DelayMs suspends the call before returning, simulating latency.
	DelayMs int `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// MockEndpoint registers canned behavior for one METHOD + path pattern.
// Path may contain {param} segments (match one non-slash token) or a *
// segment (matches the remainder). Registration order is significant for
// pattern fallback.
type MockEndpoint struct {
	Method     string         `json:"method" yaml:"method"`
	Path       string         `json:"path" yaml:"path"`
	Responses  []MockResponse `json:"responses" yaml:"responses"`
	Middleware []Middleware   `json:"-" yaml:"-"`

	// Stateful endpoints carry a mutable state map visible to conditions
	// and middleware across calls.
	Stateful bool           `json:"stateful,omitempty" yaml:"stateful,omitempty"`
	State    map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
}

// Key returns the endpoint's registry key.
func (e *MockEndpoint) Key() string {
	return endpointKey(e.Method, e.Path)
}

func endpointKey(method, path string) string {
	return method + ":" + path
}

// RecordedInteraction is an immutable capture of one request/response pair.
type RecordedInteraction struct {
	ID         string        `json:"id"`
	Service    string        `json:"service"`
	SessionID  string        `json:"session_id"`
	Request    Request       `json:"request"`
	Response   *Response     `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Transport forwards a request to a real collaborator. Used by record and
// passthrough modes; the production HTTP implementation lives outside
// this core.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// unavailableTransport is the default transport: record/passthrough modes
// without an injected transport cannot reach a real collaborator.
type unavailableTransport struct{}

func (unavailableTransport) RoundTrip(_ context.Context, req *Request) (*Response, error) {
	return nil, fmt.Errorf("no transport configured for %s %s", req.Method, req.Path)
}
