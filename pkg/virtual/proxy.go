package virtual

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ormasoftchile/dito/pkg/breaker"
)

// ProxyConfig describes one virtualized service.
type ProxyConfig struct {
	Service string
	Mode    string // mock, replay, record, passthrough

	// RecordingPath is the interaction file to load in replay mode.
	RecordingPath string

	// Transport handles record/passthrough forwarding.
	Transport Transport

	Breaker breaker.Config
	Logger  *zap.Logger
}

// TemplateResolver resolves references outside the proxy's own vocabulary
// (e.g. steps.<id>.<path> when invoked from the scheduler). Returns the
// value and whether the reference resolved.
type TemplateResolver func(ref string) (any, bool)

// ServiceProxy is the virtualized stand-in for one collaborating service.
// One instance exists per scenario run and service; it is never shared
// across concurrent runs.
type ServiceProxy struct {
	service   string
	mode      string
	sessionID string
	transport Transport
	cb        *breaker.Breaker
	resolver  TemplateResolver
	logger    *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*MockEndpoint
	ordered   []*MockEndpoint
	global    []Middleware
	log       []RecordedInteraction
	rng       *rand.Rand
}

// ProxyOption configures a ServiceProxy.
type ProxyOption func(*ServiceProxy)

// WithResolver installs the external template vocabulary hook.
func WithResolver(r TemplateResolver) ProxyOption {
	return func(p *ServiceProxy) { p.resolver = r }
}

// WithRandSource seeds response selection, for deterministic tests.
func WithRandSource(seed int64) ProxyOption {
	return func(p *ServiceProxy) { p.rng = rand.New(rand.NewSource(seed)) }
}

// NewServiceProxy creates a proxy for the named service. Replay mode loads
// the recording file and registers one endpoint per recorded METHOD:url,
// failing closed if the file is missing or has an unknown version.
func NewServiceProxy(cfg ProxyConfig, opts ...ProxyOption) (*ServiceProxy, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeMock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = unavailableTransport{}
	}
	if cfg.Breaker == (breaker.Config{}) {
		cfg.Breaker = breaker.DefaultConfig()
	}

	p := &ServiceProxy{
		service:   cfg.Service,
		mode:      cfg.Mode,
		sessionID: uuid.NewString(),
		transport: cfg.Transport,
		cb:        breaker.New(cfg.Service, cfg.Breaker, breaker.WithLogger(cfg.Logger)),
		logger:    cfg.Logger.With(zap.String("service", cfg.Service)),
		endpoints: make(map[string]*MockEndpoint),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.Mode == ModeReplay {
		rec, err := LoadRecording(cfg.RecordingPath)
		if err != nil {
			return nil, fmt.Errorf("replay setup for %s: %w", cfg.Service, err)
		}
		for _, ep := range rec.Endpoints() {
			p.AddMockEndpoint(ep)
		}
		p.logger.Debug("replay endpoints registered", zap.Int("endpoints", len(p.ordered)))
	}
	return p, nil
}

// Service returns the proxied service name.
func (p *ServiceProxy) Service() string { return p.service }

// IsVirtual reports whether calls are served from mocks rather than a
// real collaborator.
func (p *ServiceProxy) IsVirtual() bool {
	return p.mode == ModeMock || p.mode == ModeReplay
}

// SessionID returns the recording session identifier for this proxy.
func (p *ServiceProxy) SessionID() string { return p.sessionID }

// Breaker exposes the proxy's circuit breaker for test assertions.
func (p *ServiceProxy) Breaker() *breaker.Breaker { return p.cb }

// AddMockEndpoint registers an endpoint. Registration order is preserved
// for pattern-match fallback.
func (p *ServiceProxy) AddMockEndpoint(ep *MockEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep.Stateful && ep.State == nil {
		ep.State = make(map[string]any)
	}
	p.endpoints[ep.Key()] = ep
	p.ordered = append(p.ordered, ep)
}

// Use appends a global middleware, run before endpoint middleware on
// every call in registration order.
func (p *ServiceProxy) Use(mw Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = append(p.global, mw)
}

// Interactions returns a copy of the append-only interaction log.
func (p *ServiceProxy) Interactions() []RecordedInteraction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordedInteraction, len(p.log))
	copy(out, p.log)
	return out
}

// Handle serves one request through the breaker, middleware, and response
// selection pipeline. When the breaker is open the call fails immediately
// and nothing is recorded — the service was never reached.
func (p *ServiceProxy) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	var resp *Response
	err := p.cb.Execute(ctx, func(ctx context.Context) error {
		var dispatchErr error
		resp, dispatchErr = p.dispatch(ctx, req)
		return dispatchErr
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		p.logger.Debug("request rejected by open circuit",
			zap.String("method", req.Method), zap.String("path", req.Path))
		return nil, err
	}

	duration := time.Since(start)
	if resp != nil {
		resp.Duration = duration
	}
	p.record(req, resp, err, duration)
	return resp, err
}

func (p *ServiceProxy) dispatch(ctx context.Context, req *Request) (*Response, error) {
	if !p.IsVirtual() {
		return p.transport.RoundTrip(ctx, req)
	}

	ep, err := p.matchEndpoint(req)
	if err != nil {
		return nil, err
	}

	var state map[string]any
	if ep.Stateful {
		state = ep.State
	}

	p.mu.Lock()
	global := append([]Middleware(nil), p.global...)
	p.mu.Unlock()
	for _, mw := range global {
		if err := mw(req, state); err != nil {
			return nil, fmt.Errorf("middleware: %w", err)
		}
	}
	for _, mw := range ep.Middleware {
		if err := mw(req, state); err != nil {
			return nil, fmt.Errorf("middleware: %w", err)
		}
	}

	mock, err := p.selectResponse(req, ep, state)
	if err != nil {
		return nil, err
	}

	if mock.DelayMs > 0 {
		timer := time.NewTimer(time.Duration(mock.DelayMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &Response{
		Status:  mock.Status,
		Headers: copyHeaders(mock.Headers),
		Body:    p.resolveBody(mock.Body, req),
	}, nil
}

// matchEndpoint finds the endpoint for a request: exact METHOD:path lookup
// first, then pattern matching in registration order. Binds PathParams on
// a pattern match.
func (p *ServiceProxy) matchEndpoint(req *Request) (*MockEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep, ok := p.endpoints[endpointKey(req.Method, req.Path)]; ok {
		return ep, nil
	}
	for _, ep := range p.ordered {
		if ep.Method != req.Method {
			continue
		}
		params, ok := matchPattern(ep.Path, req.Path)
		if ok {
			req.PathParams = params
			return ep, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s on service %s", ErrNoEndpoint, req.Method, req.Path, p.service)
}

// matchPattern matches a request path against a registered pattern.
// {param} segments match any single non-slash token and bind the value;
// a * segment matches the rest of the path.
func matchPattern(pattern, path string) (map[string]string, bool) {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	rSegs := strings.Split(strings.Trim(path, "/"), "/")

	params := make(map[string]string)
	for i, seg := range pSegs {
		if seg == "*" {
			return params, true
		}
		if i >= len(rSegs) {
			return nil, false
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			name := seg[1 : len(seg)-1]
			params[name] = rSegs[i]
			continue
		}
		if seg != rSegs[i] {
			return nil, false
		}
	}
	if len(pSegs) != len(rSegs) {
		return nil, false
	}
	return params, true
}

// selectResponse filters responses by condition and picks one: the sole
// survivor deterministically, otherwise weighted-randomly by probability.
func (p *ServiceProxy) selectResponse(req *Request, ep *MockEndpoint, state map[string]any) (*MockResponse, error) {
	var eligible []*MockResponse
	for i := range ep.Responses {
		r := &ep.Responses[i]
		if r.Condition == "" {
			eligible = append(eligible, r)
			continue
		}
		ok, err := p.evalCondition(r.Condition, req, state)
		if err != nil {
			p.logger.Warn("response condition failed to evaluate",
				zap.String("condition", r.Condition), zap.Error(err))
			continue
		}
		if ok {
			eligible = append(eligible, r)
		}
	}

	switch len(eligible) {
	case 0:
		return nil, fmt.Errorf("%w: %s %s", ErrNoResponse, req.Method, req.Path)
	case 1:
		return eligible[0], nil
	}

	total := 0.0
	for _, r := range eligible {
		total += weightOf(r)
	}
	p.mu.Lock()
	pick := p.rng.Float64() * total
	p.mu.Unlock()
	for _, r := range eligible {
		pick -= weightOf(r)
		if pick < 0 {
			return r, nil
		}
	}
	return eligible[len(eligible)-1], nil
}

func weightOf(r *MockResponse) float64 {
	if r.Probability > 0 {
		return r.Probability
	}
	return 1
}

// evalCondition evaluates an expr-lang predicate over {request, state}.
func (p *ServiceProxy) evalCondition(cond string, req *Request, state map[string]any) (bool, error) {
	env := map[string]any{
		"request": requestEnv(req),
		"state":   state,
	}
	program, err := expr.Compile(cond, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", cond, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", cond, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", cond, out)
	}
	return result, nil
}

// requestEnv exposes the request to condition expressions and templates.
func requestEnv(req *Request) map[string]any {
	headers := make(map[string]any, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	query := make(map[string]any, len(req.Query))
	for k, v := range req.Query {
		query[k] = v
	}
	params := make(map[string]any, len(req.PathParams))
	for k, v := range req.PathParams {
		params[k] = v
	}
	return map[string]any{
		"method":  req.Method,
		"path":    req.Path,
		"headers": headers,
		"query":   query,
		"body":    req.Body,
		"params":  params,
	}
}

func (p *ServiceProxy) record(req *Request, resp *Response, err error, d time.Duration) {
	ri := RecordedInteraction{
		ID:         uuid.NewString(),
		Service:    p.service,
		SessionID:  p.sessionID,
		Request:    *req,
		Response:   resp,
		Duration:   d,
		RecordedAt: time.Now(),
	}
	if err != nil {
		ri.Error = err.Error()
	}
	p.mu.Lock()
	p.log = append(p.log, ri)
	p.mu.Unlock()
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
