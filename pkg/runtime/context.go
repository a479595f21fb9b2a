package runtime

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/dito/pkg/broker"
	"github.com/ormasoftchile/dito/pkg/harness"
	"github.com/ormasoftchile/dito/pkg/virtual"
)

// Context is the shared state of one scenario run: the virtualized service
// proxies, the broker and database handles, the variable table, and every
// completed step's captured output. It satisfies assertions.Source.
// Safe for concurrent use by parallel steps.
type Context struct {
	runID string

	mu        sync.RWMutex
	proxies   map[string]*virtual.ServiceProxy
	brk       broker.Broker
	db        *harness.TestDatabase
	vars      map[string]any
	outputs   map[string]map[string]any
	durations map[string]time.Duration
}

// NewContext creates an empty run context.
func NewContext(runID string) *Context {
	return &Context{
		runID:     runID,
		proxies:   make(map[string]*virtual.ServiceProxy),
		vars:      make(map[string]any),
		outputs:   make(map[string]map[string]any),
		durations: make(map[string]time.Duration),
	}
}

// RunID returns the run identifier this context belongs to.
func (c *Context) RunID() string { return c.runID }

// RegisterProxy binds a service proxy under its service name.
func (c *Context) RegisterProxy(p *virtual.ServiceProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxies[p.Service()] = p
}

// Proxy returns the proxy for a service name.
func (c *Context) Proxy(service string) (*virtual.ServiceProxy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.proxies[service]
	if !ok {
		return nil, fmt.Errorf("no proxy registered for service %q", service)
	}
	return p, nil
}

// SetBroker installs the run's broker handle.
func (c *Context) SetBroker(b broker.Broker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brk = b
}

// Broker returns the run's broker handle, or nil.
func (c *Context) Broker() broker.Broker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.brk
}

// SetDatabase installs the run's database handle.
func (c *Context) SetDatabase(db *harness.TestDatabase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = db
}

// Database returns the run's database handle, or nil.
func (c *Context) Database() *harness.TestDatabase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// SetVariable stores a scenario context variable.
func (c *Context) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// Variable returns a scenario context variable.
func (c *Context) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Teardown releases the run's collaborators: the broker handle and the
// isolated database are closed and detached. Safe to call more than once
// and when either handle was never installed.
func (c *Context) Teardown() error {
	c.mu.Lock()
	brk, db := c.brk, c.db
	c.brk, c.db = nil, nil
	c.mu.Unlock()

	var errs []error
	if brk != nil {
		errs = append(errs, brk.Close())
	}
	if db != nil {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}

// recordStep captures a completed step's output and duration, making the
// step addressable by templates and assertions.
func (c *Context) recordStep(id string, output map[string]any, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if output != nil {
		c.outputs[id] = output
	}
	c.durations[id] = d
}

// StepOutput returns a completed step's captured output.
func (c *Context) StepOutput(id string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[id]
	return out, ok
}

// StepDuration returns a completed step's wall-clock duration.
func (c *Context) StepDuration(id string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.durations[id]
	return d, ok
}

// Resolver returns the template vocabulary hook for this run, handling
// steps.<id>.<path> and vars.<name> references. Install it on service
// proxies so mock responses can reference prior step outputs.
func (c *Context) Resolver() virtual.TemplateResolver {
	return func(ref string) (any, bool) {
		switch {
		case strings.HasPrefix(ref, "steps."):
			rest := strings.TrimPrefix(ref, "steps.")
			id, path, _ := strings.Cut(rest, ".")
			out, ok := c.StepOutput(id)
			if !ok {
				return nil, false
			}
			return navigate(out, path)
		case strings.HasPrefix(ref, "vars."):
			return c.Variable(strings.TrimPrefix(ref, "vars."))
		default:
			return nil, false
		}
	}
}

// navigate walks a dot-separated path through nested maps. An empty path
// returns the value itself.
func navigate(data any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
