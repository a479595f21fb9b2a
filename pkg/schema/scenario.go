// Package schema defines the Go struct types for the scenario YAML schema
// and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is the top-level document describing one distributed test case:
// the services it touches, the steps to execute, and the assertions to
// evaluate once every step has finished. Immutable once execution starts.
type Scenario struct {
	APIVersion  string      `yaml:"apiVersion"  json:"apiVersion"  jsonschema:"required,enum=scenario/v1"`
	Name        string      `yaml:"name"        json:"name"        jsonschema:"required"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Services    []string    `yaml:"services,omitempty"    json:"services,omitempty"`
	Steps       []Step      `yaml:"steps"       json:"steps"       jsonschema:"required,minItems=1"`
	Assertions  []Assertion `yaml:"assertions,omitempty"  json:"assertions,omitempty"`

	// ParallelExecution runs each dependency group's steps concurrently.
	// When false, steps run strictly in declaration order.
	ParallelExecution bool `yaml:"parallel_execution,omitempty" json:"parallel_execution,omitempty"`

	// RollbackOnFailure rolls back any open database transaction when the
	// scenario does not succeed.
	RollbackOnFailure bool `yaml:"rollback_on_failure,omitempty" json:"rollback_on_failure,omitempty"`

	// Timeout bounds the whole scenario run, e.g. "30s", "5m".
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
}

// Step is a single unit of work within a scenario. Dispatched by Action.
type Step struct {
	ID      string `yaml:"id"                json:"id"      jsonschema:"required"`
	Name    string `yaml:"name,omitempty"    json:"name,omitempty"`
	Service string `yaml:"service,omitempty" json:"service,omitempty"`
	Action  string `yaml:"action"            json:"action"  jsonschema:"required,enum=request,enum=publish,enum=query,enum=wait,enum=parallel"`

	// Payload is the action input. Templated references of the form
	// {{steps.<id>.<path>}} are resolved against prior step outputs before
	// dispatch.
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`

	// DependsOn lists step ids that must finish successfully before this
	// step may run. A step whose dependency did not succeed is skipped.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// SubSteps are scheduled recursively; only valid for action:parallel.
	SubSteps []Step `yaml:"sub_steps,omitempty" json:"sub_steps,omitempty"`

	// WaitMs is the sleep duration for action:wait.
	WaitMs int `yaml:"wait_ms,omitempty" json:"wait_ms,omitempty"`

	// TimeoutMs bounds this step's execution. A step timeout fails only
	// this step; siblings in a parallel group are unaffected.
	TimeoutMs int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// RetryPolicy controls re-execution of a failed step. Attempt counting
// starts at 1; a step with MaxAttempts 3 runs at most 3 times.
type RetryPolicy struct {
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts" jsonschema:"required,minimum=1"`
	Backoff     string `yaml:"backoff"      json:"backoff"      jsonschema:"required,enum=linear,enum=exponential"`
	DelayMs     int    `yaml:"delay_ms"     json:"delay_ms"     jsonschema:"required,minimum=0"`
}

// Delay returns the pause before retry number attempt (1-based):
// base*attempt for linear, base*2^(attempt-1) for exponential.
func (p *RetryPolicy) Delay(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case "exponential":
		return p.DelayMs << (attempt - 1)
	default:
		return p.DelayMs * attempt
	}
}

// Assertion is a typed post-execution check evaluated after all steps ran.
type Assertion struct {
	// Type selects the evaluation strategy.
	Type string `yaml:"type" json:"type" jsonschema:"required,enum=response,enum=message,enum=database,enum=state,enum=timing"`

	// Target is the reference the type applies to: a step id (response,
	// timing), a topic (message), "table:{json conditions}" (database), or
	// a context variable name (state).
	Target string `yaml:"target" json:"target" jsonschema:"required"`

	Condition Condition `yaml:"condition" json:"condition" jsonschema:"required"`

	// TimeoutMs bounds blocking assertions (message). A timeout is a
	// failed assertion, not an error.
	TimeoutMs int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Condition is the operator applied by an assertion.
type Condition struct {
	Operator string `yaml:"operator" json:"operator" jsonschema:"required,enum=equals,enum=contains,enum=exists,enum=notExists,enum=lessThan,enum=greaterThan"`
	Expected any    `yaml:"expected,omitempty" json:"expected,omitempty"`

	// Path navigates into the target value before comparison, dot-separated.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (s *Scenario) StepByID(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// LoadFile reads and parses a scenario YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields). Returns the parsed Scenario or an error.
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a scenario from an io.Reader with strict unknown-field rejection.
func Load(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	return &sc, nil
}
