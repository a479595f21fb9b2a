// Package assertions implements the 5 assertion types evaluated after a
// scenario's steps have finished: response, message, database, state and
// timing.
package assertions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ormasoftchile/dito/pkg/broker"
	"github.com/ormasoftchile/dito/pkg/harness"
	"github.com/ormasoftchile/dito/pkg/schema"
)

// defaultMessageTimeout bounds message assertions with no explicit timeout.
const defaultMessageTimeout = 5 * time.Second

// Source gives assertions read access to a finished scenario run.
type Source interface {
	// StepOutput returns the captured output of a completed step.
	StepOutput(id string) (map[string]any, bool)

	// StepDuration returns how long a completed step took.
	StepDuration(id string) (time.Duration, bool)

	// Variable returns a scenario context variable.
	Variable(name string) (any, bool)

	// Broker returns the run's broker handle, or nil.
	Broker() broker.Broker

	// Database returns the run's database handle, or nil.
	Database() *harness.TestDatabase
}

// Result is the outcome of one assertion.
type Result struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Operator string `json:"operator"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}

// Evaluate runs a single assertion against the run state. Evaluation never
// returns a Go error: an assertion that cannot be resolved fails with a
// diagnostic message.
func Evaluate(ctx context.Context, a schema.Assertion, src Source) *Result {
	switch a.Type {
	case "response":
		return EvalResponse(a, src)
	case "message":
		return EvalMessage(ctx, a, src)
	case "database":
		return EvalDatabase(ctx, a, src)
	case "state":
		return EvalState(a, src)
	case "timing":
		return EvalTiming(a, src)
	default:
		return &Result{
			Type:    a.Type,
			Target:  a.Target,
			Passed:  false,
			Message: fmt.Sprintf("unknown assertion type %q", a.Type),
		}
	}
}

// EvalAll evaluates every assertion in order and reports whether all passed.
func EvalAll(ctx context.Context, list []schema.Assertion, src Source) ([]*Result, bool) {
	results := make([]*Result, 0, len(list))
	allPassed := true
	for _, a := range list {
		r := Evaluate(ctx, a, src)
		results = append(results, r)
		if !r.Passed {
			allPassed = false
		}
	}
	return results, allPassed
}

// EvalResponse checks a condition against a step's captured output. Target
// is the step id; Condition.Path navigates into the output.
func EvalResponse(a schema.Assertion, src Source) *Result {
	r := newResult(a)
	out, ok := src.StepOutput(a.Target)
	if !ok {
		r.Message = fmt.Sprintf("step %q has no captured output", a.Target)
		return r
	}
	actual, found := navigate(out, a.Condition.Path)
	return r.check(a.Condition, actual, found)
}

// EvalMessage blocks until a message on the target topic satisfies the
// condition, or the timeout elapses. A timeout is a failed assertion, not
// an error.
func EvalMessage(ctx context.Context, a schema.Assertion, src Source) *Result {
	r := newResult(a)
	b := src.Broker()
	if b == nil {
		r.Message = "no broker configured for this run"
		return r
	}

	timeout := defaultMessageTimeout
	if a.TimeoutMs > 0 {
		timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}

	msg, err := b.ExpectMessage(ctx, broker.Expectation{
		Topic:   a.Target,
		Timeout: timeout,
		Matcher: func(m broker.Message) bool {
			actual, found := navigate(m.Value, a.Condition.Path)
			passed, _ := apply(a.Condition, actual, found)
			return passed
		},
	})
	if errors.Is(err, broker.ErrExpectTimeout) {
		r.Message = fmt.Sprintf("no matching message on topic %q within %s", a.Target, timeout)
		return r
	}
	if err != nil {
		r.Message = fmt.Sprintf("message wait failed: %v", err)
		return r
	}

	r.Actual = msg.Value
	r.Passed = true
	r.Message = fmt.Sprintf("message on topic %q matched", a.Target)
	return r
}

// EvalDatabase checks row existence. Target is "table:{json conditions}",
// e.g. `users:{"email":"a@b.c"}`. Only exists and notExists apply.
func EvalDatabase(ctx context.Context, a schema.Assertion, src Source) *Result {
	r := newResult(a)
	db := src.Database()
	if db == nil {
		r.Message = "no database configured for this run"
		return r
	}

	table, conds, err := parseDatabaseTarget(a.Target)
	if err != nil {
		r.Message = err.Error()
		return r
	}

	exists, err := db.Exists(ctx, table, conds)
	if err != nil {
		r.Message = fmt.Sprintf("database check failed: %v", err)
		return r
	}
	r.Actual = exists

	switch a.Condition.Operator {
	case "exists":
		r.Passed = exists
		if exists {
			r.Message = fmt.Sprintf("row exists in %s", table)
		} else {
			r.Message = fmt.Sprintf("no row in %s matches %v", table, conds)
		}
	case "notExists":
		r.Passed = !exists
		if !exists {
			r.Message = fmt.Sprintf("no row in %s matches %v", table, conds)
		} else {
			r.Message = fmt.Sprintf("row exists in %s (unexpected)", table)
		}
	default:
		r.Message = fmt.Sprintf("operator %q not supported for database assertions", a.Condition.Operator)
	}
	return r
}

// EvalState checks a condition against a scenario context variable.
func EvalState(a schema.Assertion, src Source) *Result {
	r := newResult(a)
	v, ok := src.Variable(a.Target)
	actual, found := v, ok
	if ok && a.Condition.Path != "" {
		actual, found = navigate(v, a.Condition.Path)
	}
	return r.check(a.Condition, actual, found)
}

// EvalTiming compares a step's wall-clock duration, in milliseconds,
// against the expected value.
func EvalTiming(a schema.Assertion, src Source) *Result {
	r := newResult(a)
	d, ok := src.StepDuration(a.Target)
	if !ok {
		r.Message = fmt.Sprintf("step %q has no recorded duration", a.Target)
		return r
	}
	return r.check(a.Condition, float64(d.Milliseconds()), true)
}

func newResult(a schema.Assertion) *Result {
	return &Result{
		Type:     a.Type,
		Target:   a.Target,
		Operator: a.Condition.Operator,
		Expected: a.Condition.Expected,
	}
}

func (r *Result) check(c schema.Condition, actual any, found bool) *Result {
	r.Actual = actual
	r.Passed, r.Message = apply(c, actual, found)
	return r
}

// parseDatabaseTarget splits "table:{json}" into a table name and a
// condition map. The condition part is optional.
func parseDatabaseTarget(target string) (string, map[string]any, error) {
	table, rest, cut := strings.Cut(target, ":")
	if table == "" {
		return "", nil, fmt.Errorf("invalid database target %q (want table:{conditions})", target)
	}
	if !cut || rest == "" {
		return table, nil, nil
	}
	var conds map[string]any
	if err := json.Unmarshal([]byte(rest), &conds); err != nil {
		return "", nil, fmt.Errorf("invalid conditions in database target %q: %v", target, err)
	}
	return table, conds, nil
}

// navigate walks a dot-separated path through nested maps. An empty path
// returns the value itself.
func navigate(data any, path string) (any, bool) {
	if path == "" {
		return data, data != nil
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
