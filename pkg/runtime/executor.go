package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/dito/pkg/assertions"
	"github.com/ormasoftchile/dito/pkg/broker"
	"github.com/ormasoftchile/dito/pkg/schema"
	"github.com/ormasoftchile/dito/pkg/virtual"
)

// ErrExecutorBusy is returned when RunScenario is called while a run is
// already in progress. One executor drives one run at a time.
var ErrExecutorBusy = errors.New("executor is already running a scenario")

// Executor schedules and runs scenarios: it partitions steps into
// dependency groups, dispatches each step by action, retries per policy,
// and evaluates assertions once all steps have finished.
type Executor struct {
	logger *zap.Logger
	busy   atomic.Bool

	mu        sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger:    logger,
		observers: make(map[int]Observer),
	}
}

// runState accumulates results during one run. Guarded for parallel groups.
type runState struct {
	mu       sync.Mutex
	statuses map[string]Status
	steps    []*StepResult
	timeline []TimelineEvent
	metrics  Metrics
}

func (s *runState) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *runState) add(res *StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[res.StepID] = res.Status
	s.steps = append(s.steps, res)
	s.metrics.TotalSteps++
	s.metrics.Retries += res.Retries
	switch res.Status {
	case StatusPassed:
		s.metrics.Passed++
	case StatusFailed:
		s.metrics.Failed++
	case StatusSkipped:
		s.metrics.Skipped++
	}
}

func (s *runState) event(typ, stepID, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, TimelineEvent{
		Time:   time.Now(),
		Type:   typ,
		StepID: stepID,
		Detail: detail,
	})
}

// RunScenario executes one scenario to completion and returns the
// aggregated result. The scenario must already be validated. trace may be
// nil. Returns ErrExecutorBusy if a run is in progress, and an error for
// configuration problems (unparseable timeout, dependency cycle); step
// failures are reported through the Result, not the error.
func (e *Executor) RunScenario(ctx context.Context, sc *schema.Scenario, rc *Context, trace *TraceWriter) (*Result, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrExecutorBusy
	}
	defer e.busy.Store(false)

	if sc.Timeout != "" {
		d, err := time.ParseDuration(sc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse scenario timeout: %w", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	groups, err := BuildGroups(sc.Steps)
	if err != nil {
		return nil, err
	}

	runID := rc.RunID()
	log := e.logger.With(zap.String("run_id", runID), zap.String("scenario", sc.Name))
	log.Info("scenario started",
		zap.Int("steps", len(sc.Steps)),
		zap.Int("groups", len(groups)),
		zap.Bool("parallel", sc.ParallelExecution))

	state := &runState{statuses: make(map[string]Status)}
	started := time.Now()
	e.emit(Event{Type: EventScenarioStarted, RunID: runID, Scenario: sc.Name})
	state.event(EventScenarioStarted, "", "")

	// Grouping drives parallel mode; sequential mode runs the steps in
	// declaration order, with the dependency gate skipping any step whose
	// dependency has not passed yet.
	var runErr string
	if sc.ParallelExecution {
		for _, group := range groups {
			if ctx.Err() != nil {
				runErr = fmt.Sprintf("scenario aborted: %v", ctx.Err())
				break
			}
			if len(group) > 1 {
				var wg sync.WaitGroup
				for _, st := range group {
					wg.Add(1)
					go func(st *schema.Step) {
						defer wg.Done()
						e.runStep(ctx, sc, st, rc, state, trace)
					}(st)
				}
				wg.Wait()
			} else {
				for _, st := range group {
					e.runStep(ctx, sc, st, rc, state, trace)
				}
			}
		}
	} else {
		for i := range sc.Steps {
			if ctx.Err() != nil {
				runErr = fmt.Sprintf("scenario aborted: %v", ctx.Err())
				break
			}
			e.runStep(ctx, sc, &sc.Steps[i], rc, state, trace)
		}
	}
	e.skipUnexecuted(sc, rc, state, trace, runErr)

	results, assertionsPassed := assertions.EvalAll(ctx, sc.Assertions, rc)
	for _, ar := range results {
		e.emit(Event{Type: EventAssertionEvaluated, RunID: runID, Scenario: sc.Name, Assertion: ar})
		state.event(EventAssertionEvaluated, ar.Target, ar.Message)
		if ar.Passed {
			state.metrics.AssertionsPassed++
		} else {
			state.metrics.AssertionsFailed++
		}
	}

	if state.metrics.TotalSteps > 0 {
		var total time.Duration
		for _, s := range state.steps {
			total += s.Duration
		}
		state.metrics.AvgStepDuration = total / time.Duration(state.metrics.TotalSteps)
	}

	// A run passes when no step failed, every assertion held, and nothing
	// aborted it. Skipped steps alone do not fail a run.
	status := StatusPassed
	if state.metrics.Failed > 0 || !assertionsPassed || runErr != "" {
		status = StatusFailed
	}

	if status == StatusFailed && sc.RollbackOnFailure {
		if db := rc.Database(); db != nil && db.InTransaction() {
			if err := db.Rollback(ctx); err != nil {
				log.Warn("rollback on failure failed", zap.Error(err))
			} else {
				log.Info("rolled back open transaction after failure")
			}
		}
	}

	finished := time.Now()
	state.event(EventScenarioFinished, "", string(status))
	result := &Result{
		RunID:      runID,
		Scenario:   sc.Name,
		Status:     status,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Steps:      state.steps,
		Assertions: results,
		Metrics:    state.metrics,
		Timeline:   state.timeline,
		Error:      runErr,
	}
	if trace != nil {
		if err := trace.WriteResult(result); err != nil {
			log.Warn("trace write failed", zap.Error(err))
		}
	}
	e.emit(Event{Type: EventScenarioFinished, RunID: runID, Scenario: sc.Name, Status: status, Error: runErr})
	log.Info("scenario finished",
		zap.String("status", string(status)),
		zap.Duration("duration", result.Duration),
		zap.Int("passed", state.metrics.Passed),
		zap.Int("failed", state.metrics.Failed),
		zap.Int("skipped", state.metrics.Skipped))
	return result, nil
}

// skipUnexecuted records a skipped result for every step that never ran,
// e.g. after a scenario timeout cut the run short.
func (e *Executor) skipUnexecuted(sc *schema.Scenario, rc *Context, state *runState, trace *TraceWriter, reason string) {
	for i := range sc.Steps {
		st := &sc.Steps[i]
		state.mu.Lock()
		_, seen := state.statuses[st.ID]
		state.mu.Unlock()
		if seen {
			continue
		}
		now := time.Now()
		res := &StepResult{
			StepID:     st.ID,
			Status:     StatusSkipped,
			StartedAt:  now,
			FinishedAt: now,
			Error:      reason,
		}
		state.add(res)
		e.finishStep(rc.RunID(), sc.Name, res, state, trace)
	}
}

// runStep executes one step end to end: dependency gate, retry loop,
// result capture, notification.
func (e *Executor) runStep(ctx context.Context, sc *schema.Scenario, st *schema.Step, rc *Context, state *runState, trace *TraceWriter) {
	runID := rc.RunID()

	for _, dep := range st.DependsOn {
		if state.status(dep) != StatusPassed {
			now := time.Now()
			res := &StepResult{
				StepID:     st.ID,
				Status:     StatusSkipped,
				StartedAt:  now,
				FinishedAt: now,
				Error:      fmt.Sprintf("dependency %q did not pass", dep),
			}
			state.add(res)
			e.finishStep(runID, sc.Name, res, state, trace)
			return
		}
	}

	e.emit(Event{Type: EventStepStarted, RunID: runID, Scenario: sc.Name, StepID: st.ID})
	state.event(EventStepStarted, st.ID, st.Action)

	stepCtx := ctx
	if st.TimeoutMs > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(st.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	res := &StepResult{StepID: st.ID, StartedAt: time.Now()}

	var output map[string]any
	var err error
	if st.Action == "parallel" {
		err = e.runParallel(stepCtx, sc, st, rc, state, trace)
	} else {
		attempts := 0
		attempt := func(ctx context.Context) error {
			attempts++
			var dispatchErr error
			output, dispatchErr = e.dispatch(ctx, st, rc)
			return dispatchErr
		}
		if st.Retry != nil && st.Retry.MaxAttempts > 1 {
			err = retry.Do(stepCtx, policyBackoff(st.Retry), func(ctx context.Context) error {
				if aErr := attempt(ctx); aErr != nil {
					if attempts < st.Retry.MaxAttempts {
						e.emit(Event{
							Type: EventStepRetrying, RunID: runID, Scenario: sc.Name,
							StepID: st.ID, Attempt: attempts, Error: aErr.Error(),
						})
						state.event(EventStepRetrying, st.ID, aErr.Error())
					}
					return retry.RetryableError(aErr)
				}
				return nil
			})
			res.Retries = attempts - 1
		} else {
			err = attempt(stepCtx)
		}
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Output = output
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	} else {
		res.Status = StatusPassed
	}
	rc.recordStep(st.ID, output, res.Duration)
	state.add(res)
	e.finishStep(runID, sc.Name, res, state, trace)
}

func (e *Executor) finishStep(runID, scenario string, res *StepResult, state *runState, trace *TraceWriter) {
	if trace != nil {
		if err := trace.WriteStep(runID, res); err != nil {
			e.logger.Warn("trace write failed", zap.Error(err))
		}
	}
	state.event(EventStepFinished, res.StepID, string(res.Status))
	e.emit(Event{
		Type: EventStepFinished, RunID: runID, Scenario: scenario,
		StepID: res.StepID, Status: res.Status, Error: res.Error,
	})
	e.logger.Debug("step finished",
		zap.String("run_id", runID),
		zap.String("step", res.StepID),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration),
		zap.Int("retries", res.Retries))
}

// runParallel executes a step's sub-steps: grouped by their own
// dependencies, concurrent within a group. Every sub-step runs to
// completion regardless of siblings; the parent passes only when all
// sub-steps passed.
func (e *Executor) runParallel(ctx context.Context, sc *schema.Scenario, st *schema.Step, rc *Context, state *runState, trace *TraceWriter) error {
	groups, err := BuildGroups(st.SubSteps)
	if err != nil {
		return err
	}
	anyFailed := false
	for _, group := range groups {
		var g errgroup.Group
		for _, sub := range group {
			sub := sub
			g.Go(func() error {
				e.runStep(ctx, sc, sub, rc, state, trace)
				if s := state.status(sub.ID); s != StatusPassed {
					return fmt.Errorf("sub-step %s %s", sub.ID, s)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			anyFailed = true
		}
	}
	if anyFailed {
		failed := 0
		for i := range st.SubSteps {
			if state.status(st.SubSteps[i].ID) != StatusPassed {
				failed++
			}
		}
		return fmt.Errorf("%d of %d sub-steps did not pass", failed, len(st.SubSteps))
	}
	return nil
}

// policyBackoff adapts a retry policy to a go-retry backoff: linear grows
// the delay by the base each retry, exponential doubles it. Stops once the
// attempt budget is spent.
func policyBackoff(p *schema.RetryPolicy) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt >= p.MaxAttempts {
			return 0, true
		}
		return time.Duration(p.Delay(attempt)) * time.Millisecond, false
	})
}

// dispatch runs one step by action and returns its addressable output.
func (e *Executor) dispatch(ctx context.Context, st *schema.Step, rc *Context) (map[string]any, error) {
	switch st.Action {
	case "request":
		return e.dispatchRequest(ctx, st, rc)
	case "publish":
		return e.dispatchPublish(ctx, st, rc)
	case "query":
		return e.dispatchQuery(ctx, st, rc)
	case "wait":
		return e.dispatchWait(ctx, st)
	default:
		return nil, fmt.Errorf("unknown action %q", st.Action)
	}
}

func (e *Executor) dispatchRequest(ctx context.Context, st *schema.Step, rc *Context) (map[string]any, error) {
	proxy, err := rc.Proxy(st.Service)
	if err != nil {
		return nil, err
	}
	payload, err := rc.ResolvePayload(st.Payload)
	if err != nil {
		return nil, err
	}

	method, _ := payload["method"].(string)
	if method == "" {
		method = "GET"
	}
	path, _ := payload["path"].(string)
	body, _ := payload["body"].(map[string]any)

	resp, err := proxy.Handle(ctx, &virtual.Request{
		Method:  method,
		Path:    path,
		Headers: stringMap(payload["headers"]),
		Query:   stringMap(payload["query"]),
		Body:    body,
	})
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		"status":      resp.Status,
		"duration_ms": resp.Duration.Milliseconds(),
	}
	if resp.Body != nil {
		output["body"] = resp.Body
		// Body fields are addressable directly as steps.<id>.<field>.
		for k, v := range resp.Body {
			if _, taken := output[k]; !taken {
				output[k] = v
			}
		}
	}
	if len(resp.Headers) > 0 {
		output["headers"] = resp.Headers
	}
	if resp.Status < 200 || resp.Status > 299 {
		return output, fmt.Errorf("service %s returned status %d for %s %s", st.Service, resp.Status, method, path)
	}
	return output, nil
}

func (e *Executor) dispatchPublish(ctx context.Context, st *schema.Step, rc *Context) (map[string]any, error) {
	b := rc.Broker()
	if b == nil {
		return nil, errors.New("no broker configured for this run")
	}
	payload, err := rc.ResolvePayload(st.Payload)
	if err != nil {
		return nil, err
	}

	topic, _ := payload["topic"].(string)
	if topic == "" {
		return nil, errors.New("publish step needs payload.topic")
	}
	value, _ := payload["value"].(map[string]any)
	var opts *broker.PublishOptions
	if key, ok := payload["key"].(string); ok && key != "" {
		opts = &broker.PublishOptions{Key: key}
	}

	if err := b.Publish(ctx, topic, value, opts); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", topic, err)
	}
	out := map[string]any{"topic": topic}
	if value != nil {
		out["value"] = value
	}
	return out, nil
}

func (e *Executor) dispatchQuery(ctx context.Context, st *schema.Step, rc *Context) (map[string]any, error) {
	db := rc.Database()
	if db == nil {
		return nil, errors.New("no database configured for this run")
	}
	payload, err := rc.ResolvePayload(st.Payload)
	if err != nil {
		return nil, err
	}

	sql, _ := payload["sql"].(string)
	if sql == "" {
		return nil, errors.New("query step needs payload.sql")
	}
	args, _ := payload["args"].([]any)

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"count": len(rows), "rows": rows}
	if len(rows) == 1 {
		// A single row's columns are addressable as steps.<id>.<column>.
		for k, v := range rows[0] {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return out, nil
}

func (e *Executor) dispatchWait(ctx context.Context, st *schema.Step) (map[string]any, error) {
	timer := time.NewTimer(time.Duration(st.WaitMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited_ms": st.WaitMs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}
