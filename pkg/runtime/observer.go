package runtime

import (
	"time"

	"github.com/ormasoftchile/dito/pkg/assertions"
)

// Event types delivered to observers, in emission order within a run.
const (
	EventScenarioStarted    = "scenario_started"
	EventStepStarted        = "step_started"
	EventStepFinished       = "step_finished"
	EventStepRetrying       = "step_retrying"
	EventAssertionEvaluated = "assertion_evaluated"
	EventScenarioFinished   = "scenario_finished"
)

// Event is one execution notification.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	RunID    string    `json:"run_id"`
	Scenario string    `json:"scenario"`
	StepID   string    `json:"step_id,omitempty"`
	Status   Status    `json:"status,omitempty"`

	// Attempt is the 1-based attempt number for step_retrying events.
	Attempt int `json:"attempt,omitempty"`

	Assertion *assertions.Result `json:"assertion,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Observer receives execution events. Called synchronously from the
// executor; observers must not block.
type Observer func(Event)

// Subscribe registers an observer and returns its unsubscribe function.
func (e *Executor) Subscribe(obs Observer) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = obs
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Executor) emit(ev Event) {
	ev.Time = time.Now()
	e.mu.Lock()
	list := make([]Observer, 0, len(e.observers))
	for _, obs := range e.observers {
		list = append(list, obs)
	}
	e.mu.Unlock()
	for _, obs := range list {
		obs(ev)
	}
}
