package runtime

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ormasoftchile/dito/pkg/assertions"
)

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxx.
func GenerateRunID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// Status of a step or a whole scenario run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult captures one step's execution outcome. Output is the step's
// addressable value for later templating and assertions.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Retries is the number of re-executions after the first attempt.
	Retries int `json:"retries,omitempty"`
}

// Metrics aggregates counts over one run.
type Metrics struct {
	TotalSteps       int           `json:"total_steps"`
	Passed           int           `json:"passed"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	Retries          int           `json:"retries"`
	AssertionsPassed int           `json:"assertions_passed"`
	AssertionsFailed int           `json:"assertions_failed"`
	AvgStepDuration  time.Duration `json:"avg_step_duration"`
}

// TimelineEvent is one entry in a run's ordered event log.
type TimelineEvent struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	StepID string    `json:"step_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Result is the aggregated outcome of one scenario run.
type Result struct {
	RunID      string               `json:"run_id"`
	Scenario   string               `json:"scenario"`
	Status     Status               `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Duration   time.Duration        `json:"duration"`
	Steps      []*StepResult        `json:"steps"`
	Assertions []*assertions.Result `json:"assertions,omitempty"`
	Metrics    Metrics              `json:"metrics"`
	Timeline   []TimelineEvent      `json:"timeline,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// StepResult returns the result for a step id, or nil.
func (r *Result) StepResult(id string) *StepResult {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// TraceEvent is one line of the JSONL trace file.
type TraceEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Step      *StepResult `json:"step,omitempty"`
	Result    *Result     `json:"result,omitempty"`
}

// TraceWriter writes run events to a JSONL trace file.
type TraceWriter struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewTraceWriter creates a trace writer that appends to the given file.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &TraceWriter{
		file:   f,
		writer: w,
		enc:    json.NewEncoder(w),
	}, nil
}

// WriteStep appends a step result as a JSONL event and flushes to disk.
func (tw *TraceWriter) WriteStep(runID string, step *StepResult) error {
	return tw.write(TraceEvent{
		Type:      "step_result",
		Timestamp: time.Now(),
		RunID:     runID,
		Step:      step,
	})
}

// WriteResult appends the final run result as a JSONL event.
func (tw *TraceWriter) WriteResult(result *Result) error {
	return tw.write(TraceEvent{
		Type:      "run_result",
		Timestamp: time.Now(),
		RunID:     result.RunID,
		Result:    result,
	})
}

func (tw *TraceWriter) write(event TraceEvent) error {
	if err := tw.enc.Encode(event); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	// Flush and sync at event boundaries
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}
