package assertions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ormasoftchile/dito/pkg/broker"
	"github.com/ormasoftchile/dito/pkg/harness"
	"github.com/ormasoftchile/dito/pkg/schema"
)

// fakeSource is a hand-rolled Source for assertion tests.
type fakeSource struct {
	outputs   map[string]map[string]any
	durations map[string]time.Duration
	vars      map[string]any
	broker    broker.Broker
	db        *harness.TestDatabase
}

func (f *fakeSource) StepOutput(id string) (map[string]any, bool) {
	out, ok := f.outputs[id]
	return out, ok
}

func (f *fakeSource) StepDuration(id string) (time.Duration, bool) {
	d, ok := f.durations[id]
	return d, ok
}

func (f *fakeSource) Variable(name string) (any, bool) {
	v, ok := f.vars[name]
	return v, ok
}

func (f *fakeSource) Broker() broker.Broker           { return f.broker }
func (f *fakeSource) Database() *harness.TestDatabase { return f.db }

func TestResponseEquals(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{
		"create_user": {"status": 201, "user": map[string]any{"id": "u1"}},
	}}

	r := Evaluate(context.Background(), schema.Assertion{
		Type:   "response",
		Target: "create_user",
		Condition: schema.Condition{
			Operator: "equals",
			Path:     "user.id",
			Expected: "u1",
		},
	}, src)
	assert.True(t, r.Passed, r.Message)
	assert.Equal(t, "u1", r.Actual)
}

func TestResponseNumericEqualsAcrossTypes(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{
		"s": {"status": 201},
	}}

	// YAML gives int, captured output may hold float64. Both must match.
	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "response",
		Target:    "s",
		Condition: schema.Condition{Operator: "equals", Path: "status", Expected: float64(201)},
	}, src)
	assert.True(t, r.Passed, r.Message)
}

func TestResponseMissingPath(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{"s": {"a": 1}}}

	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "response",
		Target:    "s",
		Condition: schema.Condition{Operator: "equals", Path: "b.c", Expected: 1},
	}, src)
	assert.False(t, r.Passed)

	r = Evaluate(context.Background(), schema.Assertion{
		Type:      "response",
		Target:    "s",
		Condition: schema.Condition{Operator: "notExists", Path: "b.c"},
	}, src)
	assert.True(t, r.Passed, r.Message)
}

func TestResponseUnknownStep(t *testing.T) {
	src := &fakeSource{}
	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "response",
		Target:    "ghost",
		Condition: schema.Condition{Operator: "exists"},
	}, src)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "no captured output")
}

func TestContainsOperatorVariants(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{
		"s": {
			"text":   "order accepted",
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"x": 1, "y": 2},
		},
	}}

	cases := []struct {
		name     string
		path     string
		expected any
		want     bool
	}{
		{"substring", "text", "accepted", true},
		{"substring miss", "text", "rejected", false},
		{"slice member", "tags", "b", true},
		{"slice miss", "tags", "z", false},
		{"map substructure", "nested", map[string]any{"x": 1}, true},
		{"map substructure miss", "nested", map[string]any{"x": 9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Evaluate(context.Background(), schema.Assertion{
				Type:      "response",
				Target:    "s",
				Condition: schema.Condition{Operator: "contains", Path: tc.path, Expected: tc.expected},
			}, src)
			assert.Equal(t, tc.want, r.Passed, r.Message)
		})
	}
}

func TestStateAssertion(t *testing.T) {
	src := &fakeSource{vars: map[string]any{"user_count": 3}}

	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "state",
		Target:    "user_count",
		Condition: schema.Condition{Operator: "greaterThan", Expected: 2},
	}, src)
	assert.True(t, r.Passed, r.Message)

	r = Evaluate(context.Background(), schema.Assertion{
		Type:      "state",
		Target:    "missing_var",
		Condition: schema.Condition{Operator: "exists"},
	}, src)
	assert.False(t, r.Passed)
}

func TestTimingAssertion(t *testing.T) {
	src := &fakeSource{durations: map[string]time.Duration{
		"fast": 40 * time.Millisecond,
	}}

	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "timing",
		Target:    "fast",
		Condition: schema.Condition{Operator: "lessThan", Expected: 100},
	}, src)
	assert.True(t, r.Passed, r.Message)

	r = Evaluate(context.Background(), schema.Assertion{
		Type:      "timing",
		Target:    "fast",
		Condition: schema.Condition{Operator: "greaterThan", Expected: 100},
	}, src)
	assert.False(t, r.Passed)
}

func TestMessageAssertionMatches(t *testing.T) {
	b := broker.NewMemory(zaptest.NewLogger(t))
	defer b.Close()
	src := &fakeSource{broker: b}

	require.NoError(t, b.Publish(context.Background(), "orders.created",
		map[string]any{"order_id": "o1", "qty": 5}, nil))

	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "message",
		Target:    "orders.created",
		TimeoutMs: 200,
		Condition: schema.Condition{Operator: "equals", Path: "order_id", Expected: "o1"},
	}, src)
	assert.True(t, r.Passed, r.Message)
}

func TestMessageAssertionTimeoutFailsNotErrors(t *testing.T) {
	b := broker.NewMemory(zaptest.NewLogger(t))
	defer b.Close()
	src := &fakeSource{broker: b}

	start := time.Now()
	r := Evaluate(context.Background(), schema.Assertion{
		Type:      "message",
		Target:    "orders.created",
		TimeoutMs: 100,
		Condition: schema.Condition{Operator: "exists"},
	}, src)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "no matching message")
	assert.Less(t, time.Since(start), time.Second)
}

func TestDatabaseAssertion(t *testing.T) {
	db, err := harness.Setup(context.Background(), harness.Config{Name: "assert_db"})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Exec(ctx, `CREATE TABLE users (id TEXT PRIMARY KEY, email TEXT)`))
	require.NoError(t, db.Exec(ctx, `INSERT INTO users (id, email) VALUES ('u1', 'a@b.c')`))

	src := &fakeSource{db: db}

	r := Evaluate(ctx, schema.Assertion{
		Type:      "database",
		Target:    `users:{"email":"a@b.c"}`,
		Condition: schema.Condition{Operator: "exists"},
	}, src)
	assert.True(t, r.Passed, r.Message)

	r = Evaluate(ctx, schema.Assertion{
		Type:      "database",
		Target:    `users:{"email":"nobody@b.c"}`,
		Condition: schema.Condition{Operator: "notExists"},
	}, src)
	assert.True(t, r.Passed, r.Message)

	r = Evaluate(ctx, schema.Assertion{
		Type:      "database",
		Target:    `users:{"email":"a@b.c"}`,
		Condition: schema.Condition{Operator: "equals", Expected: 1},
	}, src)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "not supported")
}

func TestDatabaseTargetParsing(t *testing.T) {
	table, conds, err := parseDatabaseTarget(`users:{"id":"u1"}`)
	require.NoError(t, err)
	assert.Equal(t, "users", table)
	assert.Equal(t, map[string]any{"id": "u1"}, conds)

	table, conds, err = parseDatabaseTarget("users")
	require.NoError(t, err)
	assert.Equal(t, "users", table)
	assert.Nil(t, conds)

	_, _, err = parseDatabaseTarget(`users:{broken`)
	assert.Error(t, err)

	_, _, err = parseDatabaseTarget(`:{"id":1}`)
	assert.Error(t, err)
}

func TestEvalAll(t *testing.T) {
	src := &fakeSource{
		outputs:   map[string]map[string]any{"s": {"ok": true}},
		durations: map[string]time.Duration{"s": 10 * time.Millisecond},
	}

	results, passed := EvalAll(context.Background(), []schema.Assertion{
		{Type: "response", Target: "s", Condition: schema.Condition{Operator: "equals", Path: "ok", Expected: true}},
		{Type: "timing", Target: "s", Condition: schema.Condition{Operator: "greaterThan", Expected: 1000}},
	}, src)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.False(t, passed)
}

func TestUnknownAssertionType(t *testing.T) {
	r := Evaluate(context.Background(), schema.Assertion{Type: "telemetry"}, &fakeSource{})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "unknown assertion type")
}
