package schema

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadValidScenarios(t *testing.T) {
	files, err := filepath.Glob("../../testdata/valid/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files, "no valid test fixtures found")

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			sc, err := LoadFile(f)
			require.NoError(t, err)
			assert.Equal(t, "scenario/v1", sc.APIVersion)
			assert.NotEmpty(t, sc.Name)
			assert.NotEmpty(t, sc.Steps)
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFile("../../testdata/invalid/unknown-fields.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retires", "strict decode names the offending field")
}

func TestLoadFromReader(t *testing.T) {
	sc, err := Load(strings.NewReader(`
apiVersion: scenario/v1
name: inline
steps:
  - id: w
    action: wait
    wait_ms: 5
`))
	require.NoError(t, err)
	assert.Equal(t, "inline", sc.Name)
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, 5, sc.Steps[0].WaitMs)
}

func TestStepByID(t *testing.T) {
	sc := &Scenario{Steps: []Step{{ID: "a"}, {ID: "b"}}}
	require.NotNil(t, sc.StepByID("b"))
	assert.Equal(t, "b", sc.StepByID("b").ID)
	assert.Nil(t, sc.StepByID("z"))
}

func TestRetryPolicyDelay(t *testing.T) {
	linear := &RetryPolicy{MaxAttempts: 3, Backoff: "linear", DelayMs: 100}
	assert.Equal(t, 100, linear.Delay(1))
	assert.Equal(t, 200, linear.Delay(2))
	assert.Equal(t, 300, linear.Delay(3))
	assert.Equal(t, 100, linear.Delay(0), "attempt floor is 1")

	exp := &RetryPolicy{MaxAttempts: 4, Backoff: "exponential", DelayMs: 50}
	assert.Equal(t, 50, exp.Delay(1))
	assert.Equal(t, 100, exp.Delay(2))
	assert.Equal(t, 200, exp.Delay(3))
	assert.Equal(t, 400, exp.Delay(4))
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "scenario-v1.json")
	assert.Contains(t, s, "apiVersion")
	assert.Contains(t, s, "depends_on")
}
