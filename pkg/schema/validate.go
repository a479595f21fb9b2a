package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].action")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a scenario file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Scenario, []*ValidationError) {
	sc, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return sc, Validate(sc)
}

// Validate runs the semantic and domain phases on an already-parsed scenario.
func Validate(sc *Scenario) []*ValidationError {
	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(sc)...)
	allErrors = append(allErrors, ValidateDomain(sc)...)
	return allErrors
}

// validateSemantic validates the scenario against the JSON Schema.
func validateSemantic(sc *Scenario) []*ValidationError {
	data, err := json.Marshal(sc)
	if err != nil {
		return semanticErr(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticErr(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticErr(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("scenario-v1.json", schemaDoc); err != nil {
		return semanticErr(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("scenario-v1.json")
	if err != nil {
		return semanticErr(fmt.Sprintf("compile schema: %v", err))
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticErr(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

func semanticErr(msg string) []*ValidationError {
	return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

var validActions = map[string]bool{
	"request": true, "publish": true, "query": true, "wait": true, "parallel": true,
}

var validAssertionTypes = map[string]bool{
	"response": true, "message": true, "database": true, "state": true, "timing": true,
}

var validOperators = map[string]bool{
	"equals": true, "contains": true, "exists": true,
	"notExists": true, "lessThan": true, "greaterThan": true,
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(sc *Scenario) []*ValidationError {
	var errs []*ValidationError

	if sc.APIVersion != "scenario/v1" {
		errs = append(errs, domainErr("apiVersion",
			fmt.Sprintf("unrecognized apiVersion %q, expected %q", sc.APIVersion, "scenario/v1")))
	}
	if sc.Name == "" {
		errs = append(errs, domainErr("name", "scenario requires a name"))
	}
	if len(sc.Steps) == 0 {
		errs = append(errs, domainErr("steps", "scenario requires at least one step"))
	}

	errs = append(errs, validateSteps("steps", sc.Steps, make(map[string]bool))...)

	for i, a := range sc.Assertions {
		path := fmt.Sprintf("assertions[%d]", i)
		if !validAssertionTypes[a.Type] {
			errs = append(errs, domainErr(path+".type", fmt.Sprintf("unknown assertion type %q", a.Type)))
		}
		if a.Target == "" {
			errs = append(errs, domainErr(path+".target", "assertion requires a target"))
		}
		if !validOperators[a.Condition.Operator] {
			errs = append(errs, domainErr(path+".condition.operator",
				fmt.Sprintf("unknown operator %q", a.Condition.Operator)))
		}
		if (a.Type == "response" || a.Type == "timing") && a.Target != "" && sc.StepByID(a.Target) == nil {
			errs = append(errs, domainErr(path+".target",
				fmt.Sprintf("assertion targets unknown step %q", a.Target)))
		}
	}

	return errs
}

// validateSteps checks a step list (top-level or sub-steps of a parallel
// step). ids is shared across nesting levels: step ids are unique within
// the whole scenario, since run state and template references key on them.
func validateSteps(base string, steps []Step, ids map[string]bool) []*ValidationError {
	var errs []*ValidationError

	for i, st := range steps {
		path := fmt.Sprintf("%s[%d]", base, i)
		if st.ID == "" {
			errs = append(errs, domainErr(path+".id", "step requires an id"))
		} else if ids[st.ID] {
			errs = append(errs, domainErr(path+".id", fmt.Sprintf("duplicate step id %q", st.ID)))
		}
		ids[st.ID] = true

		if !validActions[st.Action] {
			errs = append(errs, domainErr(path+".action", fmt.Sprintf("unknown action %q", st.Action)))
			continue
		}
		switch st.Action {
		case "request", "publish":
			if st.Service == "" && st.Action == "request" {
				errs = append(errs, domainErr(path+".service", "request step requires a service"))
			}
			if len(st.Payload) == 0 {
				errs = append(errs, domainErr(path+".payload", st.Action+" step requires a payload"))
			}
		case "query":
			if len(st.Payload) == 0 {
				errs = append(errs, domainErr(path+".payload", "query step requires a payload"))
			}
		case "wait":
			if st.WaitMs <= 0 {
				errs = append(errs, domainErr(path+".wait_ms", "wait step requires wait_ms > 0"))
			}
		case "parallel":
			if len(st.SubSteps) == 0 {
				errs = append(errs, domainErr(path+".sub_steps", "parallel step requires sub_steps"))
			}
			errs = append(errs, validateSteps(path+".sub_steps", st.SubSteps, ids)...)
		}
		if st.Action != "parallel" && len(st.SubSteps) > 0 {
			errs = append(errs, domainErr(path+".sub_steps", "sub_steps only valid for action:parallel"))
		}

		if st.Retry != nil {
			if st.Retry.MaxAttempts < 1 {
				errs = append(errs, domainErr(path+".retry.max_attempts", "max_attempts must be >= 1"))
			}
			if st.Retry.Backoff != "linear" && st.Retry.Backoff != "exponential" {
				errs = append(errs, domainErr(path+".retry.backoff",
					fmt.Sprintf("backoff must be linear or exponential, got %q", st.Retry.Backoff)))
			}
			if st.Retry.DelayMs < 0 {
				errs = append(errs, domainErr(path+".retry.delay_ms", "delay_ms must be >= 0"))
			}
		}

		for _, dep := range st.DependsOn {
			found := false
			for j := range steps {
				if steps[j].ID == dep {
					found = true
					break
				}
			}
			if !found {
				errs = append(errs, domainErr(path+".depends_on",
					fmt.Sprintf("step %q depends on unknown step %q", st.ID, dep)))
			}
			if dep == st.ID {
				errs = append(errs, domainErr(path+".depends_on",
					fmt.Sprintf("step %q depends on itself", st.ID)))
			}
		}
	}

	return errs
}

func domainErr(path, msg string) *ValidationError {
	return &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: "error"}
}
