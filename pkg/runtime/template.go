package runtime

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// payloadRe extracts {{ ... }} references from step payload strings.
var payloadRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolvePayload returns a deep copy of a step payload with template
// references substituted from the run context. A steps.* or vars.*
// reference that does not resolve is an error: the authoring mistake
// should fail the step loudly, not flow downstream as a literal.
func (c *Context) ResolvePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	v, err := c.resolvePayloadValue(payload)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (c *Context) resolvePayloadValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return c.resolvePayloadString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			r, err := c.resolvePayloadValue(inner)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			r, err := c.resolvePayloadValue(inner)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolvePayloadString substitutes references in one string. A string that
// is exactly one reference keeps the resolved value's type.
func (c *Context) resolvePayloadString(s string) (any, error) {
	m := payloadRe.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}
	if m[0] == s {
		return c.resolvePayloadRef(m[1])
	}
	var firstErr error
	out := payloadRe.ReplaceAllStringFunc(s, func(tok string) string {
		ref := payloadRe.FindStringSubmatch(tok)[1]
		v, err := c.resolvePayloadRef(ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return tok
		}
		return fmt.Sprintf("%v", v)
	})
	return out, firstErr
}

func (c *Context) resolvePayloadRef(ref string) (any, error) {
	switch {
	case ref == "random":
		return uuid.NewString(), nil
	case strings.HasPrefix(ref, "steps."), strings.HasPrefix(ref, "vars."):
		v, ok := c.Resolver()(ref)
		if !ok {
			return nil, fmt.Errorf("unresolved payload reference {{%s}}", ref)
		}
		return v, nil
	default:
		// Foreign vocabulary (e.g. proxy-side path/request refs) passes
		// through untouched.
		return "{{" + ref + "}}", nil
	}
}
