package virtual

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// templateRe extracts {{ ... }} references from response body strings.
var templateRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// resolveBody returns a deep copy of body with template references
// resolved against the live request and the proxy's external resolver.
// Unresolvable references are left verbatim.
//
// Vocabulary:
//
//	{{random}}            fresh opaque token
//	{{request.body.X}}    nested property of the request body
//	{{request.query.X}}   query parameter
//	{{request.headers.X}} header value
//	{{path.X}}            bound path parameter
//	anything else         delegated to the external resolver (steps.ID.path)
func (p *ServiceProxy) resolveBody(body map[string]any, req *Request) map[string]any {
	if body == nil {
		return nil
	}
	return p.resolveValue(body, req).(map[string]any)
}

func (p *ServiceProxy) resolveValue(v any, req *Request) any {
	switch val := v.(type) {
	case string:
		return p.resolveString(val, req)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = p.resolveValue(inner, req)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = p.resolveValue(inner, req)
		}
		return out
	default:
		return v
	}
}

// resolveString substitutes template references in one string. A string
// that is exactly one reference keeps the resolved value's type; mixed
// content is stringified.
func (p *ServiceProxy) resolveString(s string, req *Request) any {
	m := templateRe.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	if m[0] == s {
		if v, ok := p.resolveRef(m[1], req); ok {
			return v
		}
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(tok string) string {
		ref := templateRe.FindStringSubmatch(tok)[1]
		if v, ok := p.resolveRef(ref, req); ok {
			return fmt.Sprintf("%v", v)
		}
		return tok
	})
}

func (p *ServiceProxy) resolveRef(ref string, req *Request) (any, bool) {
	switch {
	case ref == "random":
		return uuid.NewString(), true
	case strings.HasPrefix(ref, "path."):
		v, ok := req.PathParams[strings.TrimPrefix(ref, "path.")]
		return v, ok
	case strings.HasPrefix(ref, "request."):
		return navigate(requestEnv(req), strings.TrimPrefix(ref, "request."))
	default:
		if p.resolver != nil {
			return p.resolver(ref)
		}
		return nil, false
	}
}

// navigate walks a dot-separated path through nested maps.
func navigate(data any, path string) (any, bool) {
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
