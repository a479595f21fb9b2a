package virtual

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateRequestBodyReference(t *testing.T) {
	p := newTestProxy(t)
	p.AddMockEndpoint(&MockEndpoint{
		Method: "POST",
		Path:   "/orders",
		Responses: []MockResponse{{
			Status: 201,
			Body: map[string]any{
				"order_id": "{{random}}",
				"symbol":   "{{request.body.symbol}}",
				"qty":      "{{request.body.qty}}",
			},
		}},
	})

	resp, err := p.Handle(context.Background(), &Request{
		Method: "POST", Path: "/orders",
		Body: map[string]any{"symbol": "ACME", "qty": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "ACME", resp.Body["symbol"])
	assert.Equal(t, 10, resp.Body["qty"], "whole-string reference keeps the value's type")
	assert.NotEmpty(t, resp.Body["order_id"])
	assert.NotEqual(t, "{{random}}", resp.Body["order_id"])
}

func TestTemplateMixedContentStringifies(t *testing.T) {
	p := newTestProxy(t)
	p.AddMockEndpoint(&MockEndpoint{
		Method: "GET",
		Path:   "/users/{id}",
		Responses: []MockResponse{{
			Status: 200,
			Body:   map[string]any{"greeting": "hello user {{path.id}}"},
		}},
	})

	resp, err := p.Handle(context.Background(), &Request{Method: "GET", Path: "/users/42"})
	require.NoError(t, err)
	assert.Equal(t, "hello user 42", resp.Body["greeting"])
}

func TestTemplateUnresolvedLeftVerbatim(t *testing.T) {
	p := newTestProxy(t)
	p.AddMockEndpoint(&MockEndpoint{
		Method: "GET",
		Path:   "/v",
		Responses: []MockResponse{{
			Status: 200,
			Body:   map[string]any{"x": "{{foo.bar}}"},
		}},
	})

	resp, err := p.Handle(context.Background(), &Request{Method: "GET", Path: "/v"})
	require.NoError(t, err)
	assert.Equal(t, "{{foo.bar}}", resp.Body["x"])
}

func TestTemplateExternalResolver(t *testing.T) {
	p := newTestProxy(t, WithResolver(func(ref string) (any, bool) {
		if ref == "steps.create_user.user_id" {
			return "u-77", true
		}
		return nil, false
	}))
	p.AddMockEndpoint(&MockEndpoint{
		Method: "GET",
		Path:   "/r",
		Responses: []MockResponse{{
			Status: 200,
			Body: map[string]any{
				"owner":   "{{steps.create_user.user_id}}",
				"unknown": "{{steps.missing.value}}",
			},
		}},
	})

	resp, err := p.Handle(context.Background(), &Request{Method: "GET", Path: "/r"})
	require.NoError(t, err)
	assert.Equal(t, "u-77", resp.Body["owner"])
	assert.Equal(t, "{{steps.missing.value}}", resp.Body["unknown"])
}

func TestTemplateNestedStructures(t *testing.T) {
	p := newTestProxy(t)
	p.AddMockEndpoint(&MockEndpoint{
		Method: "POST",
		Path:   "/n",
		Responses: []MockResponse{{
			Status: 200,
			Body: map[string]any{
				"items": []any{
					map[string]any{"name": "{{request.body.first}}"},
					map[string]any{"name": "{{request.body.second}}"},
				},
			},
		}},
	})

	resp, err := p.Handle(context.Background(), &Request{
		Method: "POST", Path: "/n",
		Body: map[string]any{"first": "a", "second": "b"},
	})
	require.NoError(t, err)
	items := resp.Body["items"].([]any)
	assert.Equal(t, "a", items[0].(map[string]any)["name"])
	assert.Equal(t, "b", items[1].(map[string]any)["name"])
}

func TestTemplateDoesNotMutateEndpointBody(t *testing.T) {
	body := map[string]any{"id": "{{path.id}}"}
	p := newTestProxy(t)
	p.AddMockEndpoint(&MockEndpoint{
		Method:    "GET",
		Path:      "/m/{id}",
		Responses: []MockResponse{{Status: 200, Body: body}},
	})

	_, err := p.Handle(context.Background(), &Request{Method: "GET", Path: "/m/1"})
	require.NoError(t, err)
	assert.Equal(t, "{{path.id}}", body["id"], "registered template is reusable across calls")

	resp, err := p.Handle(context.Background(), &Request{Method: "GET", Path: "/m/2"})
	require.NoError(t, err)
	assert.Equal(t, "2", resp.Body["id"])
}
