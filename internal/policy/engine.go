// Package policy evaluates the rego admission policy applied to every
// submitted event before it is committed.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/nickpending/argus/internal/domain"
)

// DefaultPolicy admits every event.
//
// Policies live in package argus.ingest and may define allow (bool) and
// reason (string). The input is the event as it will be stored.
const DefaultPolicy = `
package argus.ingest

default allow = true
`

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.argus.ingest"),
		rego.Module("argus_ingest.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Load reads the policy at path, or uses DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Allow evaluates the policy for e. A policy that leaves allow undefined
// admits the event.
func (e *Engine) Allow(ctx context.Context, event *domain.Event) (bool, string, error) {
	input, err := eventInput(event)
	if err != nil {
		return false, "", err
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, "", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("policy returned %T, want object", results[0].Expressions[0].Value)
	}

	reason, _ := doc["reason"].(string)
	switch allow := doc["allow"].(type) {
	case nil:
		return true, reason, nil
	case bool:
		return allow, reason, nil
	default:
		return false, "", fmt.Errorf("policy allow must be a boolean, got %T", allow)
	}
}

// eventInput converts an event to the generic document rego evaluates.
func eventInput(event *domain.Event) (map[string]interface{}, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return input, nil
}
