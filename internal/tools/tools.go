// Package tools defines the shared [Tool] type and the [Registry] that
// dispatches tool calls requested by the upstream model. Each sub-package
// exports a constructor function that returns a slice of [Tool] values ready
// for registration.
//
// The registry never returns a Go error to its caller: every outcome —
// success, unknown function, handler failure — is a JSON string, because the
// result is forwarded verbatim to the model and a structured error payload is
// something the model can recover from mid-conversation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dana-Harb/brewrelay/internal/observe"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// Tool is one callable capability offered to the upstream model.
type Tool struct {
	// Definition is the model-facing schema including the tool's name,
	// description, and JSON Schema parameter specification.
	Definition upstream.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result string on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

// Registry holds the fixed set of tools for a deployment. The set is
// established at construction and never mutated, so lookups need no locking.
type Registry struct {
	tools   map[string]Tool
	order   []string
	metrics *observe.Metrics
}

// NewRegistry builds a Registry from the given tools. Metrics may be nil in
// tests. Later tools silently shadow earlier ones with the same name.
func NewRegistry(metrics *observe.Metrics, ts ...Tool) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool, len(ts)),
		metrics: metrics,
	}
	for _, t := range ts {
		if _, exists := r.tools[t.Definition.Name]; !exists {
			r.order = append(r.order, t.Definition.Name)
		}
		r.tools[t.Definition.Name] = t
	}
	return r
}

// Definitions returns the tool schemas in registration order, for inclusion
// in the upstream session handshake.
func (r *Registry) Definitions() []upstream.ToolDefinition {
	defs := make([]upstream.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// errorResult is the JSON payload returned for any failed execution.
type errorResult struct {
	Error string `json:"error"`
}

// Execute runs the named tool and always returns a JSON string. Unknown
// names, handler errors, and handler panics all produce an {"error": ...}
// payload rather than failing the session.
func (r *Registry) Execute(ctx context.Context, name, args string) string {
	t, ok := r.tools[name]
	if !ok {
		return errorJSON(fmt.Sprintf("function %q not found", name))
	}

	start := time.Now()
	out, err := r.run(ctx, t, args)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		out = errorJSON(err.Error())
	}
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, name, status)
		r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	}

	observe.Logger(ctx).Info("tool executed",
		"tool", name,
		"status", status,
		"duration", elapsed,
	)
	return out
}

// run invokes the handler, converting a panic into an error so one
// misbehaving tool cannot take down the session goroutine.
func (r *Registry) run(ctx context.Context, t Tool, args string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", t.Definition.Name, rec)
		}
	}()
	return t.Handler(ctx, args)
}

// errorJSON encodes msg as an {"error": msg} payload.
func errorJSON(msg string) string {
	data, err := json.Marshal(errorResult{Error: msg})
	if err != nil {
		return `{"error":"internal encoding failure"}`
	}
	return string(data)
}
