// Package tool implements the tool registry and executor: uniform invocation
// of named tools with schema-validated parameters, streaming capture, and a
// wall-clock deadline no tool may outlive.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codescout/internal/logging"
	"codescout/internal/types"
)

// =============================================================================
// TOOL DEFINITIONS
// =============================================================================

// Mode selects how a tool executes.
type Mode string

const (
	// ModeLocal runs an in-process handler.
	ModeLocal Mode = "local"
	// ModeDelegated forwards the call to the host (IDE, editor plugin).
	ModeDelegated Mode = "delegated"
	// ModeScript interprets a Go source body in the sandboxed interpreter.
	ModeScript Mode = "script"
)

// ParamSpec declares one parameter of a tool.
type ParamSpec struct {
	Type        string      `json:"type"` // string, number, boolean, array, object
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Handler is a local tool implementation.
type Handler func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error)

// Sink receives incremental output segments in arrival order.
type Sink func(segment string)

// StreamHandler is a streaming-capable tool implementation.
type StreamHandler func(ctx context.Context, projectKey string, params map[string]interface{}, sink Sink) (*types.ToolResult, error)

// Definition is one registered tool.
type Definition struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ParamSpec `json:"params"`
	Mode        Mode                 `json:"mode"`

	// Handler serves ModeLocal and ModeDelegated (the delegate bridge is
	// itself a handler). StreamHandler is optional.
	Handler       Handler       `json:"-"`
	StreamHandler StreamHandler `json:"-"`

	// ScriptSource is the interpreted Go body for ModeScript tools.
	ScriptSource string `json:"script_source,omitempty"`
}

// Streaming reports whether the tool can stream output.
func (d *Definition) Streaming() bool { return d.StreamHandler != nil }

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps stable tool names to definitions and executes them.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	timeout time.Duration
	scripts *ScriptExecutor
}

// NewRegistry creates a registry with the given wall-clock deadline per
// execution.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Registry{
		tools:   make(map[string]*Definition),
		timeout: timeout,
		scripts: NewScriptExecutor(),
	}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: tool name cannot be empty", types.ErrValidation)
	}
	switch def.Mode {
	case ModeLocal, ModeDelegated:
		if def.Handler == nil {
			return fmt.Errorf("%w: tool %s needs a handler", types.ErrValidation, def.Name)
		}
	case ModeScript:
		if def.ScriptSource == "" {
			return fmt.Errorf("%w: tool %s needs script source", types.ErrValidation, def.Name)
		}
	default:
		return fmt.Errorf("%w: tool %s has unknown mode %q", types.ErrValidation, def.Name, def.Mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	logging.Tools("Registered tool %s (mode=%s, streaming=%v)", def.Name, def.Mode, def.Streaming())
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders the registry as prompt-ready documentation.
func (r *Registry) Describe() string {
	var b []byte
	for _, def := range r.List() {
		b = append(b, fmt.Sprintf("- %s: %s\n", def.Name, def.Description)...)
		names := make([]string, 0, len(def.Params))
		for name := range def.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec := def.Params[name]
			req := "optional"
			if spec.Required {
				req = "required"
			}
			b = append(b, fmt.Sprintf("    %s (%s, %s): %s\n", name, spec.Type, req, spec.Description)...)
		}
	}
	return string(b)
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs a named tool. Failures never surface as errors: they become
// {success=false} results with duration recorded, and the loop decides what
// to do with them.
func (r *Registry) Execute(ctx context.Context, projectKey, toolName string, params map[string]interface{}) *types.ToolResult {
	return r.execute(ctx, projectKey, toolName, params, nil)
}

// ExecuteStreaming runs a named tool, forwarding incremental output to sink.
// Tools without streaming support run normally; the sink just stays silent.
func (r *Registry) ExecuteStreaming(ctx context.Context, projectKey, toolName string, params map[string]interface{}, sink Sink) *types.ToolResult {
	return r.execute(ctx, projectKey, toolName, params, sink)
}

func (r *Registry) execute(ctx context.Context, projectKey, toolName string, params map[string]interface{}, sink Sink) *types.ToolResult {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryTools, "Execute:"+toolName)
	defer timer.Stop()

	def, ok := r.Get(toolName)
	if !ok {
		return types.FailedResult(fmt.Errorf("%w: unknown tool %q", types.ErrValidation, toolName), time.Since(start))
	}

	validated, err := validateParams(def, params)
	if err != nil {
		logging.ToolsDebug("Parameter validation failed for %s: %v", toolName, err)
		return types.FailedResult(err, time.Since(start))
	}

	// The wall-clock deadline is enforced here, not trusted to the tool:
	// a misbehaving handler is abandoned, its goroutine left to finish
	// against a cancelled context.
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result *types.ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", toolName, rec)}
			}
		}()
		res, err := r.invoke(execCtx, def, projectKey, validated, sink)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			logging.ToolsDebug("Tool %s failed after %s: %v", toolName, elapsed, out.err)
			return types.FailedResult(out.err, elapsed)
		}
		res := out.result
		if res == nil {
			return types.FailedResult(fmt.Errorf("tool %s returned no result", toolName), elapsed)
		}
		res.ExecutionTimeMs = elapsed.Milliseconds()
		return res
	case <-execCtx.Done():
		elapsed := time.Since(start)
		logging.Get(logging.CategoryTools).Warn("Tool %s exceeded deadline %s", toolName, r.timeout)
		return types.FailedResult(fmt.Errorf("tool %s timed out after %s", toolName, r.timeout), elapsed)
	}
}

func (r *Registry) invoke(ctx context.Context, def *Definition, projectKey string, params map[string]interface{}, sink Sink) (*types.ToolResult, error) {
	switch def.Mode {
	case ModeScript:
		return r.scripts.Run(ctx, def, params)
	default:
		if sink != nil && def.StreamHandler != nil {
			return def.StreamHandler(ctx, projectKey, params, sink)
		}
		return def.Handler(ctx, projectKey, params)
	}
}

// validateParams checks params against the schema: missing required fails,
// extraneous keys are dropped, declared defaults fill gaps.
func validateParams(def *Definition, params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(def.Params))
	for name, spec := range def.Params {
		val, present := params[name]
		if !present || val == nil {
			if spec.Required {
				return nil, fmt.Errorf("%w: tool %s missing required parameter %q", types.ErrValidation, def.Name, name)
			}
			if spec.Default != nil {
				out[name] = spec.Default
			}
			continue
		}
		if err := checkType(spec.Type, val); err != nil {
			return nil, fmt.Errorf("%w: tool %s parameter %q: %v", types.ErrValidation, def.Name, name, err)
		}
		out[name] = val
	}
	return out, nil
}

func checkType(declared string, val interface{}) error {
	switch declared {
	case "", "object":
		return nil
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case "number":
		switch val.(type) {
		case int, int64, float32, float64:
		default:
			return fmt.Errorf("expected number, got %T", val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	case "array":
		switch val.(type) {
		case []interface{}, []string:
		default:
			return fmt.Errorf("expected array, got %T", val)
		}
	}
	return nil
}
