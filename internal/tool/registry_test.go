package tool

import (
	"context"
	"strings"
	"testing"
	"time"

	"codescout/internal/types"
)

func echoTool() *Definition {
	return &Definition{
		Name:        "echo",
		Description: "echoes its text parameter",
		Mode:        ModeLocal,
		Params: map[string]ParamSpec{
			"text":   {Type: "string", Required: true},
			"repeat": {Type: "number", Default: 1},
		},
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			n := 1
			switch v := params["repeat"].(type) {
			case int:
				n = v
			case float64:
				n = int(v)
			}
			return &types.ToolResult{
				Success: true,
				Data:    strings.Repeat(params["text"].(string), n),
			}, nil
		},
	}
}

func TestExecuteValidatesSchema(t *testing.T) {
	r := NewRegistry(time.Second)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	ctx := context.Background()

	// Missing required parameter fails immediately.
	res := r.Execute(ctx, "proj", "echo", map[string]interface{}{})
	if res.Success {
		t.Fatal("expected failure for missing required parameter")
	}
	if !strings.Contains(res.Error, "text") {
		t.Fatalf("error does not name the parameter: %q", res.Error)
	}

	// Extraneous keys are dropped; defaults are applied.
	res = r.Execute(ctx, "proj", "echo", map[string]interface{}{
		"text":    "hi",
		"unknown": "dropped",
	})
	if !res.Success || res.Data != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Wrong type fails.
	res = r.Execute(ctx, "proj", "echo", map[string]interface{}{"text": 42})
	if res.Success {
		t.Fatal("expected failure for wrong parameter type")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(time.Second)
	res := r.Execute(context.Background(), "proj", "missing", nil)
	if res.Success || !strings.Contains(res.Error, "missing") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteRecordsDuration(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(&Definition{
		Name: "slow",
		Mode: ModeLocal,
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &types.ToolResult{Success: true, Data: "ok"}, nil
		},
	})
	res := r.Execute(context.Background(), "proj", "slow", nil)
	if !res.Success || res.ExecutionTimeMs < 20 {
		t.Fatalf("duration not recorded: %+v", res)
	}
}

func TestExecuteEnforcesDeadline(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	r.Register(&Definition{
		Name: "hang",
		Mode: ModeLocal,
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			return &types.ToolResult{Success: true}, nil
		},
	})

	start := time.Now()
	res := r.Execute(context.Background(), "proj", "hang", nil)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("executor blocked past deadline: %s", elapsed)
	}
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(&Definition{
		Name: "bomb",
		Mode: ModeLocal,
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			panic("boom")
		},
	})
	res := r.Execute(context.Background(), "proj", "bomb", nil)
	if res.Success || !strings.Contains(res.Error, "panic") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteStreamingForwardsSegments(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(&Definition{
		Name: "streamer",
		Mode: ModeLocal,
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			return &types.ToolResult{Success: true, Data: "non-streaming"}, nil
		},
		StreamHandler: func(ctx context.Context, projectKey string, params map[string]interface{}, sink Sink) (*types.ToolResult, error) {
			sink("stdout: a")
			sink("stderr: b")
			sink("stdout: c")
			return &types.ToolResult{Success: true, Data: "a b c"}, nil
		},
	})

	var segments []string
	res := r.ExecuteStreaming(context.Background(), "proj", "streamer", nil, func(s string) {
		segments = append(segments, s)
	})
	if !res.Success {
		t.Fatalf("streaming execution failed: %+v", res)
	}
	// Arrival order is preserved, stdout/stderr interleaving included.
	want := []string{"stdout: a", "stderr: b", "stdout: c"}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %v", segments)
	}
	for i := range want {
		if segments[i] != want[i] {
			t.Fatalf("segment %d out of order: %v", i, segments)
		}
	}
}

func TestScriptToolRuns(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	err := r.Register(&Definition{
		Name: "upper",
		Mode: ModeScript,
		Params: map[string]ParamSpec{
			"text": {Type: "string", Required: true},
		},
		ScriptSource: `
import (
	"encoding/json"
	"strings"
)

func RunTool(input string) (string, error) {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(input), &params); err != nil {
		return "", err
	}
	return strings.ToUpper(params["text"].(string)), nil
}
`,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res := r.Execute(context.Background(), "proj", "upper", map[string]interface{}{"text": "quiet"})
	if !res.Success || res.Data != "QUIET" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestScriptToolRejectsUnsafeImports(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(&Definition{
		Name:         "evil",
		Mode:         ModeScript,
		ScriptSource: "import \"os/exec\"\n\nfunc RunTool(input string) (string, error) { return \"\", nil }",
	})
	res := r.Execute(context.Background(), "proj", "evil", nil)
	if res.Success || !strings.Contains(res.Error, "not allowed") {
		t.Fatalf("unexpected result: %+v", res)
	}
}
