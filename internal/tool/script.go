package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"codescout/internal/types"
)

// =============================================================================
// SCRIPT EXECUTOR
// =============================================================================
// ModeScript tools carry a Go source body interpreted at call time instead of
// being compiled. The body must define:
//
//	func RunTool(input string) (string, error)
//
// where input is the JSON-encoded parameter map. Only an allowlisted subset
// of the standard library may be imported; filesystem, network, and exec
// access are blocked.

// ScriptExecutor runs tool bodies in a sandboxed interpreter.
type ScriptExecutor struct {
	allowedPackages map[string]bool
}

// NewScriptExecutor creates the executor with the default allowlist.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{
		allowedPackages: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"path":            true,
			"path/filepath":   true,
			"unicode":         true,
			// Blocked: os, os/exec, net, net/http, syscall, unsafe.
		},
	}
}

// Run interprets the tool body with the validated parameters.
func (se *ScriptExecutor) Run(ctx context.Context, def *Definition, params map[string]interface{}) (*types.ToolResult, error) {
	if err := se.validateImports(def.ScriptSource); err != nil {
		return nil, fmt.Errorf("script tool %s: %w", def.Name, err)
	}

	input, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapScript(def.ScriptSource)); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	fn, err := i.Eval("main.RunTool")
	if err != nil {
		return nil, fmt.Errorf("RunTool function not found: %w", err)
	}
	runTool, ok := fn.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("RunTool has wrong signature (want func(string) (string, error))")
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := runTool(string(input))
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return &types.ToolResult{
			Success:      true,
			Data:         o.out,
			DisplayTitle: def.Name,
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: script interrupted", types.ErrCancelled)
	}
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:_\s+)?"([^"]+)"`)

// validateImports rejects bodies importing outside the allowlist.
func (se *ScriptExecutor) validateImports(code string) error {
	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		pkg := m[1]
		if !se.allowedPackages[pkg] {
			return fmt.Errorf("%w: import %q not allowed in script tools", types.ErrValidation, pkg)
		}
	}
	return nil
}

// wrapScript adds the package clause when the body omits it.
func wrapScript(code string) string {
	if strings.Contains(code, "package ") {
		return code
	}
	return "package main\n\n" + code
}
