// Package toolreg registers the fixed tool surface a model may invoke
// inside a workspace (shell_exec, read_file, write_file) and dispatches
// calls to that workspace's Runtime, for any modelstream.ToolDispatcher
// caller as well as MCP registration.
package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coder/cmux/internal/metrics"
	"github.com/coder/cmux/internal/orcherr"
	"github.com/coder/cmux/internal/runtime"
)

// RuntimeLookup resolves a workspace id to the Runtime it runs on, plus
// the path guard configured for that workspace.
type RuntimeLookup func(workspaceID string) (rt runtime.Runtime, cwd string, protectedPaths []string, err error)

// Registry registers and dispatches the tool surface against whichever
// workspace a call targets.
type Registry struct {
	lookup RuntimeLookup
}

func New(lookup RuntimeLookup) *Registry {
	return &Registry{lookup: lookup}
}

// WorkspaceDispatcher binds a Registry to one workspace, satisfying
// modelstream.ToolDispatcher for the AgentSession driving that workspace.
type WorkspaceDispatcher struct {
	registry    *Registry
	workspaceID string
}

func (r *Registry) ForWorkspace(workspaceID string) *WorkspaceDispatcher {
	return &WorkspaceDispatcher{registry: r, workspaceID: workspaceID}
}

func (d *WorkspaceDispatcher) Dispatch(ctx context.Context, toolName string, args []byte) (any, bool, error) {
	return d.registry.Dispatch(ctx, d.workspaceID, toolName, args)
}

type shellExecArgs struct {
	Command     string `json:"command"`
	TimeoutSecs int    `json:"timeoutSecs,omitempty"`
	Niceness    *int   `json:"niceness,omitempty"`
}

type readFileArgs struct {
	Path string `json:"path"`
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Dispatch executes toolName for workspaceID with the given JSON args,
// returning the result, success flag, and any dispatch-level error (as
// opposed to a tool-reported failure, which is folded into success=false).
func (r *Registry) Dispatch(ctx context.Context, workspaceID, toolName string, args []byte) (any, bool, error) {
	rt, cwd, protectedPaths, err := r.lookup(workspaceID)
	if err != nil {
		return nil, false, err
	}

	switch toolName {
	case "shell_exec":
		var a shellExecArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, false, orcherr.Validation("invalid shell_exec args: %v", err)
		}
		return r.execShell(ctx, rt, cwd, a)

	case "read_file":
		var a readFileArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, false, orcherr.Validation("invalid read_file args: %v", err)
		}
		return r.readFile(ctx, rt, a)

	case "write_file":
		var a writeFileArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, false, orcherr.Validation("invalid write_file args: %v", err)
		}
		if blocked, reason := isProtected(a.Path, protectedPaths); blocked {
			return map[string]any{"error": reason}, false, nil
		}
		return r.writeFile(ctx, rt, a)

	default:
		return nil, false, orcherr.Validation("unknown tool %q", toolName)
	}
}

func (r *Registry) execShell(ctx context.Context, rt runtime.Runtime, cwd string, a shellExecArgs) (any, bool, error) {
	timeout := a.TimeoutSecs
	if timeout <= 0 {
		timeout = 300
	}
	stream, err := rt.Exec(ctx, a.Command, runtime.ExecOpts{Cwd: cwd, TimeoutSecs: timeout, Niceness: a.Niceness})
	if err != nil {
		metrics.RecordToolCall("shell_exec", "error")
		return nil, false, err
	}
	var stdout, stderr strings.Builder
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(&stdout, stream.Stdout); done <- struct{}{} }()
	go func() { _, _ = io.Copy(&stderr, stream.Stderr); done <- struct{}{} }()
	<-done
	<-done
	result, err := stream.Wait()
	if err != nil {
		metrics.RecordToolCall("shell_exec", "error")
		return nil, false, err
	}
	success := result.Code == 0
	status := "success"
	if !success {
		status = "failure"
	}
	metrics.RecordToolCall("shell_exec", status)
	return map[string]any{
		"exitCode": result.Code,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
	}, success, nil
}

func (r *Registry) readFile(ctx context.Context, rt runtime.Runtime, a readFileArgs) (any, bool, error) {
	rc, err := rt.ReadFile(ctx, a.Path)
	if err != nil {
		metrics.RecordToolCall("read_file", "error")
		return map[string]any{"error": err.Error()}, false, nil
	}
	defer rc.Close()
	var buf strings.Builder
	if _, err := io.Copy(&buf, rc); err != nil {
		metrics.RecordToolCall("read_file", "error")
		return map[string]any{"error": err.Error()}, false, nil
	}
	metrics.RecordToolCall("read_file", "success")
	return map[string]any{"content": buf.String()}, true, nil
}

func (r *Registry) writeFile(ctx context.Context, rt runtime.Runtime, a writeFileArgs) (any, bool, error) {
	sink, err := rt.WriteFile(ctx, a.Path)
	if err != nil {
		metrics.RecordToolCall("write_file", "error")
		return map[string]any{"error": err.Error()}, false, nil
	}
	if _, err := sink.Write([]byte(a.Content)); err != nil {
		_ = sink.Abort(err)
		metrics.RecordToolCall("write_file", "error")
		return map[string]any{"error": err.Error()}, false, nil
	}
	if err := sink.Close(); err != nil {
		metrics.RecordToolCall("write_file", "error")
		return map[string]any{"error": err.Error()}, false, nil
	}
	metrics.RecordToolCall("write_file", "success")
	return map[string]any{"bytesWritten": len(a.Content)}, true, nil
}

// isProtected reports whether path falls under one of the workspace's
// protectedPaths. A guard on tool dispatch, not a sandbox.
func isProtected(path string, protectedPaths []string) (bool, string) {
	for _, p := range protectedPaths {
		if strings.HasPrefix(path, p) {
			return true, fmt.Sprintf("path %q is protected", path)
		}
	}
	return false, ""
}

// schemaObject builds the inline JSON-Schema map the go-sdk's Tool type
// accepts directly.
func schemaObject(props map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Definitions returns the tool metadata surface used to register with
// the mcp go-sdk server. The model provider does not read it:
// internal/agent/external keeps its own copy of the tool list.
func Definitions() []mcpsdk.Tool {
	return []mcpsdk.Tool{
		{
			Name:        "shell_exec",
			Description: "Run a shell command inside the workspace's runtime.",
			InputSchema: schemaObject(map[string]any{
				"command":     map[string]any{"type": "string"},
				"timeoutSecs": map[string]any{"type": "integer"},
			}, []string{"command"}),
		},
		{
			Name:        "read_file",
			Description: "Read a file from the workspace's runtime.",
			InputSchema: schemaObject(map[string]any{
				"path": map[string]any{"type": "string"},
			}, []string{"path"}),
		},
		{
			Name:        "write_file",
			Description: "Atomically write a file in the workspace's runtime.",
			InputSchema: schemaObject(map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, []string{"path", "content"}),
		},
	}
}
