package toolreg

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterWithMCPServer wires the fixed tool surface into server as
// real MCP tools, closing over workspaceID so every call this server
// receives dispatches against the same workspace's Runtime — one
// mcpsdk.Server per workspace, routed by tool name alone.
func (r *Registry) RegisterWithMCPServer(server *mcpsdk.Server, workspaceID string) {
	for _, def := range Definitions() {
		def := def
		handler := func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, success, err := r.Dispatch(ctx, workspaceID, def.Name, args)
			if err != nil {
				return errorResult(err.Error()), nil
			}
			return jsonResult(result, !success), nil
		}
		server.AddTool(&def, handler)
	}
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}

func jsonResult(v any, isError bool) *mcpsdk.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error())
	}
	return &mcpsdk.CallToolResult{
		IsError: isError,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
	}
}
