package transport

import (
	"net/http"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coder/cmux/internal/toolreg"
)

// mcpSurface exposes each workspace's fixed tool surface as an MCP
// server at /mcp/workspace/<id>, for editor integrations that speak MCP
// instead of the IPC channels. One mcpsdk.Server is built lazily per
// workspace and reused across connections.
type mcpSurface struct {
	registry *toolreg.Registry

	mu      sync.Mutex
	servers map[string]*mcpsdk.Server
}

// EnableMCP switches on the /mcp/workspace/<id> surface backed by reg.
// Must be called before Serve.
func (s *Server) EnableMCP(reg *toolreg.Registry) {
	s.mcp = &mcpSurface{registry: reg, servers: map[string]*mcpsdk.Server{}}
}

func (m *mcpSurface) serverFor(workspaceID string) *mcpsdk.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[workspaceID]; ok {
		return srv
	}
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "cmux",
		Version: "0.1.0",
	}, nil)
	m.registry.RegisterWithMCPServer(srv, workspaceID)
	m.servers[workspaceID] = srv
	return srv
}

// handler builds the streamable-HTTP handler routing each request to
// its workspace's MCP server by path.
func (m *mcpSurface) handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(req *http.Request) *mcpsdk.Server {
		id := workspaceIDFromPath(req.URL.Path)
		if id == "" {
			return nil
		}
		return m.serverFor(id)
	}, &mcpsdk.StreamableHTTPOptions{
		EventStore: mcpsdk.NewMemoryEventStore(nil),
	})
}

// workspaceIDFromPath extracts <id> from /mcp/workspace/<id>[/...].
func workspaceIDFromPath(path string) string {
	const prefix = "/mcp/workspace/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
