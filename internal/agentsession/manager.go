package agentsession

import (
	"sync"

	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/expander"
	"github.com/coder/cmux/internal/history"
	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/logger"
	"github.com/coder/cmux/internal/modelstream"
	"github.com/coder/cmux/internal/partial"
)

// Factory resolves the per-workspace collaborators a new Session needs:
// the project path (for metrics labels), the ModelStream to drive, and
// the ToolDispatcher bound to that workspace's Runtime.
type Factory func(workspaceID string) (projectPath string, model modelstream.ModelStream, toolDispatcher modelstream.ToolDispatcher, err error)

// Manager owns the set of live AgentSessions, lazily creating one per
// workspace on first use and disposing it on workspace deletion. Every
// workspace has at most one session by construction.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	factory  Factory
	history  *history.Store
	partial  *partial.Store
	hub      *hub.Hub
	expander *expander.Expander
}

func NewManager(factory Factory, h *history.Store, p *partial.Store, hb *hub.Hub) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
		history:  h,
		partial:  p,
		hub:      hb,
		expander: expander.New(func(t chatmodel.StreamEventType) {
			logger.Error("session: unrecognized stream event type %q", t)
		}),
	}
}

// GetOrCreate returns the Session for workspaceID, creating it lazily.
func (m *Manager) GetOrCreate(workspaceID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[workspaceID]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[workspaceID]; ok {
		return sess, nil
	}
	projectPath, model, dispatcher, err := m.factory(workspaceID)
	if err != nil {
		return nil, err
	}
	sess = newSession(workspaceID, projectPath, model, dispatcher, m.history, m.partial, m.hub, m.expander)
	m.sessions[workspaceID] = sess
	return sess, nil
}

// Get returns the Session for workspaceID if one already exists.
func (m *Manager) Get(workspaceID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[workspaceID]
	return sess, ok
}

// IsStreaming implements history.ActiveStreamChecker.
func (m *Manager) IsStreaming(workspaceID string) bool {
	sess, ok := m.Get(workspaceID)
	if !ok {
		return false
	}
	return sess.IsStreaming()
}

// Dispose interrupts (if live) and discards the Session for workspaceID,
// called from workspace.Lifecycle.Delete.
func (m *Manager) Dispose(workspaceID string) {
	m.mu.Lock()
	sess, ok := m.sessions[workspaceID]
	delete(m.sessions, workspaceID)
	m.mu.Unlock()

	if ok {
		_ = sess.InterruptStream()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveChecker breaks the construction cycle between history.Store
// (which needs an ActiveStreamChecker at construction) and Manager
// (which needs that same history.Store): construct one of these first,
// pass it to history.New, then Bind the real Manager once it exists.
type ActiveChecker struct {
	mgr *Manager
}

func (c *ActiveChecker) Bind(m *Manager) { c.mgr = m }

func (c *ActiveChecker) IsStreaming(workspaceID string) bool {
	if c.mgr == nil {
		return false
	}
	return c.mgr.IsStreaming(workspaceID)
}
