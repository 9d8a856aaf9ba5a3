// Package workspace orchestrates create/rename/delete across Runtime,
// ConfigStore and AgentSession teardown. ConfigStore is only mutated
// after the physical operation succeeds, so a Runtime failure never
// leaves a registered-but-missing workspace behind.
package workspace

import (
	"context"
	"strings"
	"time"

	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/orcherr"
	"github.com/coder/cmux/internal/runtime"
	"github.com/coder/cmux/internal/validation"
)

// SessionDisposer is the subset of agentsession.Manager that
// WorkspaceLifecycle.rename/delete need (the busy-check of step 1 and
// the teardown of delete's step 3). Kept as a narrow interface so this
// package never imports agentsession directly — agentsession already
// imports history/partial/hub, and workspace must not become a
// dependency of those.
type SessionDisposer interface {
	IsStreaming(workspaceID string) bool
	Dispose(workspaceID string)
}

// RuntimeResolver resolves the runtime.Runtime to use for a given
// workspace's runtimeConfig (local or SSH), since the concrete Runtime
// implementation depends on config only known at call time.
type RuntimeResolver interface {
	Resolve(cfg configstore.RuntimeConfig) (runtime.Runtime, error)
}

// Lifecycle owns create/rename/delete for workspaces, the single writer
// of ConfigStore's workspace entries and the only caller of
// SessionDisposer.Dispose.
type Lifecycle struct {
	store    *configstore.Store
	runtimes RuntimeResolver
	sessions SessionDisposer
	hub      *hub.Hub
}

func New(store *configstore.Store, runtimes RuntimeResolver, sessions SessionDisposer, hb *hub.Hub) *Lifecycle {
	return &Lifecycle{store: store, runtimes: runtimes, sessions: sessions, hub: hb}
}

// CreateParams collects WorkspaceLifecycle.create's arguments (spec
// §4.8).
type CreateParams struct {
	ProjectPath   string
	Name          string
	Trunk         string
	RuntimeConfig configstore.RuntimeConfig
	// InitHookRelPath is the project-relative init-hook path, run after
	// physical creation if present (conventionally ".cmux/init").
	InitHookRelPath string
	InitLogger      runtime.InitLogger
}

// Create validates, generates an id, delegates physical creation to
// Runtime, and only on success records the entry in ConfigStore. A
// Runtime failure rolls back without ever touching ConfigStore.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (configstore.Workspace, error) {
	if err := validation.ValidateProjectPath(p.ProjectPath); err != nil {
		return configstore.Workspace{}, orcherr.Validation("%v", err)
	}
	if err := validation.ValidateWorkspaceName(p.Name); err != nil {
		return configstore.Workspace{}, orcherr.Validation("%v", err)
	}
	if err := validation.ValidateTrunk(p.Trunk); err != nil {
		return configstore.Workspace{}, orcherr.Validation("%v", err)
	}

	rt, err := l.runtimes.Resolve(p.RuntimeConfig)
	if err != nil {
		return configstore.Workspace{}, err
	}

	id := configstore.GenerateStableID()
	workspacePath := configstore.GetWorkspacePath(p.ProjectPath, p.Name)

	createResult, err := rt.CreateWorkspace(ctx, runtime.CreateWorkspaceParams{
		ProjectPath:   p.ProjectPath,
		Name:          p.Name,
		Trunk:         p.Trunk,
		WorkspacePath: workspacePath,
	})
	if err != nil {
		// Rollback: physical creation failed, ConfigStore was never
		// touched, nothing to undo there.
		return configstore.Workspace{}, orcherr.Runtime(orcherr.RuntimeExec, err, "create workspace %s: %v", p.Name, err)
	}

	if p.InitHookRelPath != "" {
		initLog := &broadcastInitLogger{hub: l.hub, workspaceID: id, inner: p.InitLogger}
		if err := rt.InitWorkspace(ctx, runtime.InitWorkspaceParams{
			ProjectPath:   p.ProjectPath,
			WorkspacePath: createResult.WorkspacePath,
			Trunk:         p.Trunk,
			HookRelPath:   p.InitHookRelPath,
		}, initLog); err != nil {
			// An InitWorkspace error also rolls back the physical
			// directory; ConfigStore still untouched. A failing hook is
			// not such an error: it is reported through initLog only.
			_ = rt.DeleteWorkspace(ctx, p.ProjectPath, p.Name, true)
			return configstore.Workspace{}, orcherr.Runtime(orcherr.RuntimeExec, err, "init workspace %s: %v", p.Name, err)
		}
	}

	ws := configstore.Workspace{
		ID:            id,
		Name:          p.Name,
		ProjectPath:   p.ProjectPath,
		Path:          createResult.WorkspacePath,
		CreatedAt:     time.Now(),
		RuntimeConfig: p.RuntimeConfig,
	}
	if err := l.store.EnsureProject(p.ProjectPath); err != nil {
		return configstore.Workspace{}, err
	}
	if err := l.store.AddWorkspace(ws); err != nil {
		// ConfigStore rejected the entry (e.g. name collision raced us):
		// undo the physical directory we just created.
		_ = rt.DeleteWorkspace(ctx, p.ProjectPath, p.Name, true)
		return configstore.Workspace{}, err
	}

	l.hub.PublishMetadata(ws)
	return ws, nil
}

// broadcastInitLogger mirrors init-hook lifecycle lines onto the new
// workspace's chat channel as init-start/init-output/init-end events, so
// a subscriber watching the workspace sees hook progress the same way it
// sees stream tokens. The wrapped logger still receives everything.
type broadcastInitLogger struct {
	hub         *hub.Hub
	workspaceID string
	inner       runtime.InitLogger
	started     bool
}

func (b *broadcastInitLogger) publish(ev chatmodel.StreamEvent) {
	if !b.started {
		b.started = true
		b.hub.PublishChat(b.workspaceID, chatmodel.StreamEvent{Type: chatmodel.EventInitStart})
	}
	b.hub.PublishChat(b.workspaceID, ev)
}

func (b *broadcastInitLogger) LogStep(msg string) {
	b.publish(chatmodel.StreamEvent{Type: chatmodel.EventInitOutput, InitLine: msg})
	if b.inner != nil {
		b.inner.LogStep(msg)
	}
}

func (b *broadcastInitLogger) LogStdout(line string) {
	b.publish(chatmodel.StreamEvent{Type: chatmodel.EventInitOutput, InitLine: line})
	if b.inner != nil {
		b.inner.LogStdout(line)
	}
}

func (b *broadcastInitLogger) LogStderr(line string) {
	b.publish(chatmodel.StreamEvent{Type: chatmodel.EventInitOutput, InitLine: line})
	if b.inner != nil {
		b.inner.LogStderr(line)
	}
}

func (b *broadcastInitLogger) LogComplete(exitCode int) {
	code := exitCode
	b.publish(chatmodel.StreamEvent{Type: chatmodel.EventInitEnd, ExitCode: &code})
	if b.inner != nil {
		b.inner.LogComplete(exitCode)
	}
}

// Rename rejects while streaming, validates
// the new name, delegate the physical rename to Runtime, then update
// ConfigStore. The workspace id never changes.
func (l *Lifecycle) Rename(ctx context.Context, id, newName string) (configstore.Workspace, error) {
	if l.sessions != nil && l.sessions.IsStreaming(id) {
		return configstore.Workspace{}, orcherr.Busy("cannot rename workspace %s while a stream is active", id)
	}
	if err := validation.ValidateWorkspaceName(newName); err != nil {
		return configstore.Workspace{}, orcherr.Validation("%v", err)
	}

	ws, err := l.store.FindWorkspace(id)
	if err != nil {
		return configstore.Workspace{}, err
	}
	if ws.Name == newName {
		return *ws, nil
	}

	rt, err := l.runtimes.Resolve(ws.RuntimeConfig)
	if err != nil {
		return configstore.Workspace{}, err
	}
	if err := rt.RenameWorkspace(ctx, ws.ProjectPath, ws.Name, newName); err != nil {
		return configstore.Workspace{}, orcherr.Runtime(orcherr.RuntimeExec, err, "rename workspace %s: %v", id, err)
	}

	if err := l.store.RenameWorkspace(id, newName); err != nil {
		return configstore.Workspace{}, err
	}

	updated, err := l.store.FindWorkspace(id)
	if err != nil {
		return configstore.Workspace{}, err
	}
	l.hub.PublishMetadata(*updated)
	return *updated, nil
}

// Delete performs physical removal via Runtime.DeleteWorkspace (force
// passed through), then AgentSession disposal, then the ConfigStore
// entry removal. Removal is synchronous: the directory is not renamed
// first and no part of the removal runs in the background. A "not a
// working tree" error from the runtime is tolerated.
func (l *Lifecycle) Delete(ctx context.Context, id string, force bool) error {
	ws, err := l.store.FindWorkspace(id)
	if err != nil {
		if orcherr.Is(err, orcherr.KindNotFound) {
			// Idempotent delete: already gone.
			return nil
		}
		return err
	}

	rt, err := l.runtimes.Resolve(ws.RuntimeConfig)
	if err != nil {
		return err
	}

	if err := rt.DeleteWorkspace(ctx, ws.ProjectPath, ws.Name, force); err != nil {
		if !isNotAWorkingTree(err) {
			return orcherr.Runtime(orcherr.RuntimeExec, err, "delete workspace %s: %v", id, err)
		}
		// "not a working tree": the directory is already gone or was
		// never a worktree (e.g. manual cleanup); proceed without pruning
		// here (Local.DeleteWorkspace prunes on this error itself) — this
		// is the expected recovery path, not a fresh error.
	}

	if l.sessions != nil {
		l.sessions.Dispose(id)
	}

	if err := l.store.RemoveWorkspace(id); err != nil {
		return err
	}

	l.hub.PublishMetadata(nil)
	return nil
}

// isNotAWorkingTree recognizes git's "not a working tree" / "is not a
// git repository" error text, which Delete tolerates and proceeds past.
func isNotAWorkingTree(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a working tree") || strings.Contains(msg, "is not a git repository")
}
