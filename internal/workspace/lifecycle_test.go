package workspace

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/orcherr"
	"github.com/coder/cmux/internal/runtime"
)

// fakeRuntime implements runtime.Runtime with just enough behavior for
// lifecycle tests to drive create/rename/delete without touching a real
// filesystem or git binary.
type fakeRuntime struct {
	createErr    error
	initErr      error
	initHookExit *int
	renameErr    error
	deleteErr    error

	created []string
	renamed []string
	deleted []string
}

func (f *fakeRuntime) Exec(ctx context.Context, cmd string, opts runtime.ExecOpts) (*runtime.ExecStream, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) WriteFile(ctx context.Context, path string) (runtime.WriteSink, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) Stat(ctx context.Context, path string) (runtime.StatInfo, error) {
	return runtime.StatInfo{}, errors.New("not implemented")
}

func (f *fakeRuntime) CreateWorkspace(ctx context.Context, params runtime.CreateWorkspaceParams) (runtime.CreateWorkspaceResult, error) {
	if f.createErr != nil {
		return runtime.CreateWorkspaceResult{}, f.createErr
	}
	f.created = append(f.created, params.Name)
	return runtime.CreateWorkspaceResult{WorkspacePath: params.WorkspacePath}, nil
}

func (f *fakeRuntime) InitWorkspace(ctx context.Context, params runtime.InitWorkspaceParams, logger runtime.InitLogger) error {
	if f.initErr != nil {
		return f.initErr
	}
	if f.initHookExit != nil {
		logger.LogStep("running init hook")
		logger.LogStdout("hook line")
		logger.LogComplete(*f.initHookExit)
	} else {
		logger.LogComplete(0)
	}
	return nil
}

func (f *fakeRuntime) RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renamed = append(f.renamed, oldName+"->"+newName)
	return nil
}

func (f *fakeRuntime) DeleteWorkspace(ctx context.Context, projectPath, name string, force bool) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

type fakeResolver struct {
	rt *fakeRuntime
}

func (r *fakeResolver) Resolve(cfg configstore.RuntimeConfig) (runtime.Runtime, error) {
	return r.rt, nil
}

type fakeSessions struct {
	streaming map[string]bool
	disposed  []string
}

func (f *fakeSessions) IsStreaming(workspaceID string) bool { return f.streaming[workspaceID] }
func (f *fakeSessions) Dispose(workspaceID string)          { f.disposed = append(f.disposed, workspaceID) }

func newTestLifecycle(t *testing.T, rt *fakeRuntime, sessions *fakeSessions) (*Lifecycle, *configstore.Store) {
	lc, store, _ := newTestLifecycleWithHub(t, rt, sessions)
	return lc, store
}

func newTestLifecycleWithHub(t *testing.T, rt *fakeRuntime, sessions *fakeSessions) (*Lifecycle, *configstore.Store, *hub.Hub) {
	t.Helper()
	store := configstore.New(t.TempDir())
	hb := hub.New()
	lc := New(store, &fakeResolver{rt: rt}, sessions, hb)
	return lc, store, hb
}

func TestLifecycleCreate(t *testing.T) {
	rt := &fakeRuntime{}
	lc, store := newTestLifecycle(t, rt, &fakeSessions{streaming: map[string]bool{}})

	ws, err := lc.Create(context.Background(), CreateParams{
		ProjectPath: "/repo",
		Name:        "feature-x",
		Trunk:       "main",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ws.ID == "" {
		t.Error("Create() returned empty workspace id")
	}
	if len(rt.created) != 1 || rt.created[0] != "feature-x" {
		t.Errorf("Runtime.CreateWorkspace not called as expected: %v", rt.created)
	}

	found, err := store.FindWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("FindWorkspace() error = %v", err)
	}
	if found.Name != "feature-x" {
		t.Errorf("stored workspace name = %q, want feature-x", found.Name)
	}
}

func TestLifecycleCreateInvalidName(t *testing.T) {
	rt := &fakeRuntime{}
	lc, _ := newTestLifecycle(t, rt, &fakeSessions{streaming: map[string]bool{}})

	_, err := lc.Create(context.Background(), CreateParams{
		ProjectPath: "/repo",
		Name:        ".hidden",
		Trunk:       "main",
	})
	if !orcherr.Is(err, orcherr.KindValidation) {
		t.Fatalf("Create() with invalid name error = %v, want validation kind", err)
	}
	if len(rt.created) != 0 {
		t.Error("Runtime.CreateWorkspace should not be called when validation fails")
	}
}

func TestLifecycleCreateRollsBackOnConfigStoreConflict(t *testing.T) {
	rt := &fakeRuntime{}
	lc, store := newTestLifecycle(t, rt, &fakeSessions{streaming: map[string]bool{}})

	if _, err := lc.Create(context.Background(), CreateParams{ProjectPath: "/repo", Name: "dup", Trunk: "main"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err := lc.Create(context.Background(), CreateParams{ProjectPath: "/repo", Name: "dup", Trunk: "main"})
	if err == nil {
		t.Fatal("second Create() with duplicate name expected an error")
	}
	if len(rt.created) != 2 {
		t.Fatalf("expected Runtime.CreateWorkspace called twice (second rolled back), got %d", len(rt.created))
	}
	if len(rt.deleted) != 1 {
		t.Errorf("expected rollback DeleteWorkspace call, got %d deletes", len(rt.deleted))
	}

	all, err := store.GetAllWorkspaceMetadata()
	if err != nil {
		t.Fatalf("GetAllWorkspaceMetadata() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one stored workspace after rollback, got %d", len(all))
	}
}

func TestLifecycleCreateRuntimeFailureNeverTouchesConfigStore(t *testing.T) {
	rt := &fakeRuntime{createErr: errors.New("boom")}
	lc, store := newTestLifecycle(t, rt, &fakeSessions{streaming: map[string]bool{}})

	_, err := lc.Create(context.Background(), CreateParams{ProjectPath: "/repo", Name: "feature-x", Trunk: "main"})
	if err == nil {
		t.Fatal("expected error from failing Runtime.CreateWorkspace")
	}
	all, err := store.GetAllWorkspaceMetadata()
	if err != nil {
		t.Fatalf("GetAllWorkspaceMetadata() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("ConfigStore should be untouched on Runtime failure, got %d entries", len(all))
	}
}

func TestLifecycleRename(t *testing.T) {
	rt := &fakeRuntime{}
	sessions := &fakeSessions{streaming: map[string]bool{}}
	lc, store := newTestLifecycle(t, rt, sessions)

	ws, err := lc.Create(context.Background(), CreateParams{ProjectPath: "/repo", Name: "old-name", Trunk: "main"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := lc.Rename(context.Background(), ws.ID, "new-name")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if updated.ID != ws.ID {
		t.Errorf("Rename() changed workspace id: %s -> %s", ws.ID, updated.ID)
	}
	if updated.Name != "new-name" {
		t.Errorf("Rename() name = %q, want new-name", updated.Name)
	}

	found, err := store.FindWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("FindWorkspace() error = %v", err)
	}
	if found.Name != "new-name" {
		t.Errorf("stored workspace name after rename = %q, want new-name", found.Name)
	}
}

func TestLifecycleRenameRejectedWhileStreaming(t *testing.T) {
	rt := &fakeRuntime{}
	sessions := &fakeSessions{streaming: map[string]bool{}}
	lc, _ := newTestLifecycle(t, rt, sessions)

	ws, err := lc.Create(context.Background(), CreateParams{ProjectPath: "/repo", Name: "busy-ws", Trunk: "main"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	sessions.streaming[ws.ID] = true

	_, err = lc.Rename(context.Background(), ws.ID, "renamed")
	if !orcherr.Is(err, orcherr.KindBusy) {
		t.Fatalf("Rename() while streaming error = %v, want busy kind", err)
	}
	if len(rt.renamed) != 0 {
		t.Error("Runtime.RenameWorkspace should not be called while streaming")
	}
}

func TestLifecycleDelete(t *testing.T) {
	rt := &fakeRuntime{}
	sessions := &fakeSessions{streaming: map[string]bool{}}
	lc, store := newTestLifecycle(t, rt, sessions)

	ws, err := lc.Create(context.Background(), CreateParams{ProjectPath: "/repo", Name: "to-delete", Trunk: "main"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := lc.Delete(context.Background(), ws.ID, false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(sessions.disposed) != 1 || sessions.disposed[0] != ws.ID {
		t.Errorf("Dispose not called with workspace id: %v", sessions.disposed)
	}
	if _, err := store.FindWorkspace(ws.ID); !orcherr.Is(err, orcherr.KindNotFound) {
		t.Errorf("FindWorkspace() after delete error = %v, want not-found", err)
	}
}

func TestLifecycleDeleteIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	lc, _ := newTestLifecycle(t, rt, &fakeSessions{streaming: map[string]bool{}})

	if err := lc.Delete(context.Background(), "does-not-exist", false); err != nil {
		t.Fatalf("Delete() of unknown workspace should be idempotent, got error = %v", err)
	}
}

func TestLifecycleCreateBroadcastsInitHookLifecycle(t *testing.T) {
	exit := 2
	rt := &fakeRuntime{initHookExit: &exit}
	sessions := &fakeSessions{streaming: map[string]bool{}}
	lc, _, hb := newTestLifecycleWithHub(t, rt, sessions)

	ws, err := lc.Create(context.Background(), CreateParams{
		ProjectPath:     "/repo",
		Name:            "hooked",
		Trunk:           "main",
		InitHookRelPath: ".cmux/init",
	})
	if err != nil {
		t.Fatalf("Create() with failing init hook should still succeed, got %v", err)
	}

	_, backlog, err := hb.SubscribeChat(ws.ID, -1)
	if err != nil {
		t.Fatalf("SubscribeChat() error = %v", err)
	}
	var types []chatmodel.StreamEventType
	var exitCode *int
	for _, ev := range backlog {
		se, ok := ev.(chatmodel.StreamEvent)
		if !ok {
			continue
		}
		types = append(types, se.Type)
		if se.Type == chatmodel.EventInitEnd {
			exitCode = se.ExitCode
		}
	}
	if len(types) < 3 || types[0] != chatmodel.EventInitStart || types[len(types)-1] != chatmodel.EventInitEnd {
		t.Fatalf("init event sequence = %v, want init-start ... init-end", types)
	}
	if exitCode == nil || *exitCode != 2 {
		t.Errorf("init-end exit code = %v, want 2", exitCode)
	}
}

func TestLifecycleDeleteProceedsOnNotAWorkingTree(t *testing.T) {
	rt := &fakeRuntime{deleteErr: errors.New("fatal: 'x' is not a working tree")}
	sessions := &fakeSessions{streaming: map[string]bool{}}
	lc, store := newTestLifecycle(t, rt, sessions)

	// Bypass Create (which would use the same failing Runtime) by
	// inserting the entry directly through ConfigStore.
	ws := configstore.Workspace{
		ID:          "ws-1",
		Name:        "stale",
		ProjectPath: "/repo",
		Path:        "/repo/stale",
		CreatedAt:   time.Now(),
	}
	if err := store.EnsureProject(ws.ProjectPath); err != nil {
		t.Fatalf("EnsureProject() error = %v", err)
	}
	if err := store.AddWorkspace(ws); err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}

	if err := lc.Delete(context.Background(), ws.ID, false); err != nil {
		t.Fatalf("Delete() with not-a-working-tree error should be tolerated, got %v", err)
	}
	if len(sessions.disposed) != 1 {
		t.Error("expected Dispose to still run after the tolerated not-a-working-tree error")
	}
}
