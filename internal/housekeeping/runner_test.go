package housekeeping

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/cmux/internal/agentsession"
	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/configstore"
)

type fakeWorkspaces struct {
	workspaces []configstore.Workspace
	err        error
}

func (f *fakeWorkspaces) GetAllWorkspaceMetadata() ([]configstore.Workspace, error) {
	return f.workspaces, f.err
}

type fakePartials struct {
	partials  map[string]*chatmodel.Message
	committed []string
}

func (f *fakePartials) Read(workspaceID string) (*chatmodel.Message, error) {
	return f.partials[workspaceID], nil
}

func (f *fakePartials) CommitToHistory(workspaceID string) error {
	f.committed = append(f.committed, workspaceID)
	delete(f.partials, workspaceID)
	return nil
}

type fakeActive struct {
	streaming map[string]bool
}

func (f *fakeActive) IsStreaming(workspaceID string) bool {
	return f.streaming[workspaceID]
}

type fakeSessions struct {
	calls []string
}

func (f *fakeSessions) GetOrCreate(workspaceID string) (*agentsession.Session, error) {
	f.calls = append(f.calls, workspaceID)
	return nil, nil
}

func TestSweepPartialsRecoversOnlyIdleWorkspaces(t *testing.T) {
	workspaces := &fakeWorkspaces{workspaces: []configstore.Workspace{{ID: "ws-1"}, {ID: "ws-2"}, {ID: "ws-3"}}}
	partials := &fakePartials{partials: map[string]*chatmodel.Message{
		"ws-1": {ID: "m1"},
		"ws-2": {ID: "m2"},
	}}
	active := &fakeActive{streaming: map[string]bool{"ws-2": true}}

	r := NewRunner(workspaces, partials, active, &fakeSessions{}, NewStore(t.TempDir()), "")
	r.sweepPartials()

	if len(partials.committed) != 1 || partials.committed[0] != "ws-1" {
		t.Fatalf("committed = %v, want [ws-1]", partials.committed)
	}
	if _, ok := partials.partials["ws-2"]; !ok {
		t.Fatal("ws-2's partial should be left alone while it is streaming")
	}
}

func TestReapControlSocketsRemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	stale := filepath.Join(os.TempDir(), "cmux-ssh-stale")
	fresh := filepath.Join(os.TempDir(), "cmux-ssh-fresh")
	if err := os.WriteFile(stale, []byte{}, 0644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if err := os.WriteFile(fresh, []byte{}, 0644); err != nil {
		t.Fatalf("write fresh: %v", err)
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	r := NewRunner(&fakeWorkspaces{}, &fakePartials{partials: map[string]*chatmodel.Message{}}, &fakeActive{}, &fakeSessions{}, NewStore(t.TempDir()), "")
	r.reapControlSockets()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale control socket should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh control socket should not have been removed")
	}
}

func TestReapOrphanedTmpFilesRemovesOnlyStaleStagingFiles(t *testing.T) {
	dataDir := t.TempDir()
	stale := filepath.Join(dataDir, "workspace-1", "history.jsonl.tmp.111")
	fresh := filepath.Join(dataDir, "workspace-1", "history.jsonl.tmp.222")
	real := filepath.Join(dataDir, "workspace-1", "history.jsonl")

	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, p := range []string{stale, fresh, real} {
		if err := os.WriteFile(p, []byte("{}"), 0644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	r := NewRunner(&fakeWorkspaces{}, &fakePartials{partials: map[string]*chatmodel.Message{}}, &fakeActive{}, &fakeSessions{}, NewStore(t.TempDir()), dataDir)
	r.reapOrphanedTmpFiles()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale tmp staging file should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh tmp staging file should not have been removed")
	}
	if _, err := os.Stat(real); err != nil {
		t.Fatal("the real history file should never be touched")
	}
}

func TestFirePromptSkipsUnknownOrDisabled(t *testing.T) {
	promptStore := NewStore(t.TempDir())
	disabled, err := promptStore.Create(ScheduledPrompt{WorkspaceID: "ws-1", CronExpr: "0 9 * * *", Prompt: "hi", Enabled: false})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sessions := &fakeSessions{}
	r := NewRunner(&fakeWorkspaces{}, &fakePartials{partials: map[string]*chatmodel.Message{}}, &fakeActive{}, sessions, promptStore, "")

	r.firePrompt("does-not-exist")
	r.firePrompt(disabled.ID)

	if len(sessions.calls) != 0 {
		t.Fatalf("expected no session lookups, got %v", sessions.calls)
	}
}

func TestRescheduleAndUnschedule(t *testing.T) {
	promptStore := NewStore(t.TempDir())
	r := NewRunner(&fakeWorkspaces{}, &fakePartials{partials: map[string]*chatmodel.Message{}}, &fakeActive{}, &fakeSessions{}, promptStore, "")

	p, err := promptStore.Create(ScheduledPrompt{WorkspaceID: "ws-1", CronExpr: "0 9 * * *", Prompt: "hi", Enabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Reschedule(p)
	if _, ok := r.promptEntries[p.ID]; !ok {
		t.Fatal("expected a cron entry after Reschedule of an enabled prompt")
	}

	r.Unschedule(p.ID)
	if _, ok := r.promptEntries[p.ID]; ok {
		t.Fatal("expected the cron entry to be removed after Unschedule")
	}
}
