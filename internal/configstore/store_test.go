package configstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/cmux/internal/orcherr"
)

func testWorkspace(id, name, projectPath string) Workspace {
	return Workspace{
		ID:          id,
		Name:        name,
		ProjectPath: projectPath,
		Path:        GetWorkspacePath(projectPath, name),
		CreatedAt:   time.Now(),
		RuntimeConfig: RuntimeConfig{
			Kind: RuntimeLocal,
		},
	}
}

func TestGetWorkspacePath(t *testing.T) {
	tests := []struct {
		projectPath, name, want string
	}{
		{"/repo", "feat", "/repo/feat"},
		{"/repo/", "feat", "/repo/feat"},
		{"/a/b", "x.y-z", "/a/b/x.y-z"},
	}
	for _, tt := range tests {
		if got := GetWorkspacePath(tt.projectPath, tt.name); got != tt.want {
			t.Errorf("GetWorkspacePath(%q, %q) = %q, want %q", tt.projectPath, tt.name, got, tt.want)
		}
	}
}

func TestGenerateStableIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateStableID()
		if id == "" || seen[id] {
			t.Fatalf("GenerateStableID produced empty or duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestAddAndFindWorkspace(t *testing.T) {
	s := New(t.TempDir())
	ws := testWorkspace("id-1", "feat", "/repo")

	if err := s.EnsureProject("/repo"); err != nil {
		t.Fatalf("EnsureProject() error = %v", err)
	}
	if err := s.AddWorkspace(ws); err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}

	found, err := s.FindWorkspace("id-1")
	if err != nil {
		t.Fatalf("FindWorkspace() error = %v", err)
	}
	if found.Name != "feat" || found.ProjectPath != "/repo" || found.Path != "/repo/feat" {
		t.Errorf("FindWorkspace() = %+v", found)
	}
}

func TestAddWorkspaceConflict(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddWorkspace(testWorkspace("id-1", "feat", "/repo")); err != nil {
		t.Fatal(err)
	}
	err := s.AddWorkspace(testWorkspace("id-2", "feat", "/repo"))
	if !orcherr.Is(err, orcherr.KindConflict) {
		t.Errorf("duplicate name error = %v, want conflict kind", err)
	}
}

func TestSameNameDifferentProjects(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddWorkspace(testWorkspace("id-1", "feat", "/repo-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddWorkspace(testWorkspace("id-2", "feat", "/repo-b")); err != nil {
		t.Errorf("same name under a different project should be allowed, got %v", err)
	}
}

func TestRenameWorkspacePreservesID(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddWorkspace(testWorkspace("id-1", "old", "/repo")); err != nil {
		t.Fatal(err)
	}

	if err := s.RenameWorkspace("id-1", "new"); err != nil {
		t.Fatalf("RenameWorkspace() error = %v", err)
	}

	found, err := s.FindWorkspace("id-1")
	if err != nil {
		t.Fatalf("FindWorkspace() after rename error = %v", err)
	}
	if found.Name != "new" {
		t.Errorf("name = %q, want new", found.Name)
	}
	if found.Path != GetWorkspacePath("/repo", "new") {
		t.Errorf("path = %q, want recomputed path", found.Path)
	}
}

func TestRenameWorkspaceCollision(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddWorkspace(testWorkspace("id-1", "a", "/repo")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddWorkspace(testWorkspace("id-2", "b", "/repo")); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameWorkspace("id-1", "b"); !orcherr.Is(err, orcherr.KindConflict) {
		t.Errorf("rename onto existing name error = %v, want conflict kind", err)
	}
}

func TestRenameWorkspaceNotFound(t *testing.T) {
	s := New(t.TempDir())
	if err := s.RenameWorkspace("ghost", "x"); !orcherr.Is(err, orcherr.KindNotFound) {
		t.Errorf("rename of unknown id error = %v, want not-found kind", err)
	}
}

func TestRemoveWorkspaceIdempotent(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddWorkspace(testWorkspace("id-1", "feat", "/repo")); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveWorkspace("id-1"); err != nil {
		t.Fatalf("RemoveWorkspace() error = %v", err)
	}
	if _, err := s.FindWorkspace("id-1"); !orcherr.Is(err, orcherr.KindNotFound) {
		t.Errorf("FindWorkspace() after remove error = %v, want not-found", err)
	}
	if err := s.RemoveWorkspace("id-1"); err != nil {
		t.Errorf("second RemoveWorkspace() error = %v, want idempotent nil", err)
	}
}

func TestGetAllWorkspaceMetadata(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddWorkspace(testWorkspace("id-1", "a", "/repo-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddWorkspace(testWorkspace("id-2", "b", "/repo-b")); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetAllWorkspaceMetadata()
	if err != nil {
		t.Fatalf("GetAllWorkspaceMetadata() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d workspaces, want 2", len(all))
	}
	for _, ws := range all {
		if ws.ProjectPath == "" || ws.Path == "" {
			t.Errorf("materialized workspace missing computed fields: %+v", ws)
		}
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := New(dir)
	if err := first.AddWorkspace(testWorkspace("id-1", "feat", "/repo")); err != nil {
		t.Fatal(err)
	}

	second := New(dir)
	found, err := second.FindWorkspace("id-1")
	if err != nil {
		t.Fatalf("FindWorkspace() from a fresh instance error = %v", err)
	}
	if found.Name != "feat" {
		t.Errorf("name = %q", found.Name)
	}
}

func TestSecretsRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	in := []Secret{{Key: "API_KEY", Value: "s3cret"}}

	if err := s.UpdateProjectSecrets("/repo", in); err != nil {
		t.Fatalf("UpdateProjectSecrets() error = %v", err)
	}
	out, err := s.GetProjectSecrets("/repo")
	if err != nil {
		t.Fatalf("GetProjectSecrets() error = %v", err)
	}
	if len(out) != 1 || out[0].Key != "API_KEY" || out[0].Value != "s3cret" {
		t.Errorf("secrets = %+v", out)
	}

	other, _ := s.GetProjectSecrets("/other")
	if len(other) != 0 {
		t.Errorf("unrelated project has %d secrets", len(other))
	}
}

func TestSecretsFileMode(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.UpdateProjectSecrets("/repo", []Secret{{Key: "K", Value: "V"}}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "secrets.json"))
	if err != nil {
		t.Fatalf("Stat(secrets.json) error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("secrets.json mode = %v, want 0600", info.Mode().Perm())
	}
}
