package configstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coder/cmux/internal/atomicfile"
	"github.com/coder/cmux/internal/orcherr"
)

// Store is the persistent, atomic project/workspace registry and
// per-project secrets store. All registry mutation goes through Edit,
// which serializes read-modify-write cycles; secrets edits hold their own
// lock. Readers load without a lock and see a whole file, since every
// write is an atomic rename.
type Store struct {
	configDir string

	mu   sync.Mutex // serializes Edit (read-modify-write) per process
	smu  sync.Mutex // serializes secrets edits independently
}

func New(configDir string) *Store {
	return &Store{configDir: configDir}
}

func (s *Store) projectsPath() string { return filepath.Join(s.configDir, "projects.json") }
func (s *Store) secretsPath() string  { return filepath.Join(s.configDir, "secrets.json") }

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.projectsPath())
	if os.IsNotExist(err) {
		return &document{Projects: map[string]*projectRecord{}}, nil
	}
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "read projects.json: %v", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "parse projects.json: %v", err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]*projectRecord{}
	}
	return &doc, nil
}

// Edit reads the current document, applies f, and atomically writes the
// result back. Callers never read-then-write outside this helper; it is
// the only shared mutation point.
func (s *Store) Edit(f func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := f(doc); err != nil {
		return err
	}
	return atomicfile.WriteJSON(s.projectsPath(), doc, 0644)
}

// GetWorkspacePath is the canonical project-root + workspace-name join
// every component must agree on: posix join with the trailing slash
// stripped.
func GetWorkspacePath(projectPath, name string) string {
	return strings.TrimRight(filepath.Join(projectPath, name), "/")
}

// GenerateStableID returns a new opaque workspace/project identifier.
func GenerateStableID() string {
	return uuid.NewString()
}

// EnsureProject registers projectPath if it is not already known.
func (s *Store) EnsureProject(projectPath string) error {
	return s.Edit(func(doc *document) error {
		if _, ok := doc.Projects[projectPath]; !ok {
			doc.Projects[projectPath] = &projectRecord{Workspaces: []workspaceRecord{}}
		}
		return nil
	})
}

// ListProjects returns all known project paths.
func (s *Store) ListProjects() ([]string, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc.Projects))
	for p := range doc.Projects {
		out = append(out, p)
	}
	return out, nil
}

// AddWorkspace inserts a new workspace entry under projectPath,
// registering the project first if the document does not have it yet.
func (s *Store) AddWorkspace(ws Workspace) error {
	return s.Edit(func(doc *document) error {
		proj, ok := doc.Projects[ws.ProjectPath]
		if !ok {
			proj = &projectRecord{}
			doc.Projects[ws.ProjectPath] = proj
		}
		for _, existing := range proj.Workspaces {
			if existing.Name == ws.Name {
				return orcherr.Conflict("workspace %q already exists under %s", ws.Name, ws.ProjectPath)
			}
		}
		proj.Workspaces = append(proj.Workspaces, workspaceRecord{
			ID:            ws.ID,
			Name:          ws.Name,
			Path:          ws.Path,
			CreatedAt:     ws.CreatedAt,
			RuntimeConfig: ws.RuntimeConfig,
		})
		return nil
	})
}

// RenameWorkspace updates the name and path of an existing workspace by
// id, preserving the id itself.
func (s *Store) RenameWorkspace(id, newName string) error {
	return s.Edit(func(doc *document) error {
		for projectPath, proj := range doc.Projects {
			for i := range proj.Workspaces {
				if proj.Workspaces[i].ID != id {
					continue
				}
				for j, other := range proj.Workspaces {
					if j != i && other.Name == newName {
						return orcherr.Conflict("workspace %q already exists under %s", newName, projectPath)
					}
				}
				proj.Workspaces[i].Name = newName
				proj.Workspaces[i].Path = GetWorkspacePath(projectPath, newName)
				return nil
			}
		}
		return orcherr.NotFound("workspace %s not found", id)
	})
}

// RemoveWorkspace deletes a workspace entry by id. Not-found is treated
// as idempotent success.
func (s *Store) RemoveWorkspace(id string) error {
	return s.Edit(func(doc *document) error {
		for _, proj := range doc.Projects {
			for i, ws := range proj.Workspaces {
				if ws.ID == id {
					proj.Workspaces = append(proj.Workspaces[:i], proj.Workspaces[i+1:]...)
					return nil
				}
			}
		}
		return nil
	})
}

// GetAllWorkspaceMetadata returns every workspace known to the store —
// the single source of truth for "what workspaces exist".
func (s *Store) GetAllWorkspaceMetadata() ([]Workspace, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Workspace
	for projectPath, proj := range doc.Projects {
		for _, ws := range proj.Workspaces {
			out = append(out, Workspace{
				ID:            ws.ID,
				Name:          ws.Name,
				ProjectPath:   projectPath,
				Path:          ws.Path,
				CreatedAt:     ws.CreatedAt,
				RuntimeConfig: ws.RuntimeConfig,
			})
		}
	}
	return out, nil
}

// FindWorkspace resolves a workspace id to its project and path.
func (s *Store) FindWorkspace(id string) (*Workspace, error) {
	all, err := s.GetAllWorkspaceMetadata()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, orcherr.NotFound("workspace %s not found", id)
}

// --- secrets ---

func (s *Store) loadSecrets() (secretsDocument, error) {
	data, err := os.ReadFile(s.secretsPath())
	if os.IsNotExist(err) {
		return secretsDocument{}, nil
	}
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "read secrets.json: %v", err)
	}
	var doc secretsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "parse secrets.json: %v", err)
	}
	if doc == nil {
		doc = secretsDocument{}
	}
	return doc, nil
}

// GetProjectSecrets returns the secrets registered for projectPath.
func (s *Store) GetProjectSecrets(projectPath string) ([]Secret, error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	doc, err := s.loadSecrets()
	if err != nil {
		return nil, err
	}
	return doc[projectPath], nil
}

// UpdateProjectSecrets overwrites the secret set for projectPath,
// written with 0600 permissions since it holds credential values.
func (s *Store) UpdateProjectSecrets(projectPath string, secrets []Secret) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	doc, err := s.loadSecrets()
	if err != nil {
		return err
	}
	doc[projectPath] = secrets
	return atomicfile.WriteJSON(s.secretsPath(), doc, 0600)
}
