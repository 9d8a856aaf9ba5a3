package housekeeping

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"encoding/json"

	"github.com/google/uuid"

	"github.com/coder/cmux/internal/atomicfile"
)

var ErrPromptNotFound = errors.New("scheduled prompt not found")

// Store persists ScheduledPrompts in a single JSON document beside
// ConfigStore's own projects.json/secrets.json, the same
// load-mutate-atomicfile.Write shape as internal/configstore.Store, kept
// independent of it since a scheduled prompt is not project/workspace
// metadata.
type Store struct {
	path string
	mu   sync.Mutex
}

type document struct {
	Prompts map[string]ScheduledPrompt `json:"prompts"`
}

func NewStore(configDir string) *Store {
	return &Store{path: filepath.Join(configDir, "scheduled_prompts.json")}
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &document{Prompts: map[string]ScheduledPrompt{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Prompts == nil {
		doc.Prompts = map[string]ScheduledPrompt{}
	}
	return &doc, nil
}

func (s *Store) edit(f func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := f(doc); err != nil {
		return err
	}
	return atomicfile.WriteJSON(s.path, doc, 0644)
}

// Create persists a new ScheduledPrompt and returns it with its
// generated ID and timestamps set.
func (s *Store) Create(p ScheduledPrompt) (ScheduledPrompt, error) {
	if err := ValidateCron(p.CronExpr); err != nil {
		return ScheduledPrompt{}, err
	}
	now := time.Now()
	p.ID = "schedprompt_" + uuid.New().String()[:8]
	p.CreatedAt = now
	p.UpdatedAt = now
	err := s.edit(func(doc *document) error {
		doc.Prompts[p.ID] = p
		return nil
	})
	return p, err
}

// List returns every ScheduledPrompt known to the store.
func (s *Store) List() ([]ScheduledPrompt, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]ScheduledPrompt, 0, len(doc.Prompts))
	for _, p := range doc.Prompts {
		out = append(out, p)
	}
	return out, nil
}

// Update applies a partial update to the prompt identified by id.
func (s *Store) Update(id string, update ScheduledPromptUpdate) (ScheduledPrompt, error) {
	var result ScheduledPrompt
	err := s.edit(func(doc *document) error {
		p, ok := doc.Prompts[id]
		if !ok {
			return ErrPromptNotFound
		}
		if update.CronExpr != nil {
			if err := ValidateCron(*update.CronExpr); err != nil {
				return err
			}
			p.CronExpr = *update.CronExpr
		}
		if update.Prompt != nil {
			p.Prompt = *update.Prompt
		}
		if update.Enabled != nil {
			p.Enabled = *update.Enabled
		}
		p.UpdatedAt = time.Now()
		doc.Prompts[id] = p
		result = p
		return nil
	})
	return result, err
}

// Delete removes a ScheduledPrompt. Idempotent when id is already gone.
func (s *Store) Delete(id string) error {
	return s.edit(func(doc *document) error {
		delete(doc.Prompts, id)
		return nil
	})
}

// markRun stamps LastRunAt after the runner fires a prompt.
func (s *Store) markRun(id string, at time.Time) error {
	return s.edit(func(doc *document) error {
		p, ok := doc.Prompts[id]
		if !ok {
			return nil
		}
		p.LastRunAt = &at
		doc.Prompts[id] = p
		return nil
	})
}
