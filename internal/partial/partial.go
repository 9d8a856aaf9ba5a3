// Package partial stages at most one in-flight assistant message per
// workspace, written atomically on every delta and committed to history
// on interrupt so an interrupted turn is never lost.
package partial

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coder/cmux/internal/atomicfile"
	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/history"
	"github.com/coder/cmux/internal/keylock"
	"github.com/coder/cmux/internal/orcherr"
)

type Store struct {
	baseDir string
	locks   keylock.Map
	history *history.Store
}

func New(baseDir string, history *history.Store) *Store {
	return &Store{baseDir: baseDir, history: history}
}

func (s *Store) path(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID, "partial.json")
}

// Write overwrites the in-flight message for workspaceID atomically.
func (s *Store) Write(workspaceID string, msg chatmodel.Message) error {
	msg.Metadata.Partial = true
	return s.locks.WithLock(workspaceID, func() error {
		return atomicfile.WriteJSON(s.path(workspaceID), msg, 0644)
	})
}

// Read returns the in-flight message for workspaceID, or nil if there is
// none.
func (s *Store) Read(workspaceID string) (*chatmodel.Message, error) {
	var result *chatmodel.Message
	err := s.locks.WithRLock(workspaceID, func() error {
		msg, err := s.readLocked(workspaceID)
		result = msg
		return err
	})
	return result, err
}

func (s *Store) readLocked(workspaceID string) (*chatmodel.Message, error) {
	data, err := os.ReadFile(s.path(workspaceID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "read partial: %v", err)
	}
	var msg chatmodel.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "parse partial: %v", err)
	}
	return &msg, nil
}

// CommitToHistory appends the partial (retaining metadata.partial=true)
// to History and deletes it. Idempotent when no partial exists. Called
// before any new stream begins so an interrupted turn is never lost from
// the model's context.
func (s *Store) CommitToHistory(workspaceID string) error {
	return s.locks.WithLock(workspaceID, func() error {
		msg, err := s.readLocked(workspaceID)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		if _, err := s.history.Append(workspaceID, *msg); err != nil {
			return err
		}
		return s.deleteLocked(workspaceID)
	})
}

// Delete removes the in-flight message without committing it (used on
// workspace deletion).
func (s *Store) Delete(workspaceID string) error {
	return s.locks.WithLock(workspaceID, func() error {
		return s.deleteLocked(workspaceID)
	})
}

func (s *Store) deleteLocked(workspaceID string) error {
	err := os.Remove(s.path(workspaceID))
	if err != nil && !os.IsNotExist(err) {
		return orcherr.Runtime(orcherr.RuntimeFileIO, err, "delete partial: %v", err)
	}
	return nil
}
