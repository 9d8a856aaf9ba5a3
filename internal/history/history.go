// Package history implements the per-workspace append-only chat log:
// one chat.jsonl per workspace under the sessions directory, with
// monotonic sequence numbers assigned on append.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coder/cmux/internal/atomicfile"
	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/keylock"
	"github.com/coder/cmux/internal/orcherr"
)

// ActiveStreamChecker reports whether a workspace currently has a live
// stream, consulted before truncate/replace; both are forbidden while a
// stream is active.
type ActiveStreamChecker interface {
	IsStreaming(workspaceID string) bool
}

type Store struct {
	baseDir string
	locks   keylock.Map
	active  ActiveStreamChecker
}

func New(baseDir string, active ActiveStreamChecker) *Store {
	return &Store{baseDir: baseDir, active: active}
}

func (s *Store) path(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID, "chat.jsonl")
}

// Append assigns the next historySequence and durably appends msg.
// Monotonic and never duplicated: sequence assignment happens under the
// per-workspace lock that also guards the append itself.
func (s *Store) Append(workspaceID string, msg chatmodel.Message) (chatmodel.Message, error) {
	var result chatmodel.Message
	err := s.locks.WithLock(workspaceID, func() error {
		existing, err := s.getLocked(workspaceID)
		if err != nil {
			return err
		}
		tail := int64(-1)
		if len(existing) > 0 {
			tail = existing[len(existing)-1].Metadata.HistorySequence
		}
		msg.Metadata.HistorySequence = tail + 1
		data, err := json.Marshal(msg)
		if err != nil {
			return orcherr.Runtime(orcherr.RuntimeFileIO, err, "marshal message: %v", err)
		}
		if err := atomicfile.AppendLine(s.path(workspaceID), data); err != nil {
			return orcherr.Runtime(orcherr.RuntimeFileIO, err, "append: %v", err)
		}
		result = msg
		return nil
	})
	return result, err
}

func (s *Store) getLocked(workspaceID string) ([]chatmodel.Message, error) {
	f, err := os.Open(s.path(workspaceID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "open chat log: %v", err)
	}
	defer f.Close()

	var out []chatmodel.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg chatmodel.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // tolerate a partially-written trailing line
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "scan chat log: %v", err)
	}
	return out, nil
}

// Get returns the full replay of workspaceID's history in append order.
func (s *Store) Get(workspaceID string) ([]chatmodel.Message, error) {
	var out []chatmodel.Message
	err := s.locks.WithRLock(workspaceID, func() error {
		msgs, err := s.getLocked(workspaceID)
		out = msgs
		return err
	})
	return out, err
}

// Truncate removes the last ceil(N*fraction) messages, fraction in
// (0,1]; 1.0 clears everything. Returns the historySequences removed.
func (s *Store) Truncate(workspaceID string, fraction float64) ([]int64, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, orcherr.Validation("truncate fraction must be in (0,1], got %v", fraction)
	}
	if s.active != nil && s.active.IsStreaming(workspaceID) {
		return nil, orcherr.Busy("cannot truncate workspace %s while a stream is active", workspaceID)
	}

	var deleted []int64
	err := s.locks.WithLock(workspaceID, func() error {
		existing, err := s.getLocked(workspaceID)
		if err != nil {
			return err
		}
		n := len(existing)
		if n == 0 {
			return nil
		}
		removeCount := int(ceilFrac(float64(n), fraction))
		if removeCount > n {
			removeCount = n
		}
		keep := existing[:n-removeCount]
		removed := existing[n-removeCount:]
		for _, m := range removed {
			deleted = append(deleted, m.Metadata.HistorySequence)
		}
		return s.rewriteLocked(workspaceID, keep)
	})
	return deleted, err
}

// Replace deletes all messages and appends exactly one new message, used
// by compaction. Forbidden while a non-compaction stream is active
// (callers pass that check via their own compaction-stream bookkeeping;
// Store enforces the general "no active stream" rule).
func (s *Store) Replace(workspaceID string, summary chatmodel.Message) error {
	if s.active != nil && s.active.IsStreaming(workspaceID) {
		return orcherr.Busy("cannot replace history for workspace %s while a stream is active", workspaceID)
	}
	return s.locks.WithLock(workspaceID, func() error {
		summary.Metadata.HistorySequence = 0
		return s.rewriteLocked(workspaceID, []chatmodel.Message{summary})
	})
}

// TruncateAfterMessage removes messageID and every message appended
// after it, used by AgentSession.sendMessage's edit-resubmit path (spec
// §4.5: "On edit: HistoryStore.truncateAfterMessage(editMessageId)
// first, then proceed"). Returns the historySequences removed.
func (s *Store) TruncateAfterMessage(workspaceID, messageID string) ([]int64, error) {
	if s.active != nil && s.active.IsStreaming(workspaceID) {
		return nil, orcherr.Busy("cannot truncate workspace %s while a stream is active", workspaceID)
	}
	var deleted []int64
	err := s.locks.WithLock(workspaceID, func() error {
		existing, err := s.getLocked(workspaceID)
		if err != nil {
			return err
		}
		idx := -1
		for i, m := range existing {
			if m.ID == messageID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return orcherr.NotFound("message %s not found in workspace %s", messageID, workspaceID)
		}
		keep := existing[:idx]
		removed := existing[idx:]
		for _, m := range removed {
			deleted = append(deleted, m.Metadata.HistorySequence)
		}
		return s.rewriteLocked(workspaceID, keep)
	})
	return deleted, err
}

// MigrateWorkspaceID rewrites the on-disk file for a renamed workspace.
// Message content carries no embedded workspace id in this model (the
// chat log is already keyed by directory), so this is a file move.
func (s *Store) MigrateWorkspaceID(oldID, newID string) error {
	return s.locks.WithLock(oldID, func() error {
		oldPath := s.path(oldID)
		if _, err := os.Stat(oldPath); os.IsNotExist(err) {
			return nil
		}
		newPath := s.path(newID)
		if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
			return orcherr.Runtime(orcherr.RuntimeFileIO, err, "mkdir: %v", err)
		}
		return os.Rename(oldPath, newPath)
	})
}

func (s *Store) rewriteLocked(workspaceID string, msgs []chatmodel.Message) error {
	var buf []byte
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return orcherr.Runtime(orcherr.RuntimeFileIO, err, "marshal message: %v", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return atomicfile.Write(s.path(workspaceID), buf, 0644)
}

func ceilFrac(n, fraction float64) float64 {
	v := n * fraction
	if v == float64(int64(v)) {
		return v
	}
	return float64(int64(v)) + 1
}
