package history

import (
	"testing"

	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/orcherr"
)

type stubChecker struct {
	streaming map[string]bool
}

func (s *stubChecker) IsStreaming(workspaceID string) bool { return s.streaming[workspaceID] }

func newTestStore(t *testing.T) (*Store, *stubChecker) {
	t.Helper()
	checker := &stubChecker{streaming: map[string]bool{}}
	return New(t.TempDir(), checker), checker
}

func userMsg(id, text string) chatmodel.Message {
	return chatmodel.Message{
		ID:    id,
		Role:  chatmodel.RoleUser,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: text}},
	}
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		appended, err := s.Append("ws", userMsg("m", "x"))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if appended.Metadata.HistorySequence != int64(i) {
			t.Errorf("append %d assigned sequence %d", i, appended.Metadata.HistorySequence)
		}
	}

	msgs, err := s.Get("ws")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("Get() returned %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if m.Metadata.HistorySequence != int64(i) {
			t.Errorf("replayed message %d has sequence %d", i, m.Metadata.HistorySequence)
		}
	}
}

func TestGetEmptyWorkspace(t *testing.T) {
	s, _ := newTestStore(t)
	msgs, err := s.Get("never-written")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Get() on empty workspace returned %d messages", len(msgs))
	}
}

func TestSequencesIndependentAcrossWorkspaces(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Append("ws-a", userMsg("1", "x"))
	b, _ := s.Append("ws-b", userMsg("2", "y"))
	if a.Metadata.HistorySequence != 0 || b.Metadata.HistorySequence != 0 {
		t.Errorf("fresh workspaces should both start at 0, got %d and %d",
			a.Metadata.HistorySequence, b.Metadata.HistorySequence)
	}
}

func TestTruncateFraction(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 4; i++ {
		if _, err := s.Append("ws", userMsg("m", "x")); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.Truncate("ws", 0.5)
	if err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("Truncate(0.5) of 4 deleted %d, want 2", len(deleted))
	}
	if deleted[0] != 2 || deleted[1] != 3 {
		t.Errorf("deleted sequences = %v, want [2 3]", deleted)
	}

	remaining, _ := s.Get("ws")
	if len(remaining) != 2 {
		t.Errorf("remaining = %d messages, want 2", len(remaining))
	}
}

func TestTruncateRoundsUp(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append("ws", userMsg("m", "x")); err != nil {
			t.Fatal(err)
		}
	}
	deleted, err := s.Truncate("ws", 0.5)
	if err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	// ceil(3 * 0.5) = 2
	if len(deleted) != 2 {
		t.Errorf("Truncate(0.5) of 3 deleted %d, want 2", len(deleted))
	}
}

func TestTruncateAllClearsEverything(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append("ws", userMsg("m", "x")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Truncate("ws", 1.0); err != nil {
		t.Fatalf("Truncate(1.0) error = %v", err)
	}
	remaining, _ := s.Get("ws")
	if len(remaining) != 0 {
		t.Errorf("remaining = %d messages after full truncate", len(remaining))
	}
}

func TestTruncateRejectsBadFraction(t *testing.T) {
	s, _ := newTestStore(t)
	for _, f := range []float64{0, -0.1, 1.5} {
		if _, err := s.Truncate("ws", f); !orcherr.Is(err, orcherr.KindValidation) {
			t.Errorf("Truncate(%v) error = %v, want validation kind", f, err)
		}
	}
}

func TestTruncateRejectedWhileStreaming(t *testing.T) {
	s, checker := newTestStore(t)
	if _, err := s.Append("ws", userMsg("m", "x")); err != nil {
		t.Fatal(err)
	}
	checker.streaming["ws"] = true

	if _, err := s.Truncate("ws", 1.0); !orcherr.Is(err, orcherr.KindBusy) {
		t.Errorf("Truncate() while streaming error = %v, want busy kind", err)
	}
}

func TestReplace(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append("ws", userMsg("m", "x")); err != nil {
			t.Fatal(err)
		}
	}

	summary := userMsg("summary", "compacted")
	summary.Metadata.Compacted = true
	if err := s.Replace("ws", summary); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	msgs, _ := s.Get("ws")
	if len(msgs) != 1 {
		t.Fatalf("Replace() left %d messages, want 1", len(msgs))
	}
	if !msgs[0].Metadata.Compacted || msgs[0].Metadata.HistorySequence != 0 {
		t.Errorf("summary = %+v, want compacted at sequence 0", msgs[0].Metadata)
	}
}

func TestReplaceRejectedWhileStreaming(t *testing.T) {
	s, checker := newTestStore(t)
	checker.streaming["ws"] = true
	if err := s.Replace("ws", userMsg("summary", "x")); !orcherr.Is(err, orcherr.KindBusy) {
		t.Errorf("Replace() while streaming error = %v, want busy kind", err)
	}
}

func TestTruncateAfterMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		if _, err := s.Append("ws", userMsg(id, "x")); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.TruncateAfterMessage("ws", "c")
	if err != nil {
		t.Fatalf("TruncateAfterMessage() error = %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted %d, want 2 (c and d)", len(deleted))
	}

	remaining, _ := s.Get("ws")
	if len(remaining) != 2 || remaining[1].ID != "b" {
		t.Errorf("remaining = %+v, want [a b]", remaining)
	}
}

func TestTruncateAfterMessageNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Append("ws", userMsg("a", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TruncateAfterMessage("ws", "zzz"); !orcherr.Is(err, orcherr.KindNotFound) {
		t.Errorf("TruncateAfterMessage(unknown) error = %v, want not-found kind", err)
	}
}

func TestSequenceContinuesAfterTruncate(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append("ws", userMsg("m", "x")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Truncate("ws", 0.5); err != nil {
		t.Fatal(err)
	}
	appended, err := s.Append("ws", userMsg("m2", "y"))
	if err != nil {
		t.Fatal(err)
	}
	// After removing the tail [1,2], the next append follows the new tail.
	if appended.Metadata.HistorySequence != 1 {
		t.Errorf("sequence after truncate = %d, want 1", appended.Metadata.HistorySequence)
	}
}

func TestMigrateWorkspaceID(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Append("old", userMsg("a", "x")); err != nil {
		t.Fatal(err)
	}
	if err := s.MigrateWorkspaceID("old", "new"); err != nil {
		t.Fatalf("MigrateWorkspaceID() error = %v", err)
	}
	moved, _ := s.Get("new")
	if len(moved) != 1 {
		t.Errorf("new id has %d messages, want 1", len(moved))
	}
	gone, _ := s.Get("old")
	if len(gone) != 0 {
		t.Errorf("old id still has %d messages", len(gone))
	}
}
