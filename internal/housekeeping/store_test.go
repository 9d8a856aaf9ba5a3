package housekeeping

import "testing"

func TestStoreCreateRejectsInvalidCron(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Create(ScheduledPrompt{WorkspaceID: "ws-1", CronExpr: "not a cron", Prompt: "hi"}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestStoreCreateListUpdateDelete(t *testing.T) {
	s := NewStore(t.TempDir())

	created, err := s.Create(ScheduledPrompt{WorkspaceID: "ws-1", CronExpr: "0 9 * * *", Prompt: "status update", Enabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("List = %+v", list)
	}

	newPrompt := "different prompt"
	updated, err := s.Update(created.ID, ScheduledPromptUpdate{Prompt: &newPrompt})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Prompt != newPrompt {
		t.Fatalf("Prompt = %q, want %q", updated.Prompt, newPrompt)
	}

	if err := s.Delete(created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, err = s.List()
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("List after delete = %+v, want empty", list)
	}
}

func TestStoreUpdateUnknownIDFails(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Update("missing", ScheduledPromptUpdate{}); err != ErrPromptNotFound {
		t.Fatalf("err = %v, want ErrPromptNotFound", err)
	}
}
