package external

import (
	"context"
	"testing"

	"github.com/coder/cmux/internal/chatmodel"
)

func TestTranslateTextDelta(t *testing.T) {
	r := &sseEventReader{}
	event, terminal, err := r.translate(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if terminal {
		t.Fatal("text delta should not be terminal")
	}
	if event.Type != chatmodel.EventStreamDelta || event.Delta != "hi" {
		t.Fatalf("event = %+v", event)
	}
}

func TestTranslateToolUseLifecycle(t *testing.T) {
	r := &sseEventReader{}

	start, _, err := r.translate(`{"type":"content_block_start","content_block":{"type":"tool_use","id":"tool-1","name":"shell_exec"}}`)
	if err != nil {
		t.Fatalf("translate start: %v", err)
	}
	if start.Type != chatmodel.EventToolCallStart || start.ToolCallID != "tool-1" || start.ToolName != "shell_exec" {
		t.Fatalf("start event = %+v", start)
	}

	delta, _, err := r.translate(`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"command\""}}`)
	if err != nil {
		t.Fatalf("translate delta: %v", err)
	}
	if delta.Type != chatmodel.EventToolCallDelta || delta.ToolCallID != "tool-1" {
		t.Fatalf("delta event = %+v", delta)
	}

	stop, _, err := r.translate(`{"type":"content_block_stop"}`)
	if err != nil {
		t.Fatalf("translate stop: %v", err)
	}
	if stop.Type != chatmodel.EventToolCallEnd || stop.ToolCallID != "tool-1" {
		t.Fatalf("stop event = %+v", stop)
	}
	if r.activeToolID != "" {
		t.Fatal("activeToolID should be cleared after content_block_stop")
	}
}

func TestTranslateMessageStopIsTerminal(t *testing.T) {
	r := &sseEventReader{}
	event, terminal, err := r.translate(`{"type":"message_stop"}`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !terminal || event.Type != chatmodel.EventStreamEnd {
		t.Fatalf("event = %+v, terminal = %v", event, terminal)
	}
}

func TestTranslateErrorIsTerminal(t *testing.T) {
	r := &sseEventReader{}
	event, terminal, err := r.translate(`{"type":"error","error":{"message":"overloaded"}}`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !terminal || event.Type != chatmodel.EventStreamError || event.Error != "overloaded" {
		t.Fatalf("event = %+v, terminal = %v", event, terminal)
	}
}

func TestTranslateUnknownTypeIgnored(t *testing.T) {
	r := &sseEventReader{}
	event, terminal, err := r.translate(`{"type":"ping"}`)
	if err != nil || event != nil || terminal {
		t.Fatalf("unknown event should be ignored: event=%+v terminal=%v err=%v", event, terminal, err)
	}
}

func TestNextSendsStreamStartFirst(t *testing.T) {
	r := &sseEventReader{model: "claude-sonnet-4-5"}
	event, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Type != chatmodel.EventStreamStart || event.Model != "claude-sonnet-4-5" {
		t.Fatalf("first event = %+v, want stream-start", event)
	}
}

func TestToAnthropicMessages(t *testing.T) {
	history := []chatmodel.Message{
		{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "hello"}}},
		{Role: chatmodel.RoleAssistant, Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "hi there"}}},
	}
	out := toAnthropicMessages(history)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Role != "user" || out[1].Role != "assistant" {
		t.Fatalf("roles = %q, %q", out[0].Role, out[1].Role)
	}
}

func TestToAnthropicMessagesSkipsEmptyParts(t *testing.T) {
	history := []chatmodel.Message{
		{Role: chatmodel.RoleAssistant, Parts: []chatmodel.Part{{Type: chatmodel.PartReasoning, Text: ""}}},
	}
	if out := toAnthropicMessages(history); len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0 for a message with no renderable content", len(out))
	}
}
