package agentsession

import (
	"time"

	"github.com/google/uuid"

	"github.com/coder/cmux/internal/chatmodel"
)

// accumulator builds the in-flight assistant Message for one turn as
// StreamEvents arrive: stream-delta/reasoning-delta append bytes;
// tool-call-start creates a DynamicTool part in input-available;
// tool-call-delta accretes args; tool-call-end records the result and
// moves to output-available.
type accumulator struct {
	id         string
	model      string
	textIdx    int
	reasonIdx  int
	toolOrder  []string
	toolIdx    map[string]int
	parts      []chatmodel.Part
}

func newAccumulator(model string) *accumulator {
	return &accumulator{id: uuid.NewString(), model: model, textIdx: -1, reasonIdx: -1, toolIdx: map[string]int{}}
}

// resumeAccumulator seeds an accumulator from an interrupted in-flight
// message so a continued stream keeps the same message id and appends
// onto the already-received parts instead of starting a blank turn.
func resumeAccumulator(msg chatmodel.Message, model string) *accumulator {
	if model == "" {
		model = msg.Metadata.Model
	}
	a := &accumulator{id: msg.ID, model: model, textIdx: -1, reasonIdx: -1, toolIdx: map[string]int{}}
	a.parts = append(a.parts, msg.Parts...)
	for i, p := range a.parts {
		switch p.Type {
		case chatmodel.PartText:
			a.textIdx = i
		case chatmodel.PartReasoning:
			a.reasonIdx = i
		case chatmodel.PartDynamicTool:
			a.toolIdx[p.ToolCallID] = i
			a.toolOrder = append(a.toolOrder, p.ToolCallID)
		}
	}
	return a
}

func (a *accumulator) apply(ev chatmodel.StreamEvent) {
	switch ev.Type {
	case chatmodel.EventStreamDelta:
		a.textPart().Text += ev.Delta

	case chatmodel.EventReasoningDelta:
		a.reasoningPart().Text += ev.Delta

	case chatmodel.EventToolCallStart:
		a.parts = append(a.parts, chatmodel.Part{
			Type: chatmodel.PartDynamicTool, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName,
			State: chatmodel.ToolInputAvailable,
		})
		a.toolIdx[ev.ToolCallID] = len(a.parts) - 1
		a.toolOrder = append(a.toolOrder, ev.ToolCallID)

	case chatmodel.EventToolCallDelta:
		if idx, ok := a.toolIdx[ev.ToolCallID]; ok {
			if s, ok := a.parts[idx].Input.(string); ok {
				a.parts[idx].Input = s + ev.ArgsDelta
			} else {
				a.parts[idx].Input = ev.ArgsDelta
			}
		}

	case chatmodel.EventToolCallEnd:
		if idx, ok := a.toolIdx[ev.ToolCallID]; ok {
			a.parts[idx].State = chatmodel.ToolOutputAvailable
			a.parts[idx].Output = ev.Result
		}
	}
}

func (a *accumulator) textPart() *chatmodel.Part {
	if a.textIdx == -1 {
		a.parts = append(a.parts, chatmodel.Part{Type: chatmodel.PartText})
		a.textIdx = len(a.parts) - 1
	}
	return &a.parts[a.textIdx]
}

func (a *accumulator) reasoningPart() *chatmodel.Part {
	if a.reasonIdx == -1 {
		a.parts = append(a.parts, chatmodel.Part{Type: chatmodel.PartReasoning})
		a.reasonIdx = len(a.parts) - 1
	}
	return &a.parts[a.reasonIdx]
}

// message snapshots the current accumulation as a Message, safe to
// write to PartialStore or append to History.
func (a *accumulator) message() chatmodel.Message {
	parts := make([]chatmodel.Part, len(a.parts))
	copy(parts, a.parts)
	return chatmodel.Message{
		ID:    a.id,
		Role:  chatmodel.RoleAssistant,
		Parts: parts,
		Metadata: chatmodel.Metadata{
			Timestamp: time.Now().UnixMilli(),
			Model:     a.model,
			Partial:   true,
		},
	}
}
