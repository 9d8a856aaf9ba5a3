// Package expander reduces a workspace's raw StreamEvent sequence into
// an ordered timeline of DisplayedMessages. Modeled as (state, event) ->
// (state', emissions), so it is trivially testable and replayable
// without a live stream.
package expander

import (
	"fmt"
	"sync"

	"github.com/coder/cmux/internal/chatmodel"
)

// DisplayedKind discriminates a DisplayedMessage's variant.
type DisplayedKind string

const (
	DisplayUser          DisplayedKind = "user"
	DisplayAssistant     DisplayedKind = "assistant"
	DisplayTool          DisplayedKind = "tool"
	DisplayReasoning     DisplayedKind = "reasoning"
	DisplayStreamError   DisplayedKind = "stream-error"
	DisplayHistoryHidden DisplayedKind = "history-hidden"
	DisplayWorkspaceInit DisplayedKind = "workspace-init"
)

// ToolStatus classifies a displayed tool call; "failed" is derived here,
// not carried on the wire event.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolSuccess ToolStatus = "success"
	ToolFailed  ToolStatus = "failed"
)

// ToolView is the displayable projection of a DynamicTool part.
type ToolView struct {
	ToolCallID string
	ToolName   string
	Status     ToolStatus
	Input      any
	Output     any
}

// InitView is the displayable projection of the workspace-init hook
// lifecycle, always emitted at the reserved historySequence -1 so it
// sorts before all real messages.
type InitView struct {
	Status   string
	HookPath string
	Lines    []string
	ExitCode *int
}

// DisplayedMessage is one emission of the expander.
type DisplayedMessage struct {
	Kind            DisplayedKind
	MessageID       string
	HistorySequence int64
	StreamSequence  int64
	Content         string
	Tool            *ToolView
	Init            *InitView
	ErrorType       string
	Error           string
	ErrorCount      int
	IsStreaming     bool
	IsPartial       bool
	IsLastPartOfMessage bool
}

// turnState is the in-progress accumulation for the current assistant
// turn of one workspace.
type turnState struct {
	streamSeq  int64
	messageID  string
	text       string
	reasoning  string
	toolOrder  []string
	tools      map[string]*ToolView
}

// Expander holds one turnState per workspace and the set of unknown
// StreamEvent types already logged, so repeats don't spam the log (the
// emission itself is still produced every time — determinism does not
// depend on log de-dup).
type Expander struct {
	mu          sync.Mutex
	turns       map[string]*turnState
	warnedTypes map[chatmodel.StreamEventType]bool
	onUnknown   func(chatmodel.StreamEventType)
}

func New(onUnknown func(chatmodel.StreamEventType)) *Expander {
	return &Expander{
		turns:       make(map[string]*turnState),
		warnedTypes: make(map[chatmodel.StreamEventType]bool),
		onUnknown:   onUnknown,
	}
}

func (e *Expander) turnFor(workspaceID, messageID string) *turnState {
	t, ok := e.turns[workspaceID]
	if !ok || t.messageID != messageID {
		t = &turnState{messageID: messageID, tools: map[string]*ToolView{}}
		e.turns[workspaceID] = t
	}
	return t
}

// Reduce consumes one StreamEvent for workspaceID's current turn and
// returns the DisplayedMessages it produces. pendingSequence is the
// historySequence this turn will receive once committed (the caller's
// prediction of HistoryStore's next tail); finalSequence is only
// meaningful for a stream-end, once HistoryStore.Append has returned the
// definitive value.
func (e *Expander) Reduce(workspaceID, messageID string, ev chatmodel.StreamEvent, pendingSequence, finalSequence int64) []DisplayedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.turnFor(workspaceID, messageID)

	switch ev.Type {
	case chatmodel.EventStreamStart:
		return nil

	case chatmodel.EventStreamDelta:
		t.streamSeq++
		t.text += ev.Delta
		return []DisplayedMessage{e.partialAssistant(t, pendingSequence)}

	case chatmodel.EventReasoningDelta:
		t.streamSeq++
		t.reasoning += ev.Delta
		return []DisplayedMessage{{
			Kind: DisplayReasoning, MessageID: t.messageID, HistorySequence: pendingSequence,
			StreamSequence: t.streamSeq, Content: t.reasoning, IsStreaming: true, IsPartial: true,
		}}

	case chatmodel.EventReasoningEnd:
		t.streamSeq++
		return []DisplayedMessage{{
			Kind: DisplayReasoning, MessageID: t.messageID, HistorySequence: pendingSequence,
			StreamSequence: t.streamSeq, Content: t.reasoning, IsStreaming: false, IsPartial: false,
		}}

	case chatmodel.EventToolCallStart:
		t.streamSeq++
		tv := &ToolView{ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, Status: ToolPending}
		t.tools[ev.ToolCallID] = tv
		t.toolOrder = append(t.toolOrder, ev.ToolCallID)
		return []DisplayedMessage{e.toolEmission(t, tv, pendingSequence, true)}

	case chatmodel.EventToolCallDelta:
		t.streamSeq++
		tv, ok := t.tools[ev.ToolCallID]
		if !ok {
			return nil
		}
		if s, ok := tv.Input.(string); ok {
			tv.Input = s + ev.ArgsDelta
		} else {
			tv.Input = ev.ArgsDelta
		}
		return []DisplayedMessage{e.toolEmission(t, tv, pendingSequence, true)}

	case chatmodel.EventToolCallEnd:
		t.streamSeq++
		tv, ok := t.tools[ev.ToolCallID]
		if !ok {
			return nil
		}
		tv.Output = ev.Result
		tv.Status = ToolSuccess
		if ev.Success != nil && !*ev.Success {
			tv.Status = ToolFailed
		}
		return []DisplayedMessage{e.toolEmission(t, tv, pendingSequence, false)}

	case chatmodel.EventStreamEnd:
		return e.finalizeTurn(workspaceID, t, finalSequence)

	case chatmodel.EventStreamAbort:
		msgs := e.finalizeTurn(workspaceID, t, pendingSequence)
		for i := range msgs {
			msgs[i].IsPartial = true
		}
		return msgs

	case chatmodel.EventStreamError:
		t.streamSeq++
		return []DisplayedMessage{{
			Kind: DisplayStreamError, MessageID: t.messageID, HistorySequence: pendingSequence,
			StreamSequence: t.streamSeq, ErrorType: ev.ErrorType, Error: ev.Error, ErrorCount: ev.ErrorCount,
		}}

	case chatmodel.EventInitStart:
		return []DisplayedMessage{{Kind: DisplayWorkspaceInit, HistorySequence: -1, Init: &InitView{Status: "running"}}}

	case chatmodel.EventInitOutput:
		return []DisplayedMessage{{Kind: DisplayWorkspaceInit, HistorySequence: -1, Init: &InitView{Status: "running", Lines: []string{ev.InitLine}}}}

	case chatmodel.EventInitEnd:
		status := "success"
		if ev.ExitCode != nil && *ev.ExitCode != 0 {
			status = "error"
		}
		return []DisplayedMessage{{Kind: DisplayWorkspaceInit, HistorySequence: -1, Init: &InitView{Status: status, ExitCode: ev.ExitCode}}}

	case chatmodel.EventDelete:
		// Emits nothing; callers drop matching messages from their view.
		return nil

	case chatmodel.EventCaughtUp:
		return nil

	case chatmodel.EventStatus:
		return []DisplayedMessage{{Kind: DisplayHistoryHidden, Content: ev.StatusText}}

	default:
		if !e.warnedTypes[ev.Type] {
			e.warnedTypes[ev.Type] = true
			if e.onUnknown != nil {
				e.onUnknown(ev.Type)
			}
		}
		return []DisplayedMessage{{Kind: DisplayHistoryHidden, Content: fmt.Sprintf("unrecognized event type %q", ev.Type)}}
	}
}

func (e *Expander) partialAssistant(t *turnState, pendingSequence int64) DisplayedMessage {
	return DisplayedMessage{
		Kind: DisplayAssistant, MessageID: t.messageID, HistorySequence: pendingSequence,
		StreamSequence: t.streamSeq, Content: t.text, IsStreaming: true, IsPartial: true,
	}
}

func (e *Expander) toolEmission(t *turnState, tv *ToolView, pendingSequence int64, streaming bool) DisplayedMessage {
	view := *tv
	return DisplayedMessage{
		Kind: DisplayTool, MessageID: t.messageID, HistorySequence: pendingSequence,
		StreamSequence: t.streamSeq, Tool: &view, IsStreaming: streaming, IsPartial: streaming,
	}
}

// finalizeTurn splits the accumulated turn into one or more terminal
// DisplayedMessages, one per part type, with the last content-bearing
// part marked IsLastPartOfMessage.
func (e *Expander) finalizeTurn(workspaceID string, t *turnState, historySequence int64) []DisplayedMessage {
	defer delete(e.turns, workspaceID)

	var out []DisplayedMessage
	if t.reasoning != "" {
		t.streamSeq++
		out = append(out, DisplayedMessage{
			Kind: DisplayReasoning, MessageID: t.messageID, HistorySequence: historySequence,
			StreamSequence: t.streamSeq, Content: t.reasoning,
		})
	}
	for _, id := range t.toolOrder {
		t.streamSeq++
		view := *t.tools[id]
		out = append(out, DisplayedMessage{
			Kind: DisplayTool, MessageID: t.messageID, HistorySequence: historySequence,
			StreamSequence: t.streamSeq, Tool: &view,
		})
	}
	t.streamSeq++
	out = append(out, DisplayedMessage{
		Kind: DisplayAssistant, MessageID: t.messageID, HistorySequence: historySequence,
		StreamSequence: t.streamSeq, Content: t.text,
	})
	last := len(out) - 1
	if t.text == "" && last > 0 {
		last-- // an empty assistant text carries no content
	}
	out[last].IsLastPartOfMessage = true
	return out
}

// DisplayUserMessage is the direct (non-reduced) projection of an
// appended user message — it never passes through the stream pipeline.
func DisplayUserMessage(historySequence int64, content string) DisplayedMessage {
	return DisplayedMessage{Kind: DisplayUser, HistorySequence: historySequence, Content: content, IsLastPartOfMessage: true}
}
