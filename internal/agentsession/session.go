// Package agentsession drives the per-workspace agent session: one
// instance per workspace, lazily created on first subscription or first
// message and disposed on workspace deletion. It owns inbound message
// validation, drives the model-provider stream, accumulates the
// in-flight assistant turn into the partial store, and publishes every
// StreamEvent through the hub.
package agentsession

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/expander"
	"github.com/coder/cmux/internal/history"
	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/metrics"
	"github.com/coder/cmux/internal/modelstream"
	"github.com/coder/cmux/internal/orcherr"
	"github.com/coder/cmux/internal/partial"
)

// State is the stream pipeline's coarse phase.
type State string

const (
	StateIdle         State = "idle"
	StateUserAppended State = "user-appended"
	StateStreaming    State = "streaming"
)

// SendOpts configures one sendMessage call.
type SendOpts struct {
	Model         string
	SystemPrompt  string
	EditMessageID string // non-empty selects the edit-resubmit path
}

// Session drives the stream pipeline for exactly one workspace. At most
// one stream is ever in flight per Session.
type Session struct {
	workspaceID string
	projectPath string

	model          modelstream.ModelStream
	toolDispatcher modelstream.ToolDispatcher

	history *history.Store
	partial *partial.Store
	hub     *hub.Hub
	exp     *expander.Expander

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{} // closed when the current runTurn goroutine exits
}

func newSession(workspaceID, projectPath string, model modelstream.ModelStream, toolDispatcher modelstream.ToolDispatcher, h *history.Store, p *partial.Store, hb *hub.Hub, exp *expander.Expander) *Session {
	return &Session{
		workspaceID:    workspaceID,
		projectPath:    projectPath,
		model:          model,
		toolDispatcher: toolDispatcher,
		history:        h,
		partial:        p,
		hub:            hb,
		exp:            exp,
		state:          StateIdle,
	}
}

// IsStreaming reports whether this workspace currently has a live turn.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming || s.state == StateUserAppended
}

// SendMessage validates and appends a user message, then drives a new
// model-provider turn to completion.
func (s *Session) SendMessage(ctx context.Context, text string, opts SendOpts) error {
	if trimmedEmpty(text) {
		return orcherr.Validation("message text must be non-empty")
	}

	s.mu.Lock()
	busy := s.state != StateIdle
	if busy && opts.EditMessageID == "" {
		s.mu.Unlock()
		return orcherr.Busy("workspace %s is busy streaming", s.workspaceID)
	}
	cancel := s.cancel
	waitDone := s.done
	s.state = StateUserAppended
	s.mu.Unlock()

	if busy {
		// Edit-resubmit while streaming: stop the superseded turn and wait
		// for its goroutine to fully exit before starting the new one, so
		// the two never race on PartialStore/HistoryStore.
		if cancel != nil {
			cancel()
		}
		if waitDone != nil {
			<-waitDone
		}
	}

	if opts.EditMessageID != "" {
		if _, err := s.history.TruncateAfterMessage(s.workspaceID, opts.EditMessageID); err != nil {
			s.setIdle()
			return err
		}
	}

	userMsg := chatmodel.Message{
		ID:    uuid.NewString(),
		Role:  chatmodel.RoleUser,
		Parts: textParts(text),
		Metadata: chatmodel.Metadata{
			Timestamp: time.Now().UnixMilli(),
			Model:     opts.Model,
		},
	}
	appended, err := s.history.Append(s.workspaceID, userMsg)
	if err != nil {
		s.setIdle()
		return err
	}
	s.hub.PublishChat(s.workspaceID, appended)
	s.hub.PublishChat(s.workspaceID, expander.DisplayUserMessage(appended.Metadata.HistorySequence, text))

	if err := s.partial.CommitToHistory(s.workspaceID); err != nil {
		s.setIdle()
		return err
	}

	go s.runTurn(opts, nil)
	return nil
}

// ResumeStream continues a previously interrupted turn if a partial
// exists and nothing is currently streaming: the provider is reopened
// with the partial as the trailing assistant message, and new events
// accrete onto the same message id and parts.
func (s *Session) ResumeStream(ctx context.Context, opts SendOpts) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return orcherr.Busy("workspace %s is busy streaming", s.workspaceID)
	}
	existing, err := s.partial.Read(s.workspaceID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if existing == nil {
		s.mu.Unlock()
		return orcherr.NotFound("no partial turn to resume for workspace %s", s.workspaceID)
	}
	s.state = StateUserAppended
	s.mu.Unlock()

	go s.runTurn(opts, existing)
	return nil
}

// InterruptStream cancels the in-flight stream, publishes a terminal
// stream-abort, and commits whatever partial content accumulated.
func (s *Session) InterruptStream() error {
	s.mu.Lock()
	cancel := s.cancel
	streaming := s.state == StateStreaming || s.state == StateUserAppended
	s.mu.Unlock()

	if !streaming || cancel == nil {
		return nil
	}
	cancel()

	if err := s.partial.CommitToHistory(s.workspaceID); err != nil {
		return err
	}
	s.hub.PublishChat(s.workspaceID, chatmodel.StreamEvent{Type: chatmodel.EventStreamAbort})
	s.setIdle()
	return nil
}

// ReplayHistory streams every committed message to cb, then the partial
// (if any), then a caught-up sentinel.
func (s *Session) ReplayHistory(cb func(chatmodel.Message)) error {
	msgs, err := s.history.Get(s.workspaceID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		cb(m)
	}
	p, err := s.partial.Read(s.workspaceID)
	if err != nil {
		return err
	}
	if p != nil {
		cb(*p)
	}
	s.hub.PublishChat(s.workspaceID, chatmodel.StreamEvent{Type: chatmodel.EventCaughtUp})
	return nil
}

func (s *Session) setIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.cancel = nil
	s.mu.Unlock()
}

// runTurn drives one model-provider stream from open to stream-end (or
// cancellation/error), publishing every event and keeping PartialStore
// current as tokens arrive. resume is the interrupted in-flight message
// to continue, nil for a fresh turn. Exactly one of the status strings
// below is recorded on every exit path so RecordSessionStart/
// RecordSessionEnd stay balanced.
func (s *Session) runTurn(opts SendOpts, resume *chatmodel.Message) {
	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	myDone := make(chan struct{})
	s.mu.Lock()
	s.state = StateStreaming
	s.cancel = cancel
	s.done = myDone
	s.mu.Unlock()
	defer cancel()

	metrics.RecordSessionStart(s.projectPath)
	status := "aborted"
	defer func() {
		metrics.RecordSessionEnd(s.projectPath, status, time.Since(start).Seconds())
		s.setIdle()
		close(myDone)
	}()

	hist, err := s.history.Get(s.workspaceID)
	if err != nil {
		s.publishStreamError("history", err)
		status = "failed"
		return
	}

	// The sequence this turn's assistant message will receive once it
	// commits, used to order partial displayables against history.
	pendingSeq := int64(0)
	if len(hist) > 0 {
		pendingSeq = hist[len(hist)-1].Metadata.HistorySequence + 1
	}

	// On resume, the in-flight message rides along as the trailing
	// assistant turn so the provider continues it rather than answering
	// from scratch; it is not yet in history, so append it here only.
	if resume != nil {
		hist = append(hist, *resume)
	}

	reader, err := s.model.Open(ctx, hist, modelstream.StreamOptions{
		Model:          opts.Model,
		SystemPrompt:   opts.SystemPrompt,
		ToolDispatcher: s.toolDispatcher,
	})
	if err != nil {
		s.publishStreamError("provider-open", err)
		status = "failed"
		return
	}
	defer reader.Close()

	acc := newAccumulator(opts.Model)
	if resume != nil {
		acc = resumeAccumulator(*resume, opts.Model)
	}

	for {
		ev, err := reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled: InterruptStream owns committing the partial
				// and emitting stream-abort. Nothing more to do here.
				return
			}
			s.publishStreamError("stream-read", err)
			s.commitErrorTurn(acc, err.Error(), "stream-read")
			status = "failed"
			return
		}
		if ev == nil {
			return
		}

		s.hub.PublishChat(s.workspaceID, *ev)
		acc.apply(*ev)
		if err := s.partial.Write(s.workspaceID, acc.message()); err != nil {
			s.publishStreamError("partial-write", err)
		}
		if ev.Type != chatmodel.EventStreamEnd {
			s.publishDisplayed(acc.id, *ev, pendingSeq, pendingSeq)
		}

		switch ev.Type {
		case chatmodel.EventStreamEnd:
			msg := acc.message()
			msg.Metadata.Partial = false
			committed, err := s.history.Append(s.workspaceID, msg)
			if err != nil {
				s.publishStreamError("history-append", err)
				status = "failed"
				return
			}
			s.publishDisplayed(acc.id, *ev, pendingSeq, committed.Metadata.HistorySequence)
			_ = s.partial.Delete(s.workspaceID)
			status = "completed"
			return

		case chatmodel.EventStreamError:
			s.commitErrorTurn(acc, ev.Error, ev.ErrorType)
			status = "failed"
			return

		case chatmodel.EventStreamAbort:
			return
		}
	}
}

// publishDisplayed reduces one raw event into its displayable views and
// fans them out beside it, so subscribers that want a rendered timeline
// don't each have to run their own reducer.
func (s *Session) publishDisplayed(messageID string, ev chatmodel.StreamEvent, pendingSeq, finalSeq int64) {
	if s.exp == nil {
		return
	}
	for _, d := range s.exp.Reduce(s.workspaceID, messageID, ev, pendingSeq, finalSeq) {
		s.hub.PublishChat(s.workspaceID, d)
	}
}

func (s *Session) commitErrorTurn(acc *accumulator, errMsg, errType string) {
	msg := acc.message()
	msg.Metadata.Error = errMsg
	msg.Metadata.ErrorType = errType
	if err := s.partial.Write(s.workspaceID, msg); err != nil {
		return
	}
	_ = s.partial.CommitToHistory(s.workspaceID)
}

func (s *Session) publishStreamError(errType string, err error) {
	s.hub.PublishChat(s.workspaceID, chatmodel.StreamEvent{
		Type:      chatmodel.EventStreamError,
		ErrorType: errType,
		Error:     err.Error(),
	})
}

func trimmedEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// textParts builds the single-part representation of a plain-text
// message.
func textParts(text string) []chatmodel.Part {
	return []chatmodel.Part{{Type: chatmodel.PartText, Text: text}}
}
