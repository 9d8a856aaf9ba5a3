// Package modelstream declares the external LLM-provider collaborator
// the core consumes: a token-streaming client that yields normalized
// StreamEvents. AgentSession takes a ModelStream by constructor
// injection, so the core never depends on a concrete provider.
package modelstream

import (
	"context"

	"github.com/coder/cmux/internal/chatmodel"
)

// StreamOptions configures a single Open call.
type StreamOptions struct {
	Model          string
	SystemPrompt   string
	CancelToken    <-chan struct{}
	ToolDispatcher ToolDispatcher
}

// ToolDispatcher executes a tool call the model requested and returns
// its result. Implemented by internal/toolreg against a workspace's
// Runtime.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, toolName string, args []byte) (result any, success bool, err error)
}

// ModelStream opens a streaming turn against the external model
// provider given the full prior history.
type ModelStream interface {
	Open(ctx context.Context, history []chatmodel.Message, opts StreamOptions) (EventReader, error)
}

// EventReader yields StreamEvents until the turn ends. Next returns
// io.EOF-equivalent (a nil event and nil error only after a terminal
// stream-end/stream-abort/stream-error has already been returned) to
// signal completion.
type EventReader interface {
	Next(ctx context.Context) (*chatmodel.StreamEvent, error)
	Close() error
}
