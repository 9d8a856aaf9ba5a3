// Package external implements modelstream.ModelStream against a real
// provider over the network, the way cmd/server actually has to run
// one: read an SSE line, strip the "data:" prefix, decode one JSON
// event, translate it into the internal StreamEvent vocabulary.
package external

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/modelstream"
)

const defaultBaseURL = "https://api.anthropic.com/v1/messages"
const anthropicVersion = "2023-06-01"

// AnthropicStream drives Anthropic's Messages API streaming endpoint.
// One instance is shared across all workspaces; Open is safe for
// concurrent use.
type AnthropicStream struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicStream(apiKey string) *AnthropicStream {
	return &AnthropicStream{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

var _ modelstream.ModelStream = (*AnthropicStream)(nil)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

func toAnthropicMessages(history []chatmodel.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == chatmodel.RoleAssistant {
			role = "assistant"
		}
		var content []any
		for _, p := range m.Parts {
			switch p.Type {
			case chatmodel.PartText, chatmodel.PartReasoning:
				if p.Text != "" {
					content = append(content, map[string]any{"type": "text", "text": p.Text})
				}
			case chatmodel.PartDynamicTool:
				if p.State == chatmodel.ToolInputAvailable {
					content = append(content, map[string]any{
						"type": "tool_use", "id": p.ToolCallID, "name": p.ToolName, "input": p.Input,
					})
				} else {
					content = append(content, map[string]any{
						"type": "tool_result", "tool_use_id": p.ToolCallID, "content": fmt.Sprintf("%v", p.Output),
					})
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: role, Content: content})
	}
	return out
}

// anthropicTools mirrors internal/toolreg.Definitions()'s three tool
// names and schemas in Anthropic's {name, description, input_schema}
// shape, kept separate from toolreg's mcpsdk.Tool type so this package
// doesn't take on a dependency on the MCP SDK just to describe three
// tools the model provider needs to see.
func anthropicTools() []map[string]any {
	return []map[string]any{
		{
			"name":        "shell_exec",
			"description": "Run a shell command inside the workspace's runtime.",
			"input_schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":     map[string]any{"type": "string"},
					"timeoutSecs": map[string]any{"type": "integer"},
				},
				"required": []string{"command"},
			},
		},
		{
			"name":        "read_file",
			"description": "Read a file from the workspace's runtime.",
			"input_schema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []string{"path"},
			},
		},
		{
			"name":        "write_file",
			"description": "Atomically write a file in the workspace's runtime.",
			"input_schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

// Open starts one streaming turn. The returned EventReader must be
// drained (or Closed) by the caller to release the HTTP connection.
func (a *AnthropicStream) Open(ctx context.Context, history []chatmodel.Message, opts modelstream.StreamOptions) (modelstream.EventReader, error) {
	model := opts.Model
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		model = model[idx+1:] // tolerate a "provider/model" prefix
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": 8192,
		"stream":     true,
		"messages":   toAnthropicMessages(history),
		"tools":      anthropicTools(),
	}
	if opts.SystemPrompt != "" {
		body["system"] = opts.SystemPrompt
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("external: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("external: provider returned %s: %s", resp.Status, string(respBody))
	}

	r := &sseEventReader{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		model:   model,
	}
	r.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return r, nil
}

// sseEventReader turns Anthropic's content_block_delta/message_stop SSE
// stream into the normalized chatmodel.StreamEvent sequence AgentSession
// expects (stream-start exactly once, then deltas, then exactly one
// terminal event).
type sseEventReader struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	model     string
	sentStart bool
	done      bool

	activeToolID   string
	activeToolName string
}

func (r *sseEventReader) Next(ctx context.Context) (*chatmodel.StreamEvent, error) {
	if r.done {
		return nil, nil
	}
	if !r.sentStart {
		r.sentStart = true
		return &chatmodel.StreamEvent{Type: chatmodel.EventStreamStart, Model: r.model}, nil
	}

	for r.scanner.Scan() {
		select {
		case <-ctx.Done():
			r.done = true
			return &chatmodel.StreamEvent{Type: chatmodel.EventStreamAbort}, nil
		default:
		}

		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		event, terminal, err := r.translate(data)
		if err != nil {
			r.done = true
			return &chatmodel.StreamEvent{Type: chatmodel.EventStreamError, Error: err.Error()}, nil
		}
		if terminal {
			r.done = true
		}
		if event != nil {
			return event, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		r.done = true
		return &chatmodel.StreamEvent{Type: chatmodel.EventStreamError, Error: err.Error()}, nil
	}
	r.done = true
	return &chatmodel.StreamEvent{Type: chatmodel.EventStreamEnd}, nil
}

// translate converts one raw Anthropic SSE payload into zero-or-one
// normalized events. terminal reports whether the caller's turn is over.
func (r *sseEventReader) translate(data string) (event *chatmodel.StreamEvent, terminal bool, err error) {
	var raw struct {
		Type  string `json:"type"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		ErrorInfo struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, false, nil // ignore malformed lines rather than abort the whole turn
	}

	switch raw.Type {
	case "content_block_start":
		if raw.ContentBlock.Type == "tool_use" {
			r.activeToolID = raw.ContentBlock.ID
			r.activeToolName = raw.ContentBlock.Name
			return &chatmodel.StreamEvent{Type: chatmodel.EventToolCallStart, ToolCallID: r.activeToolID, ToolName: r.activeToolName}, false, nil
		}
		return nil, false, nil
	case "content_block_delta":
		switch raw.Delta.Type {
		case "text_delta":
			return &chatmodel.StreamEvent{Type: chatmodel.EventStreamDelta, Delta: raw.Delta.Text}, false, nil
		case "thinking_delta":
			return &chatmodel.StreamEvent{Type: chatmodel.EventReasoningDelta, Delta: raw.Delta.Thinking}, false, nil
		case "input_json_delta":
			return &chatmodel.StreamEvent{Type: chatmodel.EventToolCallDelta, ToolCallID: r.activeToolID, ArgsDelta: raw.Delta.PartialJSON}, false, nil
		}
		return nil, false, nil
	case "content_block_stop":
		if r.activeToolID != "" {
			id := r.activeToolID
			r.activeToolID = ""
			return &chatmodel.StreamEvent{Type: chatmodel.EventToolCallEnd, ToolCallID: id}, false, nil
		}
		return nil, false, nil
	case "message_stop":
		return &chatmodel.StreamEvent{Type: chatmodel.EventStreamEnd}, true, nil
	case "error":
		return &chatmodel.StreamEvent{Type: chatmodel.EventStreamError, Error: raw.ErrorInfo.Message}, true, nil
	default:
		return nil, false, nil
	}
}

func (r *sseEventReader) Close() error {
	return r.body.Close()
}
