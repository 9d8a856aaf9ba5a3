// Package repl provides an interactive shell for invoking IPC channels
// against a running cmux server, for exploratory testing.
package repl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coder/cmux/test/pkg/client"
	"github.com/coder/cmux/test/pkg/coverage"
)

// REPL is the interactive channel-invocation shell.
type REPL struct {
	client *client.IPCClient
}

// New creates a REPL bound to the given client.
func New(ipcClient *client.IPCClient) *REPL {
	return &REPL{client: ipcClient}
}

// Run reads commands until EOF or "exit".
func (r *REPL) Run() error {
	fmt.Println("cmux interactive shell")
	fmt.Println("Commands:")
	fmt.Println("  <channel> [json-arg ...]   Invoke an IPC channel")
	fmt.Println("  channels                   List known channels")
	fmt.Println("  health                     Check /health")
	fmt.Println("  help                       Show this help")
	fmt.Println("  exit                       Quit")
	fmt.Println()
	fmt.Println(`Example: workspace:create "/home/me/repo" "feat" "main" null`)
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("cmux> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Println("Usage: <channel> [json-arg ...] — each argument is a JSON value")
			continue
		case "channels":
			for _, target := range coverage.KnownSurface {
				if strings.Contains(target, ":") && !strings.HasPrefix(target, "http:") &&
					!strings.HasPrefix(target, "cli:") && !strings.HasPrefix(target, "ws:") {
					fmt.Printf("  %s\n", target)
				}
			}
			continue
		case "health":
			if err := r.client.Health(); err != nil {
				fmt.Printf("unhealthy: %v\n", err)
			} else {
				fmt.Println("ok")
			}
			continue
		}

		channel, args, err := parseCommand(line)
		if err != nil {
			fmt.Printf("parse error: %v\n", err)
			continue
		}

		result, err := r.client.Invoke(channel, args...)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if !result.Success {
			fmt.Printf("❌ %s\n", result.Error)
			continue
		}
		pretty, err := json.MarshalIndent(json.RawMessage(result.Data), "", "  ")
		if err != nil {
			fmt.Printf("✓ %s\n", result.DataString())
		} else {
			fmt.Printf("✓ %s\n", string(pretty))
		}
	}
}

// parseCommand splits "channel arg1 arg2 ..." where each arg is a JSON
// value (strings must be quoted, objects/arrays inline).
func parseCommand(line string) (string, []any, error) {
	fields := splitJSONFields(line)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	channel := fields[0]
	args := make([]any, 0, len(fields)-1)
	for _, f := range fields[1:] {
		var v any
		if err := json.Unmarshal([]byte(f), &v); err != nil {
			// Bare words are accepted as strings for convenience.
			v = f
		}
		args = append(args, v)
	}
	return channel, args, nil
}

// splitJSONFields splits on spaces while keeping quoted strings and
// bracketed JSON values intact.
func splitJSONFields(line string) []string {
	var fields []string
	var cur strings.Builder
	depth := 0
	inString := false
	escaped := false

	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inString:
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			inString = !inString
		case inString:
			cur.WriteRune(r)
		case r == '{' || r == '[':
			depth++
			cur.WriteRune(r)
		case r == '}' || r == ']':
			depth--
			cur.WriteRune(r)
		case r == ' ' && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return fields
}
