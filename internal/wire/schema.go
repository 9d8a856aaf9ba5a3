package wire

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/coder/cmux/internal/orcherr"
)

// channelSchema describes one IPC channel's positional arguments (spec
// §6.1's table): minArgs required, len(args) total (trailing args beyond
// minArgs are optional), and in args the resolved per-position JSON
// Schema used to validate each argument in Request.Args.
type channelSchema struct {
	minArgs int
	args    []*jsonschema.Resolved
}

func resolve(s *jsonschema.Schema) *jsonschema.Resolved {
	r, err := s.Resolve(nil)
	if err != nil {
		// Schemas here are all static literals defined below; a failure
		// to resolve one is a programming error, not a runtime
		// condition a caller can recover from.
		panic(fmt.Sprintf("wire: invalid built-in schema: %v", err))
	}
	return r
}

func str() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

// obj validates an optional options object; an explicit null is
// accepted wherever the argument itself is optional.
func obj() *jsonschema.Schema { return &jsonschema.Schema{Types: []string{"object", "null"}} }

// arr validates a JSON array whose elements each satisfy items (used
// for project:secrets:update's `[Secret]` positional argument).
func arr(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

// secretSchema validates one {key, value} Secret entry.
func secretSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"key":   {Type: "string"},
			"value": {Type: "string"},
		},
	}
}

// removeOpts validates workspace:remove's optional {force?: boolean}.
func removeOpts() *jsonschema.Schema {
	return &jsonschema.Schema{
		Types:      []string{"object", "null"},
		Properties: map[string]*jsonschema.Schema{"force": {Type: "boolean"}},
	}
}

// bashOpts validates workspace:executeBash's optional
// {timeoutSecs?, niceness?: integer}.
func bashOpts() *jsonschema.Schema {
	return &jsonschema.Schema{
		Types: []string{"object", "null"},
		Properties: map[string]*jsonschema.Schema{
			"timeoutSecs": {Type: "integer"},
			"niceness":    {Type: "integer"},
		},
	}
}

var channels = map[string]channelSchema{
	"workspace:list": {minArgs: 0},
	"workspace:create": {
		minArgs: 3,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(str()), resolve(str()), resolve(obj())},
	},
	"workspace:rename": {
		minArgs: 2,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(str())},
	},
	"workspace:remove": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(removeOpts())},
	},
	"workspace:getInfo": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str())},
	},
	"workspace:sendMessage": {
		minArgs: 2,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(str()), resolve(obj())},
	},
	"workspace:interruptStream": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str())},
	},
	"workspace:resumeStream": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(obj())},
	},
	"workspace:executeBash": {
		minArgs: 2,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(str()), resolve(bashOpts())},
	},
	"workspace:chat:getHistory": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str())},
	},
	"workspace:replaceHistory": {
		minArgs: 2,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(obj())},
	},
	"project:list": {minArgs: 0},
	"project:listBranches": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str())},
	},
	"project:secrets:get": {
		minArgs: 1,
		args:    []*jsonschema.Resolved{resolve(str())},
	},
	"project:secrets:update": {
		minArgs: 2,
		args:    []*jsonschema.Resolved{resolve(str()), resolve(arr(secretSchema()))},
	},
}

// Validate checks channel is known and req.Args satisfies that
// channel's positional arity and per-position schema.
func Validate(channel string, req Request) error {
	schema, ok := channels[channel]
	if !ok {
		return orcherr.NotFound("unknown IPC channel %q", channel)
	}
	if len(req.Args) < schema.minArgs {
		return orcherr.Validation("channel %q requires at least %d args, got %d", channel, schema.minArgs, len(req.Args))
	}
	if len(req.Args) > len(schema.args) {
		return orcherr.Validation("channel %q accepts at most %d args, got %d", channel, len(schema.args), len(req.Args))
	}
	for i, arg := range req.Args {
		if err := schema.args[i].Validate(arg); err != nil {
			return orcherr.Validation("channel %q arg[%d]: %v", channel, i, err)
		}
	}
	return nil
}

// Channels returns the set of known channel names, used by the
// transport dispatch table to assert it implements exactly this set.
func Channels() []string {
	out := make([]string, 0, len(channels))
	for name := range channels {
		out = append(out, name)
	}
	return out
}
