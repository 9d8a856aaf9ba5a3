package suites

import (
	"fmt"
	"strings"
	"time"

	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// SessionTests exercises the per-workspace command and history surface:
// executeBash, chat history retrieval, and compaction via replaceHistory.
func SessionTests() []*testpkg.TestCase {
	return []*testpkg.TestCase{
		{
			Name:        "test_execute_bash",
			Description: "workspace:executeBash runs inside the worktree",
			Tags:        []string{"smoke", "session"},
			Covers:      []string{"workspace:executeBash"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("bash")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "sh", "main")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("workspace:executeBash", wsID, "pwd && echo marker-ok", map[string]any{"timeoutSecs": 30})
				ctx.Assertions.AssertNoError(err, "executeBash should answer")
				if err != nil || !result.Success {
					ctx.Assertions.Fail(fmt.Sprintf("executeBash failed: %+v", result))
					return nil
				}
				var out struct {
					Success bool   `json:"success"`
					Output  string `json:"output"`
				}
				if decodeErr := result.DecodeData(&out); decodeErr != nil {
					ctx.Assertions.FailWithError(decodeErr, "decode executeBash response")
					return nil
				}
				ctx.Assertions.AssertTrue(out.Success, "command should exit 0")
				ctx.Assertions.AssertContains(out.Output, "marker-ok", "stdout captured")
				ctx.Assertions.AssertContains(out.Output, "/sh", "command ran inside the workspace directory")
				return nil
			},
		},
		{
			Name:        "test_execute_bash_nonzero_exit",
			Description: "A failing command reports success=false without a transport error",
			Tags:        []string{"session"},
			Covers:      []string{"workspace:executeBash"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("bashfail")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "shfail", "main")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("workspace:executeBash", wsID, "exit 7", map[string]any{})
				ctx.Assertions.AssertNoError(err, "executeBash should answer")
				if err == nil && result.Success {
					var out struct {
						Success bool `json:"success"`
					}
					if decodeErr := result.DecodeData(&out); decodeErr == nil {
						ctx.Assertions.AssertFalse(out.Success, "non-zero exit should report success=false")
					}
				}
				return nil
			},
		},
		{
			Name:        "test_execute_bash_truncation",
			Description: "Oversized output is capped and flagged truncated",
			Tags:        []string{"session"},
			Covers:      []string{"workspace:executeBash"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("bashbig")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "shbig", "main")
				if err != nil {
					return err
				}

				// ~1MB of output, far over the 64KB cap.
				result, err := ctx.Client.Invoke("workspace:executeBash", wsID,
					"head -c 1048576 /dev/zero | tr '\\0' 'x'", map[string]any{"timeoutSecs": 60})
				ctx.Assertions.AssertNoError(err, "executeBash should answer")
				if err != nil || !result.Success {
					return nil
				}
				var out struct {
					Output    string `json:"output"`
					Truncated bool   `json:"truncated"`
				}
				if decodeErr := result.DecodeData(&out); decodeErr != nil {
					ctx.Assertions.FailWithError(decodeErr, "decode executeBash response")
					return nil
				}
				ctx.Assertions.AssertTrue(out.Truncated, "oversized output should be flagged truncated")
				ctx.Assertions.AssertTrue(len(out.Output) <= 64*1024, "output capped at 64KB")
				return nil
			},
		},
		{
			Name:        "test_execute_bash_empty_command",
			Description: "An empty command is refused as validation",
			Tags:        []string{"session", "validation"},
			Covers:      []string{"workspace:executeBash"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("bashempty")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "shempty", "main")
				if err != nil {
					return err
				}
				result, err := ctx.Client.Invoke("workspace:executeBash", wsID, "", map[string]any{})
				ctx.Assertions.AssertNoError(err, "empty command should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "empty command must be refused")
				}
				return nil
			},
		},
		{
			Name:        "test_chat_history_empty",
			Description: "A fresh workspace has an empty chat history",
			Tags:        []string{"session"},
			Covers:      []string{"workspace:chat:getHistory"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("hist")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "fresh", "main")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("workspace:chat:getHistory", wsID)
				ctx.Assertions.AssertNoError(err, "getHistory should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "getHistory should succeed")
					trimmed := strings.TrimSpace(result.DataString())
					ctx.Assertions.AssertTrue(trimmed == "null" || trimmed == "[]",
						"fresh workspace history should be empty")
				}
				return nil
			},
		},
		{
			Name:        "test_replace_history",
			Description: "replaceHistory compacts the log to one summary message",
			Tags:        []string{"session"},
			Covers:      []string{"workspace:replaceHistory", "workspace:chat:getHistory"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("compact")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "compactable", "main")
				if err != nil {
					return err
				}

				summary := map[string]any{
					"id":   "summary-1",
					"role": "assistant",
					"parts": []map[string]any{
						{"type": "text", "text": "summary of everything so far"},
					},
					"metadata": map[string]any{"compacted": true},
				}
				result, err := ctx.Client.Invoke("workspace:replaceHistory", wsID, summary)
				ctx.Assertions.AssertNoError(err, "replaceHistory should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "replaceHistory should succeed")
				}

				hist, err := ctx.Client.Invoke("workspace:chat:getHistory", wsID)
				ctx.Assertions.AssertNoError(err, "getHistory after replace should answer")
				if err == nil && hist.Success {
					var msgs []map[string]any
					if decodeErr := hist.DecodeData(&msgs); decodeErr == nil {
						ctx.Assertions.AssertEqual(1, len(msgs), "history should hold exactly the summary")
						if len(msgs) == 1 {
							ctx.Assertions.AssertEqual("summary-1", msgs[0]["id"], "summary id round-trips")
						}
					}
				}
				return nil
			},
		},
		{
			Name:        "test_interrupt_without_stream",
			Description: "interruptStream with nothing in flight is a no-op success",
			Tags:        []string{"session"},
			Covers:      []string{"workspace:interruptStream"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("interrupt")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "quiet", "main")
				if err != nil {
					return err
				}
				result, err := ctx.Client.Invoke("workspace:interruptStream", wsID)
				ctx.Assertions.AssertNoError(err, "interruptStream should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "interrupt with no live stream is a no-op success")
				}
				return nil
			},
		},
		{
			Name:        "test_resume_without_partial_refused",
			Description: "workspace:resumeStream with no interrupted turn is refused",
			Tags:        []string{"session"},
			Covers:      []string{"workspace:resumeStream"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("resume")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "resumable", "main")
				if err != nil {
					return err
				}
				result, err := ctx.Client.Invoke("workspace:resumeStream", wsID, map[string]any{})
				ctx.Assertions.AssertNoError(err, "resumeStream should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "resume with no partial must be refused")
					ctx.Assertions.AssertContains(result.Error, "partial", "error names the missing partial")
				}
				return nil
			},
		},
		{
			Name:        "test_send_message_empty_rejected",
			Description: "workspace:sendMessage refuses empty text",
			Tags:        []string{"session", "validation"},
			Covers:      []string{"workspace:sendMessage"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("sendempty")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "chatty", "main")
				if err != nil {
					return err
				}
				result, err := ctx.Client.Invoke("workspace:sendMessage", wsID, "   ", map[string]any{})
				ctx.Assertions.AssertNoError(err, "sendMessage should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "whitespace-only message must be refused")
				}
				return nil
			},
		},
	}
}
