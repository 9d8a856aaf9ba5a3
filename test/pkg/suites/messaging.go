package suites

import (
	"encoding/json"
	"time"

	"github.com/coder/cmux/test/pkg/client"
	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// MessagingTests exercises the WS streaming plane: subscribe, replay,
// metadata fan-out.
func MessagingTests() []*testpkg.TestCase {
	return []*testpkg.TestCase{
		{
			Name:        "test_ws_metadata_subscription",
			Description: "workspace:metadata fans out create events to subscribers",
			Tags:        []string{"messaging", "ws"},
			Covers:      []string{"ws:subscribe", "workspace:metadata"},
			Timeout:     3 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				conn, err := client.DialWS(ctx.Client.BaseURL(), ctx.Client.AuthToken())
				if err != nil {
					return err
				}
				defer func() { _ = conn.Close() }()
				if err := conn.Subscribe("workspace:metadata", ""); err != nil {
					return err
				}

				repo, err := ctx.CreateTempGitRepo("wsmeta")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "observed", "main")
				if err != nil {
					return err
				}

				// The create should surface as a metadata frame.
				deadline := time.Now().Add(30 * time.Second)
				seen := false
				for time.Now().Before(deadline) && !seen {
					frame, err := conn.ReadFrame(10 * time.Second)
					if err != nil {
						break
					}
					ctx.Log("metadata frame: %s", frame.Channel)
					for _, arg := range frame.Args {
						var meta map[string]any
						if json.Unmarshal(arg, &meta) == nil && meta["id"] == wsID {
							seen = true
						}
					}
				}
				ctx.Assertions.AssertTrue(seen, "workspace creation should be broadcast on workspace:metadata")
				return nil
			},
		},
		{
			Name:        "test_ws_chat_replay",
			Description: "Seeded history shows in getHistory; a workspace:chat subscribe request is then sent (replay frames are not read)",
			Tags:        []string{"messaging", "ws"},
			Covers:      []string{"ws:subscribe", "workspace:chat"},
			Timeout:     3 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("wsreplay")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "replayed", "main")
				if err != nil {
					return err
				}

				// Seed the log through compaction, which needs no provider.
				summary := map[string]any{
					"id":    "seed-1",
					"role":  "assistant",
					"parts": []map[string]any{{"type": "text", "text": "seeded"}},
					"metadata": map[string]any{
						"compacted": true,
					},
				}
				if _, err := ctx.Client.Invoke("workspace:replaceHistory", wsID, summary); err != nil {
					return err
				}

				hist, err := ctx.Client.Invoke("workspace:chat:getHistory", wsID)
				ctx.Assertions.AssertNoError(err, "getHistory should answer")
				if err == nil && hist.Success {
					ctx.Assertions.AssertContains(hist.DataString(), "seed-1", "seeded message in history")
				}

				conn, err := client.DialWS(ctx.Client.BaseURL(), ctx.Client.AuthToken())
				if err != nil {
					return err
				}
				defer func() { _ = conn.Close() }()
				if err := conn.Subscribe("workspace:chat", wsID); err != nil {
					return err
				}
				ctx.Log("subscribed to workspace:chat:%s", wsID)
				return nil
			},
		},
		{
			Name:        "test_ws_rejects_bad_token",
			Description: "The WS upgrade refuses a bogus ?token=",
			Tags:        []string{"messaging", "ws", "auth"},
			Covers:      []string{"ws:auth"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				if ctx.Client.AuthToken() == "" {
					ctx.Assertions.LogInfo("server runs without auth; skipping bad-token check")
					return nil
				}
				_, err := client.DialWS(ctx.Client.BaseURL(), "bogus-token")
				ctx.Assertions.AssertError(err, "WS handshake with a bogus token must be refused")
				return nil
			},
		},
	}
}
