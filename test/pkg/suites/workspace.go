package suites

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// WorkspaceTests exercises workspace create/rename/remove/getInfo and
// name validation end to end against real git worktrees.
func WorkspaceTests() []*testpkg.TestCase {
	return []*testpkg.TestCase{
		{
			Name:        "test_workspace_create_and_remove",
			Description: "Create a workspace, see it in the list, remove it",
			Tags:        []string{"smoke", "workspace"},
			Covers:      []string{"workspace:create", "workspace:remove", "workspace:list"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("create")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "feat", "main")
				if err != nil {
					return err
				}

				if _, statErr := os.Stat(filepath.Join(repo, "feat")); statErr != nil {
					ctx.Assertions.Fail(fmt.Sprintf("worktree directory missing: %v", statErr))
				}

				list, err := ctx.ListWorkspaces()
				ctx.Assertions.AssertNoError(err, "workspace:list should succeed")
				found := false
				for _, ws := range list {
					if ws["id"] == wsID {
						found = true
					}
				}
				ctx.Assertions.AssertTrue(found, "created workspace should appear in workspace:list")

				result, err := ctx.Client.Invoke("workspace:remove", wsID, map[string]any{"force": true})
				ctx.Assertions.AssertNoError(err, "workspace:remove should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "workspace:remove should succeed")
				}

				list, _ = ctx.ListWorkspaces()
				for _, ws := range list {
					if ws["id"] == wsID {
						ctx.Assertions.Fail("removed workspace still listed")
					}
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_get_info",
			Description: "workspace:getInfo returns the created record, null for unknown ids",
			Tags:        []string{"workspace"},
			Covers:      []string{"workspace:getInfo"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("getinfo")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "inspect-me", "main")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("workspace:getInfo", wsID)
				ctx.Assertions.AssertNoError(err, "workspace:getInfo should answer")
				if err == nil && result.Success {
					var ws map[string]any
					if decodeErr := result.DecodeData(&ws); decodeErr == nil {
						ctx.Assertions.AssertEqual("inspect-me", ws["name"], "getInfo name matches")
						ctx.Assertions.AssertEqual(repo, ws["projectPath"], "getInfo projectPath matches")
					} else {
						ctx.Assertions.FailWithError(decodeErr, "decode getInfo response")
					}
				}

				unknown, err := ctx.Client.Invoke("workspace:getInfo", "no-such-id")
				ctx.Assertions.AssertNoError(err, "getInfo of unknown id should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(unknown.Success, "getInfo of unknown id is not an error")
					ctx.Assertions.AssertTrue(string(unknown.Data) == "null" || len(unknown.Data) == 0,
						"getInfo of unknown id should return null")
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_rename_preserves_id",
			Description: "Rename keeps the id and moves the directory",
			Tags:        []string{"workspace"},
			Covers:      []string{"workspace:rename"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("rename")
				if err != nil {
					return err
				}
				wsID, err := ctx.CreateWorkspace(repo, "old-name", "main")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("workspace:rename", wsID, "new-name")
				ctx.Assertions.AssertNoError(err, "workspace:rename should answer")
				if err != nil || !result.Success {
					ctx.Assertions.Fail(fmt.Sprintf("rename failed: %+v", result))
					return nil
				}
				var renamed struct {
					NewWorkspaceID string `json:"newWorkspaceId"`
				}
				if decodeErr := result.DecodeData(&renamed); decodeErr == nil {
					ctx.Assertions.AssertEqual(wsID, renamed.NewWorkspaceID, "rename must preserve the workspace id")
				}

				if _, statErr := os.Stat(filepath.Join(repo, "new-name")); statErr != nil {
					ctx.Assertions.Fail("renamed directory missing on disk")
				}
				if _, statErr := os.Stat(filepath.Join(repo, "old-name")); !os.IsNotExist(statErr) {
					ctx.Assertions.Fail("old directory still present after rename")
				}

				info, _ := ctx.Client.Invoke("workspace:getInfo", wsID)
				if info != nil && info.Success {
					var ws map[string]any
					if decodeErr := info.DecodeData(&ws); decodeErr == nil {
						ctx.Assertions.AssertEqual("new-name", ws["name"], "stored name updated")
					}
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_rename_collision",
			Description: "Renaming onto an existing name is refused",
			Tags:        []string{"workspace"},
			Covers:      []string{"workspace:rename"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("collide")
				if err != nil {
					return err
				}
				if _, err := ctx.CreateWorkspace(repo, "first", "main"); err != nil {
					return err
				}
				secondID, err := ctx.CreateWorkspace(repo, "second", "main")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("workspace:rename", secondID, "first")
				ctx.Assertions.AssertNoError(err, "rename collision should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "rename onto an existing name must fail")
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_name_validation",
			Description: "Invalid names are refused with no side effects",
			Tags:        []string{"workspace", "validation"},
			Covers:      []string{"workspace:create"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("badnames")
				if err != nil {
					return err
				}
				for _, bad := range []string{"/etc", ".hidden", "has space", "", "a/b"} {
					result, err := ctx.Client.Invoke("workspace:create", repo, bad, "main", nil)
					ctx.Assertions.AssertNoError(err, "create with bad name should answer")
					if err == nil {
						ctx.Assertions.AssertFalse(result.Success, fmt.Sprintf("name %q must be refused", bad))
					}
					if bad != "" && bad != "/etc" && bad != "a/b" {
						if _, statErr := os.Stat(filepath.Join(repo, bad)); !os.IsNotExist(statErr) {
							ctx.Assertions.Fail(fmt.Sprintf("refused name %q left a directory behind", bad))
						}
					}
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_duplicate_create",
			Description: "Creating the same (project, name) twice is refused",
			Tags:        []string{"workspace"},
			Covers:      []string{"workspace:create"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("dup")
				if err != nil {
					return err
				}
				if _, err := ctx.CreateWorkspace(repo, "dup", "main"); err != nil {
					return err
				}
				result, err := ctx.Client.Invoke("workspace:create", repo, "dup", "main", nil)
				ctx.Assertions.AssertNoError(err, "duplicate create should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "duplicate (project,name) must be refused")
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_remove_unknown_id",
			Description: "Removing an unknown workspace id is idempotent",
			Tags:        []string{"workspace"},
			Covers:      []string{"workspace:remove"},
			Execute: func(ctx *testpkg.TestContext) error {
				result, err := ctx.Client.Invoke("workspace:remove", "no-such-id", map[string]any{})
				ctx.Assertions.AssertNoError(err, "remove of unknown id should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "remove of unknown id should be idempotent success")
				}
				return nil
			},
		},
	}
}
