package suites

import (
	"fmt"
	"time"

	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// ProjectTests exercises project listing, branch discovery and the
// per-project secrets store.
func ProjectTests() []*testpkg.TestCase {
	return []*testpkg.TestCase{
		{
			Name:        "test_project_registered_by_workspace_create",
			Description: "Creating a workspace implicitly registers its project",
			Tags:        []string{"project"},
			Covers:      []string{"project:list", "workspace:create"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("projlist")
				if err != nil {
					return err
				}
				if _, err := ctx.CreateWorkspace(repo, "reg", "main"); err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("project:list")
				ctx.Assertions.AssertNoError(err, "project:list should answer")
				if err == nil && result.Success {
					ctx.Assertions.AssertContains(result.DataString(), repo,
						"project:list should contain the implicitly registered project")
				}
				return nil
			},
		},
		{
			Name:        "test_project_list_branches",
			Description: "project:listBranches reports branches and a recommended trunk",
			Tags:        []string{"project"},
			Covers:      []string{"project:listBranches"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("branches")
				if err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("project:listBranches", repo)
				ctx.Assertions.AssertNoError(err, "project:listBranches should answer")
				if err != nil || !result.Success {
					ctx.Assertions.Fail(fmt.Sprintf("listBranches failed: %+v", result))
					return nil
				}
				var out struct {
					Branches         []string `json:"branches"`
					RecommendedTrunk string   `json:"recommendedTrunk"`
				}
				if decodeErr := result.DecodeData(&out); decodeErr != nil {
					ctx.Assertions.FailWithError(decodeErr, "decode listBranches response")
					return nil
				}
				ctx.Assertions.AssertEqual("main", out.RecommendedTrunk, "recommended trunk should be main")
				found := false
				for _, b := range out.Branches {
					if b == "main" {
						found = true
					}
				}
				ctx.Assertions.AssertTrue(found, "branches should include main")
				return nil
			},
		},
		{
			Name:        "test_project_secrets_round_trip",
			Description: "Secrets update then get returns the stored set",
			Tags:        []string{"project", "secrets"},
			Covers:      []string{"project:secrets:get", "project:secrets:update"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("secrets")
				if err != nil {
					return err
				}

				update, err := ctx.Client.Invoke("project:secrets:update", repo,
					[]map[string]string{{"key": "API_KEY", "value": "s3cret"}})
				ctx.Assertions.AssertNoError(err, "secrets:update should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(update.Success, "secrets:update should succeed")
				}

				get, err := ctx.Client.Invoke("project:secrets:get", repo)
				ctx.Assertions.AssertNoError(err, "secrets:get should answer")
				if err == nil && get.Success {
					var secrets []struct {
						Key   string `json:"key"`
						Value string `json:"value"`
					}
					if decodeErr := get.DecodeData(&secrets); decodeErr != nil {
						ctx.Assertions.FailWithError(decodeErr, "decode secrets")
						return nil
					}
					ctx.Assertions.AssertEqual(1, len(secrets), "one secret stored")
					if len(secrets) == 1 {
						ctx.Assertions.AssertEqual("API_KEY", secrets[0].Key, "secret key round-trips")
						ctx.Assertions.AssertEqual("s3cret", secrets[0].Value, "secret value round-trips")
					}
				}
				return nil
			},
		},
		{
			Name:        "test_project_secret_keys_in_list",
			Description: "project:list exposes secret keys but never values",
			Tags:        []string{"project", "secrets"},
			Covers:      []string{"project:list"},
			Timeout:     2 * time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				repo, err := ctx.CreateTempGitRepo("secretkeys")
				if err != nil {
					return err
				}
				if _, err := ctx.CreateWorkspace(repo, "holder", "main"); err != nil {
					return err
				}
				if _, err := ctx.Client.Invoke("project:secrets:update", repo,
					[]map[string]string{{"key": "TOKEN", "value": "super-sensitive"}}); err != nil {
					return err
				}

				result, err := ctx.Client.Invoke("project:list")
				ctx.Assertions.AssertNoError(err, "project:list should answer")
				if err == nil && result.Success {
					ctx.Assertions.AssertContains(result.DataString(), "TOKEN", "secret key listed")
					ctx.Assertions.AssertNotContains(result.DataString(), "super-sensitive",
						"secret value must never appear in project:list")
				}
				return nil
			},
		},
	}
}
