package suites

import (
	"time"

	"github.com/coder/cmux/test/pkg/client"
	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// AuthTests exercises the bearer-token surface on /ipc. These only run
// meaningfully when the server has an auth store with at least one
// token (the harness token).
func AuthTests() []*testpkg.TestCase {
	return []*testpkg.TestCase{
		{
			Name:        "test_auth_missing_token",
			Description: "An IPC call without a token is refused when auth is on",
			Tags:        []string{"auth"},
			Covers:      []string{"http:auth"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				if ctx.Client.AuthToken() == "" {
					ctx.Assertions.LogInfo("server runs without auth; skipping")
					return nil
				}
				anon := client.NewIPCClient(ctx.Client.BaseURL())
				result, err := anon.Invoke("workspace:list")
				ctx.Assertions.AssertNoError(err, "transport should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "unauthenticated call must be refused")
					ctx.Assertions.AssertEqual(401, result.StatusCode, "missing token should be a 401")
				}
				return nil
			},
		},
		{
			Name:        "test_auth_bogus_token",
			Description: "An IPC call with a bogus token is refused",
			Tags:        []string{"auth"},
			Covers:      []string{"http:auth"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				if ctx.Client.AuthToken() == "" {
					ctx.Assertions.LogInfo("server runs without auth; skipping")
					return nil
				}
				bogus := client.NewIPCClient(ctx.Client.BaseURL())
				bogus.SetAuthToken("cmux_not_a_real_token")
				result, err := bogus.Invoke("workspace:list")
				ctx.Assertions.AssertNoError(err, "transport should answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "bogus token must be refused")
					ctx.Assertions.AssertEqual(401, result.StatusCode, "bogus token should be a 401")
				}
				return nil
			},
		},
		{
			Name:        "test_auth_health_is_open",
			Description: "/health needs no token even when auth is on",
			Tags:        []string{"auth"},
			Covers:      []string{"http:health"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				anon := client.NewIPCClient(ctx.Client.BaseURL())
				err := anon.Health()
				ctx.Assertions.AssertNoError(err, "/health must stay unauthenticated")
				return nil
			},
		},
		{
			Name:        "test_auth_valid_token_accepted",
			Description: "The harness token passes the middleware",
			Tags:        []string{"auth", "smoke"},
			Covers:      []string{"http:auth", "workspace:list"},
			Timeout:     time.Minute,
			Execute: func(ctx *testpkg.TestContext) error {
				result, err := ctx.Client.Invoke("workspace:list")
				ctx.Assertions.AssertNoError(err, "transport should answer")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "authenticated workspace:list should succeed")
				}
				return nil
			},
		},
	}
}
