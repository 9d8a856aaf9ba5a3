// Package suites defines the integration test suites run against a live
// cmux server by the test harness in cmd/.
package suites

import (
	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// BasicTests verifies server connectivity and the unauthenticated
// operational surface.
func BasicTests() []*testpkg.TestCase {
	return []*testpkg.TestCase{
		{
			Name:        "test_health_endpoint",
			Description: "Server answers /health",
			Tags:        []string{"smoke", "basic"},
			Covers:      []string{"http:health"},
			Execute: func(ctx *testpkg.TestContext) error {
				err := ctx.Client.Health()
				ctx.Assertions.AssertNoError(err, "GET /health should return 200")
				return nil
			},
		},
		{
			Name:        "test_ready_endpoint",
			Description: "Server answers /ready once stores are readable",
			Tags:        []string{"smoke", "basic"},
			Covers:      []string{"http:ready"},
			Execute: func(ctx *testpkg.TestContext) error {
				err := ctx.Client.Ready()
				ctx.Assertions.AssertNoError(err, "GET /ready should return 200")
				return nil
			},
		},
		{
			Name:        "test_metrics_endpoint",
			Description: "Server exposes Prometheus metrics",
			Tags:        []string{"smoke", "basic"},
			Covers:      []string{"http:metrics"},
			Execute: func(ctx *testpkg.TestContext) error {
				body, err := ctx.Client.Metrics()
				ctx.Assertions.AssertNoError(err, "GET /metrics should return 200")
				if err == nil {
					ctx.Assertions.AssertContains(body, "cmux_", "metrics should carry the cmux namespace")
				}
				return nil
			},
		},
		{
			Name:        "test_workspace_list_empty_or_more",
			Description: "workspace:list answers with an array",
			Tags:        []string{"smoke", "basic"},
			Covers:      []string{"workspace:list"},
			Execute: func(ctx *testpkg.TestContext) error {
				result, err := ctx.Client.Invoke("workspace:list")
				ctx.Assertions.AssertNoError(err, "workspace:list should not fail at the transport level")
				if err == nil {
					ctx.Assertions.AssertTrue(result.Success, "workspace:list should succeed")
				}
				return nil
			},
		},
		{
			Name:        "test_unknown_channel",
			Description: "Unknown IPC channel returns a structured error",
			Tags:        []string{"basic"},
			Covers:      []string{"http:ipc-dispatch"},
			Execute: func(ctx *testpkg.TestContext) error {
				result, err := ctx.Client.Invoke("workspace:no-such-channel")
				ctx.Assertions.AssertNoError(err, "transport should still answer")
				if err == nil {
					ctx.Assertions.AssertFalse(result.Success, "unknown channel should report success=false")
					ctx.Assertions.AssertNotEmpty(result.Error, "unknown channel should carry an error message")
				}
				return nil
			},
		},
		{
			Name:        "test_malformed_envelope",
			Description: "A non-JSON body is refused, not crashed on",
			Tags:        []string{"basic"},
			Covers:      []string{"http:ipc-dispatch"},
			Execute: func(ctx *testpkg.TestContext) error {
				status, body, err := ctx.Client.InvokeRaw("workspace:list", []byte("not json"))
				ctx.Assertions.AssertNoError(err, "transport should answer a malformed body")
				if err == nil {
					ctx.Assertions.AssertTrue(status >= 400 && status < 500, "malformed body should be a 4xx")
					ctx.Assertions.AssertContains(body, "success", "error should use the response envelope")
				}
				return nil
			},
		},
	}
}
