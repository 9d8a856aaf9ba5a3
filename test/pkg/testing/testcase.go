package testing

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/coder/cmux/test/pkg/client"
)

// TestCase represents a single test scenario
type TestCase struct {
	Name        string
	Description string
	Tags        []string
	Covers      []string // Coverage annotations like "workspace:create", "cli:cmux"
	Setup       func(*TestContext) error
	Execute     func(*TestContext) error
	Teardown    func(*TestContext) error
	Timeout     time.Duration
}

// TestContext provides state and utilities for test execution
type TestContext struct {
	Client            *client.IPCClient
	Assertions        *Assertions
	ProjectPath       string
	WorkspaceID       string
	CreatedWorkspaces []string // Track workspace ids for cleanup
	CreatedRepos      []string // Track temp git repos for cleanup
	Logs              []string
	Failed            bool
}

// NewTestContext creates a new test context with the given IPC client
func NewTestContext(ipcClient *client.IPCClient) *TestContext {
	ctx := &TestContext{
		Client:            ipcClient,
		CreatedWorkspaces: []string{},
		CreatedRepos:      []string{},
		Logs:              []string{},
		Failed:            false,
	}
	ctx.Assertions = NewAssertions(ctx)
	return ctx
}

// Log adds a log message to the test context
func (tc *TestContext) Log(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	tc.Logs = append(tc.Logs, msg)
}

// MarkFailed marks the test as failed
func (tc *TestContext) MarkFailed() {
	tc.Failed = true
}

// Cleanup performs automatic cleanup of created resources
func (tc *TestContext) Cleanup() error {
	tc.Log("Starting cleanup...")

	for _, wsID := range tc.CreatedWorkspaces {
		tc.Log("Removing workspace: %s", wsID)
		for i := 0; i < 3; i++ {
			result, err := tc.Client.Invoke("workspace:remove", wsID, map[string]any{"force": true})
			if err == nil && result.Success {
				break
			}
			if i == 2 {
				tc.Log("Warning: failed to remove workspace %s: err=%v result=%+v", wsID, err, result)
			}
			time.Sleep(time.Second)
		}
	}

	for _, repo := range tc.CreatedRepos {
		tc.Log("Removing temp repo: %s", repo)
		_ = os.RemoveAll(repo)
	}

	tc.Log("Cleanup complete")
	return nil
}

// CreateTempGitRepo sets up a throwaway git repository with one commit
// on main, suitable as a project path for workspace creation. The repo
// is removed during cleanup.
func (tc *TestContext) CreateTempGitRepo(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", "cmux-test-"+prefix+"-")
	if err != nil {
		return "", fmt.Errorf("mkdtemp: %w", err)
	}
	tc.CreatedRepos = append(tc.CreatedRepos, dir)

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@example.com"},
		{"git", "config", "user.name", "test"},
		{"git", "commit", "--allow-empty", "-m", "initial"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("%v: %v: %s", args, err, out)
		}
	}

	tc.ProjectPath = dir
	tc.Log("Created temp git repo: %s", dir)
	return dir, nil
}

// CreateWorkspace creates a workspace through the IPC surface and
// tracks it for cleanup. Returns the new workspace id.
func (tc *TestContext) CreateWorkspace(projectPath, name, trunk string) (string, error) {
	tc.Log("Creating workspace %s under %s", name, projectPath)

	result, err := tc.Client.Invoke("workspace:create", projectPath, name, trunk, nil)
	if err != nil {
		return "", fmt.Errorf("workspace:create: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("workspace:create returned error: %s", result.Error)
	}

	var created struct {
		Success  bool `json:"success"`
		Metadata struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err := result.DecodeData(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.Metadata.ID == "" {
		return "", fmt.Errorf("no workspace id in response: %s", result.DataString())
	}

	tc.CreatedWorkspaces = append(tc.CreatedWorkspaces, created.Metadata.ID)
	tc.WorkspaceID = created.Metadata.ID
	tc.Log("Workspace created: %s (ID: %s)", name, created.Metadata.ID)
	return created.Metadata.ID, nil
}

// ListWorkspaces returns the decoded workspace:list response.
func (tc *TestContext) ListWorkspaces() ([]map[string]any, error) {
	result, err := tc.Client.Invoke("workspace:list")
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("workspace:list returned error: %s", result.Error)
	}
	var out []map[string]any
	if err := json.Unmarshal(result.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TestResult represents the outcome of a test execution
type TestResult struct {
	TestName   string
	Passed     bool
	Duration   time.Duration
	Error      error
	Logs       []string
	Assertions int
	FailedAt   string // Which phase failed: "setup", "execute", "teardown", or "timeout"
}

// Run executes the test case and returns the result
func (t *TestCase) Run(ipcClient *client.IPCClient) *TestResult {
	start := time.Now()
	ctx := NewTestContext(ipcClient)
	result := &TestResult{
		TestName:   t.Name,
		Passed:     true,
		Assertions: 0,
	}

	// Ensure cleanup always runs
	defer func() {
		if err := ctx.Cleanup(); err != nil {
			ctx.Log("Cleanup error: %v", err)
		}
		result.Logs = ctx.Logs
		result.Duration = time.Since(start)
		result.Assertions = ctx.Assertions.Count
	}()

	// Apply timeout if specified
	if t.Timeout > 0 {
		done := make(chan bool, 1)
		go func() {
			if err := t.runPhases(ctx, result); err != nil {
				result.Passed = false
				result.Error = err
			}
			done <- true
		}()

		select {
		case <-done:
			// Test completed
		case <-time.After(t.Timeout):
			result.Passed = false
			result.Error = fmt.Errorf("test timeout after %v", t.Timeout)
			result.FailedAt = "timeout"
		}
	} else {
		if err := t.runPhases(ctx, result); err != nil {
			result.Passed = false
			result.Error = err
		}
	}

	return result
}

// runPhases executes setup, execute, and teardown phases
func (t *TestCase) runPhases(ctx *TestContext, result *TestResult) error {
	if t.Setup != nil {
		ctx.Log("Running setup...")
		if err := t.Setup(ctx); err != nil {
			result.FailedAt = "setup"
			return fmt.Errorf("setup failed: %w", err)
		}
	}

	ctx.Log("Running test...")
	if err := t.Execute(ctx); err != nil {
		result.FailedAt = "execute"
		return fmt.Errorf("test failed: %w", err)
	}

	if ctx.Failed {
		result.FailedAt = "execute"
		return fmt.Errorf("test assertions failed")
	}

	if t.Teardown != nil {
		ctx.Log("Running teardown...")
		if err := t.Teardown(ctx); err != nil {
			result.FailedAt = "teardown"
			return fmt.Errorf("teardown failed: %w", err)
		}
	}

	return nil
}
