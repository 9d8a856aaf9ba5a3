// Package chaos stresses a running cmux server with concurrent and
// conflicting workspace operations, verifying graceful degradation:
// structured errors, no crashes, no registry corruption.
//
// These tests need a live server; they skip unless CMUX_SERVER_URL is
// set. Run with:
//
//	CMUX_SERVER_URL=http://localhost:8080 CMUX_TOKEN=... go test -v ./chaos/... -timeout 30m
package chaos

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/cmux/test/pkg/client"
)

func chaosClient(t *testing.T) *client.IPCClient {
	t.Helper()
	serverURL := os.Getenv("CMUX_SERVER_URL")
	if serverURL == "" {
		t.Skip("CMUX_SERVER_URL not set; skipping chaos tests")
	}
	c := client.NewIPCClient(serverURL)
	if token := os.Getenv("CMUX_TOKEN"); token != "" {
		c.SetAuthToken(token)
	}
	if err := c.Health(); err != nil {
		t.Fatalf("server unreachable: %v", err)
	}
	return c
}

func tempGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "chaos@example.com"},
		{"git", "config", "user.name", "chaos"},
		{"git", "commit", "--allow-empty", "-m", "initial"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v: %v: %s", args, err, out)
		}
	}
	return dir
}

func removeWorkspace(c *client.IPCClient, id string) {
	_, _ = c.Invoke("workspace:remove", id, map[string]any{"force": true})
}

// TestConcurrentCreates fires many concurrent creates with distinct
// names; every one must either succeed or fail with a structured error,
// and every success must be listed in the registry.
func TestConcurrentCreates(t *testing.T) {
	c := chaosClient(t)
	repo := tempGitRepo(t)

	const n = 10
	var wg sync.WaitGroup
	ids := make(chan string, n)
	var failures int64

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Invoke("workspace:create", repo, fmt.Sprintf("chaos-%d", i), "main", nil)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				t.Errorf("transport error on create %d: %v", i, err)
				return
			}
			if !result.Success {
				atomic.AddInt64(&failures, 1)
				t.Logf("create %d refused: %s", i, result.Error)
				return
			}
			var created struct {
				Metadata struct {
					ID string `json:"id"`
				} `json:"metadata"`
			}
			if err := result.DecodeData(&created); err == nil {
				ids <- created.Metadata.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var createdIDs []string
	for id := range ids {
		createdIDs = append(createdIDs, id)
	}
	defer func() {
		for _, id := range createdIDs {
			removeWorkspace(c, id)
		}
	}()

	result, err := c.Invoke("workspace:list")
	if err != nil || !result.Success {
		t.Fatalf("workspace:list after chaos: err=%v result=%+v", err, result)
	}
	for _, id := range createdIDs {
		if !contains(result.DataString(), id) {
			t.Errorf("created workspace %s missing from list", id)
		}
	}
}

// TestDuplicateNameRace races two creates for the same name; exactly
// one may win.
func TestDuplicateNameRace(t *testing.T) {
	c := chaosClient(t)
	repo := tempGitRepo(t)

	var wg sync.WaitGroup
	var successes int64
	ids := make(chan string, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Invoke("workspace:create", repo, "contested", "main", nil)
			if err != nil {
				t.Errorf("transport error: %v", err)
				return
			}
			if result.Success {
				atomic.AddInt64(&successes, 1)
				var created struct {
					Metadata struct {
						ID string `json:"id"`
					} `json:"metadata"`
				}
				if err := result.DecodeData(&created); err == nil {
					ids <- created.Metadata.ID
				}
			}
		}()
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		defer removeWorkspace(c, id)
	}

	if successes != 1 {
		t.Errorf("contested create succeeded %d times, want exactly 1", successes)
	}
}

// TestCreateDeleteChurn loops create/remove on one name; the registry
// must end clean.
func TestCreateDeleteChurn(t *testing.T) {
	c := chaosClient(t)
	repo := tempGitRepo(t)

	for i := 0; i < 5; i++ {
		result, err := c.Invoke("workspace:create", repo, "churn", "main", nil)
		if err != nil {
			t.Fatalf("create iteration %d: %v", i, err)
		}
		if !result.Success {
			t.Fatalf("create iteration %d refused: %s", i, result.Error)
		}
		var created struct {
			Metadata struct {
				ID string `json:"id"`
			} `json:"metadata"`
		}
		if err := result.DecodeData(&created); err != nil {
			t.Fatalf("decode create: %v", err)
		}

		remove, err := c.Invoke("workspace:remove", created.Metadata.ID, map[string]any{"force": true})
		if err != nil || !remove.Success {
			t.Fatalf("remove iteration %d: err=%v result=%+v", i, err, remove)
		}
	}

	list, err := c.Invoke("workspace:list")
	if err != nil || !list.Success {
		t.Fatalf("final list: err=%v", err)
	}
	if contains(list.DataString(), `"churn"`) {
		t.Error("churned workspace still present after final remove")
	}
}

// TestRenameUnderChurn renames while other workspaces churn; ids must
// stay stable and the rename target must land.
func TestRenameUnderChurn(t *testing.T) {
	c := chaosClient(t)
	repo := tempGitRepo(t)

	result, err := c.Invoke("workspace:create", repo, "stable", "main", nil)
	if err != nil || !result.Success {
		t.Fatalf("create: err=%v result=%+v", err, result)
	}
	var created struct {
		Metadata struct {
			ID string `json:"id"`
		} `json:"metadata"`
	}
	if err := result.DecodeData(&created); err != nil {
		t.Fatal(err)
	}
	defer removeWorkspace(c, created.Metadata.ID)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			r, err := c.Invoke("workspace:create", repo, fmt.Sprintf("noise-%d", i), "main", nil)
			if err == nil && r.Success {
				var noisy struct {
					Metadata struct {
						ID string `json:"id"`
					} `json:"metadata"`
				}
				if err := r.DecodeData(&noisy); err == nil {
					removeWorkspace(c, noisy.Metadata.ID)
				}
			}
			i++
		}
	}()

	time.Sleep(200 * time.Millisecond)
	rename, err := c.Invoke("workspace:rename", created.Metadata.ID, "stable-renamed")
	close(stop)
	wg.Wait()

	if err != nil {
		t.Fatalf("rename transport error: %v", err)
	}
	if !rename.Success {
		t.Fatalf("rename refused: %s", rename.Error)
	}

	info, err := c.Invoke("workspace:getInfo", created.Metadata.ID)
	if err != nil || !info.Success {
		t.Fatalf("getInfo after rename: err=%v", err)
	}
	if !contains(info.DataString(), "stable-renamed") {
		t.Errorf("rename did not land: %s", info.DataString())
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
