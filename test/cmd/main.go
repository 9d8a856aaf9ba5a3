package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/coder/cmux/test/pkg/client"
	"github.com/coder/cmux/test/pkg/coverage"
	"github.com/coder/cmux/test/pkg/repl"
	"github.com/coder/cmux/test/pkg/suites"
	testpkg "github.com/coder/cmux/test/pkg/testing"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "cmux server base URL")
	authToken := flag.String("token", "", "Bearer token for authentication (or set CMUX_TOKEN env var)")
	interactive := flag.Bool("interactive", false, "Start interactive REPL mode")
	interactiveShort := flag.Bool("i", false, "Start interactive REPL mode (shorthand)")
	testMode := flag.Bool("test", false, "Run automated tests")
	coverageReport := flag.Bool("coverage-report", false, "Show surface coverage report")
	testFilter := flag.String("filter", "", "Filter tests by name (substring match)")
	testTags := flag.String("tags", "", "Filter tests by tags (comma-separated)")
	excludeTags := flag.String("exclude-tags", "", "Exclude tests with these tags (comma-separated)")
	verbose := flag.Bool("verbose", false, "Enable verbose output")
	jsonOutput := flag.Bool("json", false, "Output results as JSON")
	channel := flag.String("channel", "", "IPC channel to invoke directly")
	args := flag.String("args", "[]", "Channel arguments as a JSON array")
	flag.Parse()

	token := *authToken
	if token == "" {
		token = os.Getenv("CMUX_TOKEN")
	}

	ipcClient := client.NewIPCClient(*serverURL)
	if token != "" {
		ipcClient.SetAuthToken(token)
	}

	allTests := collectSuites()

	// Coverage needs no live server.
	if *coverageReport {
		coverage.Analyze(allTests).PrintReport()
		return
	}

	if err := ipcClient.Health(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach server at %s: %v\n", *serverURL, err)
		os.Exit(1)
	}
	if !*jsonOutput {
		fmt.Printf("✓ Connected to cmux server at %s\n\n", *serverURL)
	}

	if *interactive || *interactiveShort {
		if err := repl.New(ipcClient).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "REPL error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *channel != "" {
		invokeChannel(ipcClient, *channel, *args)
		return
	}

	if *testMode {
		runner := testpkg.NewTestRunner(ipcClient)
		runner.AddTests(allTests)
		runner.SetFilter(testpkg.TestFilter{
			NamePattern: *testFilter,
			Tags:        splitTags(*testTags),
			ExcludeTags: splitTags(*excludeTags),
		})
		runner.SetVerbose(*verbose)
		runner.SetJSONOutput(*jsonOutput)
		runner.Run()
		os.Exit(runner.ExitCode())
	}

	printUsage()
}

func collectSuites() []*testpkg.TestCase {
	var all []*testpkg.TestCase
	all = append(all, suites.BasicTests()...)
	all = append(all, suites.AuthTests()...)
	all = append(all, suites.WorkspaceTests()...)
	all = append(all, suites.ProjectTests()...)
	all = append(all, suites.SessionTests()...)
	all = append(all, suites.MessagingTests()...)
	all = append(all, suites.CLITests()...)
	return all
}

func invokeChannel(ipcClient *client.IPCClient, channel, rawArgs string) {
	var args []any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		fmt.Fprintf(os.Stderr, "--args must be a JSON array: %v\n", err)
		os.Exit(1)
	}
	result, err := ipcClient.Invoke(channel, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !result.Success {
		fmt.Fprintf(os.Stderr, "❌ %s\n", result.Error)
		os.Exit(1)
	}
	pretty, err := json.MarshalIndent(json.RawMessage(result.Data), "", "  ")
	if err != nil {
		fmt.Println(result.DataString())
		return
	}
	fmt.Println(string(pretty))
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

func printUsage() {
	fmt.Println("cmux-test: integration harness for a running cmux server")
	fmt.Println()
	fmt.Println("  Test mode:     cmux-test --test [--filter <pattern>] [--tags <tags>] [--verbose] [--json]")
	fmt.Println("  Coverage:      cmux-test --coverage-report")
	fmt.Println("  Interactive:   cmux-test -i")
	fmt.Println("  Invoke:        cmux-test --channel <name> --args '[...]'")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  cmux-test --test                               # Run all tests")
	fmt.Println("  cmux-test --test --filter workspace            # Run tests matching 'workspace'")
	fmt.Println("  cmux-test --test --tags smoke                  # Run tests tagged 'smoke'")
	fmt.Println("  cmux-test --test --json                        # Output as JSON")
	fmt.Println("  cmux-test --coverage-report                    # Show surface coverage")
	fmt.Println("  cmux-test --channel workspace:list --args '[]'")
	fmt.Println("  cmux-test --channel workspace:create --args '[\"/repo\",\"feat\",\"main\",null]'")
}
