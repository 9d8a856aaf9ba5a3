// Package coverage reports which parts of the server's IPC/CLI surface
// the integration suites exercise, keyed by the Covers annotations each
// test case carries.
package coverage

import (
	"fmt"
	"sort"
	"strings"

	testpkg "github.com/coder/cmux/test/pkg/testing"
)

// KnownSurface is the full set of coverable targets: every IPC channel
// the server dispatches, the WS plane, the operational HTTP endpoints,
// and the CLI commands.
var KnownSurface = []string{
	"workspace:list",
	"workspace:create",
	"workspace:rename",
	"workspace:remove",
	"workspace:getInfo",
	"workspace:sendMessage",
	"workspace:interruptStream",
	"workspace:resumeStream",
	"workspace:executeBash",
	"workspace:chat:getHistory",
	"workspace:replaceHistory",
	"project:list",
	"project:listBranches",
	"project:secrets:get",
	"project:secrets:update",
	"ws:subscribe",
	"ws:auth",
	"workspace:chat",
	"workspace:metadata",
	"http:health",
	"http:ready",
	"http:metrics",
	"http:auth",
	"http:ipc-dispatch",
	"cli:cmux",
	"cli:cmux-token",
}

// Report summarizes surface coverage for a set of test cases.
type Report struct {
	Covered   map[string][]string // target -> test names covering it
	Uncovered []string
	Unknown   map[string][]string // annotations not in KnownSurface
}

// Analyze builds a Report from the given test cases.
func Analyze(tests []*testpkg.TestCase) *Report {
	known := make(map[string]bool, len(KnownSurface))
	for _, target := range KnownSurface {
		known[target] = true
	}

	report := &Report{
		Covered: map[string][]string{},
		Unknown: map[string][]string{},
	}

	for _, test := range tests {
		for _, target := range test.Covers {
			if known[target] {
				report.Covered[target] = append(report.Covered[target], test.Name)
			} else {
				report.Unknown[target] = append(report.Unknown[target], test.Name)
			}
		}
	}

	for _, target := range KnownSurface {
		if _, ok := report.Covered[target]; !ok {
			report.Uncovered = append(report.Uncovered, target)
		}
	}
	sort.Strings(report.Uncovered)
	return report
}

// Percent returns the covered share of the known surface.
func (r *Report) Percent() float64 {
	if len(KnownSurface) == 0 {
		return 0
	}
	return float64(len(r.Covered)) / float64(len(KnownSurface)) * 100
}

// PrintReport writes a human-readable coverage summary to stdout.
func (r *Report) PrintReport() {
	fmt.Println("📊 Surface Coverage Report")
	fmt.Println()
	fmt.Printf("Covered: %d/%d targets (%.0f%%)\n", len(r.Covered), len(KnownSurface), r.Percent())
	fmt.Println()

	covered := make([]string, 0, len(r.Covered))
	for target := range r.Covered {
		covered = append(covered, target)
	}
	sort.Strings(covered)

	fmt.Println("Covered targets:")
	for _, target := range covered {
		tests := r.Covered[target]
		fmt.Printf("  ✓ %-30s %s\n", target, strings.Join(tests, ", "))
	}

	if len(r.Uncovered) > 0 {
		fmt.Println()
		fmt.Println("Uncovered targets:")
		for _, target := range r.Uncovered {
			fmt.Printf("  ❌ %s\n", target)
		}
	}

	if len(r.Unknown) > 0 {
		fmt.Println()
		fmt.Println("Unknown annotations (typo, or surface list out of date):")
		unknown := make([]string, 0, len(r.Unknown))
		for target := range r.Unknown {
			unknown = append(unknown, target)
		}
		sort.Strings(unknown)
		for _, target := range unknown {
			fmt.Printf("  ? %-30s %s\n", target, strings.Join(r.Unknown[target], ", "))
		}
	}
}
