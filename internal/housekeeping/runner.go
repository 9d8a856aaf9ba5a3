// Package housekeeping runs the server's periodic maintenance sweep:
// stale-partial recovery, orphaned SSH control-socket reaping, orphaned
// staging-file reaping, disk-usage monitoring, and optional recurring
// ScheduledPrompts fired into a pinned workspace's AgentSession.
package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coder/cmux/internal/agentsession"
	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/logger"
	"github.com/coder/cmux/internal/metrics"
	"github.com/coder/cmux/internal/orcherr"
)

// defaultSocketStaleAfter bounds how long an SSH ControlPersist socket
// may sit unused before the sweep removes it. OpenSSH's own
// ControlPersist=60 window (internal/runtime.MultiplexArgs) normally
// cleans these up itself; this is a defensive backstop for sockets left
// behind by a killed ssh process.
const defaultSocketStaleAfter = 24 * time.Hour

// defaultTmpFileStaleAfter bounds how long an orphaned atomicfile.Write
// staging file (path.tmp.<nonce>) may linger before the sweep removes
// it -- left behind only if the process crashed between create and
// rename.
const defaultTmpFileStaleAfter = time.Hour

const (
	diskWarnPercent  = 80.0
	diskErrorPercent = 90.0
)

// WorkspaceLister is the subset of configstore.Store the sweep needs to
// enumerate every workspace that might hold a stale partial.
type WorkspaceLister interface {
	GetAllWorkspaceMetadata() ([]configstore.Workspace, error)
}

// PartialReader is the subset of partial.Store the sweep needs.
type PartialReader interface {
	Read(workspaceID string) (*chatmodel.Message, error)
	CommitToHistory(workspaceID string) error
}

// ActiveChecker reports whether a workspace currently has a live stream,
// satisfied by *agentsession.Manager.
type ActiveChecker interface {
	IsStreaming(workspaceID string) bool
}

// SessionGetter is the subset of *agentsession.Manager the
// ScheduledPrompt firer needs.
type SessionGetter interface {
	GetOrCreate(workspaceID string) (*agentsession.Session, error)
}

// Runner owns a robfig/cron scheduler driving the hourly sweep plus one
// dynamically-managed cron entry per enabled ScheduledPrompt.
type Runner struct {
	cron              *cron.Cron
	workspaces        WorkspaceLister
	partial           PartialReader
	active            ActiveChecker
	sessions          SessionGetter
	prompts           *Store
	dataDir           string // "" disables the disk-usage and orphaned-tmp-file passes
	socketStaleAfter  time.Duration
	tmpFileStaleAfter time.Duration

	mu            sync.Mutex
	promptEntries map[string]cron.EntryID
}

// NewRunner builds a Runner. dataDir is the root directory housing
// ConfigStore/HistoryStore/PartialStore on disk -- pass "" to skip the
// disk-usage and orphaned-temp-file sweep passes (used by tests that
// only care about partial recovery or scheduled prompts).
func NewRunner(workspaces WorkspaceLister, partial PartialReader, active ActiveChecker, sessions SessionGetter, prompts *Store, dataDir string) *Runner {
	return &Runner{
		cron:              cron.New(),
		workspaces:        workspaces,
		partial:           partial,
		active:            active,
		sessions:          sessions,
		prompts:           prompts,
		dataDir:           dataDir,
		socketStaleAfter:  defaultSocketStaleAfter,
		tmpFileStaleAfter: defaultTmpFileStaleAfter,
		promptEntries:     make(map[string]cron.EntryID),
	}
}

// Start registers the hourly sweep and one cron entry per enabled
// ScheduledPrompt, then starts the scheduler's own goroutine.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc("@hourly", r.sweep); err != nil {
		return err
	}

	prompts, err := r.prompts.List()
	if err != nil {
		return err
	}
	for _, p := range prompts {
		if p.Enabled {
			r.scheduleLocked(p)
		}
	}

	r.cron.Start()
	logger.Info("housekeeping: runner started with %d scheduled prompt(s)", len(prompts))
	return nil
}

// Stop waits for any in-flight sweep/prompt execution to finish before
// returning.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	logger.Info("housekeeping: runner stopped")
}

func (r *Runner) scheduleLocked(p ScheduledPrompt) {
	id := p.ID
	entryID, err := r.cron.AddFunc(p.CronExpr, func() { r.firePrompt(id) })
	if err != nil {
		logger.Error("housekeeping: scheduled prompt %s has invalid cron %q: %v", p.ID, p.CronExpr, err)
		return
	}
	r.mu.Lock()
	r.promptEntries[p.ID] = entryID
	r.mu.Unlock()
}

// Reschedule installs or replaces p's cron entry from p as passed (no
// store read), leaving no entry when p is disabled. reconcilePrompts
// calls it for every stored prompt on each sweep, so a running Runner
// picks up edits without a restart.
func (r *Runner) Reschedule(p ScheduledPrompt) {
	r.mu.Lock()
	if entryID, ok := r.promptEntries[p.ID]; ok {
		r.cron.Remove(entryID)
		delete(r.promptEntries, p.ID)
	}
	r.mu.Unlock()

	if p.Enabled {
		r.scheduleLocked(p)
	}
}

// Unschedule removes a deleted prompt's cron entry, if any.
func (r *Runner) Unschedule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.promptEntries[id]; ok {
		r.cron.Remove(entryID)
		delete(r.promptEntries, id)
	}
}

// sweep runs every maintenance pass once; tests call the individual
// passes directly instead of waiting an hour.
func (r *Runner) sweep() {
	r.sweepPartials()
	r.reapControlSockets()
	r.reconcilePrompts()
	r.updateGauges()
	if r.dataDir != "" {
		r.reapOrphanedTmpFiles()
		r.checkDiskUsage()
	}
}

// reconcilePrompts realigns cron entries with the on-disk prompt store,
// so edits made through the admin CLI land on a running server at the
// next sweep instead of needing a restart.
func (r *Runner) reconcilePrompts() {
	prompts, err := r.prompts.List()
	if err != nil {
		logger.Error("housekeeping: list scheduled prompts: %v", err)
		return
	}
	seen := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		seen[p.ID] = true
		r.Reschedule(p)
	}

	r.mu.Lock()
	var stale []string
	for id := range r.promptEntries {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Unschedule(id)
	}
}

// updateGauges refreshes the registry-derived gauges once per sweep.
func (r *Runner) updateGauges() {
	workspaces, err := r.workspaces.GetAllWorkspaceMetadata()
	if err != nil {
		return
	}
	projects := map[string]bool{}
	streaming := 0
	for _, ws := range workspaces {
		projects[ws.ProjectPath] = true
		if r.active.IsStreaming(ws.ID) {
			streaming++
		}
	}
	metrics.SetProjectsTotal(float64(len(projects)))
	metrics.SetWorkspacesRunning(float64(streaming))
}

// sweepPartials commits any in-flight partial whose AgentSession is not
// currently streaming (the server restarted, or the workspace was torn
// down mid-turn) to history as an interrupted message rather than
// leaving it dangling forever.
func (r *Runner) sweepPartials() {
	workspaces, err := r.workspaces.GetAllWorkspaceMetadata()
	if err != nil {
		logger.Error("housekeeping: list workspaces: %v", err)
		return
	}
	for _, ws := range workspaces {
		if r.active.IsStreaming(ws.ID) {
			continue
		}
		msg, err := r.partial.Read(ws.ID)
		if err != nil {
			logger.Error("housekeeping: read partial for %s: %v", ws.ID, err)
			continue
		}
		if msg == nil {
			continue
		}
		if err := r.partial.CommitToHistory(ws.ID); err != nil {
			logger.Error("housekeeping: commit stale partial for %s: %v", ws.ID, err)
			continue
		}
		logger.Info("housekeeping: recovered stale partial for workspace %s", ws.ID)
	}
}

// reapControlSockets removes ssh ControlPath sockets
// (internal/runtime.ControlPath) that have sat unused past
// socketStaleAfter. Defensive: OpenSSH's own ControlPersist window
// normally removes these itself.
func (r *Runner) reapControlSockets() {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "cmux-ssh-*"))
	if err != nil {
		logger.Error("housekeeping: glob control sockets: %v", err)
		return
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < r.socketStaleAfter {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Error("housekeeping: remove stale control socket %s: %v", path, err)
			continue
		}
		logger.Info("housekeeping: removed orphaned control socket %s", path)
	}
}

// reapOrphanedTmpFiles removes atomicfile.Write staging files
// (path.tmp.<nonce>) left behind under dataDir by a process that
// crashed between staging and rename. Every store (configstore/history/
// partial) stages through the same helper, so one walk covers them all.
func (r *Runner) reapOrphanedTmpFiles() {
	cutoff := time.Now().Add(-r.tmpFileStaleAfter)
	var removed int

	err := filepath.Walk(r.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip entries we can't stat, don't abort the walk
		}
		if info.IsDir() || !strings.Contains(info.Name(), ".tmp.") {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("housekeeping: walk data dir for orphaned tmp files: %v", err)
		return
	}
	if removed > 0 {
		logger.Info("housekeeping: removed %d orphaned tmp file(s)", removed)
	}
}

// checkDiskUsage logs a warning/error once per sweep when dataDir's
// filesystem is running low on space.
func (r *Runner) checkDiskUsage() {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(r.dataDir, &stat); err != nil {
		logger.Error("housekeeping: statfs %s: %v", r.dataDir, err)
		return
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return
	}
	free := stat.Bfree * uint64(stat.Bsize)
	usedPercent := float64(total-free) / float64(total) * 100

	switch {
	case usedPercent >= diskErrorPercent:
		logger.Error("housekeeping: disk usage at %.1f%% for %s", usedPercent, r.dataDir)
	case usedPercent >= diskWarnPercent:
		logger.Info("housekeeping: disk usage warning, %.1f%% for %s", usedPercent, r.dataDir)
	}
}

// firePrompt sends a ScheduledPrompt's text into its workspace's
// AgentSession, reusing the same busy-rejection semantics as any other
// sender (SendMessage returns a KindBusy orcherr.Error if a turn is
// already in flight) -- no special-casing for the scheduler.
func (r *Runner) firePrompt(id string) {
	prompts, err := r.prompts.List()
	if err != nil {
		logger.Error("housekeeping: list scheduled prompts: %v", err)
		return
	}
	var target *ScheduledPrompt
	for i := range prompts {
		if prompts[i].ID == id {
			target = &prompts[i]
			break
		}
	}
	if target == nil || !target.Enabled {
		return
	}

	sess, err := r.sessions.GetOrCreate(target.WorkspaceID)
	if err != nil {
		logger.Error("housekeeping: scheduled prompt %s: get session for %s: %v", id, target.WorkspaceID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := sess.SendMessage(ctx, target.Prompt, agentsession.SendOpts{}); err != nil {
		if orcherr.Is(err, orcherr.KindBusy) {
			logger.Info("housekeeping: scheduled prompt %s skipped, workspace %s busy", id, target.WorkspaceID)
			return
		}
		logger.Error("housekeeping: scheduled prompt %s failed: %v", id, err)
		return
	}

	if err := r.prompts.markRun(id, time.Now()); err != nil {
		logger.Error("housekeeping: mark run for scheduled prompt %s: %v", id, err)
	}
}
