package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/cmux/internal/metrics"
	"github.com/coder/cmux/internal/orcherr"
)

const (
	defaultReadWriteTimeout = 300 * time.Second
	defaultStatTimeout      = 10 * time.Second
)

// SSH is the Runtime implementation that executes on a remote host via
// the system ssh(1) binary. No Go SSH client library reproduces
// OpenSSH's ControlMaster/ControlPath multiplexing, so every remote
// operation shells out (see sshmux.go for the shared control path).
type SSH struct {
	cfg HostConfig
}

var _ Runtime = (*SSH)(nil)

func NewSSH(cfg HostConfig) *SSH {
	return &SSH{cfg: cfg}
}

func (s *SSH) Close() error { return nil }

func (s *SSH) sshArgs(extra ...string) []string {
	args := append([]string{}, MultiplexArgs(s.cfg)...)
	if s.cfg.Port != 0 {
		args = append(args, "-p", strconv.Itoa(s.cfg.Port))
	}
	if s.cfg.IdentityFile != "" {
		args = append(args, "-i", expandTilde(s.cfg.IdentityFile))
	}
	args = append(args, s.cfg.Host)
	return append(args, extra...)
}

// expandTilde expands a leading ~ or ~/x client-side, since a remote
// shell never expands ~ once it is inside single quotes.
func expandTilde(path string) string {
	if path == "~" {
		return "$HOME"
	}
	if strings.HasPrefix(path, "~/") {
		return "$HOME/" + path[2:]
	}
	return path
}

// shellQuote single-quotes s for embedding in a remote bash -c argument,
// escaping embedded single quotes with the standard '\'' trick. This
// tolerates dollar signs, backslashes, backticks and embedded newlines
// because nothing inside single quotes is shell-expanded.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// remoteCommand builds `cd <cwd> && <env exports> && bash -c <quoted cmd>`.
func remoteCommand(cwd string, env map[string]string, cmd string) string {
	var b strings.Builder
	if cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(expandTilde(cwd)))
	}
	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%s && ", k, shellQuote(v))
	}
	fmt.Fprintf(&b, "bash -c %s", shellQuote(cmd))
	return b.String()
}

func (s *SSH) Exec(ctx context.Context, cmd string, opts ExecOpts) (*ExecStream, error) {
	env := make(map[string]string, len(nonInteractiveEnv)+len(opts.Env))
	for k, v := range nonInteractiveEnv {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.Niceness != nil {
		cmd = fmt.Sprintf("nice -n %d bash -c %s", *opts.Niceness, shellQuote(cmd))
	}
	full := remoteCommand(opts.Cwd, env, cmd)
	args := s.sshArgs(full)
	c := exec.CommandContext(ctx, "ssh", args...)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeNetwork, err, "stdout pipe: %v", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeNetwork, err, "stderr pipe: %v", err)
	}
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeNetwork, err, "stdin pipe: %v", err)
	}

	// A control socket already on disk means this exec rides an existing
	// master connection instead of paying a fresh handshake.
	_, statErr := os.Stat(ControlPath(s.cfg))
	metrics.RecordSSHMultiplexReuse(statErr == nil)

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeNetwork, err, "ssh start: %v", err)
	}

	var timedOut, aborted atomic.Bool
	done := make(chan struct{})
	var timer *time.Timer
	if opts.TimeoutSecs > 0 {
		timer = time.AfterFunc(time.Duration(opts.TimeoutSecs)*time.Second, func() {
			timedOut.Store(true)
			_ = c.Process.Kill()
		})
	}
	go func() {
		if opts.CancelToken == nil {
			return
		}
		select {
		case <-opts.CancelToken:
			aborted.Store(true)
			_ = c.Process.Kill()
		case <-done:
		}
	}()

	wait := func() (ExitResult, error) {
		waitErr := c.Wait()
		close(done)
		if timer != nil {
			timer.Stop()
		}
		duration := time.Since(start)
		switch {
		case aborted.Load():
			return ExitResult{Code: ExitAborted, Duration: duration}, nil
		case timedOut.Load():
			return ExitResult{Code: ExitTimedOut, Duration: duration}, nil
		}
		if waitErr == nil {
			return ExitResult{Code: 0, Duration: duration}, nil
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			if code < 0 {
				code = ExitSignalled // killed by a signal, no exit code
			}
			return ExitResult{Code: code, Duration: duration}, nil
		}
		return ExitResult{Code: ExitSignalled, Duration: duration}, orcherr.Runtime(orcherr.RuntimeNetwork, waitErr, "ssh wait: %v", waitErr)
	}

	return NewExecStream(stdout, stderr, stdin, wait), nil
}

func (s *SSH) runQuiet(ctx context.Context, timeout time.Duration, cmd string) (string, string, error) {
	stream, err := s.Exec(ctx, cmd, ExecOpts{TimeoutSecs: int(timeout.Seconds())})
	if err != nil {
		return "", "", err
	}
	var stdout, stderr bytes.Buffer
	go io.Copy(&stdout, stream.Stdout)
	go io.Copy(&stderr, stream.Stderr)
	result, err := stream.Wait()
	if err != nil {
		return stdout.String(), stderr.String(), err
	}
	if result.Code != 0 {
		return stdout.String(), stderr.String(), orcherr.Runtime(orcherr.RuntimeFileIO, nil, "remote command exited %d: %s", result.Code, stderr.String())
	}
	return stdout.String(), stderr.String(), nil
}

// resolvePath canonicalizes path on the remote without requiring it to
// exist, via `readlink -m`.
func (s *SSH) resolvePath(ctx context.Context, path string) (string, error) {
	out, _, err := s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf("readlink -m %s", shellQuote(expandTilde(path))))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (s *SSH) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	resolved, err := s.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	stdout, _, err := s.runQuiet(ctx, defaultReadWriteTimeout, fmt.Sprintf("cat %s", shellQuote(resolved)))
	if err != nil {
		return nil, orcherr.Runtime(orcherr.RuntimeFileIO, err, "read %s: %v", path, err)
	}
	return io.NopCloser(strings.NewReader(stdout)), nil
}

// sshWriteSink buffers writes locally then, on Close, pipes the buffer
// through `cat > path.tmp.<nonce> && mv path.tmp.<nonce> path` on the
// remote so the rename happens atomically there too.
type sshWriteSink struct {
	s        *SSH
	ctx      context.Context
	destPath string
	tmpPath  string
	buf      bytes.Buffer
	closed   bool
}

func (s *SSH) WriteFile(ctx context.Context, path string) (WriteSink, error) {
	resolved, err := s.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(resolved)
	if _, _, err := s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf("mkdir -p %s", shellQuote(dir))); err != nil {
		return nil, err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", resolved, time.Now().UnixNano())
	return &sshWriteSink{s: s, ctx: ctx, destPath: resolved, tmpPath: tmp}, nil
}

func (w *sshWriteSink) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *sshWriteSink) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	stream, err := w.s.Exec(w.ctx, fmt.Sprintf("cat > %s", shellQuote(w.tmpPath)), ExecOpts{TimeoutSecs: int(defaultReadWriteTimeout.Seconds())})
	if err != nil {
		return err
	}
	if _, err := stream.Stdin.Write(w.buf.Bytes()); err != nil {
		_ = stream.Stdin.Close()
		return orcherr.Runtime(orcherr.RuntimeFileIO, err, "write remote temp: %v", err)
	}
	_ = stream.Stdin.Close()
	result, err := stream.Wait()
	if err != nil || result.Code != 0 {
		_, _, _ = w.s.runQuiet(w.ctx, defaultStatTimeout, fmt.Sprintf("rm -f %s", shellQuote(w.tmpPath)))
		return orcherr.Runtime(orcherr.RuntimeFileIO, err, "remote write failed (exit %d)", result.Code)
	}
	if _, _, err := w.s.runQuiet(w.ctx, defaultStatTimeout, fmt.Sprintf("mv %s %s", shellQuote(w.tmpPath), shellQuote(w.destPath))); err != nil {
		return err
	}
	return nil
}

func (w *sshWriteSink) Abort(reason error) error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, _, err := w.s.runQuiet(w.ctx, defaultStatTimeout, fmt.Sprintf("rm -f %s", shellQuote(w.tmpPath)))
	return err
}

func (s *SSH) Stat(ctx context.Context, path string) (StatInfo, error) {
	resolved, err := s.resolvePath(ctx, path)
	if err != nil {
		return StatInfo{}, err
	}
	out, _, err := s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf("stat -c '%%s %%Y %%F' %s", shellQuote(resolved)))
	if err != nil {
		return StatInfo{}, orcherr.Runtime(orcherr.RuntimeFileIO, err, "stat %s: %v", path, err)
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return StatInfo{}, orcherr.Runtime(orcherr.RuntimeFileIO, nil, "unexpected stat output: %q", out)
	}
	size, _ := strconv.ParseInt(fields[0], 10, 64)
	epoch, _ := strconv.ParseInt(fields[1], 10, 64)
	isDir := strings.Contains(out, "directory")
	return StatInfo{Size: size, ModifiedTime: time.Unix(epoch, 0), IsDirectory: isDir}, nil
}

// CreateWorkspace syncs the project to the remote host via a git bundle,
// then clones it at the workspace path. Remote workspaces are plain
// clones, never worktrees.
func (s *SSH) CreateWorkspace(ctx context.Context, params CreateWorkspaceParams) (CreateWorkspaceResult, error) {
	resolved, err := s.resolvePath(ctx, params.WorkspacePath)
	if err != nil {
		return CreateWorkspaceResult{}, err
	}
	if out, _, statErr := s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf("test -e %s && echo yes || echo no", shellQuote(resolved))); statErr == nil && strings.TrimSpace(out) == "yes" {
		return CreateWorkspaceResult{}, orcherr.Conflict("workspace path already exists: %s", params.WorkspacePath)
	}

	if err := s.syncProjectToRemote(ctx, params.ProjectPath, resolved); err != nil {
		return CreateWorkspaceResult{}, err
	}
	if _, _, err := s.runQuiet(ctx, defaultReadWriteTimeout, fmt.Sprintf(
		"cd %s && (git checkout %s 2>/dev/null || git checkout -b %s %s)",
		shellQuote(resolved), shellQuote(params.Name), shellQuote(params.Name), shellQuote(params.Trunk),
	)); err != nil {
		return CreateWorkspaceResult{}, err
	}
	return CreateWorkspaceResult{WorkspacePath: resolved}, nil
}

// syncProjectToRemote bundles the local repo and clones it remotely,
// recreating local tracking branches for every origin ref and rewriting
// (or removing) the origin remote so it never points at the bundle file.
func (s *SSH) syncProjectToRemote(ctx context.Context, projectPath, remoteWorkspacePath string) error {
	localCmd := exec.CommandContext(ctx, "git", "-C", projectPath, "bundle", "create", "-", "--all")
	stdout, err := localCmd.StdoutPipe()
	if err != nil {
		return orcherr.Runtime(orcherr.RuntimeExec, err, "bundle create: %v", err)
	}
	if err := localCmd.Start(); err != nil {
		return orcherr.Runtime(orcherr.RuntimeExec, err, "bundle create start: %v", err)
	}

	remoteBundle := fmt.Sprintf("/tmp/cmux-bundle-%d.bundle", time.Now().UnixNano())
	recvArgs := s.sshArgs(fmt.Sprintf("cat > %s", shellQuote(remoteBundle)))
	recvCmd := exec.CommandContext(ctx, "ssh", recvArgs...)
	recvCmd.Stdin = stdout
	if err := recvCmd.Run(); err != nil {
		_ = localCmd.Wait()
		return orcherr.Runtime(orcherr.RuntimeNetwork, err, "bundle transfer: %v", err)
	}
	if err := localCmd.Wait(); err != nil {
		return orcherr.Runtime(orcherr.RuntimeExec, err, "bundle create wait: %v", err)
	}

	cloneCmd := fmt.Sprintf("git clone --quiet %s %s", shellQuote(remoteBundle), shellQuote(remoteWorkspacePath))
	_, _, err = s.runQuiet(ctx, defaultReadWriteTimeout, cloneCmd)
	// Bundle cleanup happens on both success and failure paths.
	_, _, _ = s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf("rm -f %s", shellQuote(remoteBundle)))
	if err != nil {
		return err
	}

	trackBranches := fmt.Sprintf(
		`cd %s && for ref in $(git for-each-ref --format='%%(refname:short)' refs/remotes/origin); do b=${ref#origin/}; [ "$b" = "HEAD" ] && continue; git branch --track "$b" "$ref" 2>/dev/null || true; done`,
		shellQuote(remoteWorkspacePath),
	)
	_, _, _ = s.runQuiet(ctx, defaultReadWriteTimeout, trackBranches)

	origin := s.detectOriginURL(ctx, projectPath)
	if origin != "" {
		_, _, _ = s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf(
			"cd %s && git remote set-url origin %s", shellQuote(remoteWorkspacePath), shellQuote(origin)))
	} else {
		_, _, _ = s.runQuiet(ctx, defaultStatTimeout, fmt.Sprintf(
			"cd %s && git remote remove origin", shellQuote(remoteWorkspacePath)))
	}
	return nil
}

func (s *SSH) detectOriginURL(ctx context.Context, projectPath string) string {
	c := exec.CommandContext(ctx, "git", "-C", projectPath, "remote", "get-url", "origin")
	out, err := c.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// InitWorkspace runs the optional .cmux/init hook on the remote after
// sync, streaming its stdout/stderr back line-buffered through logger.
// Hook failure is informational only.
func (s *SSH) InitWorkspace(ctx context.Context, params InitWorkspaceParams, logger InitLogger) error {
	localHook := filepath.Join(params.ProjectPath, params.HookRelPath)
	if _, err := os.Stat(localHook); err != nil {
		logger.LogComplete(0)
		return nil
	}

	logger.LogStep("running init hook")
	remoteHook := filepath.Join(params.WorkspacePath, params.HookRelPath)
	hookCtx, cancel := context.WithTimeout(ctx, 3600*time.Second)
	defer cancel()

	stream, err := s.Exec(hookCtx, shellQuote(remoteHook), ExecOpts{Cwd: params.WorkspacePath, TimeoutSecs: 3600})
	if err != nil {
		logger.LogStderr(err.Error())
		logger.LogComplete(1)
		return nil
	}
	streamLines(stream.Stdout, logger.LogStdout)
	streamLines(stream.Stderr, logger.LogStderr)
	result, _ := stream.Wait()
	logger.LogComplete(result.Code)
	return nil
}

func (s *SSH) RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) error {
	oldPath := filepath.Join(projectPath, oldName)
	newPath := filepath.Join(projectPath, newName)
	_, _, err := s.runQuiet(ctx, defaultReadWriteTimeout, fmt.Sprintf("mv %s %s", shellQuote(oldPath), shellQuote(newPath)))
	return err
}

func (s *SSH) DeleteWorkspace(ctx context.Context, projectPath, name string, force bool) error {
	path := filepath.Join(projectPath, name)
	cmd := deleteWorkspaceCommand(path, force)
	_, _, err := s.runQuiet(ctx, defaultReadWriteTimeout, cmd)
	return err
}

// deleteWorkspaceCommand builds the remote rm invocation; force adds -f
// as its own token so rm never sees a fused "-r-f".
func deleteWorkspaceCommand(path string, force bool) string {
	if force {
		return fmt.Sprintf("rm -r -f %s", shellQuote(path))
	}
	return fmt.Sprintf("rm -r %s", shellQuote(path))
}
