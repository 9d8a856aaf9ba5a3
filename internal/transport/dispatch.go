package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/cmux/internal/agentsession"
	"github.com/coder/cmux/internal/audit"
	"github.com/coder/cmux/internal/auth"
	"github.com/coder/cmux/internal/chatmodel"
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/logger"
	"github.com/coder/cmux/internal/orcherr"
	"github.com/coder/cmux/internal/runtime"
	"github.com/coder/cmux/internal/wire"
	"github.com/coder/cmux/internal/workspace"
)

// noopInitLogger routes a create call's init-hook output to the server
// log; there is no IPC channel for streaming init-hook progress back to
// the caller, unlike chat streaming which goes over /ws.
type noopInitLogger struct{}

func (noopInitLogger) LogStep(msg string)       { logger.Info("workspace init: %s", msg) }
func (noopInitLogger) LogStdout(line string)    { logger.Info("workspace init stdout: %s", line) }
func (noopInitLogger) LogStderr(line string)    { logger.Error("workspace init stderr: %s", line) }
func (noopInitLogger) LogComplete(exitCode int) { logger.Info("workspace init complete: exit=%d", exitCode) }

// maxBashOutputBytes caps the combined stdout+stderr workspace:executeBash
// returns over the wire; the result carries a `truncated` flag because a
// shell command's output is unbounded.
const maxBashOutputBytes = 64 * 1024

func (s *Server) buildDispatch() map[string]channelHandler {
	return map[string]channelHandler{
		"workspace:list":            s.handleWorkspaceList,
		"workspace:create":          s.handleWorkspaceCreate,
		"workspace:rename":          s.handleWorkspaceRename,
		"workspace:remove":          s.handleWorkspaceRemove,
		"workspace:getInfo":         s.handleWorkspaceGetInfo,
		"workspace:sendMessage":     s.handleWorkspaceSendMessage,
		"workspace:interruptStream": s.handleWorkspaceInterruptStream,
		"workspace:resumeStream":    s.handleWorkspaceResumeStream,
		"workspace:executeBash":     s.handleWorkspaceExecuteBash,
		"workspace:chat:getHistory": s.handleWorkspaceGetHistory,
		"workspace:replaceHistory":  s.handleWorkspaceReplaceHistory,
		"project:list":              s.handleProjectList,
		"project:listBranches":      s.handleProjectListBranches,
		"project:secrets:get":       s.handleProjectSecretsGet,
		"project:secrets:update":    s.handleProjectSecretsUpdate,
	}
}

func requireProjectAccess(authCtx *auth.AuthContext, projectPath string) error {
	if authCtx == nil {
		return nil
	}
	if !authCtx.CanAccessProject(projectPath) {
		return orcherr.Validation("token does not grant access to project %s", projectPath)
	}
	return nil
}

// auditIdentity extracts the token fields audit.Event wants, tolerating
// the unauthenticated/admin-equivalent nil authCtx every handler in this
// file already accepts.
func auditIdentity(authCtx *auth.AuthContext) (tokenID, tokenScope string) {
	if authCtx == nil || authCtx.Token == nil {
		return "", ""
	}
	return authCtx.Token.ID, authCtx.Token.Scope
}

func requireWrite(authCtx *auth.AuthContext) error {
	if authCtx == nil {
		return nil
	}
	if !authCtx.CanWrite() {
		return orcherr.Validation("token is read-only")
	}
	return nil
}

func (s *Server) handleWorkspaceList(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	all, err := s.store.GetAllWorkspaceMetadata()
	if err != nil {
		return nil, err
	}
	if authCtx == nil || authCtx.IsAdmin() || authCtx.Token == nil {
		return all, nil
	}
	visible := make([]configstore.Workspace, 0, len(all))
	for _, ws := range all {
		if authCtx.CanAccessProject(ws.ProjectPath) {
			visible = append(visible, ws)
		}
	}
	return visible, nil
}

func decodeRuntimeConfig(opts map[string]any) configstore.RuntimeConfig {
	cfg := configstore.RuntimeConfig{Kind: configstore.RuntimeLocal}
	if opts == nil {
		return cfg
	}
	b, _ := json.Marshal(opts)
	_ = json.Unmarshal(b, &cfg)
	if cfg.Kind == "" {
		cfg.Kind = configstore.RuntimeLocal
	}
	return cfg
}

func (s *Server) handleWorkspaceCreate(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	projectPath, name, trunk := argString(req, 0), argString(req, 1), argString(req, 2)
	if err := requireProjectAccess(authCtx, projectPath); err != nil {
		return nil, err
	}
	if err := requireWrite(authCtx); err != nil {
		return nil, err
	}
	tokenID, tokenScope := auditIdentity(authCtx)
	ws, err := s.lifecycle.Create(r.Context(), workspace.CreateParams{
		ProjectPath:     projectPath,
		Name:            name,
		Trunk:           trunk,
		RuntimeConfig:   decodeRuntimeConfig(argObject(req, 3)),
		InitHookRelPath: ".cmux/init",
		InitLogger:      noopInitLogger{},
	})
	if err != nil {
		audit.LogFailure(audit.OpWorkspaceCreate, tokenID, tokenScope, projectPath, err)
		return nil, err
	}
	audit.LogSuccess(audit.OpWorkspaceCreate, tokenID, tokenScope, projectPath)
	return map[string]any{"success": true, "metadata": ws}, nil
}

func (s *Server) handleWorkspaceRename(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id, newName := argString(req, 0), argString(req, 1)
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		return nil, err
	}
	tokenID, tokenScope := auditIdentity(authCtx)
	ws, err := s.lifecycle.Rename(r.Context(), id, newName)
	if err != nil {
		audit.LogFailure(audit.OpWorkspaceRename, tokenID, tokenScope, id, err)
		return nil, err
	}
	audit.LogSuccess(audit.OpWorkspaceRename, tokenID, tokenScope, id)
	return map[string]any{"newWorkspaceId": ws.ID}, nil
}

func (s *Server) handleWorkspaceRemove(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id := argString(req, 0)
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		if orcherr.Is(err, orcherr.KindNotFound) {
			return "ok", nil // already gone: idempotent delete
		}
		return nil, err
	}
	tokenID, tokenScope := auditIdentity(authCtx)
	force, _ := argObject(req, 1)["force"].(bool)
	if err := s.lifecycle.Delete(r.Context(), id, force); err != nil {
		audit.LogFailure(audit.OpWorkspaceRemove, tokenID, tokenScope, id, err)
		return nil, err
	}
	audit.LogSuccess(audit.OpWorkspaceRemove, tokenID, tokenScope, id)
	return "ok", nil
}

func (s *Server) handleWorkspaceGetInfo(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id := argString(req, 0)
	ws, err := s.store.FindWorkspace(id)
	if err != nil {
		if orcherr.Is(err, orcherr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := requireProjectAccess(authCtx, ws.ProjectPath); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Server) authorizeWorkspace(authCtx *auth.AuthContext, id string, write bool) error {
	ws, err := s.store.FindWorkspace(id)
	if err != nil {
		return err
	}
	if err := requireProjectAccess(authCtx, ws.ProjectPath); err != nil {
		return err
	}
	if write {
		return requireWrite(authCtx)
	}
	return nil
}

func (s *Server) handleWorkspaceSendMessage(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id, text := argString(req, 0), argString(req, 1)
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		return nil, err
	}
	sess, err := s.sessions.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	opts := decodeSendOpts(argObject(req, 2))
	if err := sess.SendMessage(r.Context(), text, opts); err != nil {
		return nil, err
	}
	return "ok", nil
}

func decodeSendOpts(opts map[string]any) agentsession.SendOpts {
	var o agentsession.SendOpts
	if opts == nil {
		return o
	}
	if v, ok := opts["model"].(string); ok {
		o.Model = v
	}
	if v, ok := opts["systemPrompt"].(string); ok {
		o.SystemPrompt = v
	}
	if v, ok := opts["editMessageId"].(string); ok {
		o.EditMessageID = v
	}
	return o
}

func (s *Server) handleWorkspaceInterruptStream(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id := argString(req, 0)
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return "ok", nil
	}
	if err := sess.InterruptStream(); err != nil {
		return nil, err
	}
	return "ok", nil
}

// handleWorkspaceResumeStream continues a workspace's interrupted
// partial turn. Resumption is always caller-initiated — a restarted
// server never resumes on its own; an untouched partial is eventually
// committed as interrupted by the housekeeping sweep.
func (s *Server) handleWorkspaceResumeStream(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id := argString(req, 0)
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		return nil, err
	}
	sess, err := s.sessions.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if err := sess.ResumeStream(r.Context(), decodeSendOpts(argObject(req, 1))); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) handleWorkspaceExecuteBash(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id, command := argString(req, 0), argString(req, 1)
	if strings.TrimSpace(command) == "" {
		return nil, orcherr.Validation("command must be non-empty")
	}
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		return nil, err
	}
	ws, err := s.store.FindWorkspace(id)
	if err != nil {
		return nil, err
	}
	rt, err := s.resolver.Resolve(ws.RuntimeConfig)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close() }()

	opts := argObject(req, 2)
	execOpts := runtime.ExecOpts{Cwd: ws.Path}
	if v, ok := opts["timeoutSecs"].(float64); ok {
		execOpts.TimeoutSecs = int(v)
	}
	if v, ok := opts["niceness"].(float64); ok {
		n := int(v)
		execOpts.Niceness = &n
	}

	stream, err := rt.Exec(r.Context(), command, execOpts)
	if err != nil {
		return nil, err
	}
	var out strings.Builder
	truncated := false
	copyCapped(&out, stream.Stdout, &truncated)
	copyCapped(&out, stream.Stderr, &truncated)
	result, err := stream.Wait()
	if err != nil {
		return nil, err
	}
	resp := map[string]any{
		"success": result.Code == 0,
		"output":  out.String(),
	}
	if truncated {
		resp["truncated"] = true
	}
	return resp, nil
}

// copyCapped appends up to maxBashOutputBytes total bytes from src into
// dst, setting *truncated if src had more to give.
func copyCapped(dst *strings.Builder, src io.Reader, truncated *bool) {
	remaining := maxBashOutputBytes - dst.Len()
	if remaining <= 0 {
		*truncated = true
		_, _ = io.Copy(io.Discard, src)
		return
	}
	n, _ := io.CopyN(dst, src, int64(remaining))
	if n == int64(remaining) {
		if extra, _ := io.Copy(io.Discard, src); extra > 0 {
			*truncated = true
		}
	}
}

func (s *Server) handleWorkspaceGetHistory(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id := argString(req, 0)
	if err := s.authorizeWorkspace(authCtx, id, false); err != nil {
		return nil, err
	}
	return s.history.Get(id)
}

func (s *Server) handleWorkspaceReplaceHistory(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	id := argString(req, 0)
	if err := s.authorizeWorkspace(authCtx, id, true); err != nil {
		return nil, err
	}
	if s.sessions.IsStreaming(id) {
		return nil, orcherr.Busy("workspace %s is busy streaming", id)
	}
	var summary chatmodel.Message
	b, _ := json.Marshal(argObject(req, 1))
	if err := json.Unmarshal(b, &summary); err != nil {
		return nil, orcherr.Validation("invalid summaryMessage: %v", err)
	}
	if err := s.history.Replace(id, summary); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) handleProjectList(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	paths, err := s.store.ListProjects()
	if err != nil {
		return nil, err
	}
	out := make([][2]any, 0, len(paths))
	for _, p := range paths {
		if authCtx != nil && !authCtx.CanAccessProject(p) {
			continue
		}
		secrets, err := s.store.GetProjectSecrets(p)
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(secrets))
		for i, sec := range secrets {
			keys[i] = sec.Key
		}
		out = append(out, [2]any{p, configstore.ProjectInfo{Path: p, Secrets: keys}})
	}
	return out, nil
}

func (s *Server) handleProjectListBranches(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	projectPath := argString(req, 0)
	if err := requireProjectAccess(authCtx, projectPath); err != nil {
		return nil, err
	}
	rt, err := s.resolver.Resolve(configstore.RuntimeConfig{Kind: configstore.RuntimeLocal})
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close() }()

	stream, err := rt.Exec(r.Context(), "git for-each-ref --format=%(refname:short) refs/heads/", runtime.ExecOpts{Cwd: projectPath, TimeoutSecs: 10})
	if err != nil {
		return nil, err
	}
	var out strings.Builder
	_, _ = io.Copy(&out, stream.Stdout)
	if result, err := stream.Wait(); err != nil || result.Code != 0 {
		return nil, fmt.Errorf("git for-each-ref failed in %s", projectPath)
	}

	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return map[string]any{
		"branches":         branches,
		"recommendedTrunk": recommendTrunk(branches),
	}, nil
}

// recommendTrunk picks the conventional default-branch name present in
// branches, preferring "main" over the legacy "master".
func recommendTrunk(branches []string) string {
	for _, want := range []string{"main", "master"} {
		for _, b := range branches {
			if b == want {
				return want
			}
		}
	}
	if len(branches) > 0 {
		return branches[0]
	}
	return "main"
}

func (s *Server) handleProjectSecretsGet(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	projectPath := argString(req, 0)
	if err := requireProjectAccess(authCtx, projectPath); err != nil {
		return nil, err
	}
	return s.store.GetProjectSecrets(projectPath)
}

func (s *Server) handleProjectSecretsUpdate(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error) {
	projectPath := argString(req, 0)
	if err := requireProjectAccess(authCtx, projectPath); err != nil {
		return nil, err
	}
	if err := requireWrite(authCtx); err != nil {
		return nil, err
	}
	var secrets []configstore.Secret
	b, _ := json.Marshal(req.Args[1])
	if err := json.Unmarshal(b, &secrets); err != nil {
		return nil, orcherr.Validation("invalid secrets array: %v", err)
	}
	tokenID, tokenScope := auditIdentity(authCtx)
	if err := s.store.UpdateProjectSecrets(projectPath, secrets); err != nil {
		audit.LogFailure(audit.OpProjectSecretsUpdate, tokenID, tokenScope, projectPath, err)
		return nil, err
	}
	audit.LogSuccess(audit.OpProjectSecretsUpdate, tokenID, tokenScope, projectPath)
	return "ok", nil
}
