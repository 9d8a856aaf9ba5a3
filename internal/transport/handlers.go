package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/cmux/internal/auth"
	"github.com/coder/cmux/internal/orcherr"
	"github.com/coder/cmux/internal/wire"
)

// channelHandler implements one IPC channel. authCtx is nil
// only when the Server was built without an auth.Store (tests).
type channelHandler func(r *http.Request, authCtx *auth.AuthContext, req wire.Request) (any, error)

// handleIPC dispatches POST /ipc/<channel>.
func (s *Server) handleIPC(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimPrefix(r.URL.Path, "/ipc/")
	if channel == "" || channel == r.URL.Path {
		writeJSON(w, http.StatusNotFound, wire.Fail("missing channel"))
		return
	}

	var req wire.Request
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, wire.Fail("malformed request body: "+err.Error()))
			return
		}
	}

	if err := wire.Validate(channel, req); err != nil {
		writeJSON(w, statusFor(err), wire.Fail(err.Error()))
		return
	}

	handler, ok := s.dispatch[channel]
	if !ok {
		writeJSON(w, http.StatusNotFound, wire.Fail("unknown IPC channel"))
		return
	}

	authCtx := auth.FromContext(r.Context())
	data, err := handler(r, authCtx, req)
	if err != nil {
		writeJSON(w, statusFor(err), wire.Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, wire.Ok(data))
}

// statusFor maps an orcherr.Kind to an HTTP status per error class.
func statusFor(err error) int {
	switch {
	case orcherr.Is(err, orcherr.KindValidation):
		return http.StatusBadRequest
	case orcherr.Is(err, orcherr.KindNotFound):
		return http.StatusNotFound
	case orcherr.Is(err, orcherr.KindConflict):
		return http.StatusConflict
	case orcherr.Is(err, orcherr.KindBusy):
		return http.StatusConflict
	case orcherr.Is(err, orcherr.KindRuntime):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func argString(req wire.Request, i int) string {
	if i >= len(req.Args) {
		return ""
	}
	s, _ := req.Args[i].(string)
	return s
}

func argObject(req wire.Request, i int) map[string]any {
	if i >= len(req.Args) {
		return nil
	}
	m, _ := req.Args[i].(map[string]any)
	return m
}
