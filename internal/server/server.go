// Package server provides the daemon's HTTP surface (spec §6): session
// lifecycle endpoints, process control, auth pairing, and the browser
// WebSocket upgrade. Grounded on
// maruel-caic/backend/internal/server/server.go's mux/ListenAndServe shape.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/caic-xyz/companion/internal/auth"
	"github.com/caic-xyz/companion/internal/companion"
	"github.com/caic-xyz/companion/internal/dto"
	"github.com/caic-xyz/companion/internal/gateway"
	"github.com/caic-xyz/companion/internal/pipeline"
	"github.com/caic-xyz/companion/internal/sessionstore"
)

// Server wires the Daemon and AuthGate to the HTTP surface.
type Server struct {
	daemon *companion.Daemon
	auth   *auth.Gate
	gw     *gateway.Gateway
	log    *slog.Logger
}

// New returns a Server.
func New(daemon *companion.Daemon, gate *auth.Gate, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		daemon: daemon,
		auth:   gate,
		gw:     gateway.New(daemon.Bridges, gate, log),
		log:    log,
	}
}

// ListenAndServe starts the HTTP server on addr, blocking until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.Handle("POST /sessions/create", s.requireAuth(handle(s.handleCreateSession)))
	mux.HandleFunc("POST /sessions/create-stream", s.requireAuthFunc(s.handleCreateSessionStream))
	mux.Handle("GET /sessions", s.requireAuth(handle(s.handleListSessions)))
	mux.Handle("GET /sessions/{id}", s.requireAuth(handle(s.handleGetSession)))
	mux.Handle("DELETE /sessions/{id}", s.requireAuth(handle(s.handleDeleteSession)))
	mux.Handle("POST /sessions/{id}/kill", s.requireAuth(handle(s.handleKillSession)))
	mux.Handle("POST /sessions/{id}/archive", s.requireAuth(handle(s.handleArchiveSession)))
	mux.Handle("POST /sessions/{id}/unarchive", s.requireAuth(handle(s.handleUnarchiveSession)))
	mux.Handle("POST /sessions/{id}/relaunch", s.requireAuth(handle(s.handleRelaunchSession)))
	mux.Handle("POST /sessions/{id}/name", s.requireAuth(handle(s.handleRenameSession)))
	mux.Handle("POST /sessions/{id}/processes/{taskId}/kill", s.requireAuth(handle(s.handleKillProcess)))
	mux.Handle("POST /sessions/{id}/processes/kill-all", s.requireAuth(handle(s.handleKillAllProcesses)))
	mux.Handle("GET /sessions/{id}/processes/system", s.requireAuth(handle(s.handleSystemProcesses)))

	mux.HandleFunc("GET /auth/qr", s.handleAuthQR)
	mux.HandleFunc("GET /auth/auto", s.handleAuthAuto)
	mux.Handle("POST /auth/verify", s.requireAuth(handle(s.handleAuthVerify)))

	mux.HandleFunc("/ws/browser/{sessionId}", s.gw.ServeHTTP)

	handler := compressMiddleware(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.log.Info("listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// requireAuth wraps a handler so it 401s unless the request is authenticated
// (spec §6 "authenticated by bearer token; localhost bypass").
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authenticate(r) {
			writeError(w, dto.Unauthorized("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(next).ServeHTTP
}

// sessionPathReq carries the {id} path parameter shared by most session
// mutation endpoints.
type sessionPathReq struct {
	ID string `path:"id"`
}

func (r *sessionPathReq) Validate() error {
	if r.ID == "" {
		return dto.BadRequest("session id is required")
	}
	return nil
}

type processPathReq struct {
	ID     string `path:"id"`
	TaskID string `path:"taskId"`
}

func (r *processPathReq) Validate() error {
	if r.ID == "" || r.TaskID == "" {
		return dto.BadRequest("session id and task id are required")
	}
	return nil
}

func (s *Server) handleCreateSession(ctx context.Context, req *dto.CreateSessionReq) (*dto.SessionJSON, error) {
	sess, err := s.daemon.CreateSession(ctx, *req)
	if err != nil {
		return nil, err
	}
	out := toSessionJSON(*sess, s.daemon.IsLive(sess.ID))
	return &out, nil
}

// handleCreateSessionStream reports CreationPipeline progress as SSE (spec
// §6 "Server-Sent Events progress, done, error"); it cannot use the generic
// handle wrapper since it streams rather than returning one JSON body.
func (s *Server) handleCreateSessionStream(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateSessionReq
	if !readAndDecodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	reporter := pipeline.NewSSEReporter(w)
	if _, err := s.daemon.CreateSessionStream(r.Context(), req, reporter); err != nil {
		s.log.Warn("create-stream failed", "err", err)
	}
}

func (s *Server) handleListSessions(ctx context.Context, _ *dto.EmptyReq) (*[]dto.SessionJSON, error) {
	sessions := s.daemon.ListSessions()
	out := make([]dto.SessionJSON, len(sessions))
	for i, sess := range sessions {
		out[i] = toSessionJSON(sess, s.daemon.IsLive(sess.ID))
	}
	return &out, nil
}

func (s *Server) handleGetSession(ctx context.Context, req *sessionPathReq) (*dto.SessionJSON, error) {
	sess, ok := s.daemon.GetSession(req.ID)
	if !ok {
		return nil, dto.NotFound("session")
	}
	out := toSessionJSON(sess, s.daemon.IsLive(sess.ID))
	return &out, nil
}

func (s *Server) handleDeleteSession(ctx context.Context, req *sessionPathReq) (*dto.StatusResp, error) {
	if err := s.daemon.DeleteSession(ctx, req.ID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "deleted"}, nil
}

func (s *Server) handleKillSession(ctx context.Context, req *sessionPathReq) (*dto.StatusResp, error) {
	if err := s.daemon.KillSession(ctx, req.ID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "killed"}, nil
}

func (s *Server) handleArchiveSession(ctx context.Context, req *sessionPathReq) (*dto.StatusResp, error) {
	if err := s.daemon.ArchiveSession(ctx, req.ID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "archived"}, nil
}

func (s *Server) handleUnarchiveSession(ctx context.Context, req *sessionPathReq) (*dto.StatusResp, error) {
	if err := s.daemon.UnarchiveSession(req.ID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "unarchived"}, nil
}

func (s *Server) handleRelaunchSession(ctx context.Context, req *sessionPathReq) (*dto.SessionJSON, error) {
	sess, err := s.daemon.RelaunchSession(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := toSessionJSON(*sess, true)
	return &out, nil
}

type renameReq struct {
	ID   string `path:"id"`
	Name string `json:"name"`
}

func (r *renameReq) Validate() error {
	if r.ID == "" {
		return dto.BadRequest("session id is required")
	}
	if r.Name == "" {
		return dto.BadRequest("name is required")
	}
	return nil
}

func (s *Server) handleRenameSession(ctx context.Context, req *renameReq) (*dto.StatusResp, error) {
	if err := s.daemon.RenameSession(req.ID, req.Name); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "renamed"}, nil
}

func (s *Server) handleKillProcess(ctx context.Context, req *processPathReq) (*dto.StatusResp, error) {
	if err := s.daemon.KillProcess(req.ID, req.TaskID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "killed"}, nil
}

func (s *Server) handleKillAllProcesses(ctx context.Context, req *sessionPathReq) (*dto.StatusResp, error) {
	if _, err := s.daemon.KillAllProcesses(req.ID); err != nil {
		return nil, err
	}
	return &dto.StatusResp{Status: "killed"}, nil
}

func (s *Server) handleSystemProcesses(ctx context.Context, req *sessionPathReq) (*[]companion.SystemProcess, error) {
	procs, err := s.daemon.SystemProcesses(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &procs, nil
}

func (s *Server) handleAuthQR(w http.ResponseWriter, r *http.Request) {
	if !s.auth.AutoAllowed(r) {
		writeError(w, dto.Forbidden("localhost only"))
		return
	}
	payload := s.auth.QRPayload(r, r.Host)
	writeJSONResponse(w, &payload, nil)
}

func (s *Server) handleAuthAuto(w http.ResponseWriter, r *http.Request) {
	if !s.auth.AutoAllowed(r) {
		writeError(w, dto.Forbidden("localhost only"))
		return
	}
	resp := struct {
		Token string `json:"token"`
	}{Token: s.auth.Token()}
	writeJSONResponse(w, &resp, nil)
}

type verifyReq struct {
	Token string `json:"token"`
}

func (r *verifyReq) Validate() error {
	if r.Token == "" {
		return dto.BadRequest("token is required")
	}
	return nil
}

func (s *Server) handleAuthVerify(ctx context.Context, req *verifyReq) (*struct {
	Valid bool `json:"valid"`
}, error) {
	return &struct {
		Valid bool `json:"valid"`
	}{Valid: s.auth.Verify(req.Token)}, nil
}

func toSessionJSON(sess sessionstore.Session, live bool) dto.SessionJSON {
	return dto.SessionJSON{
		ID:                sess.ID,
		Name:              sess.Name,
		Backend:           string(sess.Backend),
		Cwd:               sess.Cwd,
		ContainerID:       sess.ContainerID,
		WorktreePath:      sess.WorktreePath,
		Archived:          sess.Archived,
		CreatedAt:         sess.CreatedAt.Format(time.RFC3339),
		Model:             sess.Model,
		PermissionMode:    sess.PermissionMode,
		Branch:            sess.Branch,
		Ahead:             sess.Ahead,
		Behind:            sess.Behind,
		LinesAdded:        sess.LinesAdded,
		LinesRemoved:      sess.LinesRemoved,
		NumTurns:          sess.NumTurns,
		CumulativeCostUSD: sess.CumulativeCost,
		ContextUsedPct:    sess.ContextUsedPct,
		Live:              live,
	}
}
