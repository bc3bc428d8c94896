// Package companion implements the Daemon value (spec §9 design note): the
// single constructed-at-startup owner of every runtime handle (container
// runtime, git runtime, image-pull coordinator, session store, plugin bus,
// per-session bridges), replacing the source's module-level singletons with
// one value passed down by reference -- grounded on
// maruel-caic/backend/internal/server/server.go's Server struct, which plays
// the same role for its narrower scope (one *task.Runner instead of a whole
// session lifecycle).
package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maruel/ksid"

	"github.com/caic-xyz/companion/internal/agent"
	"github.com/caic-xyz/companion/internal/bridge"
	"github.com/caic-xyz/companion/internal/container"
	"github.com/caic-xyz/companion/internal/dto"
	"github.com/caic-xyz/companion/internal/gitrt"
	"github.com/caic-xyz/companion/internal/imagepull"
	"github.com/caic-xyz/companion/internal/pipeline"
	"github.com/caic-xyz/companion/internal/pluginbus"
	"github.com/caic-xyz/companion/internal/sessionstore"
)

// liveSession bundles everything the Daemon tracks for one running backend
// beyond what SessionStore persists.
type liveSession struct {
	bridge  *bridge.Bridge
	backend agent.Backend
	cancel  context.CancelFunc
	procs   *ProcessRegistry
}

// Deps are the already-constructed collaborators the Daemon wires together.
type Deps struct {
	Sessions   *sessionstore.Store
	Containers container.Runtime
	Git        gitrt.Runtime
	Images     *imagepull.Coordinator
	Pipeline   *pipeline.Pipeline
	Plugins    *pluginbus.Bus
	Log        *slog.Logger
}

// Daemon owns every live session's bridge and backend, and exposes the
// session-lifecycle operations the HTTP surface calls into.
type Daemon struct {
	sessions   *sessionstore.Store
	containers container.Runtime
	git        gitrt.Runtime
	images     *imagepull.Coordinator
	pipe       *pipeline.Pipeline
	plugins    *pluginbus.Bus
	log        *slog.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

// New returns a Daemon over the given collaborators.
func New(d Deps) *Daemon {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		sessions:   d.Sessions,
		containers: d.Containers,
		git:        d.Git,
		images:     d.Images,
		pipe:       d.Pipeline,
		plugins:    d.Plugins,
		log:        log,
		live:       make(map[string]*liveSession),
	}
}

// Bridges satisfies gateway.BridgeLookup: it resolves a live session's
// bridge, or reports false for a dormant/unknown one.
func (d *Daemon) Bridges(sessionID string) (*bridge.Bridge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls, ok := d.live[sessionID]
	if !ok {
		return nil, false
	}
	return ls.bridge, true
}

// IsLive reports whether sessionID currently has a running backend/bridge.
func (d *Daemon) IsLive(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[sessionID]
	return ok
}

// CreateSession runs the creation pipeline to completion and wires the
// resulting backend into a fresh bridge (spec §4.4 + §4.6).
func (d *Daemon) CreateSession(ctx context.Context, req dto.CreateSessionReq) (*sessionstore.Session, error) {
	return d.createSession(ctx, req, &pipeline.JSONReporter{})
}

// CreateSessionStream is the same operation, reporting step progress via an
// SSE reporter instead of returning only the final result (spec §6
// POST /sessions/create-stream).
func (d *Daemon) CreateSessionStream(ctx context.Context, req dto.CreateSessionReq, reporter pipeline.ProgressReporter) (*sessionstore.Session, error) {
	return d.createSession(ctx, req, reporter)
}

func (d *Daemon) createSession(ctx context.Context, req dto.CreateSessionReq, reporter pipeline.ProgressReporter) (*sessionstore.Session, error) {
	sessionID := fmt.Sprint(ksid.NewID())

	res, err := d.pipe.Run(ctx, pipeline.Request{SessionID: sessionID, CreateSessionReq: req}, reporter)
	if err != nil {
		return nil, err
	}

	sess := sessionstore.Session{
		ID:             sessionID,
		Backend:        sessionstore.BackendKind(req.Backend),
		Cwd:            req.Cwd,
		ContainerID:    res.ContainerID,
		WorktreePath:   res.WorktreePath,
		CreatedAt:      time.Now(),
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		Branch:         res.Branch,
		BranchDerived:  res.BranchDerived,
	}
	if err := d.sessions.Upsert(sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	d.attachLive(sessionID, res.Backend, res.MsgCh)
	return &sess, nil
}

// attachLive starts the bridge's owning goroutine and the adapter fan-in
// loop that drains msgCh into it (spec §4.6 Fan-in).
func (d *Daemon) attachLive(sessionID string, backend agent.Backend, msgCh <-chan agent.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	b := bridge.New(sessionID, d.plugins, backend, d.log)

	d.mu.Lock()
	d.live[sessionID] = &liveSession{bridge: b, backend: backend, cancel: cancel, procs: newProcessRegistry()}
	d.mu.Unlock()

	go b.Run(ctx)
	go d.fanIn(ctx, sessionID, b, msgCh)
}

// fanIn normalizes each raw agent.Message into the common envelope and
// delivers it to the bridge, stopping when msgCh closes (backend exit) or
// ctx is cancelled (session kill).
func (d *Daemon) fanIn(ctx context.Context, sessionID string, b *bridge.Bridge, msgCh <-chan agent.Message) {
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				d.markDisconnected(sessionID)
				return
			}
			b.FromAdapter(messageToEnvelope(sessionID, msg))
		case <-ctx.Done():
			return
		}
	}
}

// messageToEnvelope wraps one normalized backend message in the wire
// envelope. Data carries the backend's full original line: downstream
// consumers (plugins, bridge trackers) read named fields off it directly,
// the same way pluginbus dispatch already expects (spec §3 Envelope).
func messageToEnvelope(sessionID string, msg agent.Message) dto.Envelope {
	return dto.Envelope{
		Name: dto.EventName(msg.Type),
		Meta: dto.Meta{
			Timestamp:   time.Now().UnixMilli(),
			Source:      dto.SourceBackendAdapter,
			SessionID:   sessionID,
			BackendType: string(msg.Kind),
		},
		Data: json.RawMessage(msg.Raw),
	}
}

// markDisconnected only logs the disconnect. The session's live entry and
// its bridge are left in place, so already-subscribed browsers keep their
// connection and only the adapter fan-in stops; IsLive keeps reporting true,
// so RelaunchSession refuses the session until KillSession drops the live
// entry.
func (d *Daemon) markDisconnected(sessionID string) {
	d.log.Info("backend disconnected", "session", sessionID)
}

// KillSession implements the kill cancellation sequence (spec §5
// Cancellation): closes the backend child, then cancels the bridge context.
// The bridge then closes every subscriber channel and drops pending
// permission requests without answering the backend; messages still queued
// in its inbox are not processed.
func (d *Daemon) KillSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	ls, ok := d.live[sessionID]
	if ok {
		delete(d.live, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ls.backend.Close(ctx); err != nil {
		d.log.Warn("backend close failed during kill", "session", sessionID, "err", err)
	}
	ls.cancel()
	return nil
}

// ArchiveSession kills a live session if needed, removes its container, and
// removes its worktree if clean (spec §3 "marked archived").
func (d *Daemon) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := d.KillSession(ctx, sessionID); err != nil {
		return err
	}
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return dto.NotFound("session")
	}
	if sess.ContainerID != "" {
		if err := d.containers.Remove(ctx, sessionID); err != nil {
			d.log.Warn("container remove failed during archive", "session", sessionID, "err", err)
		}
	}
	if sess.WorktreePath != "" && !d.git.IsWorktreeDirty(ctx, sess.WorktreePath) {
		opts := gitrt.RemoveOpts{}
		if sess.BranchDerived {
			opts.BranchToDelete = sess.Branch
		}
		if _, err := d.git.RemoveWorktree(ctx, sess.Cwd, sess.WorktreePath, opts); err != nil {
			d.log.Warn("worktree remove failed during archive", "session", sessionID, "err", err)
		}
	}
	_, err := d.sessions.Mutate(sessionID, func(s *sessionstore.Session) { s.Archived = true })
	return err
}

// UnarchiveSession clears the archived flag; the session remains dormant
// until relaunched.
func (d *Daemon) UnarchiveSession(sessionID string) error {
	ok, err := d.sessions.Mutate(sessionID, func(s *sessionstore.Session) { s.Archived = false })
	if err != nil {
		return err
	}
	if !ok {
		return dto.NotFound("session")
	}
	return nil
}

// RelaunchSession reruns the creation pipeline for a dormant session's last
// known parameters, reusing its id (spec §8 "allow relaunch").
func (d *Daemon) RelaunchSession(ctx context.Context, sessionID string) (*sessionstore.Session, error) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, dto.NotFound("session")
	}
	if d.IsLive(sessionID) {
		return nil, dto.Conflict("session already live")
	}

	req := dto.CreateSessionReq{
		Backend:        dto.BackendKind(sess.Backend),
		Cwd:            sess.Cwd,
		Branch:         sess.Branch,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
	}
	res, err := d.pipe.Run(ctx, pipeline.Request{SessionID: sessionID, CreateSessionReq: req}, &pipeline.JSONReporter{})
	if err != nil {
		return nil, err
	}

	_, err = d.sessions.Mutate(sessionID, func(s *sessionstore.Session) {
		s.ContainerID = res.ContainerID
		s.WorktreePath = res.WorktreePath
		if res.Branch != "" {
			s.Branch = res.Branch
		}
	})
	if err != nil {
		return nil, err
	}

	d.attachLive(sessionID, res.Backend, res.MsgCh)
	updated, _ := d.sessions.Get(sessionID)
	return &updated, nil
}

// RenameSession updates the session's display name and, if live, pushes a
// session_name_update envelope through the bridge's normal fan-out so every
// subscribed browser observes it without a dedicated bridge API (the same
// FromAdapter path the backend's own events take).
func (d *Daemon) RenameSession(sessionID, name string) error {
	ok, err := d.sessions.Mutate(sessionID, func(s *sessionstore.Session) { s.Name = name })
	if err != nil {
		return err
	}
	if !ok {
		return dto.NotFound("session")
	}
	if b, live := d.Bridges(sessionID); live {
		data, _ := json.Marshal(struct {
			Name string `json:"name"`
		}{Name: name})
		b.FromAdapter(dto.Envelope{
			Name: dto.EventSessionNameUpdate,
			Meta: dto.Meta{Timestamp: time.Now().UnixMilli(), Source: dto.SourceRoutes, SessionID: sessionID},
			Data: data,
		})
	}
	return nil
}

// DeleteSession removes a session entirely, regardless of archived state
// (spec §3 "deleted: all state removed").
func (d *Daemon) DeleteSession(ctx context.Context, sessionID string) error {
	_ = d.KillSession(ctx, sessionID)
	_ = d.containers.Remove(ctx, sessionID)
	if sess, ok := d.sessions.Get(sessionID); ok && sess.WorktreePath != "" {
		opts := gitrt.RemoveOpts{Force: true}
		if sess.BranchDerived {
			opts.BranchToDelete = sess.Branch
		}
		if _, err := d.git.RemoveWorktree(ctx, sess.Cwd, sess.WorktreePath, opts); err != nil {
			d.log.Warn("worktree remove failed during delete", "session", sessionID, "err", err)
		}
	}
	return d.sessions.Delete(sessionID)
}

// ListSessions returns every non-deleted session.
func (d *Daemon) ListSessions() []sessionstore.Session {
	return d.sessions.List()
}

// GetSession returns one session by id.
func (d *Daemon) GetSession(sessionID string) (sessionstore.Session, bool) {
	return d.sessions.Get(sessionID)
}

// Processes returns the ProcessRegistry for a live session, if any.
func (d *Daemon) Processes(sessionID string) (*ProcessRegistry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls, ok := d.live[sessionID]
	if !ok {
		return nil, false
	}
	return ls.procs, true
}

// Shutdown cancels every live session and force-removes every
// companion-managed container (spec §5 "A daemon shutdown cancels every
// session and calls ContainerRuntime.cleanupAll").
func (d *Daemon) Shutdown(ctx context.Context) {
	d.mu.Lock()
	sessions := make([]*liveSession, 0, len(d.live))
	for _, ls := range d.live {
		sessions = append(sessions, ls)
	}
	d.live = make(map[string]*liveSession)
	d.mu.Unlock()

	for _, ls := range sessions {
		_ = ls.backend.Close(ctx)
		ls.cancel()
	}
	if cleaner, ok := d.containers.(interface{ CleanupAll(context.Context) }); ok {
		cleaner.CleanupAll(ctx)
	}
}
