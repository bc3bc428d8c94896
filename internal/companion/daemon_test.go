package companion

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/caic-xyz/companion/internal/agent"
	"github.com/caic-xyz/companion/internal/container"
	"github.com/caic-xyz/companion/internal/dto"
	"github.com/caic-xyz/companion/internal/gitrt"
	"github.com/caic-xyz/companion/internal/pipeline"
	"github.com/caic-xyz/companion/internal/pluginbus"
	"github.com/caic-xyz/companion/internal/sessionstore"
)

type fakeContainerRuntime struct {
	removed []string
}

func (f *fakeContainerRuntime) CheckAvailable(ctx context.Context) bool             { return true }
func (f *fakeContainerRuntime) Version(ctx context.Context) (string, bool)          { return "1.0", true }
func (f *fakeContainerRuntime) ListImages(ctx context.Context) ([]string, error)    { return nil, nil }
func (f *fakeContainerRuntime) Create(ctx context.Context, sessionID, hostCwd string, cfg container.Config) (container.Handle, error) {
	return container.Handle{ID: "c-" + sessionID, SessionID: sessionID}, nil
}
func (f *fakeContainerRuntime) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (string, error) {
	return "1 init\n2 bash\n", nil
}
func (f *fakeContainerRuntime) ExecStreaming(ctx context.Context, containerID string, argv []string, timeout time.Duration, onLine func(string)) (container.StreamResult, error) {
	return container.StreamResult{ExitCode: 0}, nil
}
func (f *fakeContainerRuntime) Alive(ctx context.Context, containerID string) (container.State, error) {
	return container.StateRunning, nil
}
func (f *fakeContainerRuntime) Retrack(oldID, newID string) {}
func (f *fakeContainerRuntime) Remove(ctx context.Context, sessionID string) error {
	f.removed = append(f.removed, sessionID)
	return nil
}
func (f *fakeContainerRuntime) Persist(path string) error                     { return nil }
func (f *fakeContainerRuntime) Restore(ctx context.Context, path string) error { return nil }

type fakeGit struct {
	dirty       bool
	repo        *gitrt.RepoInfo // non-nil makes EnsureWorktree exercise the worktree path
	removedOpts []gitrt.RemoveOpts
}

func (f *fakeGit) RepoInfo(ctx context.Context, path string) (*gitrt.RepoInfo, error) { return f.repo, nil }
func (f *fakeGit) EnsureWorktree(ctx context.Context, repoRoot, branch string, opts gitrt.WorktreeOpts) (string, string, error) {
	return repoRoot + "/wt", branch, nil
}
func (f *fakeGit) Fetch(ctx context.Context, repoRoot string) (bool, string) { return true, "" }
func (f *fakeGit) Pull(ctx context.Context, repoRoot string) (bool, string)  { return true, "" }
func (f *fakeGit) CheckoutOrCreateBranch(ctx context.Context, repoRoot, branch string, createBranch bool, defaultBranch string) error {
	return nil
}
func (f *fakeGit) IsWorktreeDirty(ctx context.Context, path string) bool { return f.dirty }
func (f *fakeGit) RemoveWorktree(ctx context.Context, repoRoot, path string, opts gitrt.RemoveOpts) (bool, error) {
	f.removedOpts = append(f.removedOpts, opts)
	return true, nil
}

// blockingBackend keeps msgCh open until Close is called, so tests can
// observe a session staying live until KillSession runs.
type blockingBackend struct {
	closed chan struct{}
}

func newBlockingBackend() *blockingBackend { return &blockingBackend{closed: make(chan struct{})} }

func (b *blockingBackend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, logW io.Writer) (*agent.Session, error) {
	go func() {
		<-b.closed
		close(msgCh)
	}()
	return &agent.Session{PID: 1}, nil
}
func (b *blockingBackend) Send(ctx context.Context, line []byte) error     { return nil }
func (b *blockingBackend) ParseMessage(line []byte) (agent.Message, error) { return agent.Message{}, nil }
func (b *blockingBackend) Close(ctx context.Context) error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}
func (b *blockingBackend) Harness() agent.Harness { return agent.HarnessClaude }

func newTestDaemon(t *testing.T, cr *fakeContainerRuntime, git *fakeGit, backend agent.Backend) *Daemon {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pipe := pipeline.New(cr, git, nil, func(dto.BackendKind) (agent.Backend, error) {
		return backend, nil
	}, nil, "", nil)
	pipe.SetWorkspaceCopier(func(ctx context.Context, containerID, hostCwd string) error { return nil })
	return New(Deps{
		Sessions:   store,
		Containers: cr,
		Git:        git,
		Pipeline:   pipe,
		Plugins:    pluginbus.New(nil),
		Log:        nil,
	})
}

func baseReq() dto.CreateSessionReq {
	return dto.CreateSessionReq{
		Backend: dto.BackendClaude,
		Cwd:     "/tmp/repo",
		Env:     map[string]string{"ANTHROPIC_API_KEY": "k"},
	}
}

func TestCreateSessionPersistsAndAttachesBridge(t *testing.T) {
	cr := &fakeContainerRuntime{}
	d := newTestDaemon(t, cr, &fakeGit{}, newBlockingBackend())

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if !d.IsLive(sess.ID) {
		t.Error("expected session to be live after creation")
	}
	if _, ok := d.sessions.Get(sess.ID); !ok {
		t.Error("expected session to be persisted")
	}
}

func TestKillSessionStopsBackendAndDropsLive(t *testing.T) {
	cr := &fakeContainerRuntime{}
	backend := newBlockingBackend()
	d := newTestDaemon(t, cr, &fakeGit{}, backend)

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := d.KillSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("KillSession failed: %v", err)
	}
	if d.IsLive(sess.ID) {
		t.Error("expected session to no longer be live")
	}
	select {
	case <-backend.closed:
	default:
		t.Error("expected backend to be closed")
	}
	if _, ok := d.sessions.Get(sess.ID); !ok {
		t.Error("expected session record to survive kill (dormant, not deleted)")
	}
}

func TestArchiveSessionRemovesContainerWhenClean(t *testing.T) {
	cr := &fakeContainerRuntime{}
	git := &fakeGit{dirty: false}
	d := newTestDaemon(t, cr, git, newBlockingBackend())

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := d.ArchiveSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}
	if len(cr.removed) != 1 {
		t.Errorf("expected container removal, got %v", cr.removed)
	}
	updated, _ := d.sessions.Get(sess.ID)
	if !updated.Archived {
		t.Error("expected session to be marked archived")
	}
}

func TestArchiveSessionDeletesOnlyDerivedBranch(t *testing.T) {
	cr := &fakeContainerRuntime{}
	git := &fakeGit{dirty: false, repo: &gitrt.RepoInfo{RepoRoot: "/tmp/repo", DefaultBranch: "main"}}
	d := newTestDaemon(t, cr, git, newBlockingBackend())

	req := baseReq()
	req.UseWorktree = true // Branch left empty: the pipeline mints one.
	sess, err := d.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !sess.BranchDerived {
		t.Fatal("expected an empty requested branch to be recorded as derived")
	}

	if err := d.ArchiveSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}
	if len(git.removedOpts) != 1 {
		t.Fatalf("expected one RemoveWorktree call, got %d", len(git.removedOpts))
	}
	if git.removedOpts[0].BranchToDelete != sess.Branch {
		t.Errorf("expected the derived branch %q to be deleted, got %q", sess.Branch, git.removedOpts[0].BranchToDelete)
	}
}

func TestArchiveSessionKeepsUserRequestedBranch(t *testing.T) {
	cr := &fakeContainerRuntime{}
	git := &fakeGit{dirty: false, repo: &gitrt.RepoInfo{RepoRoot: "/tmp/repo", DefaultBranch: "main"}}
	d := newTestDaemon(t, cr, git, newBlockingBackend())

	req := baseReq()
	req.UseWorktree = true
	req.Branch = "feature/explicit"
	sess, err := d.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.BranchDerived {
		t.Fatal("expected an explicitly requested branch to not be marked derived")
	}

	if err := d.ArchiveSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}
	if len(git.removedOpts) != 1 {
		t.Fatalf("expected one RemoveWorktree call, got %d", len(git.removedOpts))
	}
	if git.removedOpts[0].BranchToDelete != "" {
		t.Errorf("expected the user-requested branch to be kept, got delete of %q", git.removedOpts[0].BranchToDelete)
	}
}

func TestDeleteSessionRemovesDerivedWorktreeBranch(t *testing.T) {
	cr := &fakeContainerRuntime{}
	git := &fakeGit{repo: &gitrt.RepoInfo{RepoRoot: "/tmp/repo", DefaultBranch: "main"}}
	d := newTestDaemon(t, cr, git, newBlockingBackend())

	req := baseReq()
	req.UseWorktree = true
	sess, err := d.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := d.DeleteSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if len(git.removedOpts) != 1 {
		t.Fatalf("expected DeleteSession to remove the worktree even without a prior archive, got %d calls", len(git.removedOpts))
	}
	if git.removedOpts[0].BranchToDelete != sess.Branch {
		t.Errorf("expected the derived branch %q to be deleted, got %q", sess.Branch, git.removedOpts[0].BranchToDelete)
	}
	if _, ok := d.sessions.Get(sess.ID); ok {
		t.Error("expected session record to be gone after delete")
	}
}

func TestRenameSessionUpdatesStoreAndLiveBridge(t *testing.T) {
	cr := &fakeContainerRuntime{}
	d := newTestDaemon(t, cr, &fakeGit{}, newBlockingBackend())

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := d.RenameSession(sess.ID, "my session"); err != nil {
		t.Fatalf("RenameSession failed: %v", err)
	}
	updated, _ := d.sessions.Get(sess.ID)
	if updated.Name != "my session" {
		t.Errorf("expected name to persist, got %q", updated.Name)
	}
}

func TestRenameSessionUnknownReturnsNotFound(t *testing.T) {
	cr := &fakeContainerRuntime{}
	d := newTestDaemon(t, cr, &fakeGit{}, newBlockingBackend())

	err := d.RenameSession("missing", "x")
	if err == nil {
		t.Fatal("expected an error for unknown session")
	}
	var statusErr dto.ErrorWithStatus
	if !asErrorWithStatus(err, &statusErr) || statusErr.StatusCode() != 404 {
		t.Errorf("expected a 404 NotFound, got %v", err)
	}
}

func TestRelaunchSessionRejectsAlreadyLive(t *testing.T) {
	cr := &fakeContainerRuntime{}
	d := newTestDaemon(t, cr, &fakeGit{}, newBlockingBackend())

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := d.RelaunchSession(context.Background(), sess.ID); err == nil {
		t.Fatal("expected relaunch of a live session to fail")
	}
}

func TestRelaunchSessionRestartsDormantSession(t *testing.T) {
	cr := &fakeContainerRuntime{}
	backend := newBlockingBackend()
	d := newTestDaemon(t, cr, &fakeGit{}, backend)

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := d.KillSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("KillSession failed: %v", err)
	}

	relaunched, err := d.RelaunchSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RelaunchSession failed: %v", err)
	}
	if relaunched.ID != sess.ID {
		t.Errorf("expected relaunch to reuse the session id, got %q", relaunched.ID)
	}
	if !d.IsLive(sess.ID) {
		t.Error("expected session to be live again after relaunch")
	}
}

func TestProcessRegistryKillAndKillAll(t *testing.T) {
	reg := newProcessRegistry()
	var cancelled []string
	reg.Register("a", func() { cancelled = append(cancelled, "a") })
	reg.Register("b", func() { cancelled = append(cancelled, "b") })

	if err := reg.Kill("missing"); err == nil {
		t.Fatal("expected killing an unknown task to fail")
	}
	if err := reg.Kill("a"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != "a" {
		t.Errorf("expected only task a cancelled, got %v", cancelled)
	}

	n := reg.KillAll()
	if n != 1 {
		t.Errorf("expected 1 remaining task killed, got %d", n)
	}
}

func TestSystemProcessesParsesContainerPS(t *testing.T) {
	cr := &fakeContainerRuntime{}
	d := newTestDaemon(t, cr, &fakeGit{}, newBlockingBackend())

	sess, err := d.CreateSession(context.Background(), baseReq())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	procs, err := d.SystemProcesses(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("SystemProcesses failed: %v", err)
	}
	if len(procs) != 2 || procs[0].Command != "init" {
		t.Errorf("unexpected process list: %+v", procs)
	}
}

func TestShutdownClosesAllBackendsAndCleansUpContainers(t *testing.T) {
	cr := &fakeContainerRuntime{}
	backend := newBlockingBackend()
	d := newTestDaemon(t, cr, &fakeGit{}, backend)

	if _, err := d.CreateSession(context.Background(), baseReq()); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	d.Shutdown(context.Background())
	select {
	case <-backend.closed:
	default:
		t.Error("expected backend to be closed on shutdown")
	}
}

// asErrorWithStatus is a small helper mirroring the errors.As pattern the
// HTTP handlers use to translate a returned error into a status code.
func asErrorWithStatus(err error, target *dto.ErrorWithStatus) bool {
	type withStatus interface {
		StatusCode() int
		Code() dto.ErrorCode
		Details() map[string]any
		Error() string
	}
	if ws, ok := err.(withStatus); ok {
		*target = ws
		return true
	}
	return false
}
