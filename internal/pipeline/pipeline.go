// Package pipeline implements CreationPipeline (spec §4.4): the ordered,
// rollback-aware sequence that turns a session request into a running
// backend CLI. Step sequencing follows
// maruel-caic/backend/internal/task/runner.go's Start/setup ordering;
// per-step rollback closures follow
// STRML-claude-cells/internal/orchestrator/create.go's CreateWorkstream.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/caic-xyz/companion/internal/agent"
	"github.com/caic-xyz/companion/internal/container"
	"github.com/caic-xyz/companion/internal/dto"
	"github.com/caic-xyz/companion/internal/gitrt"
	"github.com/caic-xyz/companion/internal/imagepull"
)

// Editor and app-server ports are published on every containerized session
// alongside whatever ports the request asked for (spec §4.4 step 4).
const (
	editorPort         = 39375
	codexAppServerPort = 39376
)

// imagePullDeadline bounds step 3 (spec §4.4: "default 300s").
const imagePullDeadline = 300 * time.Second

// Profile is a named environment profile (spec §4.4 step 1).
type Profile struct {
	Image      string
	Ports      []int
	Volumes    []container.Mount
	InitScript string
	Env        map[string]string
}

// ProfileLookup resolves a named profile; ok is false when unknown.
type ProfileLookup func(name string) (Profile, bool)

// BackendFactory returns a fresh, unstarted Backend for a harness kind.
type BackendFactory func(kind dto.BackendKind) (agent.Backend, error)

// Request is one creation request plus the server-assigned session id.
type Request struct {
	SessionID string
	dto.CreateSessionReq
}

// Result is everything the caller needs to persist and wire up a session
// after a successful Run.
type Result struct {
	ContainerID    string
	ContainerCwd   string
	Ports          map[int]int
	WorktreePath   string
	Branch         string
	// BranchDerived is true when Branch was synthesized because the request
	// left Branch empty, rather than named explicitly by the caller. Only a
	// derived branch is safe to delete when its worktree goes away (spec §4.4
	// step 2, §8 "derived branches are cleaned up on archive/delete").
	BranchDerived bool
	Backend       agent.Backend
	BackendSession *agent.Session
	MsgCh          chan agent.Message
}

// Pipeline drives the 8-step creation sequence.
type Pipeline struct {
	Container container.Runtime
	Git       gitrt.Runtime
	Images    *imagepull.Coordinator
	Backends  BackendFactory
	Profiles  ProfileLookup
	LogDir    string // directory for raw JSONL backend logs
	Log       *slog.Logger

	// copyWorkspaceFn defaults to p.copyWorkspace; overridable in tests since
	// the real implementation shells out to the docker CLI.
	copyWorkspaceFn func(ctx context.Context, containerID, hostCwd string) error
}

// New returns a Pipeline with the given collaborators.
func New(cr container.Runtime, git gitrt.Runtime, images *imagepull.Coordinator, backends BackendFactory, profiles ProfileLookup, logDir string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{Container: cr, Git: git, Images: images, Backends: backends, Profiles: profiles, LogDir: logDir, Log: log}
	p.copyWorkspaceFn = p.copyWorkspace
	return p
}

// SetWorkspaceCopier overrides the workspace-copy step, letting callers
// outside this package (daemon tests) substitute a fake for the default
// docker-cp implementation.
func (p *Pipeline) SetWorkspaceCopier(fn func(ctx context.Context, containerID, hostCwd string) error) {
	p.copyWorkspaceFn = fn
}

// rollback is a cleanup action registered after a step that created
// something side-effecting; rollbacks run in reverse registration order
// when a later step fails (spec §4.4 Failure semantics).
type rollback func()

// Run drives the pipeline, reporting each step to reporter. Rollbacks run
// only for side effects created after the failing step's own cleanup
// (container removed; worktree NOT auto-removed, per spec §4.4).
func (p *Pipeline) Run(ctx context.Context, req Request, reporter ProgressReporter) (*Result, error) {
	var rollbacks []rollback
	defer func() {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
	}()

	res := &Result{ContainerCwd: "/workspace"}

	// Step 1: resolving_env.
	reporter.Progress("resolving_env", "Resolving environment", StatusInProgress, "")
	profile, env, ports, initScript, image, err := p.resolveEnv(req)
	if err != nil {
		reporter.Error(err.Error(), 400, "resolving_env")
		return nil, err
	}
	reporter.Progress("resolving_env", "Resolving environment", StatusDone, "")

	hostCwd := req.Cwd

	// Step 2: worktree or plain git branch handling (non-fatal on git errors).
	if req.UseWorktree {
		reporter.Progress("creating_worktree", "Creating worktree", StatusInProgress, "")
		repo, err := p.Git.RepoInfo(ctx, req.Cwd)
		if err != nil || repo == nil {
			p.Log.Warn("worktree requested but repo info unavailable, proceeding without worktree", "cwd", req.Cwd, "err", err)
			reporter.Progress("creating_worktree", "Creating worktree", StatusDone, "no repo detected, skipped")
		} else {
			branch := req.Branch
			derived := branch == ""
			if derived {
				// No branch named: mint one of our own so the worktree has
				// somewhere to live. Only a branch we minted is ours to
				// delete later.
				branch = "companion/" + req.SessionID
			}
			createBranch := req.CreateBranch || derived
			wtPath, actualBranch, err := p.Git.EnsureWorktree(ctx, repo.RepoRoot, branch, gitrt.WorktreeOpts{
				BaseBranch:   repo.DefaultBranch,
				CreateBranch: createBranch,
				ForceNew:     req.ForceNew,
			})
			if err != nil {
				p.Log.Warn("worktree creation failed, proceeding against original cwd", "err", err)
				reporter.Progress("creating_worktree", "Creating worktree", StatusDone, "failed, using original cwd")
			} else {
				res.WorktreePath = wtPath
				res.Branch = actualBranch
				res.BranchDerived = derived
				hostCwd = wtPath
				reporter.Progress("creating_worktree", "Creating worktree", StatusDone, wtPath)
			}
		}
	} else if req.Branch != "" {
		reporter.Progress("fetching_git", "Fetching", StatusInProgress, "")
		if ok, out := p.Git.Fetch(ctx, req.Cwd); !ok {
			p.Log.Warn("fetch failed, proceeding with current branch", "out", out)
		}
		reporter.Progress("fetching_git", "Fetching", StatusDone, "")

		reporter.Progress("checkout_branch", "Checking out branch", StatusInProgress, "")
		if err := p.Git.CheckoutOrCreateBranch(ctx, req.Cwd, req.Branch, req.CreateBranch, ""); err != nil {
			p.Log.Warn("branch checkout failed, proceeding on current branch", "err", err)
			reporter.Progress("checkout_branch", "Checking out branch", StatusDone, "failed, using current branch")
		} else {
			res.Branch = req.Branch
			reporter.Progress("checkout_branch", "Checking out branch", StatusDone, "")
		}

		reporter.Progress("pulling_git", "Pulling", StatusInProgress, "")
		if ok, out := p.Git.Pull(ctx, req.Cwd); !ok {
			p.Log.Warn("pull failed, proceeding with local state", "out", out)
		}
		reporter.Progress("pulling_git", "Pulling", StatusDone, "")
	}

	// Step 3: pulling_image.
	if image != "" {
		reporter.Progress("pulling_image", "Pulling image", StatusInProgress, "")
		p.Images.EnsureImage(ctx, image)
		lines, unsub := p.Images.OnProgress(image)
		for line := range lines {
			reporter.Progress("pulling_image", "Pulling image", StatusInProgress, line)
		}
		unsub()
		if !p.Images.WaitForReady(ctx, image, imagePullDeadline) {
			_, errMsg := p.Images.State(image)
			err := fmt.Errorf("image %s never became ready: %s", image, errMsg)
			reporter.Error(err.Error(), 502, "pulling_image")
			return nil, err
		}
		reporter.Progress("pulling_image", "Pulling image", StatusDone, "")
	}

	// Step 4: creating_container.
	reporter.Progress("creating_container", "Creating container", StatusInProgress, "")
	if err := validateAuthMaterials(req.Backend, env); err != nil {
		reporter.Error(err.Error(), 400, "creating_container")
		return nil, err
	}
	allPorts := append(append([]int(nil), ports...), editorPort)
	if req.Backend == dto.BackendCodex {
		allPorts = append(allPorts, codexAppServerPort)
	}
	handle, err := p.Container.Create(ctx, req.SessionID, hostCwd, container.Config{
		Image:  image,
		Ports:  allPorts,
		Mounts: profile.Volumes,
		Env:    env,
	})
	if err != nil {
		reporter.Error(fmt.Sprintf("create container: %v", err), 500, "creating_container")
		return nil, err
	}
	res.ContainerID = handle.ID
	res.Ports = handle.Ports
	rollbacks = append(rollbacks, func() {
		_ = p.Container.Remove(context.WithoutCancel(ctx), req.SessionID)
	})
	reporter.Progress("creating_container", "Creating container", StatusDone, handle.ID)

	// Step 5: copying_workspace.
	reporter.Progress("copying_workspace", "Copying workspace", StatusInProgress, "")
	if err := p.copyWorkspaceFn(ctx, handle.ID, hostCwd); err != nil {
		reporter.Error(fmt.Sprintf("copy workspace: %v", err), 500, "copying_workspace")
		return nil, err
	}
	reporter.Progress("copying_workspace", "Copying workspace", StatusDone, "")

	// Step 6: running_init_script.
	if initScript != "" {
		reporter.Progress("running_init_script", "Running init script", StatusInProgress, "")
		var lines []string
		result, err := p.Container.ExecStreaming(ctx, handle.ID, []string{"sh", "-c", initScript}, 5*time.Minute, func(line string) {
			lines = append(lines, line)
			reporter.Progress("running_init_script", "Running init script", StatusInProgress, line)
		})
		if err != nil || result.ExitCode != 0 {
			detail := headTail(lines)
			msg := fmt.Sprintf("init script failed (exit %d): %s", result.ExitCode, detail)
			if err != nil {
				msg = fmt.Sprintf("init script failed: %v: %s", err, detail)
			}
			reporter.Error(msg, 500, "running_init_script")
			return nil, fmt.Errorf("%s", msg)
		}
		reporter.Progress("running_init_script", "Running init script", StatusDone, "")
	}

	// Step 7: launching_cli.
	reporter.Progress("launching_cli", "Launching agent", StatusInProgress, "")
	backend, err := p.Backends(req.Backend)
	if err != nil {
		reporter.Error(err.Error(), 500, "launching_cli")
		return nil, err
	}
	logW, err := p.openLog(req.SessionID)
	if err != nil {
		reporter.Error(err.Error(), 500, "launching_cli")
		return nil, err
	}
	msgCh := make(chan agent.Message, 256)
	sess, err := backend.Start(ctx, agent.Options{
		Cwd:            res.ContainerCwd,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		AllowedTools:   req.AllowedTools,
		Env:            env,
		Resume:         req.Resume,
	}, msgCh, logW)
	if err != nil {
		_ = logW.Close()
		reporter.Error(fmt.Sprintf("launch backend: %v", err), 500, "launching_cli")
		return nil, err
	}
	reporter.Progress("launching_cli", "Launching agent", StatusDone, "")

	// Step 8: post-launch bookkeeping.
	p.Container.Retrack(req.SessionID, req.SessionID)

	res.Backend = backend
	res.BackendSession = sess
	res.MsgCh = msgCh

	// Everything succeeded: disarm rollbacks.
	rollbacks = nil
	return res, nil
}

func (p *Pipeline) resolveEnv(req Request) (Profile, map[string]string, []int, string, string, error) {
	var profile Profile
	if req.Profile != "" {
		if p.Profiles == nil {
			return Profile{}, nil, nil, "", "", fmt.Errorf("environment profile %q not found", req.Profile)
		}
		resolved, ok := p.Profiles(req.Profile)
		if !ok {
			return Profile{}, nil, nil, "", "", fmt.Errorf("environment profile %q not found", req.Profile)
		}
		profile = resolved
	}

	env := make(map[string]string, len(profile.Env)+len(req.Env))
	for k, v := range profile.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	ports := append([]int(nil), profile.Ports...)
	ports = append(ports, req.Ports...)

	image := req.Image
	if image == "" {
		image = profile.Image
	}

	return profile, env, ports, profile.InitScript, image, nil
}

// validateAuthMaterials checks backend-specific auth is reachable before
// paying for a container (spec §4.4 step 4).
func validateAuthMaterials(backend dto.BackendKind, env map[string]string) error {
	switch backend {
	case dto.BackendClaude:
		if env["ANTHROPIC_API_KEY"] == "" && env["CLAUDE_CODE_USE_HOST_AUTH"] == "" {
			return fmt.Errorf("no Claude auth available: set ANTHROPIC_API_KEY or mount host auth")
		}
	case dto.BackendCodex:
		if env["OPENAI_API_KEY"] == "" && env["CODEX_USE_HOST_AUTH"] == "" {
			return fmt.Errorf("no Codex auth available: set OPENAI_API_KEY or mount host auth")
		}
	}
	return nil
}

// copyWorkspace copies hostCwd's contents into the container's /workspace
// with the docker CLI's `docker cp`, then marks /workspace as a git
// safe.directory inside the container (spec §4.4 step 5).
func (p *Pipeline) copyWorkspace(ctx context.Context, containerID, hostCwd string) error {
	cmd := exec.CommandContext(ctx, "docker", "cp", hostCwd+"/.", containerID+":/workspace")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker cp: %w: %s", err, strings.TrimSpace(string(out)))
	}
	_, err = p.Container.Exec(ctx, containerID, []string{"sh", "-c", "git config --global --add safe.directory /workspace"}, 10*time.Second)
	return err
}

func (p *Pipeline) openLog(sessionID string) (io.WriteCloser, error) {
	if p.LogDir == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(p.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(p.LogDir, sessionID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// initScriptTruncateLimit, initScriptHeadChars, and initScriptTailChars
// implement spec §8's boundary case: output longer than 2000 chars is
// truncated to head (500) + tail (1500) in the error message.
const (
	initScriptTruncateLimit = 2000
	initScriptHeadChars     = 500
	initScriptTailChars     = 1500
)

// headTail joins lines and, if the combined output exceeds
// initScriptTruncateLimit characters, truncates it to the first
// initScriptHeadChars and last initScriptTailChars characters -- truncation
// is by character count, not line count, since a handful of very long lines
// must still be truncated (spec §4.4 step 6).
func headTail(lines []string) string {
	joined := strings.Join(lines, "\n")
	if len(joined) <= initScriptTruncateLimit {
		return joined
	}
	var b strings.Builder
	b.WriteString(joined[:initScriptHeadChars])
	b.WriteString("\n... [truncated] ...\n")
	b.WriteString(joined[len(joined)-initScriptTailChars:])
	return b.String()
}
