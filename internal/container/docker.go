package container

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// hostAuthTarget and runtimeAuthTarget are the two fixed in-container paths
// every companion container gets, regardless of backend (spec §4.1 Create).
const (
	hostAuthTarget    = "/home/companion/.host-auth"
	runtimeAuthTarget = "/home/companion/.companion-auth"
	workspaceTarget   = "/workspace"
)

// DockerRuntime implements Runtime against a local Docker Engine, grounded
// on the teacher pack's Docker SDK usage (client.NewClientWithOpts with API
// version negotiation, ContainerCreate/Start/Exec, stdcopy demuxing).
type DockerRuntime struct {
	cli     *client.Client
	track   *tracker
	log     *slog.Logger
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment-derived configuration.
func NewDockerRuntime(log *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DockerRuntime{cli: cli, track: newTracker(), log: log}, nil
}

func (d *DockerRuntime) CheckAvailable(ctx context.Context) bool {
	_, err := d.cli.Ping(ctx)
	return err == nil
}

func (d *DockerRuntime) Version(ctx context.Context) (string, bool) {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return "", false
	}
	return v.Version, true
}

func (d *DockerRuntime) ListImages(ctx context.Context) ([]string, error) {
	imgs, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var out []string
	for _, im := range imgs {
		out = append(out, im.RepoTags...)
	}
	return out, nil
}

// Create builds and starts a container for a session. Runtime-pinned mounts
// (workspace bind, writable tmpfs auth, and the read-only host auth mount
// when cfg.HostAuthDir is set) are applied on top of cfg.Mounts (spec §4.1).
func (d *DockerRuntime) Create(ctx context.Context, sessionID, hostCwd string, cfg Config) (h Handle, retErr error) {
	name := containerName(sessionID)

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostCwd, Target: workspaceTarget},
	}
	if cfg.HostAuthDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   cfg.HostAuthDir,
			Target:   hostAuthTarget,
			ReadOnly: true,
		})
	}
	mounts = append(mounts, mount.Mount{
		Type:   mount.TypeTmpfs,
		Target: runtimeAuthTarget,
	})
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	exposed, bindings, err := portConfig(cfg.Ports)
	if err != nil {
		return Handle{}, err
	}

	var env []string
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          []string{"sleep", "infinity"},
		Tty:          true,
		WorkingDir:   workspaceTarget,
		Env:          env,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
		ExtraHosts:   []string{"host.docker.internal:host-gateway"},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		}
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("start container: %w", err)
	}

	resolvedPorts, err := d.resolvePorts(ctx, resp.ID, cfg.Ports)
	if err != nil {
		return Handle{}, fmt.Errorf("resolve ports: %w", err)
	}

	if cfg.HostAuthDir != "" {
		if err := d.seedAuthFiles(ctx, resp.ID); err != nil {
			d.log.Warn("seeding runtime auth files failed", "container", resp.ID, "err", err)
		}
	}

	h = Handle{
		ID:        resp.ID,
		Name:      name,
		Image:     cfg.Image,
		Ports:     resolvedPorts,
		HostCwd:   hostCwd,
		ContCwd:   workspaceTarget,
		State:     StateRunning,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	d.track.put(h)
	return h, nil
}

// seedAuthFiles copies only auth/settings/skills files from the read-only
// host mount into the writable runtime auth location -- deliberately not a
// full home-directory copy (spec §4.1).
func (d *DockerRuntime) seedAuthFiles(ctx context.Context, containerID string) error {
	argv := []string{"sh", "-c", fmt.Sprintf(
		"for f in auth.json settings.json skills; do [ -e %s/$f ] && cp -r %s/$f %s/ || true; done",
		hostAuthTarget, hostAuthTarget, runtimeAuthTarget)}
	_, err := d.Exec(ctx, containerID, argv, 8*time.Second)
	return err
}

func portConfig(ports []int) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, nil, fmt.Errorf("container port %d out of range 1..65535", p)
		}
		key := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[key] = struct{}{}
		bindings[key] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}
	return exposed, bindings, nil
}

func (d *DockerRuntime) resolvePorts(ctx context.Context, containerID string, requested []int) (map[int]int, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(requested))
	for _, p := range requested {
		key := nat.Port(strconv.Itoa(p) + "/tcp")
		bindings, ok := info.NetworkSettings.Ports[key]
		if !ok || len(bindings) == 0 {
			continue
		}
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			continue
		}
		out[p] = hostPort
	}
	return out, nil
}

// Exec runs a one-shot command, argv form only, never shell-interpolated
// (spec §4.1 invariant). A hard timeout distinguishes from a non-zero exit.
func (d *DockerRuntime) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCfg := container.ExecOptions{Cmd: argv, AttachStdout: true, AttachStderr: true}
	execID, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("exec read: %w", err)
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("exec timed out after %s", timeout)
	}
	out := stdout.String() + stderr.String()
	info, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return out, fmt.Errorf("exec inspect: %w", err)
	}
	if info.ExitCode != 0 {
		return out, fmt.Errorf("exec exited with code %d", info.ExitCode)
	}
	return out, nil
}

// ExecStreaming runs a command, line-buffering combined stdout+stderr and
// invoking onLine for each line as it is produced (spec §4.1).
func (d *DockerRuntime) ExecStreaming(ctx context.Context, containerID string, argv []string, timeout time.Duration, onLine func(string)) (StreamResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCfg := container.ExecOptions{Cmd: argv, AttachStdout: true, AttachStderr: true}
	execID, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return StreamResult{}, fmt.Errorf("exec create: %w", err)
	}
	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return StreamResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var combined bytes.Buffer
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		pw.CloseWithError(err)
	}()

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				info, err := d.cli.ContainerExecInspect(ctx, execID.ID)
				if err != nil {
					return StreamResult{CombinedOutput: combined.String()}, nil
				}
				return StreamResult{ExitCode: info.ExitCode, CombinedOutput: combined.String()}, nil
			}
			combined.WriteString(line)
			combined.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
		case <-ctx.Done():
			return StreamResult{CombinedOutput: combined.String(), TimedOut: true}, fmt.Errorf("exec streaming timed out after %s", timeout)
		}
	}
}

func (d *DockerRuntime) Alive(ctx context.Context, containerID string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("inspect: %w", err)
	}
	if info.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

func (d *DockerRuntime) Retrack(oldSessionOrID, newSessionID string) {
	d.track.rekey(oldSessionOrID, newSessionID)
}

// Remove is idempotent force-removal (spec §4.1).
func (d *DockerRuntime) Remove(ctx context.Context, sessionID string) error {
	h, ok := d.track.get(sessionID)
	if !ok {
		return nil
	}
	err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		d.log.Warn("container remove failed", "container", h.ID, "err", err)
	}
	d.track.delete(sessionID)
	return nil
}

func (d *DockerRuntime) Persist(path string) error {
	return d.track.persist(path)
}

// Restore loads persisted handles and drops any that no longer exist in the
// runtime (spec §3 Container handle, §8 round-trip property).
func (d *DockerRuntime) Restore(ctx context.Context, path string) error {
	handles, err := loadHandles(path)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if _, err := d.cli.ContainerInspect(ctx, h.ID); err != nil {
			d.log.Info("dropping stale container handle on restore", "container", h.ID, "session", h.SessionID)
			continue
		}
		d.track.put(h)
	}
	return nil
}

// listManaged lists containers by the companion name prefix, grounded on
// STRML's filters.NewArgs() name-prefix listing idiom.
func (d *DockerRuntime) listManaged(ctx context.Context) ([]container.Summary, error) {
	fa := filters.NewArgs()
	fa.Add("name", containerNamePrefix)
	return d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: fa})
}

// CleanupAll force-removes every companion-managed container, used on
// daemon shutdown (spec §5 Cancellation).
func (d *DockerRuntime) CleanupAll(ctx context.Context) {
	containers, err := d.listManaged(ctx)
	if err != nil {
		d.log.Warn("cleanup: list containers failed", "err", err)
		return
	}
	for _, c := range containers {
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			d.log.Warn("cleanup: remove failed", "container", c.ID, "err", err)
		}
	}
}

// DockerImagePuller adapts the Docker SDK's ImagePull (which takes an
// image.PullOptions the coordinator has no opinion about) to
// imagepull.Puller's narrower single-ref signature.
type DockerImagePuller struct {
	cli *client.Client
}

// NewDockerImagePuller shares d's already-connected client.
func NewDockerImagePuller(d *DockerRuntime) *DockerImagePuller {
	return &DockerImagePuller{cli: d.cli}
}

func (p *DockerImagePuller) ImagePull(ctx context.Context, ref string) (io.ReadCloser, error) {
	return p.cli.ImagePull(ctx, ref, image.PullOptions{})
}
