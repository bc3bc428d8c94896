package companion

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caic-xyz/companion/internal/dto"
)

// ProcessRegistry tracks a live session's in-flight backend tool tasks
// (spec §6 `/sessions/:id/processes/:taskId/kill` and `/processes/kill-all`).
// A taskId is whatever correlation id the backend assigns a long-running
// tool invocation (e.g. a Bash tool call); the registry only needs to be
// able to cancel it, not understand what it does.
type ProcessRegistry struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func newProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{tasks: make(map[string]context.CancelFunc)}
}

// Register associates taskID with the cancel func that stops it, replacing
// any prior registration under the same id.
func (p *ProcessRegistry) Register(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[taskID] = cancel
}

// Done drops taskID once it completes on its own, so Kill/KillAll stop
// seeing it.
func (p *ProcessRegistry) Done(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, taskID)
}

// Kill cancels one task. Returns dto.NotFound if taskID is unknown.
func (p *ProcessRegistry) Kill(taskID string) error {
	p.mu.Lock()
	cancel, ok := p.tasks[taskID]
	if ok {
		delete(p.tasks, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return dto.NotFound("process")
	}
	cancel()
	return nil
}

// KillAll cancels every tracked task and reports how many were stopped.
func (p *ProcessRegistry) KillAll() int {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = make(map[string]context.CancelFunc)
	p.mu.Unlock()
	for _, cancel := range tasks {
		cancel()
	}
	return len(tasks)
}

// SystemProcess is one row of the container's process table.
type SystemProcess struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// SystemProcesses lists the processes running inside sessionID's container
// (spec §6 `GET /processes/system`), by shelling `ps` through
// ContainerRuntime.Exec the same way the creation pipeline runs init
// scripts.
func (d *Daemon) SystemProcesses(ctx context.Context, sessionID string) ([]SystemProcess, error) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, dto.NotFound("session")
	}
	if sess.ContainerID == "" {
		return nil, dto.Conflict("session has no container")
	}
	out, err := d.containers.Exec(ctx, sess.ContainerID, []string{"ps", "-eo", "pid,comm", "--no-headers"}, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("list system processes: %w", err)
	}
	return parsePS(out), nil
}

func parsePS(out string) []SystemProcess {
	var procs []SystemProcess
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cmd := ""
		if len(fields) == 2 {
			cmd = strings.TrimSpace(fields[1])
		}
		procs = append(procs, SystemProcess{PID: pid, Command: cmd})
	}
	return procs
}

// KillProcess cancels one task within a live session.
func (d *Daemon) KillProcess(sessionID, taskID string) error {
	procs, ok := d.Processes(sessionID)
	if !ok {
		return dto.NotFound("session")
	}
	return procs.Kill(taskID)
}

// KillAllProcesses cancels every tracked task within a live session.
func (d *Daemon) KillAllProcesses(sessionID string) (int, error) {
	procs, ok := d.Processes(sessionID)
	if !ok {
		return 0, dto.NotFound("session")
	}
	return procs.KillAll(), nil
}
