// Package pluginbus implements PluginBus (spec §4.7): registry and
// dispatch of events to plugins, with priority, timeout, capability gating,
// health tracking, and mutation merging.
//
// No direct teacher analog exists for this component; it is built in the
// teacher's validation-with-fallback idiom
// (maruel-caic/backend/internal/server/dto/validate.go) and its
// structured-logging conventions.
package pluginbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/caic-xyz/companion/internal/dto"
)

// Capability is a plugin side-effect channel subject to grant gating.
type Capability string

const (
	CapInsightToast      Capability = "insight:toast"
	CapInsightSound      Capability = "insight:sound"
	CapInsightDesktop    Capability = "insight:desktop"
	CapPermissionAuto    Capability = "permission:auto-decide"
	CapMessageMutate     Capability = "message:mutate"
)

// FailPolicy selects whether a plugin failure aborts remaining dispatch.
type FailPolicy string

const (
	FailContinue      FailPolicy = "continue"
	FailAbortCurrent  FailPolicy = "abort_current_action"
)

// Handler is a plugin's event callback. config is the plugin's resolved
// effective configuration.
type Handler func(ctx context.Context, env dto.Envelope, config json.RawMessage) (Result, error)

// Result is what a plugin handler returns (spec §9 design note: a small
// record, never a reducer over the whole state). MutateContent, when
// non-nil, is a pure transform the bridge composes with other plugins'
// transforms in priority order rather than applying in isolation.
type Result struct {
	Insights           []Insight
	PermissionDecision *PermissionDecision
	MutateContent      func(content string) string
}

// Insight is a plugin-produced notification.
type Insight struct {
	Level   string
	Message string
	Channel Capability
}

// PermissionDecision is a plugin's proposed resolution of a pending
// permission_request.
type PermissionDecision struct {
	Behavior string // "allow" | "deny"
}

// Definition is a registered plugin (spec §3).
type Definition struct {
	ID            string
	Version       string
	Events        []string // may include "*"
	Priority      int       // higher runs first
	Blocking      bool
	TimeoutMS     int
	FailPolicy    FailPolicy
	DefaultEnabled bool
	DefaultConfig json.RawMessage
	Capabilities  []Capability
	RiskLevel     string
	ConfigValidator func(json.RawMessage) error
	OnEvent       Handler
}

func (d Definition) timeout() time.Duration {
	if d.TimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

func (d Definition) matches(name dto.EventName) bool {
	for _, e := range d.Events {
		if e == "*" || dto.EventName(e) == name {
			return true
		}
	}
	return false
}

// healthStatus is a plugin's rolling health classification.
type healthStatus string

const (
	HealthHealthy  healthStatus = "healthy"
	HealthDegraded healthStatus = "degraded"
)

// runtimeState is the mutable per-plugin state (spec §3 "Runtime state").
type runtimeState struct {
	enabled        bool
	config         json.RawMessage
	grants         map[Capability]bool
	successes      int
	failures       int
	consecutiveFail int
	aborted        int
	lastError      string
	status         healthStatus
}

// DispatchResult is what the bridge receives after dispatching one event.
type DispatchResult struct {
	Insights           []Insight
	PermissionDecision *PermissionDecision
	Mutated            json.RawMessage
}

// userMessagePayload is the minimal shape of a user.message.before_send
// event's data, carrying the content subject to mutation.
type userMessagePayload struct {
	Content string `json:"content"`
}

// PersistedState is the on-disk shape of plugins.json (spec §3, §6).
type PersistedState struct {
	UpdatedAt time.Time                        `json:"updatedAt"`
	Enabled   map[string]bool                  `json:"enabled"`
	Config    map[string]json.RawMessage       `json:"config"`
	Grants    map[string]map[Capability]bool   `json:"grants"`
}

// Bus is the plugin registry and dispatcher.
type Bus struct {
	mu    sync.Mutex
	defs  map[string]Definition
	state map[string]*runtimeState
	log   *slog.Logger
}

// New returns an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{defs: make(map[string]Definition), state: make(map[string]*runtimeState), log: log}
}

// Register adds a plugin definition. The registry is append-only after boot
// (spec §5 Shared resources).
func (b *Bus) Register(def Definition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defs[def.ID] = def
	b.state[def.ID] = &runtimeState{
		enabled: def.DefaultEnabled,
		config:  def.DefaultConfig,
		grants:  capabilitySetFromList(def.Capabilities),
		status:  HealthHealthy,
	}
}

func capabilitySetFromList(caps []Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

// LoadPersisted applies persisted enabled/config/grants onto registered
// plugins. Invalid config falls back to the plugin's default with a
// one-shot warning, and the default is persisted back by the caller
// (spec §3, §7).
func (b *Bus) LoadPersisted(ps PersistedState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, st := range b.state {
		def := b.defs[id]
		if en, ok := ps.Enabled[id]; ok {
			st.enabled = en
		}
		if cfg, ok := ps.Config[id]; ok {
			if def.ConfigValidator == nil || def.ConfigValidator(cfg) == nil {
				st.config = cfg
			} else {
				b.log.Warn("persisted plugin config invalid, falling back to default", "plugin", id)
				st.config = def.DefaultConfig
			}
		}
		if g, ok := ps.Grants[id]; ok {
			st.grants = g
		}
	}
}

// Snapshot returns the current persistable state.
func (b *Bus) Snapshot() PersistedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := PersistedState{
		UpdatedAt: time.Now(),
		Enabled:   make(map[string]bool),
		Config:    make(map[string]json.RawMessage),
		Grants:    make(map[string]map[Capability]bool),
	}
	for id, st := range b.state {
		ps.Enabled[id] = st.enabled
		ps.Config[id] = st.config
		ps.Grants[id] = st.grants
	}
	return ps
}

// SetEnabled toggles a plugin.
func (b *Bus) SetEnabled(id string, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok {
		st.enabled = enabled
	}
}

// SetGrant edits a plugin's capability grant map at runtime.
func (b *Bus) SetGrant(id string, cap Capability, granted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok {
		if st.grants == nil {
			st.grants = make(map[Capability]bool)
		}
		st.grants[cap] = granted
	}
}

// Dispatch runs every enabled, matching plugin for env in descending
// priority order -- invocation order satisfies spec §8 property 5
// regardless of event kind. Each plugin is invoked once against the
// original envelope; a plugin that returns MutateContent contributes a
// transform rather than a final string, and those transforms are composed
// separately afterward in ascending priority order (spec §4.6 User-message
// mutation chain, §9 design note).
func (b *Bus) Dispatch(ctx context.Context, env dto.Envelope) DispatchResult {
	defs := b.matchingDefs(env.Name)

	var result DispatchResult
	type mutationEntry struct {
		priority  int
		transform func(string) string
	}
	var mutations []mutationEntry
	aborted := false

	for _, def := range defs {
		if aborted {
			break
		}
		st := b.stateFor(def.ID)
		if !st.enabled {
			continue
		}

		res, err := b.runOne(ctx, def, env, st)
		insights := b.gate(def.ID, st, res.Insights, res.PermissionDecision != nil, res.MutateContent != nil)
		result.Insights = append(result.Insights, insights...)

		if err != nil {
			b.recordFailure(st, err)
			if def.FailPolicy == FailAbortCurrent {
				aborted = true
			}
			continue
		}
		b.recordSuccess(st)

		if res.PermissionDecision != nil && result.PermissionDecision == nil && st.grants[CapPermissionAuto] {
			result.PermissionDecision = res.PermissionDecision
		}
		if res.MutateContent != nil && st.grants[CapMessageMutate] {
			mutations = append(mutations, mutationEntry{priority: def.Priority, transform: res.MutateContent})
		}
	}

	if len(mutations) > 0 {
		sort.SliceStable(mutations, func(i, j int) bool { return mutations[i].priority < mutations[j].priority })
		var payload userMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			content := payload.Content
			for _, m := range mutations {
				content = m.transform(content)
			}
			if data, err := json.Marshal(userMessagePayload{Content: content}); err == nil {
				result.Mutated = data
			}
		}
	}
	return result
}

func (b *Bus) matchingDefs(name dto.EventName) []Definition {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Definition
	for _, def := range b.defs {
		if def.matches(name) {
			out = append(out, def)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (b *Bus) stateFor(id string) *runtimeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[id]
}

// runOne invokes one plugin's handler, enforcing its timeout and
// blocking/non-blocking semantics (spec §4.7). Non-blocking plugins never
// contribute to the returned Result (spec §8 property 6); their completion
// only updates health counters.
func (b *Bus) runOne(ctx context.Context, def Definition, env dto.Envelope, st *runtimeState) (Result, error) {
	run := func() (Result, error) {
		return def.OnEvent(ctx, env, st.config)
	}

	if !def.Blocking {
		go func() {
			_, err := run()
			if err != nil {
				b.log.Warn("non-blocking plugin failed", "plugin", def.ID, "err", err)
				b.recordFailure(st, err)
				return
			}
			b.recordSuccess(st)
		}()
		return Result{}, nil
	}

	type out struct {
		res Result
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := run()
		ch <- out{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-time.After(def.timeout()):
		return Result{}, fmt.Errorf("plugin %s timed out after %s", def.ID, def.timeout())
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// gate filters a plugin's outputs through its capability grants (spec §4.7
// Capability gating, §8 property 4).
func (b *Bus) gate(id string, st *runtimeState, insights []Insight, hadDecision, hadMutation bool) []Insight {
	var out []Insight
	for _, ins := range insights {
		if ins.Channel != "" && !st.grants[ins.Channel] {
			out = append(out, Insight{Level: "info", Message: "Capability blocked"})
			continue
		}
		out = append(out, ins)
	}
	if hadDecision && !st.grants[CapPermissionAuto] {
		out = append(out, Insight{Level: "info", Message: "Capability blocked"})
	}
	if hadMutation && !st.grants[CapMessageMutate] {
		out = append(out, Insight{Level: "info", Message: "Capability blocked"})
	}
	return out
}

// recordFailure updates health counters; >=3 consecutive failures degrades
// the plugin (spec §4.7 Health tracking).
func (b *Bus) recordFailure(st *runtimeState, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st.failures++
	st.consecutiveFail++
	st.lastError = err.Error()
	if st.consecutiveFail >= 3 {
		st.status = HealthDegraded
	}
}

func (b *Bus) recordSuccess(st *runtimeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st.successes++
	st.consecutiveFail = 0
	if st.status == HealthDegraded && st.successes >= 100 {
		st.status = HealthHealthy
	}
}

// Info is the resolved runtime info returned by List (spec §4.7
// Introspection).
type Info struct {
	ID         string
	Version    string
	Events     []string
	Priority   int
	Blocking   bool
	TimeoutMS  int
	FailPolicy FailPolicy
	Enabled    bool
	Config     json.RawMessage
	Grants     map[Capability]bool
	Health     healthStatus
	Successes  int
	Failures   int
	Aborted    int
	LastError  string
}

// List returns every registered plugin's resolved runtime info.
func (b *Bus) List() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, 0, len(b.defs))
	for id, def := range b.defs {
		st := b.state[id]
		out = append(out, Info{
			ID: id, Version: def.Version, Events: def.Events, Priority: def.Priority,
			Blocking: def.Blocking, TimeoutMS: def.TimeoutMS, FailPolicy: def.FailPolicy,
			Enabled: st.enabled, Config: st.config, Grants: st.grants, Health: st.status,
			Successes: st.successes, Failures: st.failures, Aborted: st.aborted, LastError: st.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DryRun executes a single plugin synchronously without mutating persistent
// runtime counters (spec §4.7 Introspection).
func (b *Bus) DryRun(ctx context.Context, id string, env dto.Envelope) (Result, error) {
	b.mu.Lock()
	def, ok := b.defs[id]
	var cfg json.RawMessage
	if st, ok2 := b.state[id]; ok2 {
		cfg = st.config
	}
	b.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown plugin %q", id)
	}
	return def.OnEvent(ctx, env, cfg)
}
