package module

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// egressPattern matches tools that cause outbound user-visible messages.
// Only the Messenger butler may expose these; on every other butler they are
// stripped from the surface at registration time. Deliberately unanchored at
// the end so suffixed variants cannot slip past the strip.
var egressPattern = regexp.MustCompile(`^(user|bot)_[a-z]+_(send|reply|react)`)

// IsEgressTool reports whether a tool name is an outbound delivery tool.
func IsEgressTool(name string) bool {
	return egressPattern.MatchString(name)
}

// Registry owns the butler's module set and aggregated tool surface.
type Registry struct {
	modules      map[string]Module
	startOrder   []string
	tools        map[string]Tool
	allowEgress  bool
	stripped     []string
	logger       *slog.Logger
	started      bool
}

// NewRegistry creates a registry. allowEgress is true only on Messenger.
func NewRegistry(allowEgress bool, logger *slog.Logger) *Registry {
	return &Registry{
		modules:     make(map[string]Module),
		tools:       make(map[string]Tool),
		allowEgress: allowEgress,
		logger:      logger.With("component", "modules"),
	}
}

// Register adds a module. Must happen before Start.
func (r *Registry) Register(m Module) error {
	if r.started {
		return fmt.Errorf("cannot register module %s after start", m.Name())
	}
	if _, dup := r.modules[m.Name()]; dup {
		return fmt.Errorf("module %s registered twice", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Start initializes all modules in dependency order and builds the tool
// surface. A missing dependency or a cycle fails startup deterministically.
func (r *Registry) Start(ctx context.Context) error {
	order, err := r.resolveOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		m := r.modules[name]
		if err := m.Init(ctx); err != nil {
			// Roll back whatever already started.
			r.shutdownStarted(ctx)
			return fmt.Errorf("failed to init module %s: %w", name, err)
		}
		r.startOrder = append(r.startOrder, name)
		r.logger.Info("module initialized", "module", name)
	}
	r.collectTools()
	r.started = true
	return nil
}

// Shutdown stops modules in reverse init order. Errors are logged, not
// propagated; shutdown always visits every module.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdownStarted(ctx)
	r.started = false
}

func (r *Registry) shutdownStarted(ctx context.Context) {
	for i := len(r.startOrder) - 1; i >= 0; i-- {
		name := r.startOrder[i]
		if err := r.modules[name].Shutdown(ctx); err != nil {
			r.logger.Error("module shutdown failed", "module", name, "error", err)
		} else {
			r.logger.Info("module stopped", "module", name)
		}
	}
	r.startOrder = nil
}

// Tool returns a tool by name.
func (r *Registry) Tool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToolNames returns the surface's tool names, sorted.
func (r *Registry) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrippedTools returns the egress tools removed from this butler's surface.
func (r *Registry) StrippedTools() []string { return r.stripped }

func (r *Registry) collectTools() {
	for _, name := range r.startOrder {
		for _, tool := range r.modules[name].Tools() {
			if !r.allowEgress && IsEgressTool(tool.Name) {
				r.stripped = append(r.stripped, tool.Name)
				continue
			}
			r.tools[tool.Name] = tool
		}
	}
	sort.Strings(r.stripped)
	if len(r.stripped) > 0 {
		r.logger.Info("egress tools stripped from surface", "tools", r.stripped)
	}
}

// resolveOrder runs Kahn's algorithm over module dependencies. Ties break
// lexically so the order is stable across restarts.
func (r *Registry) resolveOrder() ([]string, error) {
	indegree := make(map[string]int, len(r.modules))
	dependents := make(map[string][]string)
	for name, m := range r.modules {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range m.Dependencies() {
			if _, ok := r.modules[dep]; !ok {
				return nil, fmt.Errorf("module %s depends on %s, which is not enabled", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		var unlocked []string
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(r.modules) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("module dependency cycle involving %v", stuck)
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
