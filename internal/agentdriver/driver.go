// Package agentdriver resolves an agent name into a concrete command
// invocation and parses its stdout/stderr for session/model/cost/error
// metadata. Grounded on the teacher's pkg/agent.Protocol enum and its
// per-protocol packages (pkg/claudecode, pkg/codex, pkg/opencode,
// pkg/amp, pkg/copilot), generalized to spec's canonical agent set
// {claude, cursor, opencode, amp, codex}.
package agentdriver

import (
	"errors"
	"strings"
)

// ParsedOutput is what a driver extracts from a terminated process's
// stdout/stderr.
type ParsedOutput struct {
	SessionID string
	Model     string
	CostUSD   float64
	HasError  bool
}

// Driver is the sealed-variant contract the core depends on. Each
// concrete agent implements this directly; there is no runtime plugin
// loading, matching §9's "sealed set of variants" design note.
type Driver interface {
	Name() string
	Command() string
	BuildArgv(prompt string) []string
	ParseOutput(stdout, stderr []byte) ParsedOutput
}

// ErrDriverNotFound is returned by the registry when no driver matches.
var ErrDriverNotFound = errors.New("no agent driver matches")

// Registry resolves agent names (and optionally a command hint) to a
// Driver via the spec's three-step policy: exact name match, then command
// match, then case-insensitive substring match against the canonical set.
type Registry struct {
	drivers []Driver
	byName  map[string]Driver
}

// NewRegistry builds a Registry pre-loaded with the canonical drivers.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Driver)}
	for _, d := range []Driver{
		NewClaudeDriver(),
		NewCursorDriver(),
		NewOpenCodeDriver(),
		NewAmpDriver(),
		NewCodexDriver(),
	} {
		r.Register(d)
	}
	return r
}

// Register adds a driver to the registry, keyed by its canonical name.
func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers, d)
	r.byName[strings.ToLower(d.Name())] = d
}

// DriverFor resolves agentName (and an optional command hint) to a Driver.
func (r *Registry) DriverFor(agentName string, command string) (Driver, error) {
	if d, ok := r.byName[strings.ToLower(agentName)]; ok {
		return d, nil
	}

	if command != "" {
		for _, d := range r.drivers {
			if d.Command() == command {
				return d, nil
			}
		}
	}

	lower := strings.ToLower(agentName)
	for _, d := range r.drivers {
		if strings.Contains(lower, strings.ToLower(d.Name())) {
			return d, nil
		}
	}

	return nil, ErrDriverNotFound
}
