package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// QualifierSeparator joins a server ID and a tool's local name.
const QualifierSeparator = "/"

var (
	// ErrUnknownTool is returned when no descriptor matches a lookup.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrAmbiguousTool is returned when a bare name is owned by several servers.
	ErrAmbiguousTool = errors.New("ambiguous tool name")
)

// ToolDescriptor describes one callable tool discovered on an MCP server.
// Descriptors are immutable; a rediscovery replaces the server's set wholesale.
type ToolDescriptor struct {
	Server      string          // owning server ID
	Name        string          // local name as advertised by the server
	Qualified   string          // Server + QualifierSeparator + Name
	Description string          // human description for model selection
	Schema      json.RawMessage // JSON schema of the input arguments
}

// Qualify builds the registry-wide unique name for a tool.
func Qualify(server, name string) string {
	return server + QualifierSeparator + name
}

// snapshot is an immutable view of all published descriptors.
// Readers hold a snapshot pointer and never observe partial updates.
type snapshot struct {
	version     uint64
	byQualified map[string]ToolDescriptor
	byBare      map[string][]string // local name -> qualified names owning it
	ordered     []ToolDescriptor    // sorted by qualified name
}

// Registry maps qualified tool names to descriptors. It is read-heavy and
// write-rare: writes rebuild a snapshot and swap it atomically so concurrent
// lookups never block on a rediscovery in progress.
type Registry struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[snapshot]
}

func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		byQualified: map[string]ToolDescriptor{},
		byBare:      map[string][]string{},
	})
	return r
}

// Publish replaces the descriptor subset owned by server atomically.
func (r *Registry) Publish(server string, descriptors []ToolDescriptor) {
	r.rebuild(server, descriptors)
}

// Remove drops every descriptor owned by server. Called when a session is
// permanently closed so the registry never serves tools nobody can invoke.
func (r *Registry) Remove(server string) {
	r.rebuild(server, nil)
}

func (r *Registry) rebuild(server string, descriptors []ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := &snapshot{
		version:     old.version + 1,
		byQualified: make(map[string]ToolDescriptor, len(old.byQualified)+len(descriptors)),
		byBare:      make(map[string][]string, len(old.byBare)+len(descriptors)),
	}

	for qualified, desc := range old.byQualified {
		if desc.Server == server {
			continue
		}
		next.byQualified[qualified] = desc
	}
	for _, desc := range descriptors {
		d := desc
		d.Server = server
		if d.Qualified == "" {
			d.Qualified = Qualify(server, d.Name)
		}
		next.byQualified[d.Qualified] = d
	}

	for qualified, desc := range next.byQualified {
		next.byBare[desc.Name] = append(next.byBare[desc.Name], qualified)
		next.ordered = append(next.ordered, desc)
	}
	for name := range next.byBare {
		sort.Strings(next.byBare[name])
	}
	sort.Slice(next.ordered, func(i, j int) bool {
		return next.ordered[i].Qualified < next.ordered[j].Qualified
	})

	r.snap.Store(next)
}

// Lookup resolves a qualified or bare tool name. Bare names owned by more
// than one server return ErrAmbiguousTool instead of silently picking one.
func (r *Registry) Lookup(name string) (ToolDescriptor, error) {
	snap := r.snap.Load()

	if strings.Contains(name, QualifierSeparator) {
		if desc, ok := snap.byQualified[name]; ok {
			return desc, nil
		}
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	owners := snap.byBare[name]
	switch len(owners) {
	case 0:
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	case 1:
		return snap.byQualified[owners[0]], nil
	default:
		return ToolDescriptor{}, fmt.Errorf("%w: %s is offered by servers %s",
			ErrAmbiguousTool, name, strings.Join(owners, ", "))
	}
}

// All returns every published descriptor sorted by qualified name.
// The returned slice belongs to an immutable snapshot; callers must not
// mutate it.
func (r *Registry) All() []ToolDescriptor {
	return r.snap.Load().ordered
}

// ServerTools returns the descriptors currently owned by server.
func (r *Registry) ServerTools(server string) []ToolDescriptor {
	var out []ToolDescriptor
	for _, desc := range r.snap.Load().ordered {
		if desc.Server == server {
			out = append(out, desc)
		}
	}
	return out
}

// Version increments once per published snapshot; useful to observe that a
// reconnect produced exactly one replacement.
func (r *Registry) Version() uint64 {
	return r.snap.Load().version
}
