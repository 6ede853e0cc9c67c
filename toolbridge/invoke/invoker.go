package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/mcp"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/registry"
)

// FailureKind classifies why an invocation produced no usable payload.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureServerUnavailable FailureKind = "server_unavailable"
	FailureUnknownTool       FailureKind = "unknown_tool"
	FailureAmbiguousTool     FailureKind = "ambiguous_tool"
	FailureInvalidArguments  FailureKind = "invalid_arguments"
	FailureTimeout           FailureKind = "timeout"
	FailureToolError         FailureKind = "tool_error"
)

// Result is the outcome of one tool invocation. A failed invocation is still
// a Result; the orchestrator feeds Content back to the model either way so a
// turn never dies on a single bad tool call.
type Result struct {
	Tool    registry.ToolDescriptor
	Payload string
	Failure FailureKind
	Reason  string
	Latency time.Duration
}

// Content renders the result the way it is shown to the model.
func (r Result) Content() string {
	if r.Failure != FailureNone {
		return "Tool Error: " + r.Reason
	}
	if r.Payload == "" {
		return "(tool returned no output)"
	}
	return r.Payload
}

// Session is the slice of a managed MCP session the invoker needs.
type Session interface {
	CallTool(ctx context.Context, name string, args map[string]any) (payload string, isError bool, err error)
	Demote()
}

// SessionSource resolves a server ID to its live session.
type SessionSource interface {
	Get(serverID string) (Session, bool)
}

// FromManager adapts the session manager to the SessionSource port.
func FromManager(m *mcp.Manager) SessionSource { return managerSource{m} }

type managerSource struct{ m *mcp.Manager }

func (s managerSource) Get(serverID string) (Session, bool) {
	sess, ok := s.m.Get(serverID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// Invoker resolves, validates, and executes tool calls against their owning
// sessions. It is safe for concurrent use by multiple channel workers.
type Invoker struct {
	registry *registry.Registry
	sessions SessionSource
	timeout  time.Duration
	log      zerolog.Logger

	// Compiled schemas are memoized per registry snapshot. The whole memo is
	// discarded when the registry version moves, since a reconnect may have
	// changed any schema.
	memoMu       sync.Mutex
	memo         map[string]*gojsonschema.Schema
	memoVersion  uint64
	memoCapacity int
}

func New(reg *registry.Registry, sessions SessionSource, timeout time.Duration, capacity int, logger zerolog.Logger) *Invoker {
	if capacity <= 0 {
		capacity = 256
	}
	return &Invoker{
		registry:     reg,
		sessions:     sessions,
		timeout:      timeout,
		log:          logger.With().Str("component", "invoker").Logger(),
		memo:         make(map[string]*gojsonschema.Schema),
		memoCapacity: capacity,
	}
}

// Invoke runs one tool call end to end: name resolution, argument validation
// against the tool's schema, then the transport call under the configured
// timeout.
func (inv *Invoker) Invoke(ctx context.Context, name string, args json.RawMessage) Result {
	desc, err := inv.registry.Lookup(name)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAmbiguousTool):
			return Result{Failure: FailureAmbiguousTool, Reason: err.Error()}
		default:
			return Result{Failure: FailureUnknownTool, Reason: err.Error()}
		}
	}

	argMap, reason := inv.validate(desc, args)
	if reason != "" {
		return Result{Tool: desc, Failure: FailureInvalidArguments, Reason: reason}
	}

	sess, ok := inv.sessions.Get(desc.Server)
	if !ok {
		return Result{Tool: desc, Failure: FailureServerUnavailable,
			Reason: fmt.Sprintf("server %s is not configured", desc.Server)}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if inv.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	start := time.Now()
	payload, isError, err := sess.CallTool(callCtx, desc.Name, argMap)
	latency := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, mcp.ErrServerUnavailable):
			return Result{Tool: desc, Failure: FailureServerUnavailable, Reason: err.Error(), Latency: latency}
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return Result{Tool: desc, Failure: FailureTimeout,
				Reason: fmt.Sprintf("tool %s timed out after %s", desc.Qualified, inv.timeout), Latency: latency}
		case errors.Is(callCtx.Err(), context.Canceled):
			// Shutdown or an abandoned turn, not a broken transport.
			return Result{Tool: desc, Failure: FailureServerUnavailable, Reason: "invocation canceled", Latency: latency}
		default:
			// A transport error mid-call means the connection is broken;
			// demote so the manager reconnects before the next attempt.
			sess.Demote()
			inv.log.Warn().Str("tool", desc.Qualified).Err(err).Msg("transport error, session demoted")
			return Result{Tool: desc, Failure: FailureServerUnavailable, Reason: err.Error(), Latency: latency}
		}
	}

	if isError {
		return Result{Tool: desc, Failure: FailureToolError, Reason: payload, Latency: latency}
	}

	return Result{Tool: desc, Payload: payload, Latency: latency}
}

// validate decodes the raw arguments and checks them against the tool's
// schema. Returns the decoded map and an empty reason on success.
func (inv *Invoker) validate(desc registry.ToolDescriptor, args json.RawMessage) (map[string]any, string) {
	argMap := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, fmt.Sprintf("arguments for %s are not a JSON object: %v", desc.Qualified, err)
		}
	}

	schema := inv.compiled(desc)
	if schema == nil {
		return argMap, ""
	}

	verdict, err := schema.Validate(gojsonschema.NewGoLoader(argMap))
	if err != nil {
		return nil, fmt.Sprintf("argument validation for %s failed: %v", desc.Qualified, err)
	}
	if !verdict.Valid() {
		reasons := make([]string, 0, len(verdict.Errors()))
		for _, issue := range verdict.Errors() {
			reasons = append(reasons, issue.String())
		}
		return nil, fmt.Sprintf("invalid arguments for %s: %s", desc.Qualified, strings.Join(reasons, "; "))
	}

	return argMap, ""
}

// compiled returns the memoized schema for desc, or nil when the descriptor
// has no usable schema (validation is then skipped, the server decides).
func (inv *Invoker) compiled(desc registry.ToolDescriptor) *gojsonschema.Schema {
	raw := string(desc.Schema)
	if raw == "" || raw == "null" || raw == "{}" {
		return nil
	}

	inv.memoMu.Lock()
	defer inv.memoMu.Unlock()

	if version := inv.registry.Version(); version != inv.memoVersion {
		inv.memo = make(map[string]*gojsonschema.Schema)
		inv.memoVersion = version
	}

	if schema, ok := inv.memo[desc.Qualified]; ok {
		return schema
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(desc.Schema))
	if err != nil {
		inv.log.Warn().Str("tool", desc.Qualified).Err(err).Msg("tool schema does not compile, skipping validation")
		inv.memo[desc.Qualified] = nil
		return nil
	}

	if len(inv.memo) >= inv.memoCapacity {
		inv.memo = make(map[string]*gojsonschema.Schema)
	}
	inv.memo[desc.Qualified] = schema
	return schema
}
