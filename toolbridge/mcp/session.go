package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
)

// Status describes the lifecycle of a tool-server connection.
type Status int32

const (
	StatusConnecting Status = iota
	StatusReady
	StatusDegraded
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDegraded:
		return "degraded"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrServerUnavailable is returned when a tool call is attempted against a
// session that is not Ready. Callers fail fast instead of blocking on a
// reconnection in progress.
var ErrServerUnavailable = errors.New("tool server unavailable")

// mcpClient is the slice of the mcp-go client the session depends on.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Session is a managed, reconnectable connection to one MCP server. The
// Manager is its single writer; everything else reads status and issues calls.
type Session struct {
	server string

	mu     sync.Mutex
	client mcpClient

	status atomic.Int32
	wake   chan struct{} // signals the manage loop that a reconnect is wanted
}

func newSession(server string) *Session {
	s := &Session{
		server: server,
		wake:   make(chan struct{}, 1),
	}
	s.status.Store(int32(StatusConnecting))
	return s
}

func (s *Session) Server() string { return s.server }

func (s *Session) Status() Status { return Status(s.status.Load()) }

func (s *Session) setStatus(st Status) { s.status.Store(int32(st)) }

func (s *Session) setClient(c mcpClient) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// closeClient tears the transport down exactly once.
func (s *Session) closeClient() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Demote marks a Ready session as Degraded and wakes the reconnect loop.
// Used when a transport error surfaces during a tool call.
func (s *Session) Demote() {
	if s.status.CompareAndSwap(int32(StatusReady), int32(StatusDegraded)) {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// CallTool performs one invocation against this session. It returns the
// flattened text payload, whether the server flagged the result as an error,
// and a transport error if the call never completed.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	if s.Status() != StatusReady {
		return "", false, fmt.Errorf("%w: server %s is %s", ErrServerUnavailable, s.server, s.Status())
	}

	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return "", false, fmt.Errorf("%w: server %s has no live connection", ErrServerUnavailable, s.server)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.CallTool(ctx, req)
	if err != nil {
		return "", false, err
	}

	return flattenContent(result.Content), result.IsError, nil
}

// flattenContent joins text contents; non-text contents are JSON encoded so
// nothing the server returned is silently dropped.
func flattenContent(contents []mcp.Content) string {
	var parts []string
	for _, content := range contents {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		default:
			if encoded, err := json.Marshal(content); err == nil {
				parts = append(parts, string(encoded))
			}
		}
	}
	return strings.Join(parts, "\n")
}
