package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/config"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/registry"
)

// stubClient is a scriptable mcpClient for exercising the manager without a
// real transport.
type stubClient struct {
	initErr  error
	listErr  error
	tools    []mcp.Tool
	callFn   func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed   atomic.Bool
	initHits atomic.Int32
}

func (s *stubClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	s.initHits.Add(1)
	if s.initErr != nil {
		return nil, s.initErr
	}
	return &mcp.InitializeResult{}, nil
}

func (s *stubClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *stubClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.callFn != nil {
		return s.callFn(ctx, req)
	}
	return &mcp.CallToolResult{}, nil
}

func (s *stubClient) Close() error {
	s.closed.Store(true)
	return nil
}

func testServer(name string) config.ToolServerConfig {
	return config.ToolServerConfig{Name: name, Transport: "sse", URL: "http://localhost/sse"}
}

func testOptions() Options {
	return Options{
		ConnectTimeout:   time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}
}

func waitForStatus(t *testing.T, sess *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s (currently %s)", sess.Server(), want, sess.Status())
}

func TestManagerPublishesDiscoveredTools(t *testing.T) {
	reg := registry.New()
	stub := &stubClient{tools: []mcp.Tool{
		{Name: "get_weather", Description: "Current weather for a city"},
		{Name: "get_forecast", Description: "Multi-day forecast"},
	}}

	m := NewManager([]config.ToolServerConfig{testServer("weather")}, reg, testOptions(), zerolog.New(zerolog.Nop()))
	m.newClient = func(cfg config.ToolServerConfig) (mcpClient, error) { return stub, nil }

	m.Start(context.Background())
	sess, ok := m.Get("weather")
	require.True(t, ok)
	waitForStatus(t, sess, StatusReady)

	tools := reg.All()
	require.Len(t, tools, 2)
	assert.Equal(t, "weather/get_forecast", tools[0].Qualified)
	assert.Equal(t, "weather/get_weather", tools[1].Qualified)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, reg.All())
	assert.True(t, stub.closed.Load())
}

func TestManagerRetriesFailedConnection(t *testing.T) {
	reg := registry.New()
	var attempts atomic.Int32

	m := NewManager([]config.ToolServerConfig{testServer("flaky")}, reg, testOptions(), zerolog.New(zerolog.Nop()))
	m.newClient = func(cfg config.ToolServerConfig) (mcpClient, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return &stubClient{tools: []mcp.Tool{{Name: "ping"}}}, nil
	}

	m.Start(context.Background())
	sess, _ := m.Get("flaky")
	waitForStatus(t, sess, StatusReady)

	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	assert.Len(t, reg.All(), 1)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerDemoteTriggersReconnectAndRediscovery(t *testing.T) {
	reg := registry.New()
	var dials atomic.Int32

	m := NewManager([]config.ToolServerConfig{testServer("weather")}, reg, testOptions(), zerolog.New(zerolog.Nop()))
	m.newClient = func(cfg config.ToolServerConfig) (mcpClient, error) {
		n := dials.Add(1)
		if n == 1 {
			return &stubClient{tools: []mcp.Tool{{Name: "old_tool"}}}, nil
		}
		return &stubClient{tools: []mcp.Tool{{Name: "new_tool"}}}, nil
	}

	m.Start(context.Background())
	sess, _ := m.Get("weather")
	waitForStatus(t, sess, StatusReady)
	before := reg.Version()

	m.Demote("weather")
	waitForStatus(t, sess, StatusReady)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Version() <= before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := reg.Lookup("new_tool")
	require.NoError(t, err)
	_, err = reg.Lookup("old_tool")
	assert.ErrorIs(t, err, registry.ErrUnknownTool)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerOneFailingServerDoesNotBlockOthers(t *testing.T) {
	reg := registry.New()

	m := NewManager([]config.ToolServerConfig{testServer("good"), testServer("bad")}, reg, testOptions(), zerolog.New(zerolog.Nop()))
	m.newClient = func(cfg config.ToolServerConfig) (mcpClient, error) {
		if cfg.Name == "bad" {
			return nil, errors.New("dns failure")
		}
		return &stubClient{tools: []mcp.Tool{{Name: "echo"}}}, nil
	}

	m.Start(context.Background())
	good, _ := m.Get("good")
	bad, _ := m.Get("bad")
	waitForStatus(t, good, StatusReady)
	waitForStatus(t, bad, StatusDegraded)

	desc, err := reg.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "good", desc.Server)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestSessionCallToolFailsFastWhenNotReady(t *testing.T) {
	sess := newSession("down")
	_, _, err := sess.CallTool(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestSessionCallToolFlattensTextContent(t *testing.T) {
	sess := newSession("weather")
	sess.setClient(&stubClient{callFn: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		assert.Equal(t, "get_weather", req.Params.Name)
		return &mcp.CallToolResult{Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "31C"},
			mcp.TextContent{Type: "text", Text: "humid"},
		}}, nil
	}})
	sess.setStatus(StatusReady)

	payload, isErr, err := sess.CallTool(context.Background(), "get_weather", map[string]any{"city": "Lagos"})
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Equal(t, "31C\nhumid", payload)
}

func TestSessionDemoteOnlyFromReady(t *testing.T) {
	sess := newSession("weather")
	sess.Demote()
	assert.Equal(t, StatusConnecting, sess.Status())

	sess.setStatus(StatusReady)
	sess.Demote()
	assert.Equal(t, StatusDegraded, sess.Status())

	select {
	case <-sess.wake:
	default:
		t.Fatal("demotion should signal the wake channel")
	}
}
