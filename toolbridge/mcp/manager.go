package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/config"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/registry"
)

const clientVersion = "0.1.0"

// Options bounds the manager's connection handling.
type Options struct {
	ConnectTimeout   time.Duration // Initialize + discovery per attempt
	ReconnectInitial time.Duration // first retry delay
	ReconnectMax     time.Duration // backoff cap
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   45 * time.Second,
		ReconnectInitial: 15 * time.Second,
		ReconnectMax:     300 * time.Second,
	}
}

// Manager owns one Session per configured MCP server. It connects to all of
// them concurrently at startup, rediscovers tools on every (re)connect, and
// retries failed connections on an exponential backoff schedule until
// shutdown. It is the only writer of session state.
type Manager struct {
	opts     Options
	servers  []config.ToolServerConfig
	registry *registry.Registry
	log      zerolog.Logger

	sessions map[string]*Session
	wg       conc.WaitGroup
	cancel   context.CancelFunc

	// newClient is a seam for tests; production builds mcp-go transports.
	newClient func(cfg config.ToolServerConfig) (mcpClient, error)
}

func NewManager(servers []config.ToolServerConfig, reg *registry.Registry, opts Options, logger zerolog.Logger) *Manager {
	m := &Manager{
		opts:      opts,
		servers:   servers,
		registry:  reg,
		log:       logger.With().Str("component", "mcp_manager").Logger(),
		sessions:  make(map[string]*Session, len(servers)),
		newClient: dialClient,
	}
	for _, cfg := range servers {
		m.sessions[cfg.Name] = newSession(cfg.Name)
	}
	return m
}

// dialClient builds the transport-appropriate mcp-go client.
func dialClient(cfg config.ToolServerConfig) (mcpClient, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		return client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
	default:
		return nil, fmt.Errorf("unknown transport %q for server %s", cfg.Transport, cfg.Name)
	}
}

// Start launches one management goroutine per configured server. A server
// that fails to connect does not block the others; it is marked Degraded and
// retried in the background.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, cfg := range m.servers {
		cfg := cfg
		sess := m.sessions[cfg.Name]
		m.wg.Go(func() { m.manage(ctx, sess, cfg) })
	}
}

// manage is the persistent per-server loop: connect, publish tools, wait for
// a demotion or shutdown, tear down, back off, repeat.
func (m *Manager) manage(ctx context.Context, sess *Session, cfg config.ToolServerConfig) {
	log := m.log.With().Str("server", cfg.Name).Logger()
	backoff := m.newBackoff()

	for {
		if ctx.Err() != nil {
			break
		}

		if err := m.connect(ctx, sess, cfg); err != nil {
			sess.setStatus(StatusDegraded)
			log.Warn().Err(err).Msg("connection attempt failed")

			delay, _ := backoff.Next()
			if !m.waitReconnect(ctx, sess, delay, log) {
				break
			}
			continue
		}

		// A successful connect restarts the backoff schedule.
		backoff = m.newBackoff()
		log.Info().Int("tools", len(m.registry.ServerTools(cfg.Name))).Msg("server connected and tools discovered")

		// Connected. Hold until the invoker demotes us or shutdown.
		select {
		case <-sess.wake:
			log.Warn().Msg("session demoted, reconnecting")
			sess.setStatus(StatusDegraded)
			if err := sess.closeClient(); err != nil {
				log.Debug().Err(err).Msg("close after demotion")
			}
		case <-ctx.Done():
		}
	}

	// Shutdown path: release the transport and stop serving this server's tools.
	sess.setStatus(StatusClosed)
	if err := sess.closeClient(); err != nil {
		log.Debug().Err(err).Msg("close during shutdown")
	}
	m.registry.Remove(cfg.Name)
	log.Info().Msg("session closed")
}

func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(m.opts.ReconnectMax, retry.NewExponential(m.opts.ReconnectInitial))
}

// waitReconnect sleeps between reconnect attempts, cutting the wait short if
// the session is explicitly woken. Returns false on shutdown.
func (m *Manager) waitReconnect(ctx context.Context, sess *Session, delay time.Duration, log zerolog.Logger) bool {
	log.Info().Dur("delay", delay).Msg("waiting before reconnecting")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sess.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// connect establishes the transport, performs the MCP handshake, and
// publishes the server's tool set to the registry. Discovery runs on every
// reconnect since a restarted server may expose a different tool set.
func (m *Manager) connect(ctx context.Context, sess *Session, cfg config.ToolServerConfig) error {
	sess.setStatus(StatusConnecting)

	// The handshake is bounded; the transport itself must outlive it, so
	// Start gets the long-lived loop context.
	handshakeCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	c, err := m.newClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if starter, ok := c.(interface{ Start(context.Context) error }); ok && cfg.Transport == "sse" {
		if err := starter.Start(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "toolbridge", Version: clientVersion}
	if _, err := c.Initialize(handshakeCtx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := c.ListTools(handshakeCtx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	descriptors := make([]registry.ToolDescriptor, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			m.log.Warn().Str("server", cfg.Name).Str("tool", tool.Name).Err(err).Msg("skipping tool with unencodable schema")
			continue
		}
		descriptors = append(descriptors, registry.ToolDescriptor{
			Server:      cfg.Name,
			Name:        tool.Name,
			Qualified:   registry.Qualify(cfg.Name, tool.Name),
			Description: tool.Description,
			Schema:      schema,
		})
	}

	sess.setClient(c)
	sess.setStatus(StatusReady)
	m.registry.Publish(cfg.Name, descriptors)
	return nil
}

// Get returns the session owning serverID.
func (m *Manager) Get(serverID string) (*Session, bool) {
	sess, ok := m.sessions[serverID]
	return sess, ok
}

// Demote flags a server's session as unhealthy and schedules a reconnect.
func (m *Manager) Demote(serverID string) {
	if sess, ok := m.sessions[serverID]; ok {
		sess.Demote()
	}
}

// ServerStatus is a point-in-time description of one managed server.
type ServerStatus struct {
	Server string
	Status Status
	Tools  []registry.ToolDescriptor
}

// Describe reports every server's connection state and discovered tools.
func (m *Manager) Describe() []ServerStatus {
	out := make([]ServerStatus, 0, len(m.servers))
	for _, cfg := range m.servers {
		sess := m.sessions[cfg.Name]
		out = append(out, ServerStatus{
			Server: cfg.Name,
			Status: sess.Status(),
			Tools:  m.registry.ServerTools(cfg.Name),
		})
	}
	return out
}

// Shutdown performs ordered teardown of every session. Individual close
// failures are collected, never raised mid-teardown, so transports that can
// be released always are.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("session teardown interrupted: %w", ctx.Err()))
	}

	// Close anything a manage loop did not get to.
	for _, cfg := range m.servers {
		sess := m.sessions[cfg.Name]
		sess.setStatus(StatusClosed)
		if err := sess.closeClient(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", cfg.Name, err))
		}
		m.registry.Remove(cfg.Name)
	}

	return errors.Join(errs...)
}
