package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/mcp"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator"
)

// genericFailureMessage is the only thing users see when a turn dies with an
// internal error. Details go to the log, never to the channel.
const genericFailureMessage = "Sorry, I ran into a problem handling that. Please try again."

// Turner runs one orchestrated turn. Satisfied by *orchestrator.Orchestrator.
type Turner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Connector delivers outbound messages to the chat platform.
type Connector interface {
	Send(ctx context.Context, channelID, text string) error
}

// StatusSource reports tool-server state for the status command.
type StatusSource interface {
	Describe() []mcp.ServerStatus
}

// Gateway dispatches inbound messages to per-channel workers. Each channel
// processes its turns strictly in arrival order; different channels run
// concurrently.
type Gateway struct {
	turner    Turner
	connector Connector
	maxLen    int
	queueCap  int
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closing bool
	wg      conc.WaitGroup
}

// worker owns one channel's FIFO queue. The queue is unbounded; queueCap only
// sizes the initial allocation.
type worker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []orchestrator.Request
	closed bool
}

func newWorker(capacity int) *worker {
	w := &worker{queue: make([]orchestrator.Request, 0, capacity)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func New(turner Turner, connector Connector, maxLen, queueCap int, logger zerolog.Logger) *Gateway {
	if maxLen <= 0 {
		maxLen = 2000
	}
	if queueCap <= 0 {
		queueCap = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		turner:    turner,
		connector: connector,
		maxLen:    maxLen,
		queueCap:  queueCap,
		log:       logger.With().Str("component", "gateway").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

// Enqueue queues one inbound message for its channel's worker, creating the
// worker on first use. Returns false after shutdown has begun.
func (g *Gateway) Enqueue(req orchestrator.Request) bool {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return false
	}
	w, ok := g.workers[req.ChannelID]
	if !ok {
		w = newWorker(g.queueCap)
		g.workers[req.ChannelID] = w
		g.wg.Go(func() { g.runWorker(req.ChannelID, w) })
	}
	g.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, req)
	w.cond.Signal()
	return true
}

// runWorker drains one channel's queue serially until shutdown.
func (g *Gateway) runWorker(channelID string, w *worker) {
	log := g.log.With().Str("channel", channelID).Logger()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed && len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		req := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		g.handle(log, req)
	}
}

func (g *Gateway) handle(log zerolog.Logger, req orchestrator.Request) {
	result, err := g.turner.Run(g.ctx, req)
	if err != nil {
		// Internal failures all collapse to one generic message.
		log.Error().Err(err).Str("user", req.User).Msg("turn failed")
		g.deliver(req.ChannelID, genericFailureMessage)
		return
	}

	if result.State == orchestrator.StateAborted {
		log.Warn().Str("turn_id", result.TurnID).Str("reason", result.Reason).Msg("turn aborted")
	}
	if result.Text == "" {
		return
	}
	g.deliver(req.ChannelID, result.Text)
}

// deliver chunks text to the platform limit and sends the chunks in order.
func (g *Gateway) deliver(channelID, text string) {
	for _, chunk := range Split(text, g.maxLen) {
		if err := g.connector.Send(g.ctx, channelID, chunk); err != nil {
			g.log.Error().Err(err).Str("channel", channelID).Msg("failed to deliver message")
			return
		}
	}
}

// Deliver sends an out-of-band message (e.g. a status reply) through the same
// chunking path as turn results.
func (g *Gateway) Deliver(channelID, text string) {
	g.deliver(channelID, text)
}

// FormatStatus renders tool-server state for the status command.
func FormatStatus(statuses []mcp.ServerStatus) string {
	if len(statuses) == 0 {
		return "No MCP servers are configured."
	}
	var b strings.Builder
	b.WriteString("MCP servers:\n")
	for _, st := range statuses {
		fmt.Fprintf(&b, "- %s [%s]", st.Server, st.Status)
		if len(st.Tools) == 0 {
			b.WriteString(" no tools discovered\n")
			continue
		}
		b.WriteString("\n")
		for _, tool := range st.Tools {
			fmt.Fprintf(&b, "  - %s", tool.Qualified)
			if tool.Description != "" {
				fmt.Fprintf(&b, ": %s", tool.Description)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Shutdown stops accepting new work, lets queued turns drain, and waits for
// all workers up to ctx's deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	workers := make([]*worker, 0, len(g.workers))
	for _, w := range g.workers {
		workers = append(workers, w)
	}
	g.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		// Cancel in-flight turns so workers unblock.
		g.cancel()
		<-done
		return fmt.Errorf("gateway shutdown interrupted: %w", ctx.Err())
	}
}
