package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/invoke"
	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/registry"
)

// Policy controls the turn loop.
type Policy struct {
	MaxRounds       int           // max tool-call rounds per turn
	RetryCount      int           // model endpoint retries
	RetryBackoff    time.Duration // base delay between model retries
	CacheTTLSeconds int           // memoization TTL for finished turns, 0 disables
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRounds:       10,
		RetryCount:      2,
		RetryBackoff:    100 * time.Millisecond,
		CacheTTLSeconds: 300,
	}
}

// Request is one inbound user message to orchestrate.
type Request struct {
	ChannelID string
	User      string
	Text      string
	System    string // overrides the configured system message when set
}

// State describes how a turn ended.
type State string

const (
	StateFinished State = "finished"
	StateAborted  State = "aborted"
)

// Result is the final outcome of one turn.
type Result struct {
	TurnID string
	Text   string
	State  State
	Reason string // set when aborted
	Rounds int    // tool-call rounds actually executed
	Usage  *ports.Usage
}

// Invoker executes one resolved tool call. Failures come back as a Result,
// not an error; the turn keeps going either way.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) invoke.Result
}

// ModelOptions carries the per-request sampling settings forwarded to the
// provider on every round.
type ModelOptions struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	TopP         float32
	MaxTokens    int
}

// Orchestrator drives the model/tool loop for a single turn: ask the model,
// execute whatever tools it requested, feed the results back, repeat until
// the model answers in plain text or the round budget runs out.
type Orchestrator struct {
	provider ports.Provider
	registry *registry.Registry
	invoker  Invoker
	cache    ports.Cache
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	audit    ports.AuditStore
	policy   *Policy
	model    ModelOptions
	parser   *FallbackParser
	log      zerolog.Logger
}

func New(
	provider ports.Provider,
	reg *registry.Registry,
	invoker Invoker,
	cache ports.Cache,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	audit ports.AuditStore,
	policy *Policy,
	model ModelOptions,
	logger zerolog.Logger,
) *Orchestrator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Orchestrator{
		provider: provider,
		registry: reg,
		invoker:  invoker,
		cache:    cache,
		limiter:  limiter,
		tracer:   tracer,
		audit:    audit,
		policy:   policy,
		model:    model,
		parser:   NewFallbackParser(),
		log:      logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes one full turn.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	turnID := uuid.NewString()

	release, err := o.limiter.Acquire(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("rate limit exceeded for channel %s: %w", req.ChannelID, err)
	}
	defer release()

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{
		"turn_id": turnID,
		"channel": req.ChannelID,
	})
	var runErr error
	defer func() { finish(runErr) }()

	system := req.System
	if system == "" {
		system = o.model.SystemPrompt
	}

	// The tool set is pinned for the whole turn. A reconnect mid-turn changes
	// the registry but not what this turn's model already saw.
	specs := o.toolSpecs()

	cacheKey := o.cacheKey(system, req.Text)
	if cached, ok := o.cache.Get(ctx, cacheKey); ok {
		o.tracer.Event(ctx, "cache_hit", map[string]any{"key": cacheKey})
		result := &Result{TurnID: turnID, State: StateFinished, Text: string(cached)}
		o.recordTurn(ctx, req, result)
		return result, nil
	}

	messages := []ports.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: req.Text},
	}

	result, err := o.runLoop(ctx, turnID, req, messages, specs)
	if err != nil {
		runErr = err
		return nil, err
	}

	if result.State == StateFinished && o.policy.CacheTTLSeconds > 0 {
		if err := o.cache.Set(ctx, cacheKey, []byte(result.Text), o.policy.CacheTTLSeconds); err != nil {
			o.tracer.Event(ctx, "cache_error", map[string]any{"error": err.Error()})
		}
	}

	o.recordTurn(ctx, req, result)
	return result, nil
}

func (o *Orchestrator) runLoop(ctx context.Context, turnID string, req Request, messages []ports.ChatMessage, specs []ports.ToolSpec) (*Result, error) {
	rounds := 0
	var usage *ports.Usage

	for {
		completion, err := o.completeWithRetry(ctx, messages, specs)
		if err != nil {
			return nil, err
		}
		if completion.Usage != nil {
			usage = accumulate(usage, completion.Usage)
		}

		toolCalls := completion.ToolCalls
		if len(toolCalls) == 0 {
			// Some backends emit tool calls as plain text instead of the
			// structured field.
			toolCalls = o.parser.ParseToolCalls(completion.Text)
		}

		if len(toolCalls) == 0 {
			return &Result{
				TurnID: turnID,
				Text:   completion.Text,
				State:  StateFinished,
				Rounds: rounds,
				Usage:  usage,
			}, nil
		}

		if rounds >= o.policy.MaxRounds {
			o.log.Warn().Str("turn_id", turnID).Int("rounds", rounds).Msg("round budget exhausted")
			text := fmt.Sprintf("I could not finish answering within %d tool calls.", o.policy.MaxRounds)
			if completion.Text != "" {
				text += " Here is what I have so far: " + completion.Text
			}
			return &Result{
				TurnID: turnID,
				Text:   text,
				State:  StateAborted,
				Reason: fmt.Sprintf("iteration limit of %d rounds exceeded", o.policy.MaxRounds),
				Rounds: rounds,
				Usage:  usage,
			}, nil
		}
		rounds++

		messages = append(messages, ports.ChatMessage{
			Role:      "assistant",
			Content:   completion.Text,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			res := o.invoker.Invoke(ctx, call.Name, call.Args)
			o.tracer.Event(ctx, "tool_call", map[string]any{
				"tool":    call.Name,
				"failure": string(res.Failure),
				"latency": res.Latency.String(),
			})
			o.recordInvocation(ctx, turnID, call.Name, res)

			messages = append(messages, ports.ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    res.Content(),
			})
		}
	}
}

// completeWithRetry calls the model endpoint, retrying transient failures on
// an exponential schedule.
func (o *Orchestrator) completeWithRetry(ctx context.Context, messages []ports.ChatMessage, specs []ports.ToolSpec) (ports.Completion, error) {
	opts := ports.Options{
		Model:        o.model.Model,
		Temperature:  o.model.Temperature,
		TopP:         o.model.TopP,
		MaxNewTokens: o.model.MaxTokens,
	}

	var completion ports.Completion
	backoff := retry.WithMaxRetries(uint64(o.policy.RetryCount), retry.NewExponential(o.policy.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		completion, err = o.provider.Complete(ctx, messages, specs, opts)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return ports.Completion{}, fmt.Errorf("model endpoint failed after %d retries: %w", o.policy.RetryCount, err)
	}
	return completion, nil
}

func (o *Orchestrator) toolSpecs() []ports.ToolSpec {
	descriptors := o.registry.All()
	specs := make([]ports.ToolSpec, 0, len(descriptors))
	for _, desc := range descriptors {
		specs = append(specs, ports.ToolSpec{
			Name:        desc.Qualified,
			Description: desc.Description,
			JSONSchema:  desc.Schema,
		})
	}
	return specs
}

func (o *Orchestrator) cacheKey(system, text string) string {
	h := sha256.New()
	h.Write([]byte(o.model.Model))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", o.registry.Version())
	return "turn:" + hex.EncodeToString(h.Sum(nil))
}

func (o *Orchestrator) recordTurn(ctx context.Context, req Request, result *Result) {
	err := o.audit.RecordTurn(ctx, ports.TurnRecord{
		TurnID:    result.TurnID,
		ChannelID: req.ChannelID,
		User:      req.User,
		State:     string(result.State),
		Reason:    result.Reason,
		Rounds:    result.Rounds,
		CreatedAt: time.Now(),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("turn_id", result.TurnID).Msg("failed to record turn")
	}
}

func (o *Orchestrator) recordInvocation(ctx context.Context, turnID, name string, res invoke.Result) {
	server := res.Tool.Server
	tool := res.Tool.Qualified
	if tool == "" {
		tool = name
	}
	err := o.audit.RecordInvocation(ctx, ports.InvocationRecord{
		TurnID:    turnID,
		Server:    server,
		Tool:      tool,
		Failure:   string(res.Failure),
		LatencyMs: res.Latency.Milliseconds(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("turn_id", turnID).Msg("failed to record invocation")
	}
}

func accumulate(total, delta *ports.Usage) *ports.Usage {
	if total == nil {
		u := *delta
		return &u
	}
	total.PromptTokens += delta.PromptTokens
	total.CompletionTokens += delta.CompletionTokens
	total.TotalTokens += delta.TotalTokens
	return total
}
