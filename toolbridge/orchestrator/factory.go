package orchestrator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/config"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/adapters"
	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/registry"
)

// Factory wires an Orchestrator from configuration. Optional concerns
// (tracing, rate limiting, caching, audit) fall back to no-op adapters when
// disabled, so the turn loop never branches on their presence.
type Factory struct {
	cfg    *config.Config
	audit  ports.AuditStore // nil when auditing is disabled
	logger zerolog.Logger
}

func NewFactory(cfg *config.Config, audit ports.AuditStore, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, audit: audit, logger: logger}
}

// CreateOrchestrator builds a fully wired Orchestrator around the given
// provider and invoker.
func (f *Factory) CreateOrchestrator(provider ports.Provider, reg *registry.Registry, invoker Invoker) *Orchestrator {
	return New(
		provider,
		reg,
		invoker,
		f.createCache(),
		f.createRateLimiter(),
		f.createTracer(),
		f.createAudit(),
		f.CreatePolicy(),
		ModelOptions{
			Model:        f.cfg.LLM.Model,
			SystemPrompt: f.cfg.Bot.SystemMessage,
			Temperature:  float32(f.cfg.LLM.Temperature),
			TopP:         float32(f.cfg.LLM.TopP),
			MaxTokens:    f.cfg.LLM.MaxTokens,
		},
		f.logger,
	)
}

func (f *Factory) createCache() ports.Cache {
	if f.cfg.Orchestrator.CacheCapacity <= 0 {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.cfg.Orchestrator.CacheCapacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Orchestrator.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Orchestrator.RateLimitCapacity, f.cfg.Orchestrator.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Orchestrator.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createAudit() ports.AuditStore {
	if f.audit == nil {
		return &noOpAudit{}
	}
	return f.audit
}

// CreatePolicy builds the turn policy from config with clamped bounds.
func (f *Factory) CreatePolicy() *Policy {
	policy := DefaultPolicy()
	if f.cfg.Orchestrator.MaxRounds > 0 {
		policy.MaxRounds = f.cfg.Orchestrator.MaxRounds
	}
	if policy.MaxRounds > 50 {
		policy.MaxRounds = 50
		f.logger.Warn().Int("max_rounds", f.cfg.Orchestrator.MaxRounds).Msg("max_rounds clamped to 50")
	}
	if f.cfg.Orchestrator.RetryCount >= 0 {
		policy.RetryCount = f.cfg.Orchestrator.RetryCount
	}
	if f.cfg.Orchestrator.RetryBackoff > 0 {
		policy.RetryBackoff = f.cfg.Orchestrator.RetryBackoff
	}
	return policy
}

// noOpCache disables memoization.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool)                      { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error { return nil }
func (c *noOpCache) Delete(ctx context.Context, key string) error                            { return nil }

// noOpRateLimiter admits everything.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer drops all spans and events.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}
func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpAudit discards audit records.
type noOpAudit struct{}

func (a *noOpAudit) RecordTurn(ctx context.Context, rec ports.TurnRecord) error             { return nil }
func (a *noOpAudit) RecordInvocation(ctx context.Context, rec ports.InvocationRecord) error { return nil }

var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
	_ ports.AuditStore  = (*noOpAudit)(nil)
)
