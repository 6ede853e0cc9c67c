package orchports

import (
	"context"
	"time"
)

// TurnRecord summarizes one completed turn for the audit trail.
type TurnRecord struct {
	TurnID    string
	ChannelID string
	User      string
	State     string // "finished" | "aborted"
	Reason    string
	Rounds    int
	CreatedAt time.Time
}

// InvocationRecord captures one tool invocation inside a turn.
type InvocationRecord struct {
	TurnID    string
	Server    string
	Tool      string
	Failure   string // empty on success
	LatencyMs int64
	CreatedAt time.Time
}

// AuditStore persists turn outcomes and tool invocations. Implementations
// must tolerate being called concurrently from multiple channel workers.
type AuditStore interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
}
