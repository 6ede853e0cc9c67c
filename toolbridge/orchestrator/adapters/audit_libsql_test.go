package adapters

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
)

func TestLibSQLAuditStoreRoundTrip(t *testing.T) {
	store, err := OpenAuditDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordTurn(ctx, ports.TurnRecord{
		TurnID:    "turn-1",
		ChannelID: "chan-1",
		User:      "ada",
		State:     "finished",
		Rounds:    2,
		CreatedAt: now,
	}))
	require.NoError(t, store.RecordInvocation(ctx, ports.InvocationRecord{
		TurnID:    "turn-1",
		Server:    "weather",
		Tool:      "weather/get_weather",
		LatencyMs: 42,
		CreatedAt: now,
	}))

	var state string
	var rounds int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT state, rounds FROM turns WHERE turn_id = ?`, "turn-1").Scan(&state, &rounds))
	assert.Equal(t, "finished", state)
	assert.Equal(t, 2, rounds)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_invocations WHERE turn_id = ?`, "turn-1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpenAuditDBCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "audit.db")
	store, err := OpenAuditDB(path)
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
