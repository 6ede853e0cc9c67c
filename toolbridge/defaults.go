package toolbridge

// Application-wide defaults shared by config and the entrypoint.
const (
	DefaultAppName    = "toolbridge"
	DefaultConfigPath = "/etc/toolbridge"

	// DefaultSystemMessage seeds every conversation unless overridden in config.
	DefaultSystemMessage = "You are a helpful AI assistant. You can access tools using MCP servers."

	// DefaultMaxMessageLength matches the Discord message size limit.
	DefaultMaxMessageLength = 2000

	// DefaultAuditDBPath is the embedded libsql database for audit records.
	DefaultAuditDBPath = "./data/toolbridge_audit.db"
)
