package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/config"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/gateway"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/invoke"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/mcp"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/adapters"
	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
	"github.com/ZanzyTHEbar/toolbridge/toolbridge/registry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Bot.Token == "" {
		log.Fatal().Msg("bot token is required (bot.token or BOT_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	manager := mcp.NewManager(cfg.MCP.Servers, reg, mcp.Options{
		ConnectTimeout:   cfg.MCP.ConnectTimeout,
		ReconnectInitial: cfg.MCP.ReconnectInitial,
		ReconnectMax:     cfg.MCP.ReconnectMax,
	}, log)

	invoker := invoke.New(reg, invoke.FromManager(manager), cfg.MCP.CallTimeout, cfg.Orchestrator.CacheCapacity, log)

	provider := adapters.NewOpenAIProvider(cfg.LLM.BaseURL, cfg.LLM.APIKey)

	var audit ports.AuditStore
	var auditStore *adapters.LibSQLAuditStore
	if cfg.Audit.Enabled {
		auditStore, err = adapters.OpenAuditDB(cfg.Audit.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Audit.DBPath).Msg("failed to open audit database")
		}
		audit = auditStore
		log.Info().Str("path", cfg.Audit.DBPath).Msg("audit store enabled")
	}

	orch := orchestrator.NewFactory(cfg, audit, log).CreateOrchestrator(provider, reg, invoker)

	discord, err := gateway.NewDiscord(cfg.Bot.Token, cfg.Bot.CommandPrefix, manager, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create discord session")
	}

	gw := gateway.New(orch, discord, cfg.Gateway.MaxMessageLength, cfg.Gateway.QueueCapacity, log)
	discord.Bind(gw)

	manager.Start(ctx)
	if err := discord.Open(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to discord")
	}

	log.Info().
		Int("mcp_servers", len(cfg.MCP.Servers)).
		Str("model", cfg.LLM.Model).
		Msg("toolbridge is running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop inbound traffic first, then drain queued turns, then tear down the
	// tool-server sessions.
	if err := discord.Close(); err != nil {
		log.Warn().Err(err).Msg("discord close failed")
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session manager shutdown incomplete")
	}
	if auditStore != nil {
		if err := auditStore.Close(); err != nil {
			log.Warn().Err(err).Msg("audit store close failed")
		}
	}

	log.Info().Msg("shutdown complete")
}
