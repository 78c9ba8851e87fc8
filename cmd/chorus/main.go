// Command chorus runs the router as a Telegram bot: it wires configuration,
// storage, providers, classifier, and agents into one Orchestrator and
// long-polls Telegram for incoming messages.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklow/chorus"
	"github.com/arklow/chorus/agent/llmagent"
	"github.com/arklow/chorus/agent/parallel"
	"github.com/arklow/chorus/agent/supervisor"
	"github.com/arklow/chorus/classifier/llm"
	"github.com/arklow/chorus/frontend/telegram"
	"github.com/arklow/chorus/internal/config"
	"github.com/arklow/chorus/provider/resolve"
	"github.com/arklow/chorus/retriever/hybrid"
	"github.com/arklow/chorus/security/guardrail"
	"github.com/arklow/chorus/store/memory"
	"github.com/arklow/chorus/store/postgres"
	"github.com/arklow/chorus/store/sqlite"
	"github.com/arklow/chorus/telemetry/otel"
	"github.com/arklow/chorus/tool/webfetch"
)

func main() {
	configPath := flag.String("config", "", "path to chorus.toml (default: ./chorus.toml)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, firstNonEmpty(cfg.Telemetry.ServiceName, "chorus"))
		if err != nil {
			logger.Error("telemetry init failed, continuing without tracing", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	storage, closeStorage, err := buildStorage(ctx, cfg.Database)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	if closeStorage != nil {
		defer closeStorage()
	}

	classifierProvider, err := resolve.Provider(resolve.Config{
		Provider: cfg.Classifier.Provider,
		APIKey:   cfg.Classifier.APIKey,
		Model:    cfg.Classifier.Model,
	})
	if err != nil {
		logger.Error("classifier provider init failed", "error", err)
		os.Exit(1)
	}

	agentProvider, err := resolve.Provider(resolve.Config{
		Provider: cfg.Agent.Provider,
		APIKey:   cfg.Agent.APIKey,
		Model:    cfg.Agent.Model,
	})
	if err != nil {
		logger.Error("agent provider init failed", "error", err)
		os.Exit(1)
	}

	tools := chorus.NewToolRegistry()
	tools.Add(webfetch.New())

	generalAgent := llmagent.New(
		"General Assistant",
		"Answers general questions and can fetch web pages for up-to-date information.",
		"You are a helpful, concise assistant.",
		agentProvider,
		llmagent.WithTools(tools),
	)

	researchAgent := llmagent.New(
		"Research Assistant",
		"Answers questions that require reading an article or web page in depth.",
		"You are a careful researcher. Use the web fetch tool before answering when a URL is given.",
		agentProvider,
		llmagent.WithTools(tools),
	)

	coordinator := supervisor.New(
		"Coordinator",
		"Delegates complex, multi-part requests to the general and research assistants and synthesizes their answers.",
		"You route tasks to the best sub-agent and combine their answers into one reply.",
		agentProvider,
		supervisor.WithAgent(generalAgent),
		supervisor.WithAgent(researchAgent),
	)

	secondOpinion := parallel.New(
		"Second Opinion",
		"Asks both the general and research assistants the same question independently and shows both answers side by side.",
		[]chorus.Agent{generalAgent, researchAgent},
	)

	orchestratorOpts := []chorus.OrchestratorOption{
		chorus.WithMaxRetries(cfg.Orchestrator.MaxRetries),
		chorus.WithMaxMessagePairsPerAgent(cfg.Orchestrator.MaxMessagePairsPerAgent),
		chorus.WithLogExecutionTimes(cfg.Orchestrator.LogExecutionTimes),
		chorus.WithOrchestratorLogger(logger),
		chorus.WithUseDefaultAgentIfNoneIdentified(true),
	}
	if cfg.Guardrail.Enabled {
		orchestratorOpts = append(orchestratorOpts, chorus.WithGuardrail(guardrail.New(guardrail.WithLogger(logger))))
	}

	orchestrator := chorus.NewOrchestrator(orchestratorOpts...)

	if err := orchestrator.AddAgent(generalAgent); err != nil {
		logger.Error("register general agent failed", "error", err)
		os.Exit(1)
	}
	if err := orchestrator.AddAgent(researchAgent); err != nil {
		logger.Error("register research agent failed", "error", err)
		os.Exit(1)
	}
	if err := orchestrator.AddAgent(coordinator); err != nil {
		logger.Error("register coordinator agent failed", "error", err)
		os.Exit(1)
	}
	if err := orchestrator.AddAgent(secondOpinion); err != nil {
		logger.Error("register second opinion agent failed", "error", err)
		os.Exit(1)
	}
	if err := orchestrator.SetDefaultAgent("general-assistant"); err != nil {
		logger.Error("set default agent failed", "error", err)
		os.Exit(1)
	}

	if overlaps, _, err := orchestrator.AnalyzeAgentOverlap(); err != nil {
		logger.Warn("agent overlap analysis failed", "error", err)
	} else {
		for _, o := range overlaps {
			if o.Conflict == "high" {
				logger.Warn("agent descriptions overlap heavily, classifier may confuse them",
					"agent_a", o.AgentA, "agent_b", o.AgentB, "similarity", o.Similarity)
			}
		}
	}

	classifier := llm.New(classifierProvider)
	orchestrator.SetClassifier(classifier)
	orchestrator.SetStorage(storage)

	_ = hybrid.NewCorpus() // wired by agents that opt into retrieval via WithAgentRetriever; none configured by default here

	if cfg.Telegram.Token == "" {
		logger.Error("CHORUS_TELEGRAM_TOKEN / telegram.token is required")
		os.Exit(1)
	}

	bot := telegram.New(cfg.Telegram.Token, telegram.WithLogger(logger))
	logger.Info("chorus starting", "default_agent", "general-assistant")

	if err := bot.Run(ctx, orchestrator, cfg.Telegram.AllowedUserID); err != nil && ctx.Err() == nil {
		logger.Error("bot run exited", "error", err)
		os.Exit(1)
	}

	if err := orchestrator.Drain(context.Background()); err != nil {
		logger.Warn("drain did not complete cleanly", "error", err)
	}
}

func buildStorage(ctx context.Context, cfg config.DatabaseConfig) (chorus.ChatStorage, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case "memory":
		return memory.New(), nil, nil
	default:
		store := sqlite.New(cfg.SQLitePath)
		if err := store.Init(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
