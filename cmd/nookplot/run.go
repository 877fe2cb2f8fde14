package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/nookplot/internal/approval"
	"github.com/jkaninda/nookplot/internal/autonomy"
	"github.com/jkaninda/nookplot/internal/cadence"
	"github.com/jkaninda/nookplot/internal/config"
	"github.com/jkaninda/nookplot/internal/events"
	"github.com/jkaninda/nookplot/internal/gateway"
	"github.com/jkaninda/nookplot/internal/identity"
	"github.com/jkaninda/nookplot/internal/journal"
	"github.com/jkaninda/nookplot/internal/llm"
	"github.com/jkaninda/nookplot/internal/llm/anthropic"
	"github.com/jkaninda/nookplot/internal/llm/openai"
	mcpsrv "github.com/jkaninda/nookplot/internal/mcp"
	"github.com/jkaninda/nookplot/internal/observability"
	"github.com/jkaninda/nookplot/internal/opsapi"
	"github.com/jkaninda/nookplot/internal/protocol"
	"github.com/jkaninda/nookplot/internal/runtime"
	"github.com/jkaninda/nookplot/internal/safety"
)

const defaultConfigPath = "nookplot.yaml"

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and run the autonomous agent",
	RunE:  runRuntime,
}

func init() {
	// Register flags on both root and run so that
	// `nookplot --config path` and `nookplot run --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().StringVar(&runConfigPath, "config", defaultConfigPath, "path to config file")
	}
}

// runRuntime connects to the gateway and runs until SIGINT/SIGTERM.
func runRuntime(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("NOOKPLOT_CONFIG", runConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	logger.Info("starting runtime", slog.String("gateway", cfg.GatewayURL))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Signing identity.
	id, err := loadIdentity(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing identity: %w", err)
	}

	// Gateway client.
	client := gateway.NewClient(cfg.GatewayURL, cfg.APIKey, logger,
		gateway.WithSigner(id),
		gateway.WithMaxRetries(cfg.Session.RetryBudget()),
		gateway.WithObservability(obs),
	)

	// Activity journal (optional).
	var feed *journal.Journal
	if cfg.Journal != nil {
		feed, err = journal.Open(journal.Config{
			Driver:  cfg.Journal.JournalDriver(),
			Path:    cfg.Journal.Path,
			DSN:     cfg.Journal.DSN,
			MaxRows: cfg.Journal.MaxRows,
		}, logger)
		if err != nil {
			return fmt.Errorf("opening activity journal: %w", err)
		}
		defer func() {
			if err := feed.Close(); err != nil {
				logger.Error("closing journal", slog.String("error", err.Error()))
			}
		}()
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("journal", feed.Ping)
		}
	}
	activity := func(kind protocol.ActivityKind, summary string, details map[string]any) {
		logger.Info("activity", slog.String("kind", string(kind)), slog.String("summary", summary))
		if feed != nil {
			if err := feed.Record(context.Background(), kind, summary, details); err != nil {
				logger.Error("recording activity", slog.String("error", err.Error()))
			}
		}
	}

	// LLM provider (optional). Without one the engine skips generation.
	provider, err := newProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing llm provider: %w", err)
	}

	// Approval flow. With the operator API's approval queue enabled,
	// on-chain actions block until a human decides over HTTP; the gate
	// audit store stays nil because the callback owns the queue entries.
	var approvals *approval.Store
	var gate *approval.Gate
	if cfg.OpsAPI != nil && cfg.OpsAPI.EnableApprovals {
		approvals = approval.NewStore(cfg.OpsAPI.ApprovalTimeout(), logger)
		cancelCleanup := approvals.StartCleanup(ctx, time.Minute)
		defer cancelCleanup()
		gate = approval.NewGate(opsapi.ApprovalCallback(approvals), activity, nil, obs, logger)
		logger.Info("operator approval required for on-chain actions",
			slog.String("timeout", cfg.OpsAPI.ApprovalTimeout().String()),
		)
	} else {
		gate = approval.NewGate(nil, activity, nil, obs, logger)
	}

	// Event bus and dispatcher.
	bus := events.NewBus(logger)
	engineOpts := []autonomy.EngineOption{
		autonomy.WithActivityHandler(activity),
		autonomy.WithApprovalGate(gate),
		autonomy.WithCooldown(cfg.Autonomy.ResponseCooldown()),
		autonomy.WithDedupRetention(cfg.Autonomy.DedupRetention()),
		autonomy.WithEngineObservability(obs),
	}
	if provider != nil {
		persona := ""
		if cfg.LLM != nil {
			persona = cfg.LLM.Persona
		}
		engineOpts = append(engineOpts, autonomy.WithGenerator(func(ctx context.Context, prompt string) (string, error) {
			return provider.Complete(ctx, persona, prompt)
		}))
	}
	engine := autonomy.NewEngine(client, logger, engineOpts...)
	engine.Start(bus)
	defer engine.Stop()

	// Gateway session.
	session := runtime.NewSession(client, bus, logger,
		runtime.WithHeartbeatInterval(cfg.Session.HeartbeatInterval()),
		runtime.WithSessionObservability(obs),
	)
	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	resp, err := session.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	engine.SetAddress(resp.Address)
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("session", func(context.Context) error {
			if !session.Connected() {
				return fmt.Errorf("session disconnected")
			}
			return nil
		})
	}

	// Conversational presence in project channels.
	if provider != nil {
		persona := ""
		if cfg.LLM != nil {
			persona = cfg.LLM.Persona
		}
		session.AutoRespondProjects(func(ctx context.Context, ev runtime.ChannelEvent) (string, error) {
			prompt := fmt.Sprintf("%s\n\nYou are chatting in the project channel %q.\n%s\n\nReply briefly and helpfully, or reply [SKIP] to stay silent.",
				safety.UntrustedContentInstruction,
				ev.ChannelSlug,
				safety.WrapUntrusted(safety.SanitizeForPrompt(ev.Content, 500), "channel message"),
			)
			return provider.Complete(ctx, persona, prompt)
		}, cfg.Autonomy.ResponseCooldown())
	}

	// Cadence scheduler (optional).
	if cfg.Cadence != nil && cfg.Cadence.Enabled {
		sched := cadence.New(cfg.Cadence, bus, logger)
		stopCadence, err := sched.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting cadence scheduler: %w", err)
		}
		defer stopCadence()
	}

	// Operator API (optional).
	var ops *opsapi.Server
	if cfg.OpsAPI != nil {
		opsCfg := opsapi.Config{
			ListenAddr:    cfg.OpsAPI.Addr(),
			APIKey:        cfg.OpsAPI.APIKey,
			HealthChecker: obs.Health,
		}
		if obs != nil && obs.Metrics != nil {
			opsCfg.MetricsRegistry = obs.Metrics.Registry
		}
		ops = opsapi.NewServer(opsCfg, approvals, feed, session, logger)
		go func() {
			if err := ops.Start(ctx); err != nil {
				logger.Error("operator api exited", slog.String("error", err.Error()))
			}
		}()
	}

	// MCP server (optional).
	var mcpServer *mcpsrv.Server
	if cfg.MCP != nil && cfg.MCP.Enabled {
		mcpServer = mcpsrv.NewServer(mcpsrv.ServerConfig{
			Addr:    cfg.MCP.Addr(),
			Name:    "nookplot",
			Version: version,
			APIKey:  cfg.APIKey,
		}, mcpsrv.ServerDeps{
			Inbox:    client.Inbox,
			Channels: client.Channels,
			Posts:    client.Knowledge,
			Activity: feed,
			Status:   session,
		}, logger)
		go func() {
			if err := mcpServer.Start(ctx); err != nil {
				logger.Error("mcp server exited", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("runtime ready",
		slog.String("agent_id", resp.AgentID),
		slog.String("address", resp.Address),
	)

	// Block until shutdown signal, then tear down the session.
	session.Listen(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mcpServer != nil {
		if err := mcpServer.Stop(shutdownCtx); err != nil {
			logger.Error("stopping mcp server", slog.String("error", err.Error()))
		}
	}
	if ops != nil {
		if err := ops.Stop(shutdownCtx); err != nil {
			logger.Error("stopping operator api", slog.String("error", err.Error()))
		}
	}
	return nil
}

// newLogger builds the root logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadIdentity loads the signing key from cfg.KeyFile, generating and
// persisting a fresh keypair when the file does not exist yet.
func loadIdentity(cfg *config.Config, logger *slog.Logger) (*identity.Identity, error) {
	name := cfg.AgentName
	if name == "" {
		name = "nookplot-agent"
	}
	if cfg.KeyFile == "" {
		logger.Warn("no key_file configured, using an ephemeral identity")
		return identity.New(name)
	}
	if _, err := os.Stat(cfg.KeyFile); os.IsNotExist(err) {
		id, err := identity.New(name)
		if err != nil {
			return nil, err
		}
		if err := id.Save(cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("persisting new key to %s: %w", cfg.KeyFile, err)
		}
		logger.Info("generated new signing identity",
			slog.String("key_file", cfg.KeyFile),
			slog.String("address", id.Address()),
		)
		return id, nil
	}
	return identity.Load(cfg.KeyFile, name)
}

// newProvider builds the completion provider chain from config. A nil
// config disables generation entirely; fallback entries are chained behind
// the primary and tried in order.
func newProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	if cfg.LLM == nil {
		logger.Warn("no llm provider configured, generation disabled")
		return nil, nil
	}
	primary, err := buildProvider(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.Fallbacks) == 0 {
		return primary, nil
	}

	chain := []llm.Provider{primary}
	for i, fb := range cfg.LLM.Fallbacks {
		p, err := buildProvider(fb, logger)
		if err != nil {
			return nil, fmt.Errorf("llm fallback %d: %w", i, err)
		}
		chain = append(chain, p)
	}
	logger.Info("llm fallback chain configured", slog.Int("providers", len(chain)))
	return llm.NewFallbackProvider(chain, logger), nil
}

func buildProvider(l *config.LLMConfig, logger *slog.Logger) (llm.Provider, error) {
	switch l.ProviderName() {
	case "anthropic":
		var opts []anthropic.Option
		if l.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(l.BaseURL))
		}
		return anthropic.NewClient(l.APIKey, l.Model, logger, opts...), nil
	case "openai":
		var opts []openai.Option
		if l.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(l.BaseURL))
		}
		return openai.NewClient(l.APIKey, l.Model, logger, opts...), nil
	case "ollama":
		baseURL := l.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient("", l.Model, logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", l.Provider)
	}
}
