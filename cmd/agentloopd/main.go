// Command agentloopd is a minimal CLI that wires the agent loop's
// collaborators together and runs an interactive chat session against
// Anthropic.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/config"
	"github.com/kpekel/agentloop/extension"
	"github.com/kpekel/agentloop/internal/largeresponse"
	"github.com/kpekel/agentloop/loop"
	"github.com/kpekel/agentloop/permission"
	"github.com/kpekel/agentloop/provider"
	"github.com/kpekel/agentloop/repetition"
	"github.com/kpekel/agentloop/router"
	"github.com/kpekel/agentloop/subagent"
	"github.com/kpekel/agentloop/toolclient"
)

// extensionFlag collects repeated -extension/-plugin-extension
// key=command[,arg...] flags into extension.Config values of a fixed Kind.
type extensionFlag struct {
	configs *[]extension.Config
	kind    extension.Kind
	name    string
}

func (f extensionFlag) String() string { return "" }

func (f extensionFlag) Set(raw string) error {
	key, rest, ok := strings.Cut(raw, "=")
	if !ok || key == "" || rest == "" {
		return fmt.Errorf("-%s expects key=command[,arg...], got %q", f.name, raw)
	}
	parts := strings.Split(rest, ",")
	*f.configs = append(*f.configs, extension.Config{
		Key:     key,
		Kind:    f.kind,
		Command: parts[0],
		Args:    parts[1:],
	})
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentloopd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load() // a missing .env is not an error

	var (
		configPath   = flag.String("config", "", "path to a YAML session config file")
		logLevel     = flag.String("log-level", "info", "debug, info, warn, or error")
		mode         = flag.String("mode", string(permission.ModeApprove), "auto, approve, smart_approve, or chat")
		routerStrat  = flag.String("router", string(router.StrategyOff), "off, vector, or llm")
		model        = flag.String("model", "claude-sonnet-4-20250514", "anthropic model id")
		maxRespBytes = flag.Int("max-tool-response-bytes", largeresponse.DefaultMaxBytes, "truncate tool results larger than this many bytes")
	)
	var extConfigs []extension.Config
	flag.Var(extensionFlag{configs: &extConfigs, kind: extension.KindStdio, name: "extension"}, "extension", "repeatable: key=command[,arg...] for a stdio MCP extension")
	flag.Var(extensionFlag{configs: &extConfigs, kind: extension.KindPlugin, name: "plugin-extension"}, "plugin-extension", "repeatable: key=command[,arg...] for a subprocess go-plugin tool extension")
	flag.Parse()

	initLogger(parseLevel(*logLevel))

	cfg, err := config.NewKoanfConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY must be set")
	}
	anthropic, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: *model,
	})
	if err != nil {
		return fmt.Errorf("construct provider: %w", err)
	}

	configMgr := extension.NewStaticConfigManager(recordsFor(extConfigs))
	extensions := extension.New(toolclient.ClientInfo{Name: "agentloopd", Version: "0.1.0"}, extension.WithConfigManager(configMgr))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, ec := range extConfigs {
		if err := extensions.AddExtension(ctx, ec, cfg); err != nil {
			slog.Warn("extension failed to load", "extension", ec.Key, "err", err)
			continue
		}
		slog.Info("extension loaded", "extension", ec.Key)
	}

	permMode := permission.Mode(*mode)
	repMonitor := repetition.New(repetition.DefaultMaxRepetitions, repetition.DefaultWindow)

	routerIdx, err := router.New(router.Strategy(*routerStrat), nil)
	if err != nil {
		return fmt.Errorf("construct router: %w", err)
	}

	lg := loop.New(loop.Config{
		Provider:      anthropic,
		Extensions:    extensions,
		ConfigManager: configMgr,
		Permission:    permission.New(permMode, permission.NewMemoryDecisionStore(), nil),
		Repetition:    repMonitor,
		Cfg:           cfg,
		Router:        routerIdx,
		Metrics:       slogMetrics{},
		LargeResp:     largeresponse.New(*maxRespBytes),
		SystemBase:    "You are a helpful assistant with access to tools.",
		AllowSubagent: config.AlphaFeaturesEnabled(cfg),
		NewSubLoop: func() subagent.Looper {
			return loop.AsSubagentLooper(loop.New(loop.Config{
				Provider:      anthropic,
				Extensions:    extensions,
				ConfigManager: configMgr,
				// A fresh decision store per subagent: a nested loop never
				// shares the parent's persisted approvals. Same policy
				// mode as the parent.
				Permission: permission.New(permMode, permission.NewMemoryDecisionStore(), nil),
				Repetition: repetition.New(repetition.DefaultMaxRepetitions, repetition.DefaultWindow),
				Cfg:        cfg,
				LargeResp:  largeresponse.New(*maxRespBytes),
				SystemBase: "You are a focused subagent completing one delegated task.",
			}))
		},
	})

	return runChat(ctx, lg)
}

// slogMetrics reports per-turn usage through the process logger; an
// embedding caller would persist these instead.
type slogMetrics struct{}

func (slogMetrics) RecordUsage(session *agent.Session, usage agent.Usage) {
	slog.Debug("turn usage",
		"session", session.ID,
		"model", usage.ActiveModel,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
}

func recordsFor(configs []extension.Config) []extension.Record {
	out := make([]extension.Record, len(configs))
	for i, c := range configs {
		out[i] = extension.Record{Enabled: true, Config: c}
	}
	return out
}
