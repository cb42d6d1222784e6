// Parley is a chat-automation agent.
//
// It connects to a chat-platform gateway, matches inbound messages to
// configured capabilities (weather, sports scores, image generation,
// web search, or plain conversation), and drives each request through
// a routed execution pipeline with per-call timeouts, LLM-assisted
// input repair, and conversational final passes. A local
// administration server exposes health and introspection endpoints.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve             Connect to the gateway and serve requests
//	parley init [dir]        Write a default config.yaml
//	parley ask <question>    Route a single question (for testing)
//	parley version           Print version and build information
//	parley -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-bot/parley/internal/admin"
	"github.com/parley-bot/parley/internal/bridge"
	"github.com/parley-bot/parley/internal/buildinfo"
	"github.com/parley-bot/parley/internal/capability/imagegen"
	"github.com/parley-bot/parley/internal/capability/scores"
	"github.com/parley-bot/parley/internal/capability/search"
	"github.com/parley-bot/parley/internal/capability/weather"
	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/events"
	"github.com/parley-bot/parley/internal/history"
	"github.com/parley-bot/parley/internal/llm"
	"github.com/parley-bot/parley/internal/mqtt"
	"github.com/parley-bot/parley/internal/queue"
	"github.com/parley-bot/parley/internal/router"
	"github.com/parley-bot/parley/internal/window"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. All OS-level
// dependencies are injected as parameters so the full lifecycle can be
// driven from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, and our surface is small enough
// that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Chat Automation Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the gateway and serve requests")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Route a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runInit writes a default configuration file into dir, refusing to
// overwrite an existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Wrote default configuration to %s\n", path)
	return nil
}

// runAsk handles the "parley ask <question>" subcommand. It boots a
// minimal pipeline (no gateway, no history, no admin server) and
// routes a single question as if it had arrived from the chat bridge,
// printing the answer to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps, err := buildPipeline(cfg, logger, nil)
	if err != nil {
		return err
	}

	b := bridge.New(bridge.BridgeConfig{
		Gateway:      printGateway{w: stdout},
		Pipeline:     deps.router,
		Capabilities: cfg.Capabilities,
		Formatters:   deps.formatters,
		Logger:       logger,
	})

	b.HandleOnce(ctx, bridge.Inbound{Sender: "cli", Content: question})
	return nil
}

// printGateway satisfies bridge.Gateway for CLI one-shots, printing
// answers to stdout instead of a WebSocket.
type printGateway struct {
	w io.Writer
}

func (g printGateway) Messages() <-chan bridge.Inbound { return nil }

func (g printGateway) Send(_ context.Context, msg bridge.Outbound) error {
	fmt.Fprintln(g.w, msg.Body)
	return nil
}

// pipelineDeps bundles the shared pieces of the request path that both
// serve and ask need.
type pipelineDeps struct {
	router     *router.Router
	formatters map[dispatch.API]dispatch.Formatter
	modelPing  func(ctx context.Context) error
}

// buildPipeline wires the dispatcher, capability clients, execution
// slot, and router from configuration. bus may be nil.
func buildPipeline(cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*pipelineDeps, error) {
	// LLM client by provider. The OpenAI path also serves
	// OpenAI-compatible endpoints via the base URL override.
	var llmClient llm.Client
	switch cfg.Models.Provider {
	case "", "ollama":
		llmClient = llm.NewOllamaClient(cfg.Models.OllamaURL)
	case "openai":
		llmClient = llm.NewOpenAIClient(cfg.Models.OpenAIKey, cfg.Models.OpenAIBaseURL)
	default:
		return nil, fmt.Errorf("unknown model provider: %q", cfg.Models.Provider)
	}

	persona := ""
	if cfg.Models.PersonaFile != "" {
		data, err := os.ReadFile(cfg.Models.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		persona = string(data)
	}

	registry := dispatch.NewRegistry(logger)
	registry.RegisterModel(llm.NewResponder(llmClient, cfg.Models.Default, persona, logger))
	registry.Register(dispatch.APIWeather, weather.New(cfg.Weather.GeocodeURL, cfg.Weather.ForecastURL, logger))
	registry.Register(dispatch.APIScores, scores.New(cfg.Scores.BaseURL, time.Duration(cfg.Scores.CacheTTLSec)*time.Second, logger))
	registry.Register(dispatch.APISearch, search.New(cfg.Search.BaseURL, cfg.Search.MaxResults, logger))
	if cfg.Models.OpenAIKey != "" {
		registry.Register(dispatch.APIImageGen, imagegen.New(cfg.Models.OpenAIKey, cfg.Models.OpenAIBaseURL, cfg.ImageGen.Model, cfg.ImageGen.Size, logger))
	} else {
		logger.Warn("image generation disabled: no OpenAI key configured")
	}

	// Image generation is the one upstream that charges per call; keep
	// it to one in flight.
	slot := queue.New(logger,
		queue.WithBus(bus),
		queue.WithLimit(dispatch.APIImageGen, 1),
	)

	formatters := map[dispatch.API]dispatch.Formatter{
		dispatch.APIWeather:  weather.Formatter(),
		dispatch.APIScores:   scores.Formatter(),
		dispatch.APISearch:   search.Formatter(),
		dispatch.APIImageGen: imagegen.Formatter(),
	}

	opts := []router.Option{
		router.WithBus(bus),
		router.WithWindow(window.New(30*time.Minute, logger)),
		router.WithModelBudgets(cfg.Models.RefineTimeoutOrDefault(), cfg.Models.FinalTimeoutOrDefault()),
	}
	for api, f := range formatters {
		opts = append(opts, router.WithFormatter(api, f))
	}

	return &pipelineDeps{
		router:     router.New(logger, registry, slot, opts...),
		formatters: formatters,
		modelPing:  llmClient.Ping,
	}, nil
}

// runServe handles the "parley serve" subcommand. It is the primary
// operating mode: loads config, opens the history store, wires the
// pipeline, connects to the chat gateway, starts the admin server and
// the optional MQTT narrator, and blocks until a shutdown signal
// arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		// ParseLogLevel is already validated by config.Validate(), so
		// this error path should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"gateway", cfg.Chat.GatewayURL,
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Default,
		"capabilities", len(cfg.Capabilities),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory and history store ---
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "parley.db")
	hist, err := history.Open(dbPath, 50)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", dbPath, err)
	}
	defer hist.Close()
	logger.Info("history database opened", "path", dbPath)

	// --- Events bus and pipeline ---
	bus := events.New()

	deps, err := buildPipeline(cfg, logger, bus)
	if err != nil {
		return err
	}

	// Probe the model provider once at startup. Failure is not fatal:
	// the provider may come up later, and capability calls fail cleanly.
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := deps.modelPing(pingCtx); err != nil {
		logger.Warn("model provider not reachable at startup", "error", err)
	}
	pingCancel()

	recorder := admin.NewRecorder(100)
	pipeline := recorder.Wrap(deps.router)

	// --- Chat gateway and bridge ---
	if cfg.Chat.GatewayURL == "" {
		return fmt.Errorf("chat.gateway_url is required for serve")
	}
	gateway := bridge.NewClient(cfg.Chat.GatewayURL, cfg.Chat.Token, logger)
	if err := gateway.Connect(ctx); err != nil {
		return fmt.Errorf("connect to chat gateway: %w", err)
	}
	defer gateway.Close()

	chatBridge := bridge.New(bridge.BridgeConfig{
		Gateway:      gateway,
		Pipeline:     pipeline,
		History:      hist,
		Capabilities: cfg.Capabilities,
		Formatters:   deps.formatters,
		HTMLBody:     cfg.Chat.HTMLBody,
		RateLimit:    10,
		Bus:          bus,
		Logger:       logger,
	})
	go chatBridge.Start(ctx)

	// --- MQTT narrator (optional) ---
	var narrator *mqtt.Narrator
	if cfg.MQTT.Broker != "" {
		narrator = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := narrator.Start(ctx); err != nil {
				logger.Error("mqtt narrator failed", "error", err)
			}
		}()
	}

	// --- Admin server ---
	adminServer := admin.NewServer(cfg.Admin.Address, cfg.Admin.Port, cfg, recorder, logger)
	adminServer.SetHistoryStats(hist)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if narrator != nil {
			_ = narrator.Stop(shutdownCtx)
		}
		_ = adminServer.Shutdown(shutdownCtx)
	}()

	// Start the admin server. This blocks until shutdown.
	if err := adminServer.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
	}

	logger.Info("Parley stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
