// Xbot is the Xtalento WhatsApp assistant.
//
// It answers customer chats through an Evolution API instance, and
// coordinates with human sales agents working the same WhatsApp number:
// when an agent steps into a conversation (or a customer asks for one),
// the bot detects it and goes silent on that chat until the agent goes
// idle or an operator hands the chat back.
//
// Usage:
//
//	xbot serve                     Start the webhook server and background workers
//	xbot paused                    List chats currently parked with a human
//	xbot pause <chat>              Park a chat with a human (operator override)
//	xbot release <chat>|--all      Hand one chat, or every chat, back to the bot
//	xbot register-webhook          Register this bot's webhook with Evolution
//	xbot check-webhook             Show Evolution's current webhook config
//	xbot version                   Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/xtalento/xbot/internal/audit"
	"github.com/xtalento/xbot/internal/buildinfo"
	"github.com/xtalento/xbot/internal/chatbot"
	"github.com/xtalento/xbot/internal/config"
	"github.com/xtalento/xbot/internal/convstate"
	"github.com/xtalento/xbot/internal/evolution"
	"github.com/xtalento/xbot/internal/handoff"
	"github.com/xtalento/xbot/internal/llm"
	"github.com/xtalento/xbot/internal/reactivate"
	"github.com/xtalento/xbot/internal/webhook"
)

// main constructs the OS-level environment and delegates to run, so the
// full lifecycle can be driven from tests without touching os.Exit.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand — the flag package's global state gets
// in the way of calling run concurrently from tests, and the argument
// surface here is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case args[i] == "--all" || args[i] == "-all":
			cmdArgs = append(cmdArgs, "all")
		case !strings.HasPrefix(args[i], "-"):
			if command == "" {
				command = args[i]
			} else {
				cmdArgs = append(cmdArgs, args[i])
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "paused":
		return runPaused(ctx, stdout, configPath)
	case "pause":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: xbot pause <chat>")
		}
		return runSetMode(ctx, stdout, configPath, cmdArgs[0], convstate.ModeHuman)
	case "release":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: xbot release <chat>|--all")
		}
		if cmdArgs[0] == "all" {
			return runReleaseAll(ctx, stdout, configPath)
		}
		return runSetMode(ctx, stdout, configPath, cmdArgs[0], convstate.ModeBot)
	case "register-webhook":
		return runRegisterWebhook(ctx, stdout, configPath)
	case "check-webhook":
		return runCheckWebhook(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "xbot - Xtalento WhatsApp assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: xbot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the webhook server and background workers")
	fmt.Fprintln(w, "  paused             List chats currently parked with a human")
	fmt.Fprintln(w, "  pause <chat>       Park a chat with a human (operator override)")
	fmt.Fprintln(w, "  release <chat>     Hand a chat back to the bot (--all for every chat)")
	fmt.Fprintln(w, "  register-webhook   Register this bot's webhook with Evolution")
	fmt.Fprintln(w, "  check-webhook      Show Evolution's current webhook config")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		// No config anywhere is fine for local runs.
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting xbot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"instance", cfg.Evolution.Instance,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Conversation ownership store. Degraded Redis is survivable (the
	// bot just answers everything), so Connect never fails hard.
	store := convstate.Connect(ctx, cfg.Redis, logger)
	defer store.Close()

	auditPath := filepath.Join(cfg.DataDir, "xbot.db")
	auditLog, err := audit.Open(auditPath, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	logger.Info("audit log opened", "path", auditPath)

	fingerprints := handoff.NewFingerprints(cfg.Handoff.EchoWindow(), 0)
	blocklist := handoff.NewBlocklist(cfg.Handoff.BlockDuration())
	engine := handoff.NewEngine(handoff.EngineConfig{
		Store:           store,
		Fingerprints:    fingerprints,
		Blocklist:       blocklist,
		Intent:          chatbot.Intent{},
		Recorder:        auditLog,
		SignaturePhrase: cfg.Handoff.SignaturePhrase,
		WideWindow:      cfg.Handoff.WideWindow(),
		Logger:          logger,
	})

	evo := evolution.NewClient(cfg.Evolution, logger)
	model := llm.NewClient(cfg.OpenAI, logger)
	retriever := chatbot.NewDirRetriever(filepath.Join(cfg.DataDir, "documents"))
	bot := chatbot.New(chatbot.Config{
		Model:     model,
		Retriever: retriever,
		Logger:    logger,
	})
	sessions := chatbot.NewSessions()

	dispatcher := webhook.NewDispatcher(webhook.DispatcherConfig{
		Engine:       engine,
		Fingerprints: fingerprints,
		Bot:          bot,
		Sessions:     sessions,
		Sender:       evo,
		Workers:      cfg.Workers,
		Logger:       logger,
	})
	go dispatcher.Start(ctx)

	sweeper := reactivate.NewSweeper(reactivate.SweeperConfig{
		Store:             store,
		Leases:            blocklist,
		Recorder:          auditLog,
		Interval:          cfg.Reactivation.Interval(),
		InactivityTimeout: cfg.Reactivation.InactivityTimeout(),
		StatsInterval:     cfg.Reactivation.StatsInterval(),
		Logger:            logger,
	})
	go sweeper.Start(ctx)

	if cfg.Evolution.Socket {
		socket := evolution.NewSocket(cfg.Evolution.APIURL, cfg.Evolution.APIKey,
			cfg.Evolution.Instance, dispatcher.HandleEvent, logger)
		go socket.Start(ctx)
		logger.Info("websocket event source enabled")
	}

	server := webhook.NewServer(webhook.ServerConfig{
		Address:          cfg.Listen.Address,
		Port:             cfg.Listen.Port,
		Dispatcher:       dispatcher,
		Evolution:        evo,
		Store:            store,
		Blocklist:        blocklist,
		Audit:            auditLog,
		Sessions:         sessions,
		Instance:         cfg.Evolution.Instance,
		PublicWebhookURL: cfg.Evolution.PublicWebhookURL,
		WebhookByEvents:  cfg.Evolution.WebhookByEvents,
		Logger:           logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runPaused lists chats currently owned by a human, oldest activity
// first, so an operator can spot conversations about to be reclaimed.
func runPaused(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	store := convstate.Connect(ctx, cfg.Redis, logger)
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	var paused []*convstate.Record
	for _, rec := range records {
		if rec.Mode == convstate.ModeHuman {
			paused = append(paused, rec)
		}
	}
	sort.Slice(paused, func(i, j int) bool {
		return paused[i].LastActivity.Before(paused[j].LastActivity)
	})

	if len(paused) == 0 {
		fmt.Fprintln(stdout, "no chats are paused")
		return nil
	}
	for _, rec := range paused {
		idle := time.Since(rec.LastActivity).Round(time.Minute)
		fmt.Fprintf(stdout, "%-20s idle %-8s reason=%s by=%s\n",
			rec.ChatID, idle, rec.Reason, rec.ChangedBy)
	}
	fmt.Fprintf(stdout, "%d paused chat(s)\n", len(paused))
	return nil
}

// runSetMode is the pause/release operator override.
func runSetMode(ctx context.Context, stdout io.Writer, configPath string, chatID string, mode convstate.Mode) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	store := convstate.Connect(ctx, cfg.Redis, logger)
	defer store.Close()

	if ok := store.SetMode(ctx, chatID, mode, handoff.ReasonManualOverride, "admin"); !ok {
		return fmt.Errorf("state store unreachable; %s not updated", chatID)
	}
	fmt.Fprintf(stdout, "%s -> %s\n", chatID, mode)
	return nil
}

// runReleaseAll hands every human-owned chat back to the bot, the
// end-of-shift reset.
func runReleaseAll(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	store := convstate.Connect(ctx, cfg.Redis, logger)
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	released := 0
	for _, rec := range records {
		if rec.Mode != convstate.ModeHuman {
			continue
		}
		if ok := store.SetMode(ctx, rec.ChatID, convstate.ModeBot, handoff.ReasonManualOverride, "admin"); !ok {
			return fmt.Errorf("state store unreachable; %s not updated", rec.ChatID)
		}
		fmt.Fprintf(stdout, "%s -> %s\n", rec.ChatID, convstate.ModeBot)
		released++
	}
	fmt.Fprintf(stdout, "%d chat(s) released\n", released)
	return nil
}

func runRegisterWebhook(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Evolution.PublicWebhookURL == "" {
		return fmt.Errorf("evolution.public_webhook_url is not configured")
	}

	logger := config.NewLogger(io.Discard, slog.LevelError, "text")
	evo := evolution.NewClient(cfg.Evolution, logger)

	res, err := evo.RegisterWebhook(ctx, cfg.Evolution.PublicWebhookURL, cfg.Evolution.WebhookByEvents)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "webhook registered (%d): %s\n", res.Status, cfg.Evolution.PublicWebhookURL)
	return nil
}

func runCheckWebhook(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := config.NewLogger(io.Discard, slog.LevelError, "text")
	evo := evolution.NewClient(cfg.Evolution, logger)

	res, err := evo.FindWebhook(ctx)
	if err != nil {
		return err
	}

	// Pretty-print when the body is JSON, raw otherwise.
	var pretty map[string]any
	if jsonErr := json.Unmarshal([]byte(res.Body), &pretty); jsonErr == nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	}
	fmt.Fprintln(stdout, res.Body)
	return nil
}
