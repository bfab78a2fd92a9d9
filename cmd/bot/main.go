package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/codebuildervaibhav/voice-bot/internal/auth"
	"github.com/codebuildervaibhav/voice-bot/internal/codec"
	"github.com/codebuildervaibhav/voice-bot/internal/config"
	"github.com/codebuildervaibhav/voice-bot/internal/handlers"
	"github.com/codebuildervaibhav/voice-bot/internal/logging"
	"github.com/codebuildervaibhav/voice-bot/internal/pipeline"
	"github.com/codebuildervaibhav/voice-bot/internal/reply"
	"github.com/codebuildervaibhav/voice-bot/internal/speech"
	"github.com/codebuildervaibhav/voice-bot/internal/storage"
	"github.com/codebuildervaibhav/voice-bot/internal/workspace"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", config.Path(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logBuffer := logging.NewBuffer(1000)
	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logBuffer))
	log.Info("initializing components", "version", version, "config", *configPath)

	// Credentials: fail fast when the OAuth process has not run yet
	store, err := auth.OpenStore(cfg.OAuth.ClientSecretFile, cfg.OAuth.TokenFile, cfg.OAuth.RedirectURL, cfg.OAuth.Scopes, log)
	if err != nil {
		log.Error("failed to load OAuth credentials; run cmd/oauth first", "error", err)
		os.Exit(1)
	}
	broker := auth.NewBroker(store, auth.NewOAuthRefresher(store.Config()), cfg.OAuth.RefreshMargin, cfg.OAuth.RefreshTimeout, log)

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, log)
	if err != nil {
		log.Error("failed to create workspace root", "error", err)
		os.Exit(1)
	}
	// Nothing runs yet, so every job directory is an orphan
	if n, err := workspaces.SweepStale(0); err != nil {
		log.Warn("startup sweep failed", "error", err)
	} else if n > 0 {
		log.Info("removed leftover workspaces", "count", n)
	}
	sweeper := workspace.NewSweeper(workspaces, cfg.Workspace.SweepInterval, cfg.Workspace.StaleAfter)
	sweeper.Start()
	defer sweeper.Stop()

	journal, err := storage.OpenJournal(cfg.Storage.Database)
	if err != nil {
		log.Error("failed to open journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	var replier reply.Generator = reply.Echo{}
	if cfg.Reply.Provider == "openai" {
		replier = reply.NewOpenAI(cfg.Reply.OpenAIKey, cfg.Reply.OpenAIURL, cfg.Reply.Model, cfg.Reply.SystemPrompt, log)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var tts speech.Synthesizer = speech.NewGoogleTTS(speech.Config{
		Endpoint:     cfg.Speech.TTSEndpoint,
		LanguageCode: cfg.Speech.LanguageCode,
		Voice:        cfg.Speech.Voice,
		CallTimeout:  cfg.Speech.CallTimeout,
	}, log)
	if cfg.Speech.TTSFallback == "openai" {
		secondary := speech.NewOpenAITTS(cfg.Reply.OpenAIKey, cfg.Reply.OpenAIURL, cfg.Speech.FallbackModel, cfg.Speech.FallbackVoice, cfg.Speech.CallTimeout, log)
		tts = speech.NewFallback(tts, secondary, log)
	}

	orch := pipeline.New(pipeline.Config{
		MaxCodecJobs:       cfg.Pipeline.MaxCodecJobs,
		MaxRemoteJobs:      cfg.Pipeline.MaxRemoteJobs,
		QueueDepth:         cfg.Pipeline.QueueDepth,
		JobTimeout:         cfg.Pipeline.JobTimeout,
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		BackoffBase:        cfg.Pipeline.BackoffBase,
		BackoffMax:         cfg.Pipeline.BackoffMax,
		AuthAlertThreshold: cfg.Pipeline.AuthAlertThreshold,
		AuthAlertWindow:    cfg.Pipeline.AuthAlertWindow,
		OutputFormat:       cfg.Pipeline.OutputFormat,
		MaxReplyChars:      cfg.Speech.MaxChars,
	}, pipeline.Deps{
		Codec:      codec.NewAdapter(cfg.Codec.FFmpegPath, cfg.Codec.Timeout, nil, log),
		Workspaces: workspaces,
		Tokens:     broker,
		STT: speech.NewGoogleSTT(speech.Config{
			Endpoint:     cfg.Speech.STTEndpoint,
			LanguageCode: cfg.Speech.LanguageCode,
			CallTimeout:  cfg.Speech.CallTimeout,
		}, log),
		TTS:      tts,
		Replier:  replier,
		Journal:  journal,
		Registry: registry,
		Logger:   log,
	})

	// Jobs started from websocket connections end with the process
	baseCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Limits.MaxFileSizeMB * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{Output: io.MultiWriter(os.Stdout, logBuffer)}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	gate := handlers.NewOwnerGate(cfg.Pipeline.AllowedUsers)
	voiceHandler := handlers.NewVoiceHandler(orch, gate, cfg.Limits.MaxFileSizeMB, log)
	streamHandler := handlers.NewStreamHandler(baseCtx, orch, gate, cfg.Limits.MaxFileSizeMB, log)
	ops := handlers.NewOpsHandler(orch, broker, journal, logBuffer, version)

	app.Post("/voice", voiceHandler.Handle)
	app.Use("/ws", streamHandler.Upgrade)
	app.Get("/ws/voice", websocket.New(streamHandler.Handle))

	app.Get("/health", ops.Health)
	app.Get("/health/oauth", ops.OAuth)
	app.Get("/jobs", ops.Jobs)
	app.Get("/logs", ops.Logs)
	app.Get("/metrics", handlers.Metrics(registry))

	addr := cfg.Addr()
	log.Info("bot server starting", "addr", addr, "allowed_users", len(cfg.Pipeline.AllowedUsers),
		"reply_provider", cfg.Reply.Provider, "output_format", cfg.Pipeline.OutputFormat)

	// Graceful shutdown: stop admitting, let running jobs finish, then close
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.JobTimeout+5*time.Second)
		defer cancel()
		if err := orch.Drain(ctx); err != nil {
			log.Warn("drain incomplete", "error", err)
		}
		stopJobs()
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}()

	if err := app.Listen(addr); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
