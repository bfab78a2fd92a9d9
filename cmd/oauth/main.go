package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/codebuildervaibhav/voice-bot/internal/auth"
	"github.com/codebuildervaibhav/voice-bot/internal/config"
	"github.com/codebuildervaibhav/voice-bot/internal/handlers"
	"github.com/codebuildervaibhav/voice-bot/internal/logging"
)

func main() {
	configPath := flag.String("config", config.Path(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	if cfg.OAuth.RedirectURL == "" {
		log.Error("oauth.redirect_url (or GOOGLE_REDIRECT_URI) is required for the consent flow")
		os.Exit(1)
	}
	oauthCfg, err := auth.LoadClientConfig(cfg.OAuth.ClientSecretFile, cfg.OAuth.RedirectURL, cfg.OAuth.Scopes)
	if err != nil {
		log.Error("failed to load client secret", "error", err)
		os.Exit(1)
	}
	consent := auth.NewConsent(oauthCfg, cfg.OAuth.TokenFile, log)
	h := handlers.NewOAuthHandler(consent, log)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/oauth/google", h.Start)
	app.Get("/oauth/google/callback", h.Callback)
	app.Get("/oauth/status", h.Status)

	addr := cfg.OAuthAddr()
	log.Info("oauth server starting", "addr", addr, "redirect_url", cfg.OAuth.RedirectURL, "token_file", cfg.OAuth.TokenFile)
	log.Info("open /oauth/google to connect a Google account")

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint
		log.Info("shutting down")
		app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(addr); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
