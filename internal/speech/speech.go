// Package speech talks to the Google Cloud Speech-to-Text and Text-to-Speech
// REST APIs. Every call takes the access token to use, so the caller owns
// credential freshness.
package speech

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

// Transcriber turns canonical audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio *codec.Audio, token *oauth2.Token) (string, error)
}

// Synthesizer turns text into canonical audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, token *oauth2.Token) (*codec.Audio, error)
}

// Config holds vendor call settings shared by both clients
type Config struct {
	// Endpoint overrides the API base URL; empty uses Google's default
	Endpoint     string
	LanguageCode string
	Voice        string
	CallTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LanguageCode == "" {
		c.LanguageCode = "ru-RU"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Endpoint != "" && !strings.HasSuffix(c.Endpoint, "/") {
		c.Endpoint += "/"
	}
	return c
}

// clientOptions authenticates a single call with tok
func clientOptions(ctx context.Context, endpoint string, tok *oauth2.Token) []option.ClientOption {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func componentLogger(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
