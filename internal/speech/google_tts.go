package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	ttsapi "google.golang.org/api/texttospeech/v1"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

// GoogleTTS calls text:synthesize for LINEAR16 at the canonical rate
type GoogleTTS struct {
	cfg    Config
	logger *slog.Logger
}

// NewGoogleTTS creates a Text-to-Speech client
func NewGoogleTTS(cfg Config, logger *slog.Logger) *GoogleTTS {
	return &GoogleTTS{cfg: cfg.withDefaults(), logger: componentLogger(logger, "tts")}
}

// Synthesize renders text to speech
func (g *GoogleTTS) Synthesize(ctx context.Context, text string, token *oauth2.Token) (*codec.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &VendorError{Op: "synthesize", Kind: KindInvalidInput, Err: fmt.Errorf("empty text")}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	svc, err := ttsapi.NewService(callCtx, clientOptions(callCtx, g.cfg.Endpoint, token)...)
	if err != nil {
		return nil, &VendorError{Op: "synthesize", Kind: KindUnknown, Err: fmt.Errorf("create tts service: %w", err)}
	}

	req := &ttsapi.SynthesizeSpeechRequest{
		Input: &ttsapi.SynthesisInput{Text: text},
		Voice: &ttsapi.VoiceSelectionParams{
			LanguageCode: g.cfg.LanguageCode,
			Name:         g.cfg.Voice,
		},
		AudioConfig: &ttsapi.AudioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: codec.CanonicalSampleRate,
		},
	}

	start := time.Now()
	resp, err := svc.Text.Synthesize(req).Context(callCtx).Do()
	if err != nil {
		return nil, classify(ctx, "synthesize", err)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil || len(raw) == 0 {
		return nil, &VendorError{Op: "synthesize", Kind: KindUnknown, Err: fmt.Errorf("undecodable audio content: %v", err)}
	}

	// LINEAR16 responses normally carry a WAV header; wrap bare PCM
	if !bytes.HasPrefix(raw, []byte("RIFF")) {
		raw = codec.EncodeWAV(raw, codec.CanonicalSampleRate, codec.CanonicalChannels, codec.CanonicalBitDepth)
	}
	audio, err := codec.AudioFromWAV(raw)
	if err != nil {
		return nil, &VendorError{Op: "synthesize", Kind: KindUnknown, Err: err}
	}

	g.logger.Debug("synthesized speech", "chars", len(text), "audio", audio.Duration, "elapsed", time.Since(start))
	return audio, nil
}
