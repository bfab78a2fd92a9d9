package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	speechapi "google.golang.org/api/speech/v1"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

// GoogleSTT calls speech:recognize with LINEAR16 audio
type GoogleSTT struct {
	cfg    Config
	logger *slog.Logger
}

// NewGoogleSTT creates a Speech-to-Text client
func NewGoogleSTT(cfg Config, logger *slog.Logger) *GoogleSTT {
	return &GoogleSTT{cfg: cfg.withDefaults(), logger: componentLogger(logger, "stt")}
}

// Transcribe sends audio for synchronous recognition and joins the best
// alternative of every result
func (g *GoogleSTT) Transcribe(ctx context.Context, audio *codec.Audio, token *oauth2.Token) (string, error) {
	var pcm []byte
	if audio != nil {
		pcm = audio.PCM()
	}
	if len(pcm) == 0 {
		return "", &VendorError{Op: "transcribe", Kind: KindInvalidInput, Err: fmt.Errorf("empty audio")}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	svc, err := speechapi.NewService(callCtx, clientOptions(callCtx, g.cfg.Endpoint, token)...)
	if err != nil {
		return "", &VendorError{Op: "transcribe", Kind: KindUnknown, Err: fmt.Errorf("create speech service: %w", err)}
	}

	req := &speechapi.RecognizeRequest{
		Config: &speechapi.RecognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            int64(audio.SampleRate),
			AudioChannelCount:          int64(audio.Channels),
			LanguageCode:               g.cfg.LanguageCode,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechapi.RecognitionAudio{
			Content: base64.StdEncoding.EncodeToString(pcm),
		},
	}

	start := time.Now()
	resp, err := svc.Speech.Recognize(req).Context(callCtx).Do()
	if err != nil {
		return "", classify(ctx, "transcribe", err)
	}

	var parts []string
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(result.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, " ")

	g.logger.Debug("recognized speech", "audio", audio.Duration, "chars", len(text), "elapsed", time.Since(start))
	if text == "" {
		return "", &VendorError{Op: "transcribe", Kind: KindInvalidInput, Err: ErrNoSpeech}
	}
	return text, nil
}
