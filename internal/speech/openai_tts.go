package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

// OpenAI speech returns raw PCM at this rate, 16-bit mono
const openAIPCMRate = 24000

// OpenAITTS synthesizes with the OpenAI audio/speech endpoint. It ignores
// the Google token it is handed.
type OpenAITTS struct {
	client  *openai.Client
	model   openai.SpeechModel
	voice   openai.SpeechVoice
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAITTS creates a synthesizer. baseURL is optional.
func NewOpenAITTS(apiKey, baseURL, model, voice string, timeout time.Duration, logger *slog.Logger) *OpenAITTS {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAITTS{
		client:  openai.NewClientWithConfig(cfg),
		model:   openai.SpeechModel(model),
		voice:   openai.SpeechVoice(voice),
		timeout: timeout,
		logger:  componentLogger(logger, "tts-openai"),
	}
}

// Synthesize renders text to speech
func (o *OpenAITTS) Synthesize(ctx context.Context, text string, _ *oauth2.Token) (*codec.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &VendorError{Op: "synthesize", Kind: KindInvalidInput, Err: fmt.Errorf("empty text")}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateSpeech(callCtx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, classifyOpenAI(ctx, err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return nil, classifyOpenAI(ctx, err)
	}
	if len(pcm) == 0 {
		return nil, &VendorError{Op: "synthesize", Kind: KindUnknown, Err: errors.New("empty audio")}
	}

	audio, err := codec.AudioFromWAV(codec.EncodeWAV(pcm, openAIPCMRate, 1, 16))
	if err != nil {
		return nil, &VendorError{Op: "synthesize", Kind: KindUnknown, Err: err}
	}
	o.logger.Debug("synthesized speech", "chars", len(text), "audio", audio.Duration, "elapsed", time.Since(start))
	return audio, nil
}

// classifyOpenAI maps go-openai failures. A rejected API key is a
// configuration problem, never KindAuthRejected, which would refresh the
// Google token for nothing.
func classifyOpenAI(parent context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &VendorError{Op: "synthesize", Kind: KindTransient, Err: err}
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status != 0 {
		kind := KindUnknown
		switch {
		case status == http.StatusTooManyRequests, status >= 500:
			kind = KindTransient
		case status == http.StatusBadRequest:
			kind = KindInvalidInput
		}
		return &VendorError{Op: "synthesize", Kind: kind, Status: status, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &VendorError{Op: "synthesize", Kind: KindTransient, Err: err}
	}
	return &VendorError{Op: "synthesize", Kind: KindUnknown, Err: err}
}
