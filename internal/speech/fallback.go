package speech

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
)

// Fallback tries a secondary synthesizer when the primary fails
type Fallback struct {
	primary   Synthesizer
	secondary Synthesizer
	logger    *slog.Logger
}

// NewFallback chains primary then secondary
func NewFallback(primary, secondary Synthesizer, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: componentLogger(logger, "tts-fallback")}
}

// Synthesize returns the primary's audio, or the secondary's when the
// primary failed for a reason other than a rejected token. Token
// rejections pass through so the caller can refresh and retry the primary.
func (f *Fallback) Synthesize(ctx context.Context, text string, token *oauth2.Token) (*codec.Audio, error) {
	audio, err := f.primary.Synthesize(ctx, text, token)
	if err == nil || ctx.Err() != nil || KindOf(err) == KindAuthRejected {
		return audio, err
	}

	f.logger.Warn("primary synthesizer failed, trying fallback", "kind", KindOf(err), "error", err)
	audio, fallbackErr := f.secondary.Synthesize(ctx, text, token)
	if fallbackErr != nil {
		if ctx.Err() != nil {
			return nil, fallbackErr
		}
		// The retry decision follows the primary
		return nil, &VendorError{Op: "synthesize", Kind: KindOf(err), Err: errors.Join(err, fallbackErr)}
	}
	return audio, nil
}
