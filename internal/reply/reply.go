// Package reply produces the text the bot speaks back for a transcript.
package reply

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Generator turns a user's transcript into reply text
type Generator interface {
	Reply(ctx context.Context, userID, transcript string) (string, error)
}

// Echo repeats the transcript back
type Echo struct{}

// Reply returns the transcript unchanged
func (Echo) Reply(_ context.Context, _ string, transcript string) (string, error) {
	return strings.TrimSpace(transcript), nil
}

// Truncate limits text to max runes, ending with an ellipsis when cut
func Truncate(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:max-1]), isSpace) + "…"
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }
