// Package handlers exposes the voice pipeline and the OAuth consent flow over
// fiber.
package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/voice-bot/internal/codec"
	"github.com/codebuildervaibhav/voice-bot/internal/pipeline"
	"github.com/codebuildervaibhav/voice-bot/internal/types"
)

// Submitter runs a voice job to completion
type Submitter interface {
	Submit(ctx context.Context, job *pipeline.Job) *pipeline.Outcome
}

const forbiddenMessage = "Sorry, this bot only talks to its owner."

// OwnerGate limits the bot to a set of users. An empty gate admits everyone.
type OwnerGate struct {
	allowed map[string]struct{}
}

// NewOwnerGate builds a gate from user ids
func NewOwnerGate(users []string) *OwnerGate {
	g := &OwnerGate{allowed: make(map[string]struct{}, len(users))}
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			g.allowed[u] = struct{}{}
		}
	}
	return g
}

// Allows reports whether userID may use the bot
func (g *OwnerGate) Allows(userID string) bool {
	if g == nil || len(g.allowed) == 0 {
		return true
	}
	_, ok := g.allowed[userID]
	return ok
}

// VoiceHandler answers an uploaded voice message with a spoken reply
type VoiceHandler struct {
	pipeline  Submitter
	gate      *OwnerGate
	maxSizeMB int
	logger    *slog.Logger
}

// NewVoiceHandler creates a new upload handler
func NewVoiceHandler(p Submitter, gate *OwnerGate, maxSizeMB int, logger *slog.Logger) *VoiceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceHandler{
		pipeline:  p,
		gate:      gate,
		maxSizeMB: maxSizeMB,
		logger:    logger.With("component", "voice_handler"),
	}
}

// Handle processes POST /voice
func (h *VoiceHandler) Handle(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.FormValue("user_id"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
			"code":  "ERR_NO_USER",
		})
	}
	if !h.gate.Allows(userID) {
		h.logger.Info("voice message from non-owner ignored", "user_id", userID)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": forbiddenMessage,
			"code":  "forbidden",
		})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	if !codec.SupportedInput(file.Filename) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported audio format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	f, err := file.Open()
	if err != nil {
		h.logger.Error("failed to open upload", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read file",
			"code":  "ERR_READ_FAILED",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil || len(data) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Empty or unreadable file",
			"code":  "ERR_READ_FAILED",
		})
	}

	hint := strings.TrimPrefix(filepath.Ext(file.Filename), ".")
	job := pipeline.NewJob(userID, types.SourceUpload, data, hint)

	out := h.pipeline.Submit(c.UserContext(), job)
	return writeOutcome(c, out)
}

// writeOutcome sends reply audio or a JSON error with a fixed message
func writeOutcome(c *fiber.Ctx, out *pipeline.Outcome) error {
	c.Set("X-Job-ID", out.JobID)
	if out.OK() {
		c.Set(fiber.HeaderContentType, pipeline.ContentType(out.Format))
		return c.Send(out.Audio)
	}

	status := statusFor(out.Err.Kind)
	if status == fiber.StatusServiceUnavailable && out.Err.Transient {
		c.Set(fiber.HeaderRetryAfter, "30")
	}
	return c.Status(status).JSON(errorBody(out))
}

// errorBody carries the reply text when only synthesis or encoding failed
func errorBody(out *pipeline.Outcome) fiber.Map {
	body := fiber.Map{
		"error":  out.Err.UserMessage(),
		"code":   string(out.Err.Kind),
		"job_id": out.JobID,
	}
	if text := out.TextFallback(); text != "" {
		body["reply"] = text
	}
	return body
}

func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindCapacityExceeded, pipeline.KindAuthenticationRejected:
		return fiber.StatusServiceUnavailable
	case pipeline.KindDecodeFailed:
		return fiber.StatusUnprocessableEntity
	case pipeline.KindTimeout:
		return fiber.StatusGatewayTimeout
	case pipeline.KindCancelled:
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusBadGateway
	}
}
